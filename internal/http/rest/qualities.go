package rest

import (
	"context"
)

// Quality is one selectable media format.
type Quality struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Format string `json:"format"`
	Height int    `json:"height,omitempty"`
	Audio  bool   `json:"audioOnly,omitempty"`
}

// QualityLister returns the formats offered for a media URL.
type QualityLister interface {
	Qualities(ctx context.Context, url string) ([]Quality, error)
}

// QualityCatalog is a fixed list offered for every URL. The extractor picks
// the closest available format at download time.
type QualityCatalog []Quality

// DefaultQualities is the catalog served when none is configured.
var DefaultQualities = QualityCatalog{
	{ID: "best", Label: "Best available", Format: "mp4"},
	{ID: "2160", Label: "2160p", Format: "mp4", Height: 2160},
	{ID: "1440", Label: "1440p", Format: "mp4", Height: 1440},
	{ID: "1080", Label: "1080p", Format: "mp4", Height: 1080},
	{ID: "720", Label: "720p", Format: "mp4", Height: 720},
	{ID: "480", Label: "480p", Format: "mp4", Height: 480},
	{ID: "360", Label: "360p", Format: "mp4", Height: 360},
	{ID: "audio", Label: "Audio only", Format: "m4a", Audio: true},
}

func (c QualityCatalog) Qualities(context.Context, string) ([]Quality, error) {
	return append([]Quality(nil), c...), nil
}
