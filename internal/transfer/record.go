package transfer

import (
	"fmt"
	"maps"
	"math"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaStrategy selects how a media record is fetched.
type MediaStrategy string

const (
	// MediaDirect runs one extractor process that downloads and muxes in a single invocation.
	MediaDirect MediaStrategy = "direct"
	// MediaPipeline extracts stream URLs, fetches them in parallel and muxes them separately.
	MediaPipeline MediaStrategy = "pipeline"
)

// MediaOptions carries the media-specific choices of a record.
type MediaOptions struct {
	Format    string        `json:"format,omitempty"`
	Quality   string        `json:"quality,omitempty"`
	Title     string        `json:"title,omitempty"`
	Strategy  MediaStrategy `json:"strategy,omitempty"`
	AudioOnly bool          `json:"audio_only,omitempty"`
}

// TorrentFile is one entry of a torrent's file list.
type TorrentFile struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Length   int64  `json:"length"`
	Selected bool   `json:"selected"`
}

// TorrentOptions carries the file selection of a torrent record.
type TorrentOptions struct {
	Files []TorrentFile `json:"files,omitempty"`
}

// SelectedIndexes returns the 1-based indexes of the selected files. An empty
// result means every file is wanted.
func (o *TorrentOptions) SelectedIndexes() []int {
	if o == nil {
		return nil
	}

	var idx []int

	for _, f := range o.Files {
		if f.Selected {
			idx = append(idx, f.Index)
		}
	}

	if len(idx) == len(o.Files) {
		return nil
	}

	return idx
}

// Snapshot freezes the displayed values at the moment connectivity was lost.
type Snapshot struct {
	Speed     float64   `json:"speed"`
	Progress  float64   `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the mutable state of one user requested transfer.
type Record struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	FileName       string            `json:"file_name"`
	SavePath       string            `json:"save_path"`
	Kind           Kind              `json:"kind"`
	Status         Status            `json:"status"`
	StatusText     string            `json:"status_text,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Progress       float64           `json:"progress"`
	DownloadedSize int64             `json:"downloaded_size"`
	FileSize       int64             `json:"file_size"`
	InstantSpeed   float64           `json:"instant_speed"`
	SmoothedSpeed  float64           `json:"smoothed_speed"`
	RemainingTime  string            `json:"remaining_time"`
	ChunkCount     int               `json:"chunk_count"`
	Headers        map[string]string `json:"headers,omitempty"`
	CookiesPath    string            `json:"cookies_path,omitempty"`
	PeerCount      int               `json:"peer_count"`
	SeedCount      int               `json:"seed_count"`
	UploadSpeed    float64           `json:"upload_speed"`
	RetryCount     int               `json:"retry_count"`

	WasManuallyPaused  bool      `json:"was_manually_paused"`
	IsResuming         bool      `json:"is_resuming"`
	ResumingSince      time.Time `json:"resuming_since,omitzero"`
	DisconnectSnapshot *Snapshot `json:"disconnect_snapshot,omitempty"`

	Media   *MediaOptions   `json:"media,omitempty"`
	Torrent *TorrentOptions `json:"torrent,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// AddRequest describes a new transfer as submitted by the UI or the control plane.
type AddRequest struct {
	URL         string
	FileName    string
	SavePath    string
	Kind        Kind
	Headers     map[string]string
	CookiesPath string
	ChunkCount  int
	Media       *MediaOptions
	Torrent     *TorrentOptions
}

// Validate checks the minimum a request needs before a record is created.
func (r AddRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return &ProtocolError{Reason: "missing url"}
	}

	if strings.TrimSpace(r.SavePath) == "" {
		return &ResourceError{Reason: "missing save path"}
	}

	return nil
}

// NewRecord creates a waiting record from a request.
func NewRecord(req AddRequest, now time.Time) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = KindForURL(req.URL)
	}

	if _, err := ParseKind(string(kind)); err != nil {
		return nil, &ProtocolError{URL: req.URL, Reason: err.Error()}
	}

	name := req.FileName
	if name == "" {
		name = fileNameFromURL(req.URL)
	}

	id := uuid.NewString()

	if kind == KindMedia && mediaNeedsName(name, req.FileName, req.Media) {
		name = mediaFileName(req.Media, id)
	}

	if name == "" {
		return nil, &ProtocolError{URL: req.URL, Reason: "cannot derive a file name"}
	}

	r := &Record{
		ID:            id,
		URL:           req.URL,
		FileName:      name,
		SavePath:      req.SavePath,
		Kind:          kind,
		Status:        StatusWaiting,
		RemainingTime: "--:--",
		ChunkCount:    req.ChunkCount,
		Headers:       maps.Clone(req.Headers),
		CookiesPath:   req.CookiesPath,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.Media != nil {
		m := *req.Media
		r.Media = &m
	}

	if req.Torrent != nil {
		r.Torrent = &TorrentOptions{Files: append([]TorrentFile(nil), req.Torrent.Files...)}
	}

	return r, nil
}

func fileNameFromURL(raw string) string {
	if strings.HasPrefix(raw, "magnet:") {
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}

		return strings.TrimSpace(u.Query().Get("dn"))
	}

	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}

	raw = strings.TrimRight(raw, "/")

	i := strings.LastIndex(raw, "/")
	if i < 0 || i == len(raw)-1 {
		return ""
	}

	name := raw[i+1:]
	if strings.Contains(name, ":") && !strings.Contains(name, ".") {
		return ""
	}

	return name
}

// manifestExts name playlists that yt-dlp expands into real media; they are
// never a valid output container.
var manifestExts = map[string]bool{
	".m3u8": true,
	".m3u":  true,
	".mpd":  true,
	".ism":  true,
	".f4m":  true,
}

// mediaNeedsName reports whether a media record must be named from its
// options instead of the URL-derived name.
func mediaNeedsName(name, requested string, opts *MediaOptions) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || manifestExts[ext] {
		return true
	}

	return requested == "" && opts != nil && strings.TrimSpace(opts.Title) != ""
}

func mediaFileName(opts *MediaOptions, id string) string {
	base := "video-" + id[:8]
	ext := ".mp4"

	if opts != nil {
		if t := strings.Map(func(r rune) rune {
			if strings.ContainsRune(`/\<>:"|?*`, r) || r < 0x20 {
				return -1
			}

			return r
		}, strings.TrimSpace(opts.Title)); t != "" {
			base = t
		}

		if opts.AudioOnly {
			ext = ".mp3"
		}
	}

	return base + ext
}

// FinalPath is where the committed file lives.
func (r *Record) FinalPath() string {
	return filepath.Join(r.SavePath, r.FileName)
}

// Clone returns a deep copy that shares nothing with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := *r
	c.Headers = maps.Clone(r.Headers)

	if r.DisconnectSnapshot != nil {
		s := *r.DisconnectSnapshot
		c.DisconnectSnapshot = &s
	}

	if r.Media != nil {
		m := *r.Media
		c.Media = &m
	}

	if r.Torrent != nil {
		c.Torrent = &TorrentOptions{Files: append([]TorrentFile(nil), r.Torrent.Files...)}
	}

	return &c
}

// ClampProgress enforces 0 <= progress <= 1 and downloaded <= total.
func (r *Record) ClampProgress() {
	switch {
	case r.Progress < 0 || math.IsNaN(r.Progress):
		r.Progress = 0
	case r.Progress > 1:
		r.Progress = 1
	}

	if r.DownloadedSize < 0 {
		r.DownloadedSize = 0
	}

	if r.FileSize > 0 && r.DownloadedSize > r.FileSize {
		r.DownloadedSize = r.FileSize
	}
}

// ResetProgress zeroes every progress and speed field. Only an explicit restart may call it.
func (r *Record) ResetProgress() {
	r.Progress = 0
	r.DownloadedSize = 0
	r.InstantSpeed = 0
	r.SmoothedSpeed = 0
	r.UploadSpeed = 0
	r.PeerCount = 0
	r.SeedCount = 0
	r.RemainingTime = "--:--"
	r.RetryCount = 0
	r.FailureReason = ""
	r.DisconnectSnapshot = nil
	r.IsResuming = false
	r.ResumingSince = time.Time{}
	r.CompletedAt = time.Time{}
}

func (r *Record) String() string {
	return fmt.Sprintf("%s[%s %s %.1f%%]", r.ID, r.Kind, r.Status, r.Progress*100)
}
