package transfer

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Kind selects the backend that carries out a record for its whole life.
type Kind string

const (
	KindNormal  Kind = "normal"
	KindTorrent Kind = "torrent"
	KindMedia   Kind = "media"
)

// ParseKind converts a persisted or user supplied value into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindNormal, "":
		return KindNormal, nil
	case KindTorrent:
		return KindTorrent, nil
	case KindMedia:
		return KindMedia, nil
	}

	return "", fmt.Errorf("unknown transfer kind %q", s)
}

var mediaHosts = []string{
	"youtube.com",
	"youtu.be",
	"vimeo.com",
	"dailymotion.com",
	"twitch.tv",
	"soundcloud.com",
}

// KindForURL guesses the classification of a raw URL.
func KindForURL(raw string) Kind {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(lower, "magnet:") {
		return KindTorrent
	}

	u, err := url.Parse(lower)
	if err != nil {
		return KindNormal
	}

	ext := path.Ext(u.Path)

	switch ext {
	case ".torrent":
		return KindTorrent
	case ".m3u8", ".mpd":
		return KindMedia
	}

	host := strings.TrimPrefix(u.Hostname(), "www.")
	host = strings.TrimPrefix(host, "m.")

	for _, h := range mediaHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return KindMedia
		}
	}

	return KindNormal
}

// Status is the lifecycle state of a record.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible without an
// explicit restart.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether the record occupies, or is about to occupy, a
// backend slot.
func (s Status) IsActive() bool {
	return s == StatusDownloading
}

var transitions = map[Status][]Status{
	StatusWaiting:     {StatusDownloading, StatusPaused, StatusCancelled, StatusCompleted, StatusFailed},
	StatusDownloading: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled, StatusWaiting},
	StatusPaused:      {StatusDownloading, StatusWaiting, StatusCancelled, StatusCompleted},
	StatusFailed:      {StatusWaiting, StatusDownloading, StatusCancelled},
	StatusCompleted:   {},
	StatusCancelled:   {},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}

	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}
