package speed

import (
	"fmt"
	"math"
	"time"
)

// Unknown is displayed when no ETA can be computed.
const Unknown = "--:--"

const maxDisplaySeconds = 100*3600 - 1

// RemainingTime formats (total-done)/speed.
func RemainingTime(total, done int64, bytesPerSecond float64) string {
	if total <= 0 || bytesPerSecond <= 0 || math.IsNaN(bytesPerSecond) || math.IsInf(bytesPerSecond, 0) {
		return Unknown
	}

	left := total - done
	if left < 0 {
		left = 0
	}

	return FormatDuration(float64(left) / bytesPerSecond)
}

// FormatDuration renders seconds as "mm:ss" below an hour and "hh:mm:ss" above.
func FormatDuration(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 || seconds > maxDisplaySeconds {
		return Unknown
	}

	secs := int(math.Ceil(seconds))
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}

	return fmt.Sprintf("%02d:%02d", m, s)
}

// Guard suppresses implausible upward jumps in progress for a short window
// after a resume started.
type Guard struct {
	Window  time.Duration
	MaxJump float64
}

// Allow reports whether moving from prev to next is acceptable at now for a
// resume that began at since.
func (g Guard) Allow(prev, next float64, since, now time.Time) bool {
	if since.IsZero() || now.Sub(since) >= g.Window {
		return true
	}

	return next-prev <= g.MaxJump
}

// Active reports whether the guard window is still open.
func (g Guard) Active(since, now time.Time) bool {
	return !since.IsZero() && now.Sub(since) < g.Window
}
