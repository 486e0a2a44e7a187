// Package speed smooths byte counters into a throughput and an ETA.
package speed

import (
	"time"
)

const (
	// DefaultWindow is the number of samples averaged.
	DefaultWindow = 10
	// DefaultMinInterval is the minimum spacing between two accepted observations.
	DefaultMinInterval = 100 * time.Millisecond
	// DefaultCeiling is the largest plausible rate in bytes per second.
	DefaultCeiling = 100 * 1024 * 1024
	// DefaultStall is how long a counter may stand still before the speed reads zero.
	DefaultStall = 5 * time.Second
)

type tracker struct {
	lastSize int64
	lastAt   time.Time
	samples  []float64
	lastGood float64
	instant  float64
	smoothed float64
}

// Estimator keeps one rolling sample window per record id. It is not safe for
// concurrent use; a single owner must serialise calls.
type Estimator struct {
	Window      int
	MinInterval time.Duration
	Ceiling     float64
	Stall       time.Duration

	trackers map[string]*tracker
}

// NewEstimator creates an Estimator. Zero arguments fall back to the defaults.
func NewEstimator(window int, ceiling float64) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}

	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	return &Estimator{
		Window:      window,
		MinInterval: DefaultMinInterval,
		Ceiling:     ceiling,
		Stall:       DefaultStall,
		trackers:    make(map[string]*tracker),
	}
}

// Observe records the cumulative size of id at time at and returns the
// smoothed speed in bytes per second.
func (e *Estimator) Observe(id string, size int64, at time.Time) float64 {
	t, ok := e.trackers[id]
	if !ok {
		e.trackers[id] = &tracker{lastSize: size, lastAt: at}

		return 0
	}

	dt := at.Sub(t.lastAt)
	if dt < e.MinInterval {
		return t.smoothed
	}

	delta := size - t.lastSize

	switch {
	case delta < 0:
		*t = tracker{lastSize: size, lastAt: at}

		return 0
	case delta == 0:
		if e.Stall > 0 && dt >= e.Stall {
			t.samples = t.samples[:0]
			t.instant = 0
			t.smoothed = 0
		}

		return t.smoothed
	}

	rate := float64(delta) / dt.Seconds()
	t.lastSize = size
	t.lastAt = at

	if rate > e.Ceiling {
		t.instant = t.lastGood
		if len(t.samples) == 0 {
			t.smoothed = t.lastGood
		}

		return t.smoothed
	}

	t.samples = append(t.samples, rate)
	if len(t.samples) > e.Window {
		t.samples = t.samples[len(t.samples)-e.Window:]
	}

	t.lastGood = rate
	t.instant = rate
	t.smoothed = mean(t.samples)

	return t.smoothed
}

// Speed returns the last smoothed speed of id.
func (e *Estimator) Speed(id string) float64 {
	if t, ok := e.trackers[id]; ok {
		return t.smoothed
	}

	return 0
}

// Instant returns the last accepted instantaneous rate of id.
func (e *Estimator) Instant(id string) float64 {
	if t, ok := e.trackers[id]; ok {
		return t.instant
	}

	return 0
}

// Reset clears the samples of id and rebases it at size.
func (e *Estimator) Reset(id string, size int64, at time.Time) {
	e.trackers[id] = &tracker{lastSize: size, lastAt: at}
}

// Remove forgets id.
func (e *Estimator) Remove(id string) {
	delete(e.trackers, id)
}

// Len returns the number of tracked ids.
func (e *Estimator) Len() int {
	return len(e.trackers)
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}

	var sum float64
	for _, s := range v {
		sum += s
	}

	return sum / float64(len(v))
}
