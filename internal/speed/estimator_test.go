package speed

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_Smoothing(t *testing.T) {
	e := NewEstimator(3, 0)
	t0 := time.Unix(1000, 0)

	assert.InDelta(t, 0.0, e.Observe("a", 0, t0), 0)
	assert.InDelta(t, 1000.0, e.Observe("a", 1000, t0.Add(time.Second)), 0.001)
	assert.InDelta(t, 2000.0, e.Observe("a", 4000, t0.Add(2*time.Second)), 0.001)
	assert.InDelta(t, 10000.0/3, e.Observe("a", 10000, t0.Add(3*time.Second)), 0.001)
	// window of 3 drops the first sample: (3000+6000+7000)/3
	got := e.Observe("a", 17000, t0.Add(4*time.Second))
	assert.InDelta(t, (3000.0+6000.0+7000.0)/3, got, 0.001)
	assert.InDelta(t, 7000.0, e.Instant("a"), 0.001)
}

func TestEstimator_MinInterval(t *testing.T) {
	e := NewEstimator(0, 0)
	t0 := time.Unix(1000, 0)

	e.Observe("a", 0, t0)
	e.Observe("a", 1000, t0.Add(time.Second))

	assert.InDelta(t, 1000.0, e.Observe("a", 900000, t0.Add(time.Second+50*time.Millisecond)), 0.001)
}

func TestEstimator_Ceiling(t *testing.T) {
	t.Run("no previous value reads zero", func(t *testing.T) {
		e := NewEstimator(0, 0)
		t0 := time.Unix(1000, 0)

		e.Observe("a", 0, t0)
		got := e.Observe("a", 200*1024*1024, t0.Add(time.Second))

		assert.InDelta(t, 0.0, got, 0)
		assert.InDelta(t, 0.0, e.Instant("a"), 0)
	})

	t.Run("keeps last good value", func(t *testing.T) {
		e := NewEstimator(0, 0)
		t0 := time.Unix(1000, 0)

		e.Observe("a", 0, t0)
		e.Observe("a", 5000, t0.Add(time.Second))
		got := e.Observe("a", 5000+101*1024*1024, t0.Add(2*time.Second))

		assert.InDelta(t, 5000.0, got, 0.001)
		assert.InDelta(t, 5000.0, e.Instant("a"), 0.001)
		assert.LessOrEqual(t, e.Speed("a"), float64(DefaultCeiling))
	})
}

func TestEstimator_StallAndRestart(t *testing.T) {
	e := NewEstimator(0, 0)
	t0 := time.Unix(1000, 0)

	e.Observe("a", 0, t0)
	e.Observe("a", 1000, t0.Add(time.Second))

	// a short stall keeps the baseline so the next delta spans it
	assert.InDelta(t, 1000.0, e.Observe("a", 1000, t0.Add(2*time.Second)), 0.001)
	got := e.Observe("a", 3000, t0.Add(3*time.Second))
	assert.InDelta(t, (1000.0+1000.0)/2, got, 0.001)

	// a long stall reads zero
	assert.InDelta(t, 0.0, e.Observe("a", 3000, t0.Add(10*time.Second)), 0)

	// a smaller counter is an explicit restart
	assert.InDelta(t, 0.0, e.Observe("a", 10, t0.Add(11*time.Second)), 0)
	assert.InDelta(t, 100.0, e.Observe("a", 110, t0.Add(12*time.Second)), 0.001)
}

func TestEstimator_Remove(t *testing.T) {
	e := NewEstimator(0, 0)
	e.Observe("a", 0, time.Unix(0, 0))
	e.Observe("b", 0, time.Unix(0, 0))
	assert.Equal(t, 2, e.Len())

	e.Remove("a")
	assert.Equal(t, 1, e.Len())
	assert.InDelta(t, 0.0, e.Speed("a"), 0)
}

func TestRemainingTime(t *testing.T) {
	tests := []struct {
		name  string
		total int64
		done  int64
		speed float64
		want  string
	}{
		{name: "seconds", total: 100, done: 70, speed: 1, want: "00:30"},
		{name: "hours", total: 3661, done: 0, speed: 1, want: "01:01:01"},
		{name: "zero speed", total: 100, done: 0, speed: 0, want: Unknown},
		{name: "unknown total", total: 0, done: 0, speed: 10, want: Unknown},
		{name: "nan", total: 100, done: 0, speed: math.NaN(), want: Unknown},
		{name: "inf", total: 100, done: 0, speed: math.Inf(1), want: Unknown},
		{name: "overshoot", total: 100, done: 200, speed: 10, want: "00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RemainingTime(tt.total, tt.done, tt.speed))
		})
	}
}

func TestGuard(t *testing.T) {
	g := Guard{Window: 3 * time.Second, MaxJump: 0.05}
	since := time.Unix(1000, 0)

	assert.False(t, g.Allow(0.40, 0.90, since, since.Add(time.Second)))
	assert.True(t, g.Allow(0.40, 0.43, since, since.Add(time.Second)))
	assert.True(t, g.Allow(0.40, 0.90, since, since.Add(4*time.Second)))
	assert.True(t, g.Allow(0.40, 0.90, time.Time{}, since))
	assert.True(t, g.Active(since, since.Add(time.Second)))
	assert.False(t, g.Active(since, since.Add(3*time.Second)))
}
