package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimateRemaining(t *testing.T) {
	t.Run("Should return zero with no samples", func(t *testing.T) {
		tr := NewTracker(10, 0.4)

		assert.Equal(t, Estimate{}, tr.EstimateRemaining())
	})

	t.Run("Should scale the median by the remaining count", func(t *testing.T) {
		tr := NewTracker(10, 0.4)
		for i := 0; i < 4; i++ {
			tr.RecordCompletion(2 * time.Second)
		}

		est := tr.EstimateRemaining()
		assert.Equal(t, 12*time.Second, est.Point, "6 remaining items at 2s median")
		assert.Equal(t, est.Point, est.Conservative, "Zero spread means no widening")
	})

	t.Run("Should resist outliers through the median", func(t *testing.T) {
		// One pathological 10s item among 1s items must not quintuple the
		// estimate the way a mean would.
		tr := NewTracker(20, 0.4)
		for _, d := range []time.Duration{
			time.Second, time.Second, time.Second, time.Second, time.Second, 10 * time.Second,
		} {
			tr.RecordCompletion(d)
		}

		est := tr.EstimateRemaining()
		perItem := est.Point / 14
		assert.Less(t, perItem, 2*time.Second, "Per-item estimate should stay near the typical duration")
		assert.Greater(t, est.Conservative, est.Point, "High variance must widen the conservative bound")
		assert.Less(t, est.Optimistic, est.Point)
	})

	t.Run("Should return zero once everything is processed", func(t *testing.T) {
		tr := NewTracker(1, 0.4)
		tr.RecordCompletion(time.Second)

		assert.Equal(t, Estimate{}, tr.EstimateRemaining())
	})
}

func TestTrendFactor(t *testing.T) {
	t.Run("Should report neutral with fewer than ten samples", func(t *testing.T) {
		tr := NewTracker(20, 0.4)
		for i := 0; i < 9; i++ {
			tr.RecordCompletion(time.Second)
		}

		assert.Equal(t, 1.0, tr.TrendFactor())
	})

	t.Run("Should detect a slowdown", func(t *testing.T) {
		tr := NewTracker(20, 0.4)
		for i := 0; i < 5; i++ {
			tr.RecordCompletion(time.Second)
		}
		for i := 0; i < 5; i++ {
			tr.RecordCompletion(2 * time.Second)
		}

		assert.InDelta(t, 2.0, tr.TrendFactor(), 0.001)
	})

	t.Run("Should detect a speedup", func(t *testing.T) {
		tr := NewTracker(20, 0.4)
		for i := 0; i < 5; i++ {
			tr.RecordCompletion(2 * time.Second)
		}
		for i := 0; i < 5; i++ {
			tr.RecordCompletion(time.Second)
		}

		assert.InDelta(t, 0.5, tr.TrendFactor(), 0.001)
	})
}

func TestConfidence(t *testing.T) {
	t.Run("Should report the floor with fewer than two samples", func(t *testing.T) {
		tr := NewTracker(10, 0.4)
		assert.Equal(t, 0.1, tr.Confidence())

		tr.RecordCompletion(time.Second)
		assert.Equal(t, 0.1, tr.Confidence())
	})

	t.Run("Should report the ceiling for uniform durations", func(t *testing.T) {
		tr := NewTracker(10, 0.4)
		for i := 0; i < 5; i++ {
			tr.RecordCompletion(time.Second)
		}

		assert.Equal(t, 0.95, tr.Confidence())
	})

	t.Run("Should drop as durations spread", func(t *testing.T) {
		tr := NewTracker(10, 0.4)
		tr.RecordCompletion(100 * time.Millisecond)
		tr.RecordCompletion(10 * time.Second)

		uniform := NewTracker(10, 0.4)
		uniform.RecordCompletion(time.Second)
		uniform.RecordCompletion(time.Second)

		assert.Less(t, tr.Confidence(), uniform.Confidence())
	})
}

func TestSnapshot(t *testing.T) {
	t.Run("Should derive percent and counts", func(t *testing.T) {
		tr := NewTracker(4, 0.4)
		tr.RecordCompletion(time.Second)
		tr.RecordFailure(time.Second)

		snap := tr.Snapshot()
		assert.Equal(t, 2, snap.Processed)
		assert.Equal(t, 1, snap.Failed)
		assert.Equal(t, 4, snap.Total)
		assert.Equal(t, 50.0, snap.Percent)
		assert.Greater(t, snap.Confidence, 0.0)
	})

	t.Run("Should report the conservative estimate under low confidence", func(t *testing.T) {
		// Two wildly different durations push confidence to the floor,
		// below the 0.4 threshold.
		tr := NewTracker(10, 0.4)
		tr.RecordCompletion(100 * time.Millisecond)
		tr.RecordCompletion(10 * time.Second)

		snap := tr.Snapshot()
		est := tr.EstimateRemaining()

		assert.Less(t, snap.Confidence, 0.4)
		assert.InDelta(t, est.Conservative.Seconds(), snap.EstimatedRemainingSeconds, 0.001)
		assert.Greater(t, snap.EstimatedRemainingSeconds, est.Point.Seconds())
	})
}

func TestRollingWindow(t *testing.T) {
	t.Run("Should keep only the newest twenty durations", func(t *testing.T) {
		tr := NewTracker(100, 0.4)
		for i := 0; i < 30; i++ {
			tr.RecordCompletion(10 * time.Second)
		}
		for i := 0; i < 20; i++ {
			tr.RecordCompletion(time.Second)
		}

		// The old 10s samples have rolled out of the window entirely.
		assert.Equal(t, time.Second, tr.Median())
		assert.Equal(t, time.Second, tr.Average())
	})
}
