package progress

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	durationWindowSize = 20
	phaseWindowSize    = 8
	trendSampleCount   = 5
)

// Snapshot is a derived, on-demand view of batch progress.
type Snapshot struct {
	Processed                 int     `json:"processed"`
	Failed                    int     `json:"failed"`
	Total                     int     `json:"total"`
	Percent                   float64 `json:"percent"`
	ElapsedSeconds            float64 `json:"elapsed_seconds"`
	EstimatedRemainingSeconds float64 `json:"estimated_remaining_seconds"`
	Confidence                float64 `json:"confidence"` // 0-1, from duration variability
}

// Estimate carries the three remaining-time variants the tracker produces.
type Estimate struct {
	Point        time.Duration
	Conservative time.Duration
	Optimistic   time.Duration
}

// Tracker consumes completion events and produces adaptive remaining-time
// estimates from a rolling window of observed per-item durations. Safe for
// concurrent use by all workers.
type Tracker struct {
	mu        sync.Mutex
	total     int
	processed int
	failed    int
	startedAt time.Time

	durations []time.Duration // rolling window, newest last
	phases    []time.Duration // shorter window of phase durations

	confidenceThreshold float64
}

// NewTracker creates a tracker for a batch of total items. Below
// confidenceThreshold the session should report the conservative estimate
// instead of the point estimate.
func NewTracker(total int, confidenceThreshold float64) *Tracker {
	return &Tracker{
		total:               total,
		startedAt:           time.Now(),
		confidenceThreshold: confidenceThreshold,
	}
}

// RecordCompletion feeds one successful item duration into the window.
func (t *Tracker) RecordCompletion(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
	t.pushDuration(d)
}

// RecordFailure counts a terminally failed item. Its duration still informs
// the window since a failed item occupied a worker for that long.
func (t *Tracker) RecordFailure(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
	t.failed++
	t.pushDuration(d)
}

// RecordPhase feeds one phase duration (login, navigation, download) into
// the shorter phase window.
func (t *Tracker) RecordPhase(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phases = append(t.phases, d)
	if len(t.phases) > phaseWindowSize {
		t.phases = t.phases[len(t.phases)-phaseWindowSize:]
	}
}

func (t *Tracker) pushDuration(d time.Duration) {
	t.durations = append(t.durations, d)
	if len(t.durations) > durationWindowSize {
		t.durations = t.durations[len(t.durations)-durationWindowSize:]
	}
}

// TrendFactor compares the mean of the last five samples against the five
// before them. Values above 1.0 mean recent items are slowing down. With
// fewer than ten samples it reports 1.0.
func (t *Tracker) TrendFactor() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trendFactorLocked()
}

func (t *Tracker) trendFactorLocked() float64 {
	n := len(t.durations)
	if n < 2*trendSampleCount {
		return 1.0
	}
	recent := mean(t.durations[n-trendSampleCount:])
	prior := mean(t.durations[n-2*trendSampleCount : n-trendSampleCount])
	if prior <= 0 {
		return 1.0
	}
	return recent / prior
}

// EstimateRemaining returns the point, conservative and optimistic
// remaining-time estimates for the items not yet processed.
func (t *Tracker) EstimateRemaining() Estimate {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := t.total - t.processed
	if remaining <= 0 || len(t.durations) == 0 {
		return Estimate{}
	}

	med := median(t.durations)
	sd := stddev(t.durations)
	point := med * t.trendFactorLocked() * float64(remaining)

	spread := 0.0
	if med > 0 {
		spread = sd / med
	}
	conservative := point * (1 + spread)
	optimistic := point * math.Max(0.5, 1-spread*0.5)

	return Estimate{
		Point:        time.Duration(point),
		Conservative: time.Duration(conservative),
		Optimistic:   time.Duration(optimistic),
	}
}

// Confidence derives an estimate confidence from the coefficient of
// variation of recent durations, clamped to [0.1, 0.95].
func (t *Tracker) Confidence() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confidenceLocked()
}

func (t *Tracker) confidenceLocked() float64 {
	if len(t.durations) < 2 {
		return 0.1
	}
	m := mean(t.durations)
	if m <= 0 {
		return 0.1
	}
	cv := stddev(t.durations) / m
	return clamp(1-cv, 0.1, 0.95)
}

// Snapshot computes the current derived progress view. When confidence is
// below the configured threshold the reported remaining time is the
// conservative estimate rather than the point estimate.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	processed := t.processed
	failed := t.failed
	total := t.total
	elapsed := time.Since(t.startedAt)
	confidence := t.confidenceLocked()
	threshold := t.confidenceThreshold
	t.mu.Unlock()

	est := t.EstimateRemaining()
	remaining := est.Point
	if confidence < threshold {
		remaining = est.Conservative
	}

	percent := 0.0
	if total > 0 {
		percent = float64(processed) / float64(total) * 100
	}

	return Snapshot{
		Processed:                 processed,
		Failed:                    failed,
		Total:                     total,
		Percent:                   percent,
		ElapsedSeconds:            elapsed.Seconds(),
		EstimatedRemainingSeconds: remaining.Seconds(),
		Confidence:                confidence,
	}
}

// Average returns the mean of the rolling duration window.
func (t *Tracker) Average() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(mean(t.durations))
}

// Median returns the median of the rolling duration window.
func (t *Tracker) Median() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(median(t.durations))
}

func mean(ds []time.Duration) float64 {
	if len(ds) == 0 {
		return 0
	}
	var sum float64
	for _, d := range ds {
		sum += float64(d)
	}
	return sum / float64(len(ds))
}

func median(ds []time.Duration) float64 {
	if len(ds) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

func stddev(ds []time.Duration) float64 {
	if len(ds) < 2 {
		return 0
	}
	m := mean(ds)
	var sum float64
	for _, d := range ds {
		diff := float64(d) - m
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(ds)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
