package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"podownloader/internal/classify"
)

// Policy computes exponential-backoff delays and decides whether a failed
// attempt should be retried. A Policy is safe for concurrent use.
type Policy struct {
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	backoffBase   float64
	jitterEnabled bool
	jitterFactor  float64

	classifier *classify.Classifier

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Options configures a Policy. Zero values fall back to the documented
// defaults (3 retries, 1s base, 60s cap, base 2.0, jitter ±10%).
type Options struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffBase   float64
	JitterEnabled bool
	JitterFactor  float64
}

// NewPolicy creates a retry policy backed by the given classifier. The
// classifier may be nil, in which case every error is treated as retryable.
func NewPolicy(opts Options, classifier *classify.Classifier) *Policy {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 60 * time.Second
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 2.0
	}
	if opts.JitterFactor == 0 {
		opts.JitterFactor = 0.1
	}

	return &Policy{
		maxRetries:    opts.MaxRetries,
		baseDelay:     opts.BaseDelay,
		maxDelay:      opts.MaxDelay,
		backoffBase:   opts.BackoffBase,
		jitterEnabled: opts.JitterEnabled,
		jitterFactor:  opts.JitterFactor,
		classifier:    classifier,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaxRetries returns the configured retry ceiling.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Delay returns the backoff delay before retrying the given zero-indexed
// attempt: min(maxDelay, baseDelay * backoffBase^attempt), optionally
// perturbed by a uniform ±jitterFactor and clamped to >= 0.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.baseDelay) * math.Pow(p.backoffBase, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}

	if p.jitterEnabled {
		p.rngMu.Lock()
		// Uniform in [-jitterFactor, +jitterFactor].
		perturbation := (p.rng.Float64()*2 - 1) * p.jitterFactor
		p.rngMu.Unlock()
		delay *= 1 + perturbation
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether the given error warrants another attempt.
// attempt is zero-indexed: with maxRetries=3, attempts 0, 1 and 2 may retry
// and attempt 3 may not, yielding maxRetries+1 total executions.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxRetries {
		return false
	}
	if err == nil {
		return false
	}
	if p.classifier != nil {
		if c := p.classifier.Classify(err); !c.Retryable {
			return false
		}
	}
	return true
}
