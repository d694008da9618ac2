package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"podownloader/internal/classify"
)

func TestDelay(t *testing.T) {
	t.Run("Should grow exponentially without jitter", func(t *testing.T) {
		p := NewPolicy(Options{
			MaxRetries:  3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			BackoffBase: 2.0,
		}, nil)

		assert.Equal(t, 100*time.Millisecond, p.Delay(0))
		assert.Equal(t, 200*time.Millisecond, p.Delay(1))
		assert.Equal(t, 400*time.Millisecond, p.Delay(2))
		assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	})

	t.Run("Should cap at max delay", func(t *testing.T) {
		p := NewPolicy(Options{
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
			BackoffBase: 2.0,
		}, nil)

		assert.Equal(t, 5*time.Second, p.Delay(10))
	})

	t.Run("Should treat negative attempt as zero", func(t *testing.T) {
		p := NewPolicy(Options{BaseDelay: 100 * time.Millisecond, BackoffBase: 2.0}, nil)

		assert.Equal(t, p.Delay(0), p.Delay(-1))
	})

	t.Run("Should perturb within the jitter band", func(t *testing.T) {
		p := NewPolicy(Options{
			BaseDelay:     1 * time.Second,
			MaxDelay:      60 * time.Second,
			BackoffBase:   2.0,
			JitterEnabled: true,
			JitterFactor:  0.1,
		}, nil)

		for i := 0; i < 100; i++ {
			d := p.Delay(0)
			assert.GreaterOrEqual(t, d, 900*time.Millisecond)
			assert.LessOrEqual(t, d, 1100*time.Millisecond)
		}
	})

	t.Run("Should never return a negative delay", func(t *testing.T) {
		p := NewPolicy(Options{
			BaseDelay:     1 * time.Millisecond,
			JitterEnabled: true,
			JitterFactor:  1.0,
		}, nil)

		for i := 0; i < 100; i++ {
			assert.GreaterOrEqual(t, p.Delay(0), time.Duration(0))
		}
	})
}

func TestShouldRetry(t *testing.T) {
	t.Run("Should allow maxRetries+1 total executions", func(t *testing.T) {
		p := NewPolicy(Options{MaxRetries: 3}, nil)
		err := errors.New("transient")

		assert.True(t, p.ShouldRetry(err, 0))
		assert.True(t, p.ShouldRetry(err, 1))
		assert.True(t, p.ShouldRetry(err, 2))
		assert.False(t, p.ShouldRetry(err, 3), "Attempt at the ceiling must not retry")
	})

	t.Run("Should not retry a nil error", func(t *testing.T) {
		p := NewPolicy(Options{MaxRetries: 3}, nil)

		assert.False(t, p.ShouldRetry(nil, 0))
	})

	t.Run("Should not retry non-retryable classifications", func(t *testing.T) {
		p := NewPolicy(Options{MaxRetries: 3}, classify.NewClassifier())

		assert.False(t, p.ShouldRetry(errors.New("HTTP 401: unauthorized"), 0))
		assert.True(t, p.ShouldRetry(errors.New("connection refused"), 0))
	})

	t.Run("Should treat every error as retryable without a classifier", func(t *testing.T) {
		p := NewPolicy(Options{MaxRetries: 1}, nil)

		assert.True(t, p.ShouldRetry(errors.New("HTTP 401: unauthorized"), 0))
	})
}

func TestDefaults(t *testing.T) {
	t.Run("Should fall back to documented defaults", func(t *testing.T) {
		p := NewPolicy(Options{}, nil)

		assert.Equal(t, 3, p.MaxRetries())
		assert.Equal(t, 1*time.Second, p.Delay(0))
		assert.Equal(t, 60*time.Second, p.Delay(30))
	})
}
