package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podownloader/internal/automation"
	"podownloader/internal/classify"
	"podownloader/internal/profile"
	"podownloader/internal/queue"
	"podownloader/internal/retry"
)

type stubSession struct {
	closed atomic.Bool
}

func (s *stubSession) Close() error {
	s.closed.Store(true)
	return nil
}

// stubFactory tracks created sessions and can fail selected creations.
type stubFactory struct {
	mu       sync.Mutex
	sessions []*stubSession
	failFrom int // 1-based call index from which creations fail, 0 = never
	calls    int
}

func (f *stubFactory) CreateSession(ctx context.Context, profilePath string) (automation.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFrom > 0 && f.calls >= f.failFrom {
		return nil, errors.New("browser failed to launch")
	}
	s := &stubSession{}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *stubFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func newTestPool(t *testing.T, opts Options, factory automation.SessionFactory) (*Pool, *queue.Queue, *profile.Manager) {
	t.Helper()
	classifier := classify.NewClassifier()
	policy := retry.NewPolicy(retry.Options{
		MaxRetries:  2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		BackoffBase: 1.0,
	}, classifier)
	profiles := profile.NewManager(t.TempDir(), "", 0)
	q := queue.New(0, false, policy)

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 2 * time.Second
	}
	p := New(opts, q, profiles, factory, classifier)
	return p, q, profiles
}

func TestStart(t *testing.T) {
	t.Run("Should bind each worker to its own profile and session", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, profiles := newTestPool(t, Options{MaxWorkers: 2}, factory)

		require.NoError(t, p.Start())
		defer p.Stop()

		assert.Equal(t, 2, p.WorkerCount())
		assert.Equal(t, 2, factory.created())
		assert.Equal(t, 2, profiles.Count())
		assert.Equal(t, StateRunning, p.State())
	})

	t.Run("Should start degraded when some workers fail to create", func(t *testing.T) {
		factory := &stubFactory{failFrom: 2}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 3}, factory)

		require.NoError(t, p.Start())
		defer p.Stop()

		assert.Equal(t, 1, p.WorkerCount(), "Pool should run with the workers it could create")
	})

	t.Run("Should fail only when zero workers could be created", func(t *testing.T) {
		factory := &stubFactory{failFrom: 1}
		p, _, profiles := newTestPool(t, Options{MaxWorkers: 2}, factory)

		err := p.Start()
		assert.ErrorIs(t, err, ErrNoWorkers)
		assert.Equal(t, 0, profiles.Count(), "Failed creations must not leak profiles")
	})
}

func TestSubmit(t *testing.T) {
	t.Run("Should reject submissions before Start", func(t *testing.T) {
		p, _, _ := newTestPool(t, Options{MaxWorkers: 1}, &stubFactory{})

		_, err := p.Submit(func(ctx context.Context, sess automation.Session, payload any) (any, error) {
			return nil, nil
		}, "job", 0)
		assert.ErrorIs(t, err, ErrPoolNotRunning)
	})

	t.Run("Should process a batch across the pool", func(t *testing.T) {
		factory := &stubFactory{}
		p, q, _ := newTestPool(t, Options{MaxWorkers: 2}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		var inFlight, maxInFlight int32
		fn := func(ctx context.Context, sess automation.Session, payload any) (any, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				prev := atomic.LoadInt32(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return fmt.Sprintf("done-%v", payload), nil
		}

		futures := make([]*Future, 0, 5)
		for i := 0; i < 5; i++ {
			f, err := p.Submit(fn, i, 0)
			require.NoError(t, err)
			futures = append(futures, f)
		}

		for i, f := range futures {
			result, err := f.Wait()
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("done-%d", i), result)
		}

		assert.LessOrEqual(t, maxInFlight, int32(2), "No more than one task per worker at a time")
		assert.Equal(t, 5, q.Metrics().TotalCompleted)
	})

	t.Run("Should register the task function before workers can dequeue", func(t *testing.T) {
		factory := &stubFactory{}
		p, q, _ := newTestPool(t, Options{MaxWorkers: 2, PollInterval: time.Millisecond}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		// Instant tasks with hungry workers: any window between enqueue
		// and function registration would surface as a spurious failure.
		fn := func(ctx context.Context, sess automation.Session, payload any) (any, error) {
			return payload, nil
		}

		const n = 50
		futures := make([]*Future, 0, n)
		for i := 0; i < n; i++ {
			f, err := p.Submit(fn, i, 0)
			require.NoError(t, err)
			futures = append(futures, f)
		}

		for i, f := range futures {
			result, err := f.Wait()
			require.NoError(t, err)
			assert.Equal(t, i, result)
		}
		assert.Equal(t, n, q.Metrics().TotalCompleted)
		assert.Equal(t, 0, q.Metrics().TotalFailed)
	})

	t.Run("Should not leak the task function when submission is rejected", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 1}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		_, err := p.Submit(func(ctx context.Context, sess automation.Session, payload any) (any, error) {
			return nil, nil
		}, nil, 0)
		require.ErrorIs(t, err, queue.ErrTaskValidation)

		p.mu.Lock()
		registered := len(p.taskFns)
		p.mu.Unlock()
		assert.Equal(t, 0, registered)
	})

	t.Run("Should retry transient failures until success", func(t *testing.T) {
		factory := &stubFactory{}
		var events []ResultEvent
		var evMu sync.Mutex
		p, _, _ := newTestPool(t, Options{
			MaxWorkers: 1,
			OnResult: func(ev ResultEvent) {
				evMu.Lock()
				events = append(events, ev)
				evMu.Unlock()
			},
		}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		var calls int32
		f, err := p.Submit(func(ctx context.Context, sess automation.Session, payload any) (any, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("connection reset by peer")
			}
			return "recovered", nil
		}, "job", 0)
		require.NoError(t, err)

		result, err := f.Wait()
		require.NoError(t, err)
		assert.Equal(t, "recovered", result)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

		// The success event is delivered after the future resolves.
		require.Eventually(t, func() bool {
			evMu.Lock()
			defer evMu.Unlock()
			return len(events) == 3
		}, time.Second, 5*time.Millisecond)

		evMu.Lock()
		defer evMu.Unlock()
		assert.False(t, events[0].Terminal)
		assert.False(t, events[1].Terminal)
		assert.True(t, events[2].Terminal)
		assert.True(t, events[2].Completed)
		assert.Equal(t, 2, events[2].Attempt)
	})

	t.Run("Should fail terminally on non-retryable errors", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 1}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		var calls int32
		f, err := p.Submit(func(ctx context.Context, sess automation.Session, payload any) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("HTTP 403: Forbidden")
		}, "job", 0)
		require.NoError(t, err)

		_, werr := f.Wait()
		assert.ErrorContains(t, werr, "Forbidden")
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "Non-retryable errors get exactly one attempt")
	})

	t.Run("Should convert a task panic into a task error", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 1}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		f, err := p.Submit(func(ctx context.Context, sess automation.Session, payload any) (any, error) {
			panic("boom")
		}, "job", 0)
		require.NoError(t, err)

		_, werr := f.Wait()
		assert.ErrorContains(t, werr, "task panicked")
	})

	t.Run("Should enforce the per-task deadline", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 1, TaskTimeout: 30 * time.Millisecond}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		f, err := p.Submit(func(ctx context.Context, sess automation.Session, payload any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, "slow", 0)
		require.NoError(t, err)

		_, werr := f.Wait()
		assert.ErrorIs(t, werr, context.DeadlineExceeded)
		assert.ErrorContains(t, werr, "timed out")
	})
}

func TestResize(t *testing.T) {
	t.Run("Should grow and shrink within the configured maximum", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 3}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		require.NoError(t, p.Resize(1))
		assert.Eventually(t, func() bool { return p.WorkerCount() == 1 }, time.Second, 10*time.Millisecond)

		require.NoError(t, p.Resize(3))
		assert.Equal(t, 3, p.WorkerCount())
	})

	t.Run("Should clamp to the configured maximum", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 2}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		require.NoError(t, p.Resize(10))
		assert.Equal(t, 2, p.WorkerCount())
	})

	t.Run("Should reject a worker count below one", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 2}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		assert.Error(t, p.Resize(0))
	})
}

func TestStop(t *testing.T) {
	t.Run("Should close sessions and delete profiles", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, profiles := newTestPool(t, Options{MaxWorkers: 2}, factory)
		require.NoError(t, p.Start())

		p.Stop()

		assert.Equal(t, StateStopped, p.State())
		assert.Equal(t, 0, p.WorkerCount())
		assert.Equal(t, 0, profiles.Count())
		for _, s := range factory.sessions {
			assert.True(t, s.closed.Load())
		}
	})

	t.Run("Should drain in-flight tasks within the grace period", func(t *testing.T) {
		factory := &stubFactory{}
		p, q, _ := newTestPool(t, Options{MaxWorkers: 1}, factory)
		require.NoError(t, p.Start())

		started := make(chan struct{})
		f, err := p.Submit(func(ctx context.Context, sess automation.Session, payload any) (any, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return "finished", nil
		}, "job", 0)
		require.NoError(t, err)

		<-started
		p.Stop()

		result, werr := f.Wait()
		assert.NoError(t, werr)
		assert.Equal(t, "finished", result)
		assert.Equal(t, 1, q.Metrics().TotalCompleted)
	})

	t.Run("Should be idempotent", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 1}, factory)
		require.NoError(t, p.Start())

		p.Stop()
		p.Stop()
		assert.Equal(t, StateStopped, p.State())
	})
}

func TestResourceUsage(t *testing.T) {
	t.Run("Should report active workers and profile disk usage", func(t *testing.T) {
		factory := &stubFactory{}
		p, _, _ := newTestPool(t, Options{MaxWorkers: 2}, factory)
		require.NoError(t, p.Start())
		defer p.Stop()

		usage := p.GetResourceUsage()
		assert.Equal(t, 2, usage.ActiveWorkers)
		assert.Len(t, usage.PerProfileDiskBytes, 2)
	})
}
