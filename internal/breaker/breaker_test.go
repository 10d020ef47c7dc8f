package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(s Settings, opts ...Option) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)}
	return New(s, append([]Option{WithClock(clk.Now)}, opts...)...), clk
}

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errBoom }

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 10*time.Second, s.Timeout)
	assert.Equal(t, 30*time.Second, s.ResetTimeout)
	assert.Equal(t, 10*time.Second, s.RollingWindow)
	assert.Equal(t, 10, s.Buckets)
	assert.Equal(t, 50, s.ErrorThresholdPercentage)
	assert.Equal(t, 5, s.VolumeThreshold)
}

func TestExecuteClosed(t *testing.T) {
	b, _ := newTestBreaker(Settings{})

	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)

	st := b.Status()
	assert.Equal(t, PhaseClosed, st.Phase)
	assert.Equal(t, 1, st.Window.Successes)
	assert.Equal(t, 1, st.Window.Failures)
	assert.EqualValues(t, 2, st.Metrics.Calls)
}

func TestTrip(t *testing.T) {
	t.Run("needs volume", func(t *testing.T) {
		b, _ := newTestBreaker(Settings{})
		for range 4 {
			_ = b.Execute(context.Background(), fail)
		}
		assert.Equal(t, PhaseClosed, b.Phase(), "4 calls is below the volume threshold")

		_ = b.Execute(context.Background(), fail)
		assert.Equal(t, PhaseOpen, b.Phase())
		assert.EqualValues(t, 1, b.Status().Metrics.Opens)
	})

	t.Run("needs error percentage", func(t *testing.T) {
		b, _ := newTestBreaker(Settings{})
		for range 3 {
			require.NoError(t, b.Execute(context.Background(), succeed))
		}
		_ = b.Execute(context.Background(), fail)
		_ = b.Execute(context.Background(), fail)
		assert.Equal(t, PhaseClosed, b.Phase(), "40% is below the threshold")

		_ = b.Execute(context.Background(), fail)
		assert.Equal(t, PhaseOpen, b.Phase(), "50% reaches the threshold")
	})

	t.Run("old buckets roll out of the window", func(t *testing.T) {
		b, clk := newTestBreaker(Settings{})
		for range 4 {
			_ = b.Execute(context.Background(), fail)
		}
		clk.Advance(11 * time.Second)

		_ = b.Execute(context.Background(), fail)
		assert.Equal(t, PhaseClosed, b.Phase())
		assert.Equal(t, 1, b.Status().Window.Failures)
	})

	t.Run("failures spread across buckets still count", func(t *testing.T) {
		b, clk := newTestBreaker(Settings{})
		for range 5 {
			_ = b.Execute(context.Background(), fail)
			clk.Advance(1500 * time.Millisecond)
		}
		assert.Equal(t, PhaseOpen, b.Phase())
	})
}

func TestOpenRejectsWithoutCalling(t *testing.T) {
	b, _ := newTestBreaker(Settings{})
	b.ForceOpen()

	var called atomic.Bool
	err := b.Execute(context.Background(), func(context.Context) error {
		called.Store(true)
		return nil
	})

	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called.Load())

	st := b.Status()
	assert.Equal(t, 1, st.Window.Rejections)
	assert.EqualValues(t, 1, st.Metrics.Rejections)
	assert.EqualValues(t, 0, st.Metrics.Calls)
}

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for range DefaultVolumeThreshold {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, PhaseOpen, b.Phase())
}

func TestHalfOpen(t *testing.T) {
	t.Run("reset timeout moves to half-open", func(t *testing.T) {
		b, clk := newTestBreaker(Settings{})
		trip(t, b)

		st := b.Status()
		assert.Equal(t, st.OpenedAt.Add(30*time.Second), st.RetryAt)

		clk.Advance(29 * time.Second)
		assert.Equal(t, PhaseOpen, b.Phase())
		clk.Advance(time.Second)
		assert.Equal(t, PhaseHalfOpen, b.Phase())
	})

	t.Run("single probe then close on success", func(t *testing.T) {
		b, clk := newTestBreaker(Settings{})
		trip(t, b)
		clk.Advance(30 * time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		probeDone := make(chan error, 1)
		go func() {
			probeDone <- b.Execute(context.Background(), func(context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		var called atomic.Bool
		err := b.Execute(context.Background(), func(context.Context) error {
			called.Store(true)
			return nil
		})
		assert.ErrorIs(t, err, ErrOpen, "only one probe is allowed")
		assert.False(t, called.Load())

		close(release)
		require.NoError(t, <-probeDone)

		st := b.Status()
		assert.Equal(t, PhaseClosed, st.Phase)
		assert.Zero(t, st.Window.Total(), "closing starts a fresh window")
		assert.True(t, st.OpenedAt.IsZero())
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		b, clk := newTestBreaker(Settings{})
		trip(t, b)
		clk.Advance(30 * time.Second)

		assert.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)

		st := b.Status()
		assert.Equal(t, PhaseOpen, st.Phase)
		assert.EqualValues(t, 2, st.Metrics.Opens)
		assert.Equal(t, clk.Now(), st.OpenedAt, "reset timeout restarts")
	})

	t.Run("cancelled probe frees the slot", func(t *testing.T) {
		b, clk := newTestBreaker(Settings{})
		trip(t, b)
		clk.Advance(30 * time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := b.Execute(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, PhaseHalfOpen, b.Phase())

		require.NoError(t, b.Execute(context.Background(), succeed))
		assert.Equal(t, PhaseClosed, b.Phase())
	})
}

func TestTimeout(t *testing.T) {
	t.Run("bounds calls that ignore their context", func(t *testing.T) {
		b, _ := newTestBreaker(Settings{Timeout: 20 * time.Millisecond})

		start := time.Now()
		err := b.Execute(context.Background(), func(context.Context) error {
			time.Sleep(500 * time.Millisecond)
			return nil
		})
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, elapsed, 400*time.Millisecond)
		assert.Equal(t, 1, b.Status().Window.Timeouts)
	})

	t.Run("a shorter limit replaces the timeout", func(t *testing.T) {
		b, _ := newTestBreaker(Settings{Timeout: time.Second})

		start := time.Now()
		err := b.ExecuteWithin(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, 1, b.Status().Window.Timeouts)
	})

	t.Run("a longer limit is capped by the timeout", func(t *testing.T) {
		b, _ := newTestBreaker(Settings{Timeout: 20 * time.Millisecond})

		start := time.Now()
		err := b.ExecuteWithin(context.Background(), time.Minute, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("timeouts trip the breaker", func(t *testing.T) {
		b, _ := newTestBreaker(Settings{Timeout: 10 * time.Millisecond})

		for range 5 {
			err := b.Execute(context.Background(), func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
			assert.ErrorIs(t, err, ErrTimeout)
		}
		assert.Equal(t, PhaseOpen, b.Phase())
		assert.EqualValues(t, 5, b.Status().Metrics.Timeouts)
	})
}

func TestCallerCancellationNotRecorded(t *testing.T) {
	b, _ := newTestBreaker(Settings{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := b.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	st := b.Status()
	assert.Zero(t, st.Window.Total())
	assert.Zero(t, st.Metrics.Failures)
	assert.Zero(t, st.Metrics.Timeouts)
}

func TestWithIsFailure(t *testing.T) {
	errIgnored := errors.New("bad payload")
	b, _ := newTestBreaker(Settings{}, WithIsFailure(func(err error) bool {
		return !errors.Is(err, errIgnored)
	}))

	for range 10 {
		err := b.Execute(context.Background(), func(context.Context) error { return errIgnored })
		assert.ErrorIs(t, err, errIgnored, "the error is still returned")
	}
	st := b.Status()
	assert.Equal(t, PhaseClosed, st.Phase)
	assert.Equal(t, 10, st.Window.Successes)
}

func TestForceOpenClose(t *testing.T) {
	b, clk := newTestBreaker(Settings{})

	b.ForceOpen()
	st := b.Status()
	assert.Equal(t, PhaseOpen, st.Phase)
	assert.True(t, st.Forced)
	assert.True(t, st.RetryAt.IsZero())

	clk.Advance(time.Hour)
	assert.Equal(t, PhaseOpen, b.Phase(), "forced open ignores the reset timeout")
	assert.ErrorIs(t, b.Execute(context.Background(), succeed), ErrOpen)

	b.ForceClose()
	st = b.Status()
	assert.Equal(t, PhaseClosed, st.Phase)
	assert.False(t, st.Forced)
	assert.Zero(t, st.Window.Rejections)
	require.NoError(t, b.Execute(context.Background(), succeed))
}

func TestForceCloseFromTripped(t *testing.T) {
	b, _ := newTestBreaker(Settings{})
	trip(t, b)

	b.ForceClose()
	assert.Equal(t, PhaseClosed, b.Phase())

	// A single failure after closing must not re-trip on stale counts.
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, PhaseClosed, b.Phase())
}

func TestResetMetrics(t *testing.T) {
	b, _ := newTestBreaker(Settings{})
	trip(t, b)

	b.ResetMetrics()
	st := b.Status()
	assert.Equal(t, PhaseOpen, st.Phase, "phase is unchanged")
	assert.Zero(t, st.Window.Total())
	assert.Equal(t, Metrics{}, st.Metrics)
}

func TestStateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	b, clk := newTestBreaker(Settings{}, WithStateChange(func(from, to Phase) {
		mu.Lock()
		seen = append(seen, string(from)+"->"+string(to))
		mu.Unlock()
	}))

	trip(t, b)
	clk.Advance(30 * time.Second)
	require.NoError(t, b.Execute(context.Background(), succeed))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, seen)
}

func TestStateChangeHookMayReadStatus(t *testing.T) {
	var b *Breaker
	var phases []Phase
	b, _ = newTestBreaker(Settings{}, WithStateChange(func(_, _ Phase) {
		phases = append(phases, b.Phase())
	}))

	b.ForceOpen()
	b.ForceClose()
	assert.Equal(t, []Phase{PhaseOpen, PhaseClosed}, phases)
}

func TestUpdate(t *testing.T) {
	b, _ := newTestBreaker(Settings{})
	_ = b.Execute(context.Background(), fail)

	b.Update(Settings{VolumeThreshold: 2, Buckets: 10, RollingWindow: 10 * time.Second})
	assert.Equal(t, 2, b.Settings().VolumeThreshold)
	assert.Equal(t, 10*time.Second, b.Settings().Timeout, "zero fields take defaults")
	assert.Equal(t, 1, b.Status().Window.Failures, "same window shape keeps counts")

	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, PhaseOpen, b.Phase())

	b.ForceClose()
	_ = b.Execute(context.Background(), fail)
	b.Update(Settings{Buckets: 5})
	assert.Zero(t, b.Status().Window.Total(), "reshaping clears the window")
}

func TestCountsErrorPercentage(t *testing.T) {
	assert.Equal(t, 0, Counts{}.ErrorPercentage())
	assert.Equal(t, 50, Counts{Successes: 2, Failures: 1, Timeouts: 1, Rejections: 9}.ErrorPercentage())
}

func TestConcurrentExecute(t *testing.T) {
	b, _ := newTestBreaker(Settings{VolumeThreshold: 1000})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute(context.Background(), succeed)
			} else {
				_ = b.Execute(context.Background(), fail)
			}
		}()
	}
	wg.Wait()

	st := b.Status()
	assert.Equal(t, 50, st.Window.Total())
	assert.EqualValues(t, 50, st.Metrics.Calls)
}
