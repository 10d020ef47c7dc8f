package lookup

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pecahub/platelookup/internal/breaker"
	"github.com/pecahub/platelookup/internal/cache"
	"github.com/pecahub/platelookup/internal/events"
	"github.com/pecahub/platelookup/internal/observability"
	"github.com/pecahub/platelookup/internal/quota"
)

var golfBody = []byte(`{
	"status": "ok",
	"mensagem": "Consulta realizada com sucesso",
	"dados": {"informacoes_veiculo": {"dados_veiculo": {
		"marca": "VOLKSWAGEN",
		"modelo": "Golf",
		"ano_fabricacao": "2020",
		"ano_modelo": "2021",
		"categoria": "AUTO",
		"cor": "Branco",
		"chassi": "9BWZZZ1KZLP000001"
	}}}
}`)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)}
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

// fakeUpstream counts calls and delegates to fn.
type fakeUpstream struct {
	calls atomic.Int64

	mu sync.Mutex
	fn func(ctx context.Context, plate string) ([]byte, error)
}

func (f *fakeUpstream) FetchPlate(ctx context.Context, plate string) ([]byte, error) {
	f.calls.Add(1)
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, plate)
}

// set swaps the behaviour of later calls.
func (f *fakeUpstream) set(fn func(ctx context.Context, plate string) ([]byte, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func respondWith(body []byte) *fakeUpstream {
	return &fakeUpstream{fn: func(context.Context, string) ([]byte, error) { return body, nil }}
}

func failWith(err error) *fakeUpstream {
	return &fakeUpstream{fn: func(context.Context, string) ([]byte, error) { return nil, err }}
}

// hangUntilCanceled never answers before the call context ends.
func hangUntilCanceled() *fakeUpstream {
	return &fakeUpstream{fn: func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

type testEnv struct {
	svc      *Service
	clock    *fakeClock
	upstream *fakeUpstream
	metrics  *observability.Metrics
	breaker  *breaker.Breaker
}

type envConfig struct {
	quotaLimit int
	settings   breaker.Settings
	emitter    *events.Emitter
	opts       []Option
}

type envOption func(*envConfig)

func withQuotaLimit(n int) envOption {
	return func(c *envConfig) { c.quotaLimit = n }
}

func withBreakerTimeout(d time.Duration) envOption {
	return func(c *envConfig) { c.settings.Timeout = d }
}

func withEmitter(e *events.Emitter) envOption {
	return func(c *envConfig) { c.emitter = e }
}

func withServiceOptions(opts ...Option) envOption {
	return func(c *envConfig) { c.opts = append(c.opts, opts...) }
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, up *fakeUpstream, opts ...envOption) *testEnv {
	t.Helper()

	ec := envConfig{
		quotaLimit: 100,
		settings: breaker.Settings{
			Timeout:                  100 * time.Millisecond,
			ResetTimeout:             30 * time.Second,
			RollingWindow:            10 * time.Second,
			Buckets:                  10,
			ErrorThresholdPercentage: 50,
			VolumeThreshold:          5,
		},
	}
	for _, o := range opts {
		o(&ec)
	}

	clk := newFakeClock()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	store, err := cache.New(cache.WithClock(clk.Now), cache.WithLogger(testLogger()))
	require.NoError(t, err)

	br := NewBreaker(ec.settings, metrics, testLogger(), breaker.WithClock(clk.Now))

	svc, err := New(Deps{
		Cache:    store,
		Quota:    quota.New(ec.quotaLimit, 15*time.Minute, quota.WithClock(clk.Now)),
		Breaker:  br,
		Upstream: up,
		Metrics:  metrics,
		Events:   ec.emitter,
		Logger:   testLogger(),
	}, append([]Option{WithClock(clk.Now)}, ec.opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &testEnv{svc: svc, clock: clk, upstream: up, metrics: metrics, breaker: br}
}
