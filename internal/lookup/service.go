// Package lookup resolves licence plates into vehicle records. It sequences
// the per-client quota, plate normalization, the record cache and the
// circuit-protected upstream call, and always resolves with a complete
// record: upstream trouble degrades to a fallback record instead of an
// error.
//
// Cache, quota and breaker state are local to the process. Behind a load
// balancer every instance enforces its own limits, so the effective quota
// and breaker budget multiply by the instance count.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/pecahub/platelookup/internal/breaker"
	"github.com/pecahub/platelookup/internal/cache"
	"github.com/pecahub/platelookup/internal/events"
	"github.com/pecahub/platelookup/internal/observability"
	"github.com/pecahub/platelookup/internal/plate"
	"github.com/pecahub/platelookup/internal/quota"
	"github.com/pecahub/platelookup/internal/vehicle"
)

// Fetcher returns the raw upstream body for a normalized plate.
type Fetcher interface {
	FetchPlate(ctx context.Context, plate string) ([]byte, error)
}

// rateSetter is implemented by fetchers with adjustable outbound pacing.
type rateSetter interface {
	SetRate(rps float64)
}

// Deps are the collaborators a Service owns. Cache, Quota, Breaker and
// Upstream are required.
type Deps struct {
	Cache    *cache.Store
	Quota    *quota.Tracker
	Breaker  *breaker.Breaker
	Upstream Fetcher

	// Metrics defaults to a private registry when nil.
	Metrics *observability.Metrics
	// Events may be nil.
	Events *events.Emitter
	Logger *slog.Logger
}

// Service is the lookup orchestrator. It is safe for concurrent use.
type Service struct {
	cache    *cache.Store
	quota    *quota.Tracker
	breaker  *breaker.Breaker
	upstream Fetcher
	metrics  *observability.Metrics
	events   *events.Emitter
	logger   *slog.Logger
	tracer   trace.Tracer

	now   func() time.Time
	newID func() string

	dedupe atomic.Bool
	flight singleflight.Group
	// sem caps in-flight upstream calls; nil means unlimited.
	sem *semaphore.Weighted

	mu          sync.Mutex
	stopJanitor context.CancelFunc
	janitorDone chan struct{}
	closed      bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now for record timestamps and year clamping.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDedupe collapses concurrent upstream calls for the same plate into
// one. Every caller still consumes its own quota. Enabled by default.
func WithDedupe(enabled bool) Option {
	return func(s *Service) { s.dedupe.Store(enabled) }
}

// WithMaxConcurrentRequests caps in-flight upstream calls. n <= 0 means
// unlimited.
func WithMaxConcurrentRequests(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		} else {
			s.sem = nil
		}
	}
}

// WithIDGenerator replaces the lookup ID source (random UUIDs by default).
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// New wires a Service. Cache hooks and the breaker phase gauge are bound to
// the service metrics.
func New(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Cache == nil:
		return nil, errors.New("lookup: cache is required")
	case deps.Quota == nil:
		return nil, errors.New("lookup: quota tracker is required")
	case deps.Breaker == nil:
		return nil, errors.New("lookup: breaker is required")
	case deps.Upstream == nil:
		return nil, errors.New("lookup: upstream fetcher is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	s := &Service{
		cache:    deps.Cache,
		quota:    deps.Quota,
		breaker:  deps.Breaker,
		upstream: deps.Upstream,
		metrics:  metrics,
		events:   deps.Events,
		logger:   logger.With("component", "lookup"),
		tracer:   otel.Tracer("platelookup/lookup"),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	s.dedupe.Store(true)
	for _, o := range opts {
		o(s)
	}

	s.cache.OnHit = metrics.IncCacheHit
	s.cache.OnMiss = metrics.IncCacheMiss
	s.cache.OnStore = metrics.IncCacheStore
	s.cache.OnPurge = func() { metrics.AddCachePurged(1) }
	metrics.SetBreakerPhase(string(s.breaker.Phase()))

	return s, nil
}

// Lookup resolves rawPlate for clientKey. It always returns a complete
// record. The error is non-nil only for client errors (InvalidFormat,
// QuotaExceeded); the record is then a fallback carrying the same
// descriptor. Upstream trouble yields a fallback record and a nil error.
func (s *Service) Lookup(ctx context.Context, rawPlate, clientKey string) (vehicle.Record, error) {
	start := time.Now()
	id := s.newID()

	ctx, span := s.tracer.Start(ctx, "lookup.Lookup", trace.WithAttributes(
		attribute.String("lookup.id", id),
		attribute.String("lookup.client_key", clientKey),
	))
	defer span.End()

	rec, err := s.resolve(ctx, rawPlate, clientKey)

	span.SetAttributes(
		attribute.String("lookup.plate", rec.Plate),
		attribute.String("lookup.origin", string(rec.Origin)),
	)
	if rec.Error != nil {
		span.SetAttributes(attribute.String("lookup.error_category", string(rec.Error.Category)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	s.observe(id, clientKey, rec, time.Since(start))
	return rec, err
}

func (s *Service) resolve(ctx context.Context, rawPlate, clientKey string) (vehicle.Record, error) {
	decision := s.quota.Admit(clientKey)
	if !decision.Allowed {
		le := vehicle.NewQuotaExceeded(decision.Limit, decision.ResetAt)
		s.metrics.IncQuotaDenied()
		s.logger.Info("lookup quota exhausted",
			"client", clientKey, "limit", decision.Limit, "reset_at", decision.ResetAt)
		return vehicle.Fallback(rawPlate, le, s.now()), le
	}

	p, err := plate.Normalize(rawPlate)
	if err != nil {
		le := vehicle.NewInvalidFormat(strings.TrimSpace(rawPlate), plate.ExpectedFormat, err)
		s.logger.Debug("invalid plate", "raw", rawPlate, "client", clientKey)
		return vehicle.Fallback(rawPlate, le, s.now()), le
	}

	if rec, ok := s.cache.Get(p); ok {
		s.logger.Debug("lookup served from cache", "plate", p)
		return rec, nil
	}

	rec, err := s.fetch(ctx, p)
	if err != nil {
		le := vehicle.AsLookupError(err)
		s.logger.Warn("upstream lookup degraded to fallback",
			"plate", p, "category", le.Kind, "error", err)
		return vehicle.Fallback(p, le, s.now()), nil
	}
	return rec, nil
}

// fetch performs the upstream call, shared across concurrent callers for
// the same plate when dedupe is on. The shared call is detached from any
// single caller's cancellation and bounded by the breaker timeout instead.
func (s *Service) fetch(ctx context.Context, p string) (vehicle.Record, error) {
	if !s.dedupe.Load() {
		return s.fetchUpstream(ctx, p)
	}

	ch := s.flight.DoChan(p, func() (any, error) {
		return s.fetchUpstream(context.WithoutCancel(ctx), p)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.metrics.IncDeduplicated()
		}
		if res.Err != nil {
			return vehicle.Record{}, res.Err
		}
		return res.Val.(vehicle.Record).Clone(), nil
	case <-ctx.Done():
		return vehicle.Record{}, classifyTransport(ctx.Err())
	}
}

func (s *Service) fetchUpstream(ctx context.Context, p string) (vehicle.Record, error) {
	ctx, span := s.tracer.Start(ctx, "lookup.upstream", trace.WithAttributes(
		attribute.String("lookup.plate", p),
	))
	defer span.End()

	// Waiting for a slot and the call itself share one hard deadline.
	deadline := time.Now().Add(s.breaker.Settings().Timeout)
	if s.sem != nil {
		acqCtx, cancel := context.WithDeadline(ctx, deadline)
		err := s.sem.Acquire(acqCtx, 1)
		cancel()
		if err != nil {
			le := vehicle.NewUpstreamTimeout("too many concurrent upstream requests", err)
			span.SetStatus(codes.Error, le.Error())
			return vehicle.Record{}, le
		}
		defer s.sem.Release(1)
	}
	budget := time.Until(deadline)
	if budget <= 0 {
		le := vehicle.NewUpstreamTimeout("upstream deadline spent waiting for a slot", context.DeadlineExceeded)
		span.SetStatus(codes.Error, le.Error())
		return vehicle.Record{}, le
	}

	var rec vehicle.Record
	start := time.Now()
	err := s.breaker.ExecuteWithin(ctx, budget, func(callCtx context.Context) error {
		body, err := s.upstream.FetchPlate(callCtx, p)
		if err != nil {
			return classifyTransport(err)
		}
		r, err := vehicle.Normalize(p, body, s.now())
		if err != nil {
			return err
		}
		rec = r
		return nil
	})

	if errors.Is(err, breaker.ErrOpen) {
		le := classify(err)
		span.SetStatus(codes.Error, le.Error())
		return vehicle.Record{}, le
	}
	if err != nil {
		le := classify(err)
		s.metrics.ObserveUpstream(string(le.Kind), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, le.Error())
		return vehicle.Record{}, le
	}
	s.metrics.ObserveUpstream("ok", time.Since(start))

	if !s.cache.Set(p, rec, 0) {
		s.logger.Debug("record not cached", "plate", p)
	}
	return rec, nil
}

func (s *Service) observe(id, clientKey string, rec vehicle.Record, d time.Duration) {
	s.metrics.ObserveLookup(string(rec.Origin), d)

	var category string
	if rec.Error != nil {
		category = string(rec.Error.Category)
		s.metrics.IncLookupError(category)
	}

	s.events.Emit(events.LookupEvent{
		LookupID:      id,
		Plate:         rec.Plate,
		ClientKey:     clientKey,
		Origin:        string(rec.Origin),
		ErrorCategory: category,
		DurationMS:    d.Milliseconds(),
		Timestamp:     s.now().UTC().Format(time.RFC3339),
	})
}

// String implements fmt.Stringer for debug logging.
func (s *Service) String() string {
	return fmt.Sprintf("lookup.Service(dedupe=%t, breaker=%s)", s.dedupe.Load(), s.breaker.Phase())
}
