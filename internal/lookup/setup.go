package lookup

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pecahub/platelookup/internal/breaker"
	"github.com/pecahub/platelookup/internal/cache"
	"github.com/pecahub/platelookup/internal/config"
	"github.com/pecahub/platelookup/internal/events"
	"github.com/pecahub/platelookup/internal/observability"
	"github.com/pecahub/platelookup/internal/quota"
	"github.com/pecahub/platelookup/internal/upstream"
)

// BreakerSettings converts the breaker config section. cfg must already be
// validated; zero values fall back to the breaker defaults.
func BreakerSettings(cfg config.BreakerConfig) breaker.Settings {
	return breaker.Settings{
		Timeout:                  config.MustParseDuration(cfg.Timeout, breaker.DefaultTimeout),
		ResetTimeout:             config.MustParseDuration(cfg.ResetTimeout, breaker.DefaultResetTimeout),
		RollingWindow:            config.MustParseDuration(cfg.RollingWindow, breaker.DefaultRollingWindow),
		Buckets:                  cfg.RollingBuckets,
		ErrorThresholdPercentage: cfg.ErrorThresholdPercentage,
		VolumeThreshold:          cfg.VolumeThreshold,
	}
}

// NewBreaker builds the upstream breaker with the lookup failure policy,
// and logs and counts every phase transition.
func NewBreaker(settings breaker.Settings, metrics *observability.Metrics, logger *slog.Logger, opts ...breaker.Option) *breaker.Breaker {
	logger = logger.With("component", "breaker")
	base := []breaker.Option{
		breaker.WithIsFailure(CountsAsFailure),
		breaker.WithStateChange(func(from, to breaker.Phase) {
			if metrics != nil {
				metrics.ObserveBreakerTransition(string(from), string(to))
			}
			if to == breaker.PhaseOpen {
				logger.Warn("upstream circuit opened", "from", from)
				return
			}
			logger.Info("upstream circuit phase changed", "from", from, "to", to)
		}),
	}
	return breaker.New(settings, append(base, opts...)...)
}

// NewFromConfig builds a Service and all of its collaborators from a
// validated config.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	client, err := upstream.New(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	store, err := cache.New(
		cache.WithTTL(config.MustParseDuration(cfg.Cache.TTL, cache.DefaultTTL)),
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithLogger(logger.With("component", "cache")),
	)
	if err != nil {
		return nil, err
	}

	tracker := quota.New(cfg.Quota.Limit(), config.MustParseDuration(cfg.Quota.Window, 15*time.Minute))

	svc, err := New(Deps{
		Cache:    store,
		Quota:    tracker,
		Breaker:  NewBreaker(BreakerSettings(cfg.Breaker), metrics, logger),
		Upstream: client,
		Metrics:  metrics,
		Events:   events.NewEmitter(cfg.Events, logger, metrics),
		Logger:   logger,
	},
		WithDedupe(cfg.Lookup.DedupeInflight),
		WithMaxConcurrentRequests(cfg.Upstream.MaxConcurrentRequests),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("lookup service ready",
		"upstream", cfg.Upstream.BaseURL,
		"quota_environment", cfg.Quota.Environment,
		"quota_limit", cfg.Quota.Limit(),
		"quota_window", cfg.Quota.Window,
		"cache_ttl", cfg.Cache.TTL,
		"dedupe", cfg.Lookup.DedupeInflight)

	return svc, nil
}
