package lookup

import (
	"context"
	"strings"
	"time"

	"github.com/pecahub/platelookup/internal/breaker"
	"github.com/pecahub/platelookup/internal/cache"
	"github.com/pecahub/platelookup/internal/config"
	"github.com/pecahub/platelookup/internal/observability"
	"github.com/pecahub/platelookup/internal/plate"
	"github.com/pecahub/platelookup/internal/quota"
	"github.com/pecahub/platelookup/internal/vehicle"
)

// Stats is the operator view of the service.
type Stats struct {
	Cache    cache.Stats                   `json:"cache"`
	Quota    quota.Stats                   `json:"quota"`
	Breaker  breaker.Status                `json:"breaker"`
	Counters observability.MetricsSnapshot `json:"counters"`
}

// ClearCache removes the cached record for rawPlate, or every record when
// rawPlate is blank. It returns how many live records were removed.
func (s *Service) ClearCache(rawPlate string) (int, error) {
	if strings.TrimSpace(rawPlate) == "" {
		n := s.cache.FlushAll()
		s.logger.Info("cache flushed", "count", n)
		return n, nil
	}

	p, err := plate.Normalize(rawPlate)
	if err != nil {
		return 0, vehicle.NewInvalidFormat(strings.TrimSpace(rawPlate), plate.ExpectedFormat, err)
	}
	if !s.cache.Delete(p) {
		return 0, nil
	}
	s.logger.Info("cache entry removed", "plate", p)
	return 1, nil
}

// ClearQuota resets the window of clientKey, or of every client when
// clientKey is empty. It returns how many windows were removed.
func (s *Service) ClearQuota(clientKey string) int {
	if clientKey == "" {
		n := s.quota.ClearAll()
		s.logger.Info("all quota windows cleared", "count", n)
		return n
	}
	if !s.quota.Clear(clientKey) {
		return 0
	}
	s.logger.Info("quota window cleared", "client", clientKey)
	return 1
}

// Stats returns cache, quota and breaker state plus lifetime counters.
func (s *Service) Stats() Stats {
	return Stats{
		Cache:    s.cache.Stats(),
		Quota:    s.quota.Stats(),
		Breaker:  s.breaker.Status(),
		Counters: s.metrics.Snapshot(),
	}
}

// ForceBreakerOpen suspends upstream calls until ForceBreakerClose.
func (s *Service) ForceBreakerOpen() {
	s.breaker.ForceOpen()
	s.logger.Warn("upstream circuit forced open")
}

// ForceBreakerClose resumes upstream calls with a clean rolling window.
func (s *Service) ForceBreakerClose() {
	s.breaker.ForceClose()
	s.logger.Warn("upstream circuit forced closed")
}

// ResetBreakerMetrics clears the breaker's lifetime counters.
func (s *Service) ResetBreakerMetrics() {
	s.breaker.ResetMetrics()
	s.logger.Info("breaker metrics reset")
}

// BreakerStatus returns the breaker snapshot.
func (s *Service) BreakerStatus() breaker.Status {
	return s.breaker.Status()
}

// CircuitPhase reports the breaker phase for deep readiness probes.
func (s *Service) CircuitPhase() string {
	return string(s.breaker.Phase())
}

// Reload applies the hot-reloadable settings of cfg: quota ceiling and
// window, breaker thresholds, cache TTL, dedupe and outbound pacing. cfg
// must already be validated.
func (s *Service) Reload(cfg *config.Config) {
	window := config.MustParseDuration(cfg.Quota.Window, 15*time.Minute)
	s.quota.SetLimits(cfg.Quota.Limit(), window)
	s.breaker.Update(BreakerSettings(cfg.Breaker))
	s.cache.SetTTL(config.MustParseDuration(cfg.Cache.TTL, cache.DefaultTTL))
	s.dedupe.Store(cfg.Lookup.DedupeInflight)
	if rs, ok := s.upstream.(rateSetter); ok {
		rs.SetRate(cfg.Upstream.MaxRPS)
	}

	s.logger.Info("lookup settings reloaded",
		"quota_limit", cfg.Quota.Limit(), "quota_window", window,
		"breaker_volume_threshold", cfg.Breaker.VolumeThreshold,
		"cache_ttl", cfg.Cache.TTL, "dedupe", cfg.Lookup.DedupeInflight)
}

// StartJanitor periodically sweeps expired quota windows and cache index
// entries until ctx is canceled or Close is called. Calling it again
// replaces the running janitor. A non-positive interval only stops it.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopJanitorLocked()
	if s.closed || interval <= 0 {
		return
	}

	jctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopJanitor = cancel
	s.janitorDone = done
	go s.janitor(jctx, interval, done)
}

func (s *Service) janitor(ctx context.Context, interval time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	windows := s.quota.Sweep()
	entries := s.cache.Sweep()
	s.metrics.AddCachePurged(entries)
	if windows > 0 || entries > 0 {
		s.logger.Debug("janitor swept", "quota_windows", windows, "cache_entries", entries)
	}
}

func (s *Service) stopJanitorLocked() {
	if s.stopJanitor == nil {
		return
	}
	s.stopJanitor()
	<-s.janitorDone
	s.stopJanitor = nil
	s.janitorDone = nil
}

// Close stops the janitor, flushes pending events and releases the cache
// and upstream connections. Safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopJanitorLocked()

	err := s.events.Close()
	s.cache.Close()
	if c, ok := s.upstream.(interface{ Close() }); ok {
		c.Close()
	}
	return err
}
