// Package cache provides the in-process TTL store for normalized vehicle
// records, keyed by normalized plate. Values live in ristretto; a small
// expiry index alongside it keeps expiry lazy, clock-driven and countable so
// that Stats and FlushAll report exact numbers.
//
// The store is process-local. Multiple instances each keep their own copy.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/pecahub/platelookup/internal/vehicle"
)

// Defaults.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 10_000
)

// Stats is a point-in-time view of the store.
type Stats struct {
	Keys       int           `json:"keys"`
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	TTL        time.Duration `json:"ttl"`
	MaxEntries int           `json:"max_entries"`
}

// Store is a TTL cache of vehicle records.
type Store struct {
	data       *ristretto.Cache[string, vehicle.Record]
	maxEntries int
	now        func() time.Time
	logger     *slog.Logger

	// mu guards index and ttl. It is never held across ristretto calls.
	mu    sync.Mutex
	index map[string]time.Time
	ttl   time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	OnHit   func()
	OnMiss  func()
	OnStore func()
	OnPurge func()
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the default entry lifetime. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of records held. Non-positive values are
// ignored.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithLogger sets the logger for debug messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		logger:     slog.Default(),
		index:      make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}

	// Every record costs 1, so MaxCost is an entry count. NumCounters
	// should be ~10x the expected max items.
	data, err := ristretto.NewCache(&ristretto.Config[string, vehicle.Record]{
		NumCounters:        int64(s.maxEntries) * 10,
		MaxCost:            int64(s.maxEntries),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: creating ristretto cache: %w", err)
	}
	s.data = data
	return s, nil
}

// Get returns a copy of the record stored under key, tagged OriginCache.
// Expired entries are dropped on access and reported as misses.
func (s *Store) Get(key string) (vehicle.Record, bool) {
	now := s.now()

	s.mu.Lock()
	exp, ok := s.index[key]
	expired := ok && !now.Before(exp)
	if expired {
		delete(s.index, key)
		ok = false
	}
	s.mu.Unlock()

	if expired {
		s.data.Del(key)
		s.logger.Debug("cache: expired", "key", key)
	}
	if !ok {
		s.miss()
		return vehicle.Record{}, false
	}

	rec, found := s.data.Get(key)
	if !found {
		// Evicted by the admission policy; forget it.
		s.forget(key, exp)
		s.miss()
		return vehicle.Record{}, false
	}

	s.hits.Add(1)
	if s.OnHit != nil {
		s.OnHit()
	}
	out := rec.Clone()
	out.Origin = vehicle.OriginCache
	return out, true
}

// Set stores a copy of rec under key. A non-positive ttl uses the store's
// default. It reports whether the record was admitted.
func (s *Store) Set(key string, rec vehicle.Record, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	if ttl <= 0 {
		ttl = s.TTL()
	}

	if !s.data.SetWithTTL(key, rec.Clone(), 1, ttl) {
		s.logger.Debug("cache: set dropped", "key", key)
		return false
	}
	// Wait makes the value visible to the Get below and to subsequent
	// lookups for the same plate.
	s.data.Wait()
	if _, ok := s.data.Get(key); !ok {
		s.logger.Debug("cache: set rejected by admission policy", "key", key)
		return false
	}

	s.mu.Lock()
	s.index[key] = s.now().Add(ttl)
	s.mu.Unlock()

	if s.OnStore != nil {
		s.OnStore()
	}
	s.logger.Debug("cache: stored", "key", key, "ttl", ttl)
	return true
}

// Delete removes a single entry. It reports whether a live entry existed.
func (s *Store) Delete(key string) bool {
	now := s.now()

	s.mu.Lock()
	exp, ok := s.index[key]
	delete(s.index, key)
	s.mu.Unlock()

	s.data.Del(key)
	if !ok || !now.Before(exp) {
		return false
	}
	if s.OnPurge != nil {
		s.OnPurge()
	}
	s.logger.Debug("cache: purged", "key", key)
	return true
}

// FlushAll removes every entry and returns how many live entries were
// dropped.
func (s *Store) FlushAll() int {
	now := s.now()

	s.mu.Lock()
	n := 0
	for _, exp := range s.index {
		if now.Before(exp) {
			n++
		}
	}
	s.index = make(map[string]time.Time)
	s.mu.Unlock()

	s.data.Clear()

	if s.OnPurge != nil {
		for range n {
			s.OnPurge()
		}
	}
	s.logger.Debug("cache: flushed", "count", n)
	return n
}

// Sweep drops index entries that have expired or were evicted from the
// value store, and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	var expired []string
	live := make(map[string]time.Time, len(s.index))
	for k, exp := range s.index {
		if now.Before(exp) {
			live[k] = exp
		} else {
			expired = append(expired, k)
			delete(s.index, k)
		}
	}
	s.mu.Unlock()

	for _, k := range expired {
		s.data.Del(k)
	}

	evicted := 0
	for k, exp := range live {
		if _, ok := s.data.Get(k); !ok && s.forget(k, exp) {
			evicted++
		}
	}

	if n := len(expired) + evicted; n > 0 {
		s.logger.Debug("cache: swept", "expired", len(expired), "evicted", evicted)
	}
	return len(expired) + evicted
}

// Stats reports the live key count and lifetime hit/miss counters.
func (s *Store) Stats() Stats {
	now := s.now()

	s.mu.Lock()
	keys := 0
	for _, exp := range s.index {
		if now.Before(exp) {
			keys++
		}
	}
	ttl := s.ttl
	s.mu.Unlock()

	return Stats{
		Keys:       keys,
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		TTL:        ttl,
		MaxEntries: s.maxEntries,
	}
}

// TTL returns the default entry lifetime.
func (s *Store) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// SetTTL changes the default lifetime for future writes. Existing entries
// keep their expiry. Non-positive values are ignored.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Close releases the value store. Safe to call multiple times.
func (s *Store) Close() {
	if s.data != nil {
		s.data.Close()
	}
}

func (s *Store) miss() {
	s.misses.Add(1)
	if s.OnMiss != nil {
		s.OnMiss()
	}
}

// forget removes key from the index if it still carries exp, so a
// concurrent re-Set is not undone.
func (s *Store) forget(key string, exp time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.index[key]; ok && cur.Equal(exp) {
		delete(s.index, key)
		return true
	}
	return false
}
