// Package quota implements the fixed-window per-client lookup quota.
//
// Each client key gets a counter that starts at 1 on its first admitted
// request and expires one window later. Requests past the limit are denied
// without incrementing, so a denied client regains exactly Limit requests
// when the window rolls over.
//
// Counters are process-local: each instance enforces its own windows.
package quota

import (
	"sync"
	"time"
)

// AnonymousKey is the bucket used for requests without a client key.
const AnonymousKey = "anonymous"

// Window is the state of one client's current quota window.
type Window struct {
	Count     int       `json:"count"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Stats is a point-in-time view of the tracker.
type Stats struct {
	Clients int           `json:"clients"`
	Limit   int           `json:"limit"`
	Window  time.Duration `json:"window"`
}

// Tracker holds per-client windows.
type Tracker struct {
	mu      sync.Mutex
	windows map[string]*Window
	limit   int
	window  time.Duration
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now for window decisions.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker admitting limit requests per window per client.
// A non-positive limit denies every request.
func New(limit int, window time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		windows: make(map[string]*Window),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Admit counts one request for clientKey and reports whether it fits in the
// client's current window.
func (t *Tracker) Admit(clientKey string) Decision {
	key := normalizeKey(clientKey)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[key]
	if !ok || !now.Before(w.ExpiresAt) {
		w = &Window{StartedAt: now, ExpiresAt: now.Add(t.window)}
		t.windows[key] = w
	}

	if w.Count >= t.limit {
		return Decision{Allowed: false, Remaining: 0, Limit: t.limit, ResetAt: w.ExpiresAt}
	}
	w.Count++
	return Decision{
		Allowed:   true,
		Remaining: t.limit - w.Count,
		Limit:     t.limit,
		ResetAt:   w.ExpiresAt,
	}
}

// Peek returns a copy of the client's live window without counting a
// request.
func (t *Tracker) Peek(clientKey string) (Window, bool) {
	key := normalizeKey(clientKey)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[key]
	if !ok || !now.Before(w.ExpiresAt) {
		return Window{}, false
	}
	return *w, true
}

// Clear drops the window for one client. It reports whether a live window
// existed.
func (t *Tracker) Clear(clientKey string) bool {
	key := normalizeKey(clientKey)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[key]
	delete(t.windows, key)
	return ok && now.Before(w.ExpiresAt)
}

// ClearAll drops every window and returns how many were live.
func (t *Tracker) ClearAll() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, w := range t.windows {
		if now.Before(w.ExpiresAt) {
			n++
		}
	}
	t.windows = make(map[string]*Window)
	return n
}

// Sweep removes expired windows and returns how many were removed.
func (t *Tracker) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, w := range t.windows {
		if !now.Before(w.ExpiresAt) {
			delete(t.windows, k)
			n++
		}
	}
	return n
}

// SetLimits changes the limit and window length. Open windows keep their
// expiry; the new limit applies to their next request.
func (t *Tracker) SetLimits(limit int, window time.Duration) {
	t.mu.Lock()
	t.limit = limit
	t.window = window
	t.mu.Unlock()
}

// Stats reports the number of clients with a live window and the current
// configuration.
func (t *Tracker) Stats() Stats {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	clients := 0
	for _, w := range t.windows {
		if now.Before(w.ExpiresAt) {
			clients++
		}
	}
	return Stats{Clients: clients, Limit: t.limit, Window: t.window}
}

func normalizeKey(k string) string {
	if k == "" {
		return AnonymousKey
	}
	return k
}
