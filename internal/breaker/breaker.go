// Package breaker implements a failure-rate circuit breaker over a rolling
// window of time buckets.
//
// While closed, every call runs and its outcome is recorded. Once the window
// holds at least VolumeThreshold calls and the share of failures and
// timeouts reaches ErrorThresholdPercentage, the breaker opens and rejects
// calls with ErrOpen without running them. After ResetTimeout one probe is
// let through (half-open): success closes the breaker with a fresh window,
// failure opens it again.
//
// Breaker state is process-local and is not persisted.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrOpen is returned without running the call while the breaker is open
	// or while a half-open probe is already in flight.
	ErrOpen = errors.New("breaker: circuit open")

	// ErrTimeout is returned when the call does not finish within
	// Settings.Timeout. It counts as a failure.
	ErrTimeout = errors.New("breaker: call timed out")
)

// Phase is the breaker state.
type Phase string

const (
	PhaseClosed   Phase = "closed"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half_open"
)

// Settings tune the breaker. Zero fields take the defaults.
type Settings struct {
	Timeout                  time.Duration `json:"timeout"`
	ResetTimeout             time.Duration `json:"reset_timeout"`
	RollingWindow            time.Duration `json:"rolling_window"`
	Buckets                  int           `json:"buckets"`
	ErrorThresholdPercentage int           `json:"error_threshold_percentage"`
	VolumeThreshold          int           `json:"volume_threshold"`
}

// Defaults.
const (
	DefaultTimeout                  = 10 * time.Second
	DefaultResetTimeout             = 30 * time.Second
	DefaultRollingWindow            = 10 * time.Second
	DefaultBuckets                  = 10
	DefaultErrorThresholdPercentage = 50
	DefaultVolumeThreshold          = 5
)

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	if s.RollingWindow <= 0 {
		s.RollingWindow = DefaultRollingWindow
	}
	if s.Buckets <= 0 {
		s.Buckets = DefaultBuckets
	}
	if s.ErrorThresholdPercentage <= 0 {
		s.ErrorThresholdPercentage = DefaultErrorThresholdPercentage
	}
	if s.VolumeThreshold <= 0 {
		s.VolumeThreshold = DefaultVolumeThreshold
	}
	return s
}

// Counts are the outcomes recorded in the rolling window.
type Counts struct {
	Successes  int `json:"successes"`
	Failures   int `json:"failures"`
	Timeouts   int `json:"timeouts"`
	Rejections int `json:"rejections"`
}

// Total is the number of calls that ran. Rejections are not included.
func (c Counts) Total() int { return c.Successes + c.Failures + c.Timeouts }

// ErrorPercentage is the share of failures and timeouts in Total, 0-100.
func (c Counts) ErrorPercentage() int {
	if c.Total() == 0 {
		return 0
	}
	return (c.Failures + c.Timeouts) * 100 / c.Total()
}

func (c *Counts) add(o Counts) {
	c.Successes += o.Successes
	c.Failures += o.Failures
	c.Timeouts += o.Timeouts
	c.Rejections += o.Rejections
}

// Metrics are lifetime counters, cleared only by ResetMetrics.
type Metrics struct {
	Calls       int64     `json:"calls"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	Timeouts    int64     `json:"timeouts"`
	Rejections  int64     `json:"rejections"`
	Opens       int64     `json:"opens"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// Status is a snapshot of the breaker for operators.
type Status struct {
	Phase    Phase     `json:"phase"`
	Forced   bool      `json:"forced"`
	OpenedAt time.Time `json:"opened_at,omitzero"`
	// RetryAt is when an open breaker will admit its half-open probe. Zero
	// when closed, half-open or forced open.
	RetryAt  time.Time `json:"retry_at,omitzero"`
	Window   Counts    `json:"window"`
	Metrics  Metrics   `json:"metrics"`
	Settings Settings  `json:"settings"`
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
)

type bucket struct {
	epoch int64
	Counts
}

type transition struct{ from, to Phase }

// Breaker guards calls to a single dependency.
type Breaker struct {
	mu       sync.Mutex
	settings Settings
	phase    Phase
	forced   bool
	openedAt time.Time
	probing  bool
	// gen changes on every phase transition; outcomes of calls admitted
	// under an older generation only update lifetime metrics.
	gen     uint64
	buckets []bucket
	metrics Metrics

	now       func() time.Time
	isFailure func(error) bool
	onChange  func(from, to Phase)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now for window and reset decisions. Call
// timeouts always use real time.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a hook called after every phase transition.
// It runs outside the breaker lock.
func WithStateChange(fn func(from, to Phase)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithIsFailure decides which errors returned by the call count as
// failures. Errors it rejects are recorded as successes: the dependency
// answered. By default every non-nil error is a failure.
func WithIsFailure(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// New creates a closed breaker.
func New(settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		settings:  settings.withDefaults(),
		phase:     PhaseClosed,
		now:       time.Now,
		isFailure: func(error) bool { return true },
	}
	for _, o := range opts {
		o(b)
	}
	b.buckets = make([]bucket, b.settings.Buckets)
	return b
}

// Execute runs fn under the breaker. fn receives a context bounded by
// Settings.Timeout; Execute returns ErrTimeout as soon as that expires even
// if fn ignores its context. Cancellation of ctx by the caller is returned
// as is and not recorded.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.ExecuteWithin(ctx, 0, fn)
}

// ExecuteWithin is Execute with the call deadline shortened to limit when
// limit is positive and below Settings.Timeout. Callers that already spent
// part of their budget waiting use it to keep one deadline end to end.
func (b *Breaker) ExecuteWithin(ctx context.Context, limit time.Duration, fn func(ctx context.Context) error) error {
	gen, timeout, err := b.admit()
	if err != nil {
		return err
	}
	if limit > 0 && limit < timeout {
		timeout = limit
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	finished := false
	select {
	case err = <-done:
		finished = true
	case <-callCtx.Done():
	}

	switch {
	case finished && err == nil:
		b.record(gen, outcomeSuccess)
		return nil
	case ctx.Err() != nil:
		b.abandon(gen)
		if err != nil {
			return err
		}
		return ctx.Err()
	case callCtx.Err() != nil:
		// Only the call's own deadline can be left once the parent is fine.
		b.record(gen, outcomeTimeout)
		return ErrTimeout
	case b.isFailure(err):
		b.record(gen, outcomeFailure)
		return err
	default:
		b.record(gen, outcomeSuccess)
		return err
	}
}

// admit decides whether a call may run and returns the generation it runs
// under.
func (b *Breaker) admit() (uint64, time.Duration, error) {
	now := b.now()

	b.mu.Lock()
	changes := b.advance(now)

	var err error
	switch b.phase {
	case PhaseOpen:
		err = ErrOpen
	case PhaseHalfOpen:
		if b.probing {
			err = ErrOpen
		} else {
			b.probing = true
		}
	}
	if err != nil {
		b.bucketAt(now).Rejections++
		b.metrics.Rejections++
	} else {
		b.metrics.Calls++
	}
	gen, timeout := b.gen, b.settings.Timeout
	b.mu.Unlock()

	b.notify(changes)
	return gen, timeout, err
}

func (b *Breaker) record(gen uint64, o outcome) {
	now := b.now()

	b.mu.Lock()
	switch o {
	case outcomeSuccess:
		b.metrics.Successes++
		b.metrics.LastSuccess = now
	case outcomeFailure:
		b.metrics.Failures++
		b.metrics.LastFailure = now
	case outcomeTimeout:
		b.metrics.Timeouts++
		b.metrics.LastFailure = now
	}

	var changes []transition
	if gen == b.gen {
		switch b.phase {
		case PhaseClosed:
			bk := b.bucketAt(now)
			switch o {
			case outcomeSuccess:
				bk.Successes++
			case outcomeFailure:
				bk.Failures++
			case outcomeTimeout:
				bk.Timeouts++
			}
			if o != outcomeSuccess && b.shouldTrip(now) {
				changes = append(changes, b.open(now))
			}
		case PhaseHalfOpen:
			b.probing = false
			if o == outcomeSuccess {
				changes = append(changes, b.close())
			} else {
				changes = append(changes, b.open(now))
			}
		}
	}
	b.mu.Unlock()

	b.notify(changes)
}

// abandon releases a half-open probe slot without judging the dependency.
func (b *Breaker) abandon(gen uint64) {
	b.mu.Lock()
	if gen == b.gen && b.phase == PhaseHalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

// ForceOpen opens the breaker until ForceClose is called. ResetTimeout does
// not apply while forced.
func (b *Breaker) ForceOpen() {
	now := b.now()

	b.mu.Lock()
	var changes []transition
	if b.phase != PhaseOpen {
		changes = append(changes, b.open(now))
	} else {
		b.openedAt = now
		b.gen++
	}
	b.forced = true
	b.mu.Unlock()

	b.notify(changes)
}

// ForceClose closes the breaker with a fresh rolling window, whatever its
// current phase.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	var changes []transition
	if b.phase != PhaseClosed {
		changes = append(changes, b.close())
	} else {
		b.resetWindow()
	}
	b.forced = false
	b.mu.Unlock()

	b.notify(changes)
}

// ResetMetrics clears the rolling window and lifetime metrics. The phase
// is unchanged.
func (b *Breaker) ResetMetrics() {
	b.mu.Lock()
	b.resetWindow()
	b.metrics = Metrics{}
	b.mu.Unlock()
}

// Phase returns the current phase. An open breaker whose reset timeout has
// elapsed reports half-open.
func (b *Breaker) Phase() Phase {
	return b.Status().Phase
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	now := b.now()

	b.mu.Lock()
	changes := b.advance(now)
	st := Status{
		Phase:    b.phase,
		Forced:   b.forced,
		OpenedAt: b.openedAt,
		Window:   b.window(now),
		Metrics:  b.metrics,
		Settings: b.settings,
	}
	if b.phase == PhaseOpen && !b.forced {
		st.RetryAt = b.openedAt.Add(b.settings.ResetTimeout)
	}
	b.mu.Unlock()

	b.notify(changes)
	return st
}

// Update replaces the settings. Changing the window shape clears the
// rolling window.
func (b *Breaker) Update(settings Settings) {
	settings = settings.withDefaults()

	b.mu.Lock()
	reshape := settings.Buckets != b.settings.Buckets || settings.RollingWindow != b.settings.RollingWindow
	b.settings = settings
	if reshape {
		b.buckets = make([]bucket, settings.Buckets)
	}
	b.mu.Unlock()
}

// Settings returns the current settings.
func (b *Breaker) Settings() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings
}

// advance moves an expired open breaker to half-open. Caller holds mu.
func (b *Breaker) advance(now time.Time) []transition {
	if b.phase != PhaseOpen || b.forced {
		return nil
	}
	if now.Before(b.openedAt.Add(b.settings.ResetTimeout)) {
		return nil
	}
	t := b.setPhase(PhaseHalfOpen)
	b.probing = false
	return []transition{t}
}

func (b *Breaker) open(now time.Time) transition {
	t := b.setPhase(PhaseOpen)
	b.openedAt = now
	b.probing = false
	b.metrics.Opens++
	return t
}

func (b *Breaker) close() transition {
	t := b.setPhase(PhaseClosed)
	b.openedAt = time.Time{}
	b.probing = false
	b.resetWindow()
	return t
}

func (b *Breaker) setPhase(to Phase) transition {
	t := transition{from: b.phase, to: to}
	b.phase = to
	b.gen++
	return t
}

func (b *Breaker) shouldTrip(now time.Time) bool {
	c := b.window(now)
	return c.Total() >= b.settings.VolumeThreshold &&
		(c.Failures+c.Timeouts)*100 >= b.settings.ErrorThresholdPercentage*c.Total()
}

func (b *Breaker) bucketWidth() time.Duration {
	w := b.settings.RollingWindow / time.Duration(b.settings.Buckets)
	if w <= 0 {
		w = time.Millisecond
	}
	return w
}

func (b *Breaker) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(b.bucketWidth())
}

// bucketAt returns the bucket for now, recycling it if it belongs to an
// older rotation. Caller holds mu.
func (b *Breaker) bucketAt(now time.Time) *bucket {
	e := b.epoch(now)
	bk := &b.buckets[int(e%int64(len(b.buckets)))]
	if bk.epoch != e {
		*bk = bucket{epoch: e}
	}
	return bk
}

// window sums the buckets inside the rolling window. Caller holds mu.
func (b *Breaker) window(now time.Time) Counts {
	e := b.epoch(now)
	oldest := e - int64(len(b.buckets)) + 1
	var c Counts
	for i := range b.buckets {
		if bk := b.buckets[i]; bk.epoch >= oldest && bk.epoch <= e {
			c.add(bk.Counts)
		}
	}
	return c
}

func (b *Breaker) resetWindow() {
	clear(b.buckets)
}

func (b *Breaker) notify(changes []transition) {
	if b.onChange == nil {
		return
	}
	for _, t := range changes {
		b.onChange(t.from, t.to)
	}
}
