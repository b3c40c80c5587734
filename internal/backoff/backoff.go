// Package backoff provides the retry-delay controller used to gate reflector
// restarts. Delays grow exponentially with symmetric multiplicative jitter and
// fall back to the initial delay after a quiet interval.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultMin is the first delay returned by a fresh Manager.
	DefaultMin = 800 * time.Millisecond

	// DefaultMax is the ceiling for returned delays.
	DefaultMax = 15 * time.Second

	// DefaultFactor is the multiplicative growth per attempt.
	DefaultFactor = 1.5

	// DefaultJitter is the fraction of uniform symmetric noise applied to
	// each delay.
	DefaultJitter = 0.1

	// DefaultResetDuration is the idle window after which the attempt
	// counter is zeroed.
	DefaultResetDuration = 60 * time.Second
)

// Manager produces monotonically growing retry delays. Each call to Duration
// also arms an idle-reset timer: if no further call happens within the reset
// duration, the attempt counter returns to zero and the next delay starts from
// the minimum again.
//
// Manager is safe for concurrent use, though the reflector drives it from a
// single goroutine.
type Manager struct {
	mu sync.Mutex

	min           time.Duration
	max           time.Duration
	factor        float64
	jitter        float64
	resetDuration time.Duration

	attempt    int
	resetTimer *time.Timer

	// rnd returns a uniform value in [0, 1). Replaceable in tests.
	rnd func() float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithMin sets the first delay.
func WithMin(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.min = d
		}
	}
}

// WithMax sets the delay ceiling.
func WithMax(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.max = d
		}
	}
}

// WithFactor sets the multiplicative growth per attempt.
func WithFactor(f float64) Option {
	return func(m *Manager) {
		if f > 1 {
			m.factor = f
		}
	}
}

// WithJitter sets the jitter fraction. Values are clamped to [0, 1]; zero
// disables jitter entirely.
func WithJitter(j float64) Option {
	return func(m *Manager) {
		if j > 1 {
			j = 1
		}
		if j < 0 {
			j = 0
		}
		m.jitter = j
	}
}

// WithResetDuration sets the idle window after which the attempt counter is
// zeroed.
func WithResetDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resetDuration = d
		}
	}
}

// New creates a Manager with the default parameters, modified by opts.
func New(opts ...Option) *Manager {
	m := &Manager{
		min:           DefaultMin,
		max:           DefaultMax,
		factor:        DefaultFactor,
		jitter:        DefaultJitter,
		resetDuration: DefaultResetDuration,
		rnd:           rand.Float64,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Duration returns the next delay and arms the idle-reset timer, replacing any
// prior one. The attempt counter is consumed before it is incremented, so the
// first call returns the minimum delay.
func (m *Manager) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
	m.resetTimer = time.AfterFunc(m.resetDuration, m.Reset)

	attempt := m.attempt
	m.attempt++

	// Past this attempt the unjittered delay exceeds max, so skip the
	// floating point work and return the ceiling directly.
	if attempt > int(math.Floor(math.Log(float64(m.max)/float64(m.min))/math.Log(m.factor))) {
		return m.max
	}

	d := float64(m.min/time.Millisecond) * math.Pow(m.factor, float64(attempt))
	if m.jitter > 0 {
		d *= 1 + m.jitter*(2*m.rnd()-1)
	}

	out := time.Duration(math.Floor(d)) * time.Millisecond
	if out > m.max {
		return m.max
	}
	return out
}

// Reset zeroes the attempt counter. The next Duration call returns the minimum
// delay again.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = 0
}

// ClearTimeout cancels any pending idle-reset timer. Called on reflector stop
// so a stopped reflector holds no live timers.
func (m *Manager) ClearTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
}
