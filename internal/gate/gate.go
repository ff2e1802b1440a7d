// Package gate provides the boolean signals that decide whether a log poller
// may issue requests: surface visibility, route focus and user activity.
package gate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultIdleTimeout is how long without activity before a user is idle
const DefaultIdleTimeout = 60 * time.Second

// Provider reports whether a condition currently holds.
type Provider func() bool

// Always is a Provider that always holds.
func Always() bool { return true }

// All returns a Provider that holds only when every given provider holds.
// Nil providers are ignored.
func All(providers ...Provider) Provider {
	return func() bool {
		for _, p := range providers {
			if p != nil && !p() {
				return false
			}
		}
		return true
	}
}

// Flag is a settable Provider, written by the embedding surface and read by
// the poller.
type Flag struct {
	v atomic.Bool
}

// NewFlag creates a flag with the given initial value
func NewFlag(initial bool) *Flag {
	f := &Flag{}
	f.v.Store(initial)
	return f
}

// Set updates the flag
func (f *Flag) Set(v bool) { f.v.Store(v) }

// Get returns the current value
func (f *Flag) Get() bool { return f.v.Load() }

// IdleTracker reports a user as active until no activity has been recorded
// for the configured timeout.
type IdleTracker struct {
	clock   clock.Clock
	timeout time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewIdleTracker creates a tracker that starts out active
func NewIdleTracker(clk clock.Clock, timeout time.Duration) *IdleTracker {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &IdleTracker{
		clock:   clk,
		timeout: timeout,
		last:    clk.Now(),
	}
}

// Touch records user activity
func (t *IdleTracker) Touch() {
	t.mu.Lock()
	t.last = t.clock.Now()
	t.mu.Unlock()
}

// Active reports whether activity was seen within the timeout
func (t *IdleTracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Since(t.last) < t.timeout
}

// Signals bundles the three inputs of a poller's fetch gate. A nil Idle
// tracker counts as always active.
type Signals struct {
	Visible *Flag
	Focused *Flag
	Idle    *IdleTracker
}

// NewSignals creates visible, focused, active signals
func NewSignals(clk clock.Clock, idleTimeout time.Duration) *Signals {
	return &Signals{
		Visible: NewFlag(true),
		Focused: NewFlag(true),
		Idle:    NewIdleTracker(clk, idleTimeout),
	}
}

// Visibility returns the visibility provider
func (s *Signals) Visibility() Provider { return s.Visible.Get }

// ShouldFetch returns the route focus AND not-idle provider
func (s *Signals) ShouldFetch() Provider {
	return All(s.Focused.Get, s.active)
}

// Touch records user activity
func (s *Signals) Touch() {
	if s.Idle != nil {
		s.Idle.Touch()
	}
}

func (s *Signals) active() bool {
	return s.Idle == nil || s.Idle.Active()
}

// State is a point-in-time view of the signals
type State struct {
	Visible bool `json:"visible"`
	Focused bool `json:"focused"`
	Active  bool `json:"active"`
}

// Snapshot returns the current signal values
func (s *Signals) Snapshot() State {
	return State{
		Visible: s.Visible.Get(),
		Focused: s.Focused.Get(),
		Active:  s.active(),
	}
}
