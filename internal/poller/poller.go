// Package poller keeps a cursor into a deployment's function log stream and
// fetches new entries for as long as it runs, backing off on failure and
// suspending while its gates are closed.
package poller

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/gate"
	"github.com/oicur0t/convexlogs/pkg/models"
	"github.com/oicur0t/convexlogs/pkg/retry"
)

// Defaults for Config
const (
	DefaultRetryBaseDelay   = 500 * time.Millisecond
	DefaultBackoffCap       = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultGatePollInterval = 500 * time.Millisecond
)

// ErrNotConfigured is returned by Start when the endpoint or credential is missing.
var ErrNotConfigured = errors.New("endpoint and credential are required")

// Fetcher retrieves one page of the log stream starting at cursor. It must
// honor ctx cancellation. When the response carries no cursor the fetcher
// returns the cursor it was given.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint, credential string, cursor int64) (models.StreamResponse, error)
}

// Listener receives poller events. Calls are made from the poller goroutine
// one at a time and never after Stop has returned.
type Listener interface {
	Receive(entries []models.LogEntry, cursor int64)
	ConnectivityChanged(connected bool, err error)
}

// Config tunes a poller
type Config struct {
	RetryBaseDelay   time.Duration
	BackoffCap       time.Duration
	FailureThreshold int
	GatePollInterval time.Duration

	// Visible reports whether the consuming surface is visible.
	Visible gate.Provider
	// ShouldFetch is the route focus AND not-idle signal.
	ShouldFetch gate.Provider

	Clock  clock.Clock
	Rand   func() float64
	Logger *zap.Logger
}

// DefaultConfig returns the reference timing with open gates
func DefaultConfig() Config {
	return Config{
		RetryBaseDelay:   DefaultRetryBaseDelay,
		BackoffCap:       DefaultBackoffCap,
		FailureThreshold: DefaultFailureThreshold,
		GatePollInterval: DefaultGatePollInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.GatePollInterval <= 0 {
		c.GatePollInterval = d.GatePollInterval
	}
	if c.Visible == nil {
		c.Visible = gate.Always
	}
	if c.ShouldFetch == nil {
		c.ShouldFetch = gate.Always
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// State is the poller's position in its loop
type State int32

const (
	StateWaitingVisible State = iota
	StateWaitingGate
	StateFetching
	StateBackingOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateWaitingVisible:
		return "waiting_visible"
	case StateWaitingGate:
		return "waiting_gate"
	case StateFetching:
		return "fetching"
	case StateBackingOff:
		return "backing_off"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handle controls a running poller
type Handle struct {
	endpoint   string
	credential string
	fetcher    Fetcher
	listener   Listener
	cfg        Config
	backoff    retry.Config
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	gateOpen atomic.Bool
	state    atomic.Int32
	cursor   atomic.Int64

	// owned by the loop goroutine
	failures  int
	connected bool
}

// Start begins polling endpoint from initialCursor. It returns
// ErrNotConfigured without starting anything when endpoint or credential is
// empty.
func Start(endpoint, credential string, initialCursor int64, fetcher Fetcher, listener Listener, cfg Config) (*Handle, error) {
	if endpoint == "" || credential == "" {
		return nil, ErrNotConfigured
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	h := &Handle{
		endpoint:   endpoint,
		credential: credential,
		fetcher:    fetcher,
		listener:   listener,
		cfg:        cfg,
		backoff: retry.Config{
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.BackoffCap,
			Jitter:    0.5,
		},
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		connected: true,
	}
	h.gateOpen.Store(true)
	h.cursor.Store(initialCursor)

	go h.run()
	return h, nil
}

// Stop cancels the in-flight fetch and any pending wait and blocks until the
// loop has exited, so no callback runs after it returns. It is idempotent and
// safe on a nil handle. Listener callbacks must use Cancel instead: Stop
// from the loop goroutine would wait on itself.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.Cancel()
	<-h.done
}

// Cancel asks the loop to exit without waiting for it. No further callbacks
// are made once the current one returns.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
}

// Done is closed once the loop has exited
func (h *Handle) Done() <-chan struct{} { return h.done }

// SetFetchGate opens or closes the poller's own gate. A closed gate suspends
// fetching without losing the cursor.
func (h *Handle) SetFetchGate(active bool) {
	h.gateOpen.Store(active)
}

// Cursor returns the last cursor returned by the stream
func (h *Handle) Cursor() int64 { return h.cursor.Load() }

// State returns the current loop state
func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) fetchAllowed() bool {
	return h.gateOpen.Load() && h.cfg.ShouldFetch()
}

func (h *Handle) run() {
	defer close(h.done)
	defer h.state.Store(int32(StateStopped))

	for {
		h.state.Store(int32(StateWaitingVisible))
		if err := h.waitFor(h.cfg.Visible); err != nil {
			return
		}

		h.state.Store(int32(StateWaitingGate))
		if err := h.waitFor(h.fetchAllowed); err != nil {
			return
		}

		h.state.Store(int32(StateFetching))
		cursor := h.cursor.Load()
		resp, err := h.fetcher.Fetch(h.ctx, h.endpoint, h.credential, cursor)
		if h.ctx.Err() != nil {
			return
		}

		if err != nil {
			h.recordFailure(err)

			h.state.Store(int32(StateBackingOff))
			delay := retry.Backoff(h.failures, h.backoff, h.cfg.Rand())
			h.logger.Debug("Backing off",
				zap.Int("failures", h.failures),
				zap.Duration("delay", delay))
			if err := retry.Sleep(h.ctx, h.cfg.Clock, delay); err != nil {
				return
			}
			continue
		}

		h.recordSuccess()
		h.cursor.Store(resp.NewCursor)

		if len(resp.Entries) > 0 {
			entries := resp.Entries
			newCursor := resp.NewCursor
			h.emit(func() { h.listener.Receive(entries, newCursor) })
		}
	}
}

// waitFor polls cond every GatePollInterval until it holds or the poller stops
func (h *Handle) waitFor(cond gate.Provider) error {
	for !cond() {
		if err := retry.Sleep(h.ctx, h.cfg.Clock, h.cfg.GatePollInterval); err != nil {
			return err
		}
	}
	return h.ctx.Err()
}

func (h *Handle) recordFailure(err error) {
	h.failures++
	h.logger.Warn("Log stream fetch failed",
		zap.Int("failures", h.failures),
		zap.Int64("cursor", h.cursor.Load()),
		zap.Error(err))

	if h.connected && h.failures >= h.cfg.FailureThreshold {
		h.connected = false
		h.logger.Error("Log stream disconnected", zap.Int("failures", h.failures), zap.Error(err))
		h.emit(func() { h.listener.ConnectivityChanged(false, err) })
	}
}

func (h *Handle) recordSuccess() {
	h.failures = 0
	if !h.connected {
		h.connected = true
		h.logger.Info("Log stream reconnected")
		h.emit(func() { h.listener.ConnectivityChanged(true, nil) })
	}
}

func (h *Handle) emit(fn func()) {
	if h.listener == nil || h.ctx.Err() != nil {
		return
	}
	fn()
}
