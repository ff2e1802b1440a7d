package logstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/gate"
	"github.com/oicur0t/convexlogs/internal/poller"
	"github.com/oicur0t/convexlogs/pkg/models"
)

// Deployment kinds
const (
	KindCloud = "cloud"
	KindFile  = "file"
)

const sinkQueueSize = 256

// Sink consumes every page a session receives
type Sink interface {
	Write(ctx context.Context, entries []models.LogEntry)
}

// Deployment identifies a log source and the credential used to read it
type Deployment struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	Kind       string `json:"kind"`
	Credential string `json:"-"`
}

// identity changes when the session must start over from cursor 0
func (d Deployment) identity() string {
	return d.Kind + "|" + d.Name + "|" + d.URL
}

// Options configures a Session
type Options struct {
	// Fetchers maps a deployment kind to the fetcher reading it
	Fetchers map[string]poller.Fetcher
	Poller   poller.Config
	Signals  *gate.Signals
	MaxLogs  int
	Sinks    []Sink
	Logger   *zap.Logger
}

// Session runs the poller for one deployment at a time and feeds its view
// and sinks. A session is identified by a random id for its lifetime.
type Session struct {
	id      string
	name    string
	opts    Options
	signals *gate.Signals
	view    *View
	logger  *zap.Logger

	gateOpen atomic.Bool

	mu         sync.Mutex
	deployment Deployment
	handle     *poller.Handle
	stopped    bool

	batches chan []models.LogEntry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSession creates an idle session. Call SetDeployment to start polling.
func NewSession(name string, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Signals == nil {
		opts.Signals = gate.NewSignals(opts.Poller.Clock, 0)
	}

	id := uuid.NewString()
	logger := opts.Logger.With(zap.String("session_id", id), zap.String("deployment", name))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:      id,
		name:    name,
		opts:    opts,
		signals: opts.Signals,
		view:    NewView(name, opts.MaxLogs, logger),
		logger:  logger,
		batches: make(chan []models.LogEntry, sinkQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.gateOpen.Store(true)

	s.wg.Add(1)
	go s.runSinks()
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Name returns the deployment name the session was created for
func (s *Session) Name() string { return s.name }

// View returns the session's view
func (s *Session) View() *View { return s.view }

// Signals returns the fetch gate inputs
func (s *Session) Signals() *gate.Signals { return s.signals }

// Deployment returns the current deployment
func (s *Session) Deployment() Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deployment
}

// State returns the poller state, StateStopped when no poller runs
func (s *Session) State() poller.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return poller.StateStopped
	}
	return s.handle.State()
}

// Running reports whether a poller is active
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// SetDeployment points the session at d. A change of deployment identity
// clears the view and polls from cursor 0; a credential change alone resumes
// from the current cursor. Without a URL or credential the session reports
// disconnected with no error and does not poll.
func (s *Session) SetDeployment(d Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("session stopped")
	}

	sameIdentity := s.deployment.identity() == d.identity()
	if sameIdentity && s.deployment.Credential == d.Credential && s.handle != nil {
		return nil
	}

	var cursor int64
	if s.handle != nil {
		cursor = s.handle.Cursor()
		s.handle.Stop()
		s.handle = nil
	}
	if !sameIdentity {
		cursor = 0
		s.view.reset()
	}
	s.deployment = d

	fetcher, ok := s.opts.Fetchers[d.Kind]
	if !ok {
		s.view.ConnectivityChanged(false, nil)
		return fmt.Errorf("unsupported deployment kind %q", d.Kind)
	}

	cfg := s.opts.Poller
	cfg.Visible = s.signals.Visibility()
	cfg.ShouldFetch = s.signals.ShouldFetch()
	cfg.Logger = s.logger.With(zap.String("url", d.URL))

	h, err := poller.Start(d.URL, d.Credential, cursor, fetcher, &sessionListener{s: s}, cfg)
	if errors.Is(err, poller.ErrNotConfigured) {
		s.logger.Info("Deployment not configured, not polling")
		s.view.ConnectivityChanged(false, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}
	h.SetFetchGate(s.gateOpen.Load())
	s.handle = h

	s.logger.Info("Started log stream", zap.Int64("cursor", cursor), zap.String("kind", d.Kind))
	return nil
}

// SetFetchGate opens or closes the fetch gate of the current and any later
// poller.
func (s *Session) SetFetchGate(active bool) {
	s.gateOpen.Store(active)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.handle.SetFetchGate(active)
	}
}

// FetchGate reports the session's own gate
func (s *Session) FetchGate() bool { return s.gateOpen.Load() }

// ClearLogs empties the view without interrupting polling
func (s *Session) ClearLogs() { s.view.ClearLogs() }

// Stop ends polling, flushes pending sink writes and releases the session.
// It is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	// The sink worker keeps draining while the poller exits
	h.Stop()
	close(s.batches)
	s.wg.Wait()
	s.cancel()

	s.logger.Info("Stopped log stream")
}

func (s *Session) runSinks() {
	defer s.wg.Done()
	for entries := range s.batches {
		for _, sink := range s.opts.Sinks {
			sink.Write(s.ctx, entries)
		}
	}
}

type sessionListener struct {
	s *Session
}

func (l *sessionListener) Receive(entries []models.LogEntry, cursor int64) {
	l.s.view.Receive(entries, cursor)
	if len(l.s.opts.Sinks) > 0 {
		l.s.batches <- entries
	}
}

func (l *sessionListener) ConnectivityChanged(connected bool, err error) {
	l.s.view.ConnectivityChanged(connected, err)
}
