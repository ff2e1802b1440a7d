// Package logstream connects a deployment's log poller to the consumers of
// its entries: an in-memory view, live subscribers and persistence sinks.
package logstream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/logbuffer"
	"github.com/oicur0t/convexlogs/pkg/models"
)

const subscriberBuffer = 64

// EventType names a view change pushed to subscribers
type EventType string

const (
	EventLogs    EventType = "logs"
	EventStatus  EventType = "status"
	EventCleared EventType = "cleared"
)

// Event is a view change. Logs events carry the entries just received.
type Event struct {
	Type       EventType         `json:"type"`
	Deployment string            `json:"deployment"`
	Entries    []models.LogEntry `json:"entries,omitempty"`
	Cursor     int64             `json:"cursor"`
	Connected  bool              `json:"connected"`
	Error      string            `json:"error,omitempty"`
}

// Snapshot is the consumer facing state of a view
type Snapshot struct {
	Logs        []models.LogEntry `json:"logs"`
	IsConnected bool              `json:"isConnected"`
	Error       string            `json:"error,omitempty"`
	Cursor      int64             `json:"cursor"`
}

// View holds the merged log buffer and connection status of one deployment.
// It implements poller.Listener.
type View struct {
	deployment string
	max        int
	logger     *zap.Logger

	mu        sync.RWMutex
	logs      []models.LogEntry
	connected bool
	err       error
	cursor    int64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewView creates an empty, connected view keeping at most max entries
func NewView(deployment string, max int, logger *zap.Logger) *View {
	if max <= 0 {
		max = logbuffer.MaxLogs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &View{
		deployment: deployment,
		max:        max,
		logger:     logger,
		logs:       []models.LogEntry{},
		connected:  true,
		subs:       make(map[int]chan Event),
	}
}

// Receive merges a fetched page into the buffer
func (v *View) Receive(entries []models.LogEntry, cursor int64) {
	v.mu.Lock()
	merged, changed := logbuffer.Merge(v.logs, entries, v.max)
	v.logs = merged
	v.cursor = cursor
	v.mu.Unlock()

	if changed {
		v.publish(Event{Type: EventLogs, Entries: entries, Cursor: cursor, Connected: v.IsConnected()})
	}
}

// ConnectivityChanged records the poller's connection state
func (v *View) ConnectivityChanged(connected bool, err error) {
	v.mu.Lock()
	v.connected = connected
	v.err = err
	cursor := v.cursor
	v.mu.Unlock()

	ev := Event{Type: EventStatus, Cursor: cursor, Connected: connected}
	if err != nil {
		ev.Error = err.Error()
	}
	v.publish(ev)
}

// ClearLogs empties the buffer and resets the view cursor. The poller keeps
// running from its own cursor.
func (v *View) ClearLogs() {
	v.mu.Lock()
	v.logs = []models.LogEntry{}
	v.cursor = 0
	connected := v.connected
	v.mu.Unlock()

	v.publish(Event{Type: EventCleared, Connected: connected})
}

// reset returns the view to its initial state for a new session
func (v *View) reset() {
	v.mu.Lock()
	v.logs = []models.LogEntry{}
	v.cursor = 0
	v.connected = true
	v.err = nil
	v.mu.Unlock()

	v.publish(Event{Type: EventCleared, Connected: true})
}

// Logs returns the buffer, newest first. The slice must not be modified.
func (v *View) Logs() []models.LogEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.logs
}

// IsConnected reports the connection state
func (v *View) IsConnected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.connected
}

// Error returns the error that caused the last disconnect, if any
func (v *View) Error() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.err
}

// Cursor returns the cursor of the last page merged since the last clear
func (v *View) Cursor() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cursor
}

// Snapshot returns the current state. limit > 0 caps the number of logs.
func (v *View) Snapshot(limit int) Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	logs := v.logs
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	snap := Snapshot{Logs: logs, IsConnected: v.connected, Cursor: v.cursor}
	if v.err != nil {
		snap.Error = v.err.Error()
	}
	return snap
}

// Subscribe registers for view events. Events are dropped for subscribers
// that fall behind. The returned func unsubscribes and closes the channel.
func (v *View) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	v.subMu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = ch
	v.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.subMu.Lock()
			delete(v.subs, id)
			v.subMu.Unlock()
			close(ch)
		})
	}
}

func (v *View) publish(ev Event) {
	ev.Deployment = v.deployment

	v.subMu.Lock()
	defer v.subMu.Unlock()
	for id, ch := range v.subs {
		select {
		case ch <- ev:
		default:
			v.logger.Warn("Dropping event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("event", string(ev.Type)))
		}
	}
}
