// Package agent serves the HTTP API of the convexlogs agent: live views of
// each deployment's log stream and access to the local log store.
package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/gate"
	"github.com/oicur0t/convexlogs/internal/logstore"
	"github.com/oicur0t/convexlogs/internal/logstream"
	"github.com/oicur0t/convexlogs/pkg/models"
)

// Handler handles HTTP requests
type Handler struct {
	sessions map[string]*logstream.Session
	names    []string
	store    *logstore.Store
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new HTTP handler. store may be nil when the local
// store is disabled.
func NewHandler(sessions []*logstream.Session, store *logstore.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		sessions: make(map[string]*logstream.Session, len(sessions)),
		store:    store,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, s := range sessions {
		h.sessions[s.Name()] = s
		h.names = append(h.names, s.Name())
	}
	sort.Strings(h.names)
	return h
}

// DeploymentStatus describes one deployment's stream
type DeploymentStatus struct {
	Name      string     `json:"name"`
	URL       string     `json:"url"`
	Kind      string     `json:"kind"`
	SessionID string     `json:"session_id"`
	State     string     `json:"state"`
	Connected bool       `json:"connected"`
	Error     string     `json:"error,omitempty"`
	Cursor    int64      `json:"cursor"`
	Buffered  int        `json:"buffered"`
	FetchGate bool       `json:"fetch_gate"`
	Signals   gate.State `json:"signals"`
}

// GateRequest updates a deployment's fetch gate inputs. Omitted fields are
// left unchanged.
type GateRequest struct {
	Visible *bool `json:"visible"`
	Focused *bool `json:"focused"`
	Fetch   *bool `json:"fetch"`
}

// Health handles health check requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"deployments": len(h.sessions),
		"store":       h.store != nil,
	})
}

// ListDeployments returns the status of every deployment
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	out := make([]DeploymentStatus, 0, len(h.names))
	for _, name := range h.names {
		out = append(out, status(h.sessions[name]))
	}
	writeJSON(w, http.StatusOK, out)
}

// DeploymentLogs returns the buffered logs of a deployment, newest first
func (h *Handler) DeploymentLogs(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.View().Snapshot(limit))
}

// ClearLogs empties a deployment's buffer
func (h *Handler) ClearLogs(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.ClearLogs()
	w.WriteHeader(http.StatusNoContent)
}

// SetGate updates visibility, focus and the explicit fetch gate
func (h *Handler) SetGate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req GateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	signals := s.Signals()
	if req.Visible != nil {
		signals.Visible.Set(*req.Visible)
	}
	if req.Focused != nil {
		signals.Focused.Set(*req.Focused)
	}
	if req.Fetch != nil {
		s.SetFetchGate(*req.Fetch)
	}

	h.logger.Debug("Gate updated",
		zap.String("deployment", s.Name()),
		zap.Bool("visible", signals.Visible.Get()),
		zap.Bool("focused", signals.Focused.Get()),
		zap.Bool("fetch", s.FetchGate()))

	writeJSON(w, http.StatusOK, status(s))
}

// Activity records user activity, keeping the deployment out of idle
func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Signals().Touch()
	w.WriteHeader(http.StatusNoContent)
}

// QueryLogs queries the local store
func (h *Handler) QueryLogs(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", logstore.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.store.Query(r.Context(), filters, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.internalError(w, "Failed to query logs", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SearchLogs runs a full-text search over the local store
func (h *Handler) SearchLogs(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", logstore.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.store.Search(r.Context(), r.URL.Query().Get("q"), filters, limit)
	if errors.Is(err, logstore.ErrEmptySearch) {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	if err != nil {
		h.internalError(w, "Failed to search logs", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetLog returns one stored log
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	l, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, logstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		h.internalError(w, "Failed to get log", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// DeleteLogs removes stored logs older than older_than_days
func (h *Handler) DeleteLogs(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	days, err := intParam(r, "older_than_days", 0)
	if err != nil || days < 1 {
		writeError(w, http.StatusBadRequest, "older_than_days must be a positive integer")
		return
	}

	deleted, err := h.store.DeleteOlderThan(r.Context(), days)
	if err != nil {
		h.internalError(w, "Failed to delete logs", err)
		return
	}
	h.logger.Info("Deleted logs", zap.Int64("deleted", deleted), zap.Int("older_than_days", days))
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// Stats summarizes the local store
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.internalError(w, "Failed to read stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetSettings returns the store settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	settings, err := h.store.Settings(r.Context())
	if err != nil {
		h.internalError(w, "Failed to read settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// PutSettings replaces the store settings
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	var settings models.StoreSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if settings.RetentionDays < 1 {
		writeError(w, http.StatusBadRequest, "retention_days must be at least 1")
		return
	}
	if err := h.store.SaveSettings(r.Context(), settings); err != nil {
		h.internalError(w, "Failed to save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*logstream.Session, bool) {
	name := chi.URLParam(r, "name")
	s, ok := h.sessions[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown deployment "+strconv.Quote(name))
	}
	return s, ok
}

func (h *Handler) requireStore(w http.ResponseWriter) bool {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "log store is disabled")
		return false
	}
	return true
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func status(s *logstream.Session) DeploymentStatus {
	d := s.Deployment()
	snap := s.View().Snapshot(0)
	return DeploymentStatus{
		Name:      s.Name(),
		URL:       d.URL,
		Kind:      d.Kind,
		SessionID: s.ID(),
		State:     s.State().String(),
		Connected: snap.IsConnected,
		Error:     snap.Error,
		Cursor:    snap.Cursor,
		Buffered:  len(snap.Logs),
		FetchGate: s.FetchGate(),
		Signals:   s.Signals().Snapshot(),
	}
}

// parseFilters reads store filters from the query string. level and topic
// accept repeated or comma separated values.
func parseFilters(r *http.Request) (models.LogFilters, error) {
	q := r.URL.Query()
	f := models.LogFilters{
		Deployment:   q.Get("deployment"),
		FunctionPath: q.Get("function"),
		RequestID:    q.Get("request_id"),
		Levels:       listParam(q["level"]),
		Topics:       listParam(q["topic"]),
	}

	for key, dst := range map[string]**int64{"start_ts": &f.StartTs, "end_ts": &f.EndTs} {
		if v := q.Get(key); v != "" {
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return f, errors.New(key + " must be epoch milliseconds")
			}
			*dst = &ts
		}
	}

	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("success must be true or false")
		}
		f.Success = &b
	}

	return f, nil
}

func listParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
