package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/oicur0t/convexlogs/internal/logstore"
	"github.com/oicur0t/convexlogs/internal/logstream"
	"github.com/oicur0t/convexlogs/internal/poller"
	"github.com/oicur0t/convexlogs/pkg/models"
)

// chanFetcher hands out pages pushed by the test
type chanFetcher struct {
	pages chan models.StreamResponse
}

func (f *chanFetcher) Fetch(ctx context.Context, _, _ string, cursor int64) (models.StreamResponse, error) {
	select {
	case p := <-f.pages:
		return p, nil
	case <-ctx.Done():
		return models.StreamResponse{NewCursor: cursor}, ctx.Err()
	}
}

type testEnv struct {
	server  *httptest.Server
	fetcher *chanFetcher
	session *logstream.Session
	store   *logstore.Store
}

func newTestEnv(t *testing.T, withStore bool) *testEnv {
	t.Helper()

	f := &chanFetcher{pages: make(chan models.StreamResponse)}
	cfg := poller.DefaultConfig()
	cfg.GatePollInterval = 5 * time.Millisecond

	session := logstream.NewSession("prod", logstream.Options{
		Fetchers: map[string]poller.Fetcher{logstream.KindCloud: f},
		Poller:   cfg,
	})
	t.Cleanup(session.Stop)
	require.NoError(t, session.SetDeployment(logstream.Deployment{
		Name: "prod", URL: "https://happy-otter-123.convex.cloud", Kind: logstream.KindCloud, Credential: "key",
	}))

	var store *logstore.Store
	if withStore {
		var err error
		store, err = logstore.Open(context.Background(), filepath.Join(t.TempDir(), "logs.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
	}

	h := NewHandler([]*logstream.Session{session}, store, zap.NewNop())
	srv := httptest.NewServer(NewRouter(h, zap.NewNop(), false))
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, fetcher: f, session: session, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) push(t *testing.T, page models.StreamResponse) {
	t.Helper()
	select {
	case e.fetcher.pages <- page:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not fetch")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, true)
	resp := env.do(t, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]interface{}](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["deployments"])
}

func TestDeploymentLogsAndStatus(t *testing.T) {
	env := newTestEnv(t, false)
	env.push(t, models.StreamResponse{
		Entries:   []models.LogEntry{{ID: "a", Timestamp: 1}, {ID: "b", Timestamp: 2}},
		NewCursor: 2,
	})
	require.Eventually(t, func() bool { return len(env.session.View().Logs()) == 2 }, time.Second, 5*time.Millisecond)

	resp := env.do(t, http.MethodGet, "/v1/deployments/prod/logs?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[logstream.Snapshot](t, resp)
	require.Len(t, snap.Logs, 1)
	assert.Equal(t, "b", snap.Logs[0].ID)
	assert.True(t, snap.IsConnected)
	assert.Equal(t, int64(2), snap.Cursor)

	resp = env.do(t, http.MethodGet, "/v1/deployments", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]DeploymentStatus](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "prod", list[0].Name)
	assert.Equal(t, env.session.ID(), list[0].SessionID)
	assert.Equal(t, 2, list[0].Buffered)
	assert.True(t, list[0].FetchGate)

	resp = env.do(t, http.MethodPost, "/v1/deployments/prod/logs/clear", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, env.session.View().Logs())
	assert.True(t, env.session.Running())
}

func TestUnknownDeployment(t *testing.T) {
	env := newTestEnv(t, false)
	resp := env.do(t, http.MethodGet, "/v1/deployments/staging/logs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetGate(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, http.MethodPut, "/v1/deployments/prod/gate", `{"visible":false,"fetch":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[DeploymentStatus](t, resp)
	assert.False(t, st.Signals.Visible)
	assert.True(t, st.Signals.Focused)
	assert.False(t, st.FetchGate)

	resp = env.do(t, http.MethodPut, "/v1/deployments/prod/gate", `{"visible":true,"focused":false,"fetch":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[DeploymentStatus](t, resp)
	assert.True(t, st.Signals.Visible)
	assert.False(t, st.Signals.Focused)
	assert.True(t, st.FetchGate)

	resp = env.do(t, http.MethodPut, "/v1/deployments/prod/gate", `{"visible":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/deployments/prod/activity", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStoreDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{"/v1/logs", "/v1/logs/search?q=x", "/v1/stats", "/v1/settings"} {
		resp := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}

func TestStoreEndpoints(t *testing.T) {
	env := newTestEnv(t, true)
	failed := false
	_, err := env.store.Ingest(context.Background(), "prod", []models.LogEntry{
		{Timestamp: 1_700_000_000_000, FunctionIdentifier: "messages:list", LogLines: []string{"listing inbox"}},
		{Timestamp: 1_700_000_001_000, FunctionIdentifier: "messages:send", Success: &failed, Error: "quota exceeded"},
	})
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/v1/logs?deployment=prod&level=ERROR", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[models.LogQueryResult](t, resp)
	require.Len(t, result.Logs, 1)
	assert.Equal(t, "messages:send", result.Logs[0].FunctionPath)
	id := result.Logs[0].ID

	resp = env.do(t, http.MethodGet, "/v1/logs/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, decode[models.StoredLog](t, resp).ID)

	resp = env.do(t, http.MethodGet, "/v1/logs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/logs?start_ts=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/logs/search?q=inbox", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = decode[models.LogQueryResult](t, resp)
	require.Len(t, result.Logs, 1)
	assert.Equal(t, "messages:list", result.Logs[0].FunctionPath)

	resp = env.do(t, http.MethodGet, "/v1/logs/search", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decode[models.LogStats](t, resp).TotalLogs)

	resp = env.do(t, http.MethodDelete, "/v1/logs", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/v1/logs?older_than_days=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decode[map[string]int64](t, resp)["deleted"])
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.do(t, http.MethodGet, "/v1/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.DefaultStoreSettings(), decode[models.StoreSettings](t, resp))

	resp = env.do(t, http.MethodPut, "/v1/settings", `{"retention_days":0,"enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/v1/settings", `{"retention_days":3,"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	settings, err := env.store.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StoreSettings{RetentionDays: 3, Enabled: false}, settings)
}

func TestEventsWebsocket(t *testing.T) {
	env := newTestEnv(t, false)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/deployments/prod/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ev logstream.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, logstream.EventStatus, ev.Type)
	assert.Equal(t, "prod", ev.Deployment)
	assert.True(t, ev.Connected)

	env.push(t, models.StreamResponse{Entries: []models.LogEntry{{ID: "a", Timestamp: 1}}, NewCursor: 1})

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, logstream.EventLogs, ev.Type)
	require.Len(t, ev.Entries, 1)
	assert.Equal(t, "a", ev.Entries[0].ID)
	assert.Equal(t, int64(1), ev.Cursor)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMTLSMiddlewareRejectsPlainHTTP(t *testing.T) {
	called := false
	h := MTLSMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called)
}

func TestMTLSMiddlewareLogsRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := chimiddleware.RequestID(MTLSMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		name    string
		state   *tls.ConnectionState
		status  int
		message string
	}{
		{"plain http", nil, http.StatusForbidden, "Client certificate rejected"},
		{"no client cert", &tls.ConnectionState{}, http.StatusForbidden, "Client certificate rejected"},
		{
			"client cert",
			&tls.ConnectionState{PeerCertificates: []*x509.Certificate{{Subject: pkix.Name{CommonName: "viewer"}}}},
			http.StatusNoContent,
			"Client certificate accepted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
			req.Header.Set(chimiddleware.RequestIDHeader, "req-"+tt.name)
			req.TLS = tt.state
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)

			entries := logs.TakeAll()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.message, entries[0].Message)
			fields := entries[0].ContextMap()
			assert.Equal(t, "req-"+tt.name, fields["request_id"])
			assert.Equal(t, "/v1/stats", fields["path"])
		})
	}
}
