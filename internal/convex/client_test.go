package convex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, StreamPath, r.URL.Path)
		assert.Equal(t, "12", r.URL.Query().Get("cursor"))
		assert.Equal(t, "Convex prod:secret", r.Header.Get("Authorization"))
		assert.Equal(t, "convexlogs-test", r.Header.Get("Convex-Client"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"entries": [
				{"kind":"Completion","identifier":"messages:list","udfType":"Query","timestamp":1700000000.5,
				 "executionTime":0.012,"requestId":"r1","executionId":"e1","logLines":["hello"],"success":null,"error":null},
				{"id":"fixed","timestamp":1700000001000,"functionIdentifier":"messages:send","success":false,"error":"boom"}
			],
			"newCursor": 15
		}`))
	}))
	defer srv.Close()

	c := NewClient(nil, 5*time.Second, "convexlogs-test", nil)
	page, err := c.Fetch(context.Background(), srv.URL+"/", "prod:secret", 12)
	require.NoError(t, err)

	assert.Equal(t, int64(15), page.NewCursor)
	require.Len(t, page.Entries, 2)

	first := page.Entries[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, int64(1700000000500), first.Timestamp)
	assert.Equal(t, "messages:list", first.FunctionIdentifier)
	assert.Equal(t, "list", first.FunctionName)
	require.NotNil(t, first.DurationMs)
	assert.Equal(t, int64(12), *first.DurationMs)
	require.NotNil(t, first.Success)
	assert.True(t, *first.Success)
	assert.Equal(t, []string{"hello"}, first.LogLines)

	second := page.Entries[1]
	assert.Equal(t, "fixed", second.ID)
	assert.Equal(t, int64(1700000001000), second.Timestamp)
	assert.Equal(t, "boom", second.Error)
	require.NotNil(t, second.Success)
	assert.False(t, *second.Success)
}

func TestFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad admin key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(nil, 5*time.Second, "", nil)
	_, err := c.Fetch(context.Background(), srv.URL, "nope", 0)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "bad admin key")
}

func TestFetchCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(nil, time.Minute, "", nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, srv.URL, "key", 0)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch ignored cancellation")
	}
}

func TestFetchRejectsBadURL(t *testing.T) {
	c := NewClient(nil, time.Second, "", nil)
	_, err := c.Fetch(context.Background(), "ftp://example.com", "key", 0)
	require.Error(t, err)
}

func TestDecodeStreamTolerance(t *testing.T) {
	t.Run("missing cursor keeps last known", func(t *testing.T) {
		page, err := DecodeStream([]byte(`{"entries":[]}`), "dep", 42)
		require.NoError(t, err)
		assert.Equal(t, int64(42), page.NewCursor)
		assert.Empty(t, page.Entries)
	})

	t.Run("garbage cursor keeps last known", func(t *testing.T) {
		page, err := DecodeStream([]byte(`{"entries":[],"newCursor":{"x":1}}`), "dep", 7)
		require.NoError(t, err)
		assert.Equal(t, int64(7), page.NewCursor)
	})

	t.Run("malformed entries are skipped", func(t *testing.T) {
		page, err := DecodeStream([]byte(`{"entries":[42,"text",{"kind":"Completion","id":"ok","timestamp":"1700000000"}],"newCursor":3}`), "dep", 0)
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, "ok", page.Entries[0].ID)
		assert.Equal(t, int64(1700000000000), page.Entries[0].Timestamp)
	})

	t.Run("entries not an array", func(t *testing.T) {
		page, err := DecodeStream([]byte(`{"entries":"nope","newCursor":3}`), "dep", 0)
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
		assert.Equal(t, int64(3), page.NewCursor)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodeStream([]byte(`<html>`), "dep", 0)
		require.Error(t, err)
	})
}

func TestDecodeEntryStableFallbackID(t *testing.T) {
	raw := []byte(`{"kind":"Progress","identifier":"a:b","timestamp":1700000000,"logLines":[{"level":"LOG","messages":["x","y"]}]}`)

	e1, ok := DecodeEntry(raw, "dep")
	require.True(t, ok)
	e2, ok := DecodeEntry(raw, "dep")
	require.True(t, ok)

	assert.Equal(t, e1.ID, e2.ID)
	assert.Equal(t, []string{"[LOG] x y"}, e1.LogLines)
	assert.Nil(t, e1.Success, "progress entries carry no outcome")

	other, ok := DecodeEntry(raw, "other-dep")
	require.True(t, ok)
	assert.NotEqual(t, e1.ID, other.ID)
}

func TestDecodeEntryTimestampUnits(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int64
	}{
		{name: "normalized millis kept", raw: `{"id":"a","timestamp":100}`, want: 100},
		{name: "normalized real millis", raw: `{"id":"a","timestamp":1700000000000}`, want: 1700000000000},
		{name: "wire seconds scaled", raw: `{"kind":"Completion","identifier":"a:b","timestamp":1700000000.25}`, want: 1700000000250},
		{name: "wire millis kept", raw: `{"kind":"Completion","identifier":"a:b","timestamp":1700000000000}`, want: 1700000000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := DecodeEntry([]byte(tt.raw), "dep")
			require.True(t, ok)
			assert.Equal(t, tt.want, e.Timestamp)
		})
	}
}

func TestDecodeEntryErrorObject(t *testing.T) {
	e, ok := DecodeEntry([]byte(`{"kind":"Completion","timestamp":1,"error":{"message":"Uncaught Error"}}`), "dep")
	require.True(t, ok)
	assert.Equal(t, "Uncaught Error", e.Error)
	require.NotNil(t, e.Success)
	assert.False(t, *e.Success)
}
