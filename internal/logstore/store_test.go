package logstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oicur0t/convexlogs/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

func openTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "logs", "convex-logs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	s.clock = mock
	return s, mock
}

func sampleEntries() []models.LogEntry {
	return []models.LogEntry{
		{ID: "1", Timestamp: 1_700_000_000_000, FunctionIdentifier: "messages:list", FunctionName: "list", UDFType: "query", Success: boolPtr(true), LogLines: []string{"listing messages"}, RequestID: "req-1"},
		{ID: "2", Timestamp: 1_700_000_001_000, FunctionIdentifier: "messages:send", FunctionName: "send", UDFType: "mutation", Success: boolPtr(false), Error: "quota exceeded", RequestID: "req-2"},
		{ID: "3", Timestamp: 1_700_000_002_000, FunctionIdentifier: "cron:cleanup", FunctionName: "cleanup", UDFType: "action", LogLines: []string{"removed stale sessions"}},
	}
}

func TestIngestCountsDuplicates(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	res, err := s.Ingest(ctx, "prod", sampleEntries())
	require.NoError(t, err)
	assert.Equal(t, models.IngestResult{Inserted: 3}, res)

	res, err = s.Ingest(ctx, "prod", sampleEntries()[:2])
	require.NoError(t, err)
	assert.Equal(t, models.IngestResult{Duplicates: 2}, res)

	// same content under another deployment is a different log
	res, err = s.Ingest(ctx, "dev", sampleEntries()[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}

func TestQueryFiltersAndOrder(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	_, err := s.Ingest(ctx, "prod", sampleEntries())
	require.NoError(t, err)

	all, err := s.Query(ctx, models.LogFilters{}, 0, "")
	require.NoError(t, err)
	require.Len(t, all.Logs, 3)
	assert.Equal(t, int64(3), all.TotalCount)
	assert.False(t, all.HasMore)
	assert.Equal(t, "cron:cleanup", all.Logs[0].FunctionPath)
	assert.Equal(t, "messages:list", all.Logs[2].FunctionPath)

	errorsOnly, err := s.Query(ctx, models.LogFilters{Levels: []string{"ERROR"}}, 10, "")
	require.NoError(t, err)
	require.Len(t, errorsOnly.Logs, 1)
	assert.Equal(t, "Error: quota exceeded", errorsOnly.Logs[0].Message)
	require.NotNil(t, errorsOnly.Logs[0].Success)
	assert.False(t, *errorsOnly.Logs[0].Success)

	succeeded, err := s.Query(ctx, models.LogFilters{Success: boolPtr(true)}, 10, "")
	require.NoError(t, err)
	require.Len(t, succeeded.Logs, 1)
	assert.Equal(t, "req-1", succeeded.Logs[0].RequestID)
	assert.Equal(t, "function", succeeded.Logs[0].Topic)

	start := int64(1_700_000_001_000)
	ranged, err := s.Query(ctx, models.LogFilters{Deployment: "prod", StartTs: &start}, 10, "")
	require.NoError(t, err)
	assert.Len(t, ranged.Logs, 2)

	byFunction, err := s.Query(ctx, models.LogFilters{FunctionPath: "messages:send"}, 10, "")
	require.NoError(t, err)
	assert.Len(t, byFunction.Logs, 1)

	none, err := s.Query(ctx, models.LogFilters{Deployment: "staging"}, 10, "")
	require.NoError(t, err)
	assert.Empty(t, none.Logs)
	assert.Empty(t, none.Cursor)
}

func TestQueryPagination(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var entries []models.LogEntry
	for i := 0; i < 25; i++ {
		entries = append(entries, models.LogEntry{
			Timestamp: int64(1_700_000_000_000 + i/2*1000), // pairs share a timestamp
			LogLines:  []string{fmt.Sprintf("line %d", i)},
		})
	}
	_, err := s.Ingest(ctx, "prod", entries)
	require.NoError(t, err)

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := s.Query(ctx, models.LogFilters{}, 10, cursor)
		require.NoError(t, err)
		pages++
		assert.Equal(t, int64(25), page.TotalCount)
		for _, l := range page.Logs {
			assert.False(t, seen[l.ID], "log %s returned twice", l.ID)
			seen[l.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 25)
}

func TestQueryLimitClamped(t *testing.T) {
	assert.Equal(t, DefaultLimit, clampLimit(0))
	assert.Equal(t, MaxLimit, clampLimit(5000))
	assert.Equal(t, 7, clampLimit(7))
}

func TestSearch(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	_, err := s.Ingest(ctx, "prod", sampleEntries())
	require.NoError(t, err)

	res, err := s.Search(ctx, "stale sessions", models.LogFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "cron:cleanup", res.Logs[0].FunctionPath)

	// porter stemming matches "messages" from "message"
	res, err = s.Search(ctx, "message", models.LogFilters{Deployment: "prod"}, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Logs)

	// quotes cannot break the query
	res, err = s.Search(ctx, `quota" OR "x`, models.LogFilters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Logs)

	_, err = s.Search(ctx, "   ", models.LogFilters{}, 10)
	require.ErrorIs(t, err, ErrEmptySearch)
}

func TestSearchAppliesAllFilters(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	_, err := s.Ingest(ctx, "prod", sampleEntries())
	require.NoError(t, err)

	res, err := s.Search(ctx, "messages", models.LogFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, res.Logs, 2)

	tests := []struct {
		name    string
		filters models.LogFilters
		want    string
	}{
		{name: "level", filters: models.LogFilters{Levels: []string{"ERROR"}}, want: "messages:send"},
		{name: "success", filters: models.LogFilters{Success: boolPtr(true)}, want: "messages:list"},
		{name: "function", filters: models.LogFilters{FunctionPath: "messages:send"}, want: "messages:send"},
		{name: "request id", filters: models.LogFilters{RequestID: "req-1"}, want: "messages:list"},
		{name: "topic", filters: models.LogFilters{Topics: []string{"function"}, RequestID: "req-2"}, want: "messages:send"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Search(ctx, "messages", tt.filters, 10)
			require.NoError(t, err)
			require.Len(t, res.Logs, 1)
			assert.Equal(t, tt.want, res.Logs[0].FunctionPath)
		})
	}
}

func TestGet(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	_, err := s.Ingest(ctx, "prod", sampleEntries())
	require.NoError(t, err)

	page, err := s.Query(ctx, models.LogFilters{}, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)

	got, err := s.Get(ctx, page.Logs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, page.Logs[0], got)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteOlderThanAndRetention(t *testing.T) {
	s, mock := openTestStore(t)
	ctx := context.Background()
	_, err := s.Ingest(ctx, "prod", sampleEntries())
	require.NoError(t, err)

	deleted, err := s.DeleteOlderThan(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	mock.Add(31 * 24 * time.Hour)
	deleted, err = s.RetainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalLogs)
	assert.Nil(t, stats.OldestTs)
}

func TestRunRetentionStopsOnCancel(t *testing.T) {
	s, mock := openTestStore(t)
	_, err := s.Ingest(context.Background(), "prod", sampleEntries())
	require.NoError(t, err)
	mock.Add(40 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunRetention(ctx, time.Hour) }()

	require.Eventually(t, func() bool {
		stats, err := s.Stats(context.Background())
		return err == nil && stats.TotalLogs == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retention loop did not stop")
	}
}

func TestStats(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	_, err := s.Ingest(ctx, "prod", sampleEntries())
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "dev", sampleEntries()[:1])
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalLogs)
	require.NotNil(t, stats.OldestTs)
	assert.Equal(t, int64(1_700_000_000_000), *stats.OldestTs)
	require.NotNil(t, stats.NewestTs)
	assert.Equal(t, int64(1_700_000_002_000), *stats.NewestTs)
	assert.Equal(t, []models.DeploymentCount{{Deployment: "dev", Count: 1}, {Deployment: "prod", Count: 3}}, stats.LogsByDeployment)
	assert.Positive(t, stats.DBSizeBytes)
}

func TestSettings(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	settings, err := s.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultStoreSettings(), settings)

	require.NoError(t, s.SaveSettings(ctx, models.StoreSettings{RetentionDays: 7, Enabled: false}))
	settings, err = s.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StoreSettings{RetentionDays: 7, Enabled: false}, settings)

	require.Error(t, s.SaveSettings(ctx, models.StoreSettings{RetentionDays: 0}))
}

func TestSinkHonorsEnabled(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	sink := s.NewSink("prod")

	sink.Write(ctx, sampleEntries()[:1])
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalLogs)

	require.NoError(t, s.SaveSettings(ctx, models.StoreSettings{RetentionDays: 30, Enabled: false}))
	sink.Write(ctx, sampleEntries()[1:])
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalLogs)
}

func TestParseCursor(t *testing.T) {
	ts, id, ok := parseCursor("1700:abc")
	assert.True(t, ok)
	assert.Equal(t, int64(1700), ts)
	assert.Equal(t, "abc", id)

	for _, bad := range []string{"", "abc", "x:y", "17:"} {
		_, _, ok := parseCursor(bad)
		assert.False(t, ok, bad)
	}
}
