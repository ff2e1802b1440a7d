package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/logfmt"
	"github.com/oicur0t/convexlogs/pkg/models"
)

// Query limits
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrEmptySearch is returned for a blank search query
var ErrEmptySearch = errors.New("empty search query")

var logColumnNames = []string{
	"id", "ts", "deployment", "request_id", "execution_id", "topic", "level",
	"function_path", "function_name", "udf_type", "success", "duration_ms",
	"message", "json_blob", "created_at",
}

var logColumns = columns("")

func columns(prefix string) string {
	cols := make([]string, len(logColumnNames))
	for i, c := range logColumnNames {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

// ToStored converts a streamed entry into its stored form for deployment.
// The stored id is derived from the entry's content so the same execution
// read twice is stored once.
func ToStored(deployment string, e models.LogEntry, now int64) models.StoredLog {
	message := logfmt.ExtractMessage(e)
	level := logfmt.InferLevel(e)

	blob := string(e.Raw)
	if blob == "" {
		if data, err := json.Marshal(e); err == nil {
			blob = string(data)
		} else {
			blob = "{}"
		}
	}

	return models.StoredLog{
		ID:           logfmt.ComputeID(e.Timestamp, deployment, e.RequestID, e.FunctionIdentifier, level, message),
		Ts:           e.Timestamp,
		Deployment:   deployment,
		RequestID:    e.RequestID,
		ExecutionID:  e.ExecutionID,
		Topic:        logfmt.InferTopic(e.UDFType),
		Level:        level,
		FunctionPath: e.FunctionIdentifier,
		FunctionName: e.FunctionName,
		UDFType:      e.UDFType,
		Success:      e.Success,
		DurationMs:   e.DurationMs,
		Message:      message,
		JSONBlob:     blob,
		CreatedAt:    now,
	}
}

// Ingest stores entries for deployment, ignoring ones already present
func (s *Store) Ingest(ctx context.Context, deployment string, entries []models.LogEntry) (models.IngestResult, error) {
	var result models.IngestResult
	if len(entries) == 0 {
		return result, nil
	}

	now := s.clock.Now().UnixMilli()

	err := retryOnBusy(ctx, func() error {
		result = models.IngestResult{}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO logs (`+logColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, entry := range entries {
			l := ToStored(deployment, entry, now)
			res, err := stmt.ExecContext(ctx,
				l.ID, l.Ts, l.Deployment,
				nullString(l.RequestID), nullString(l.ExecutionID), nullString(l.Topic), nullString(l.Level),
				nullString(l.FunctionPath), nullString(l.FunctionName), nullString(l.UDFType),
				nullBool(l.Success), nullInt(l.DurationMs),
				l.Message, l.JSONBlob, l.CreatedAt,
			)
			if err != nil {
				if isSQLiteBusy(err) {
					return err
				}
				s.logger.Warn("Failed to insert log", zap.String("id", l.ID), zap.Error(err))
				result.Errors++
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.Inserted++
			} else {
				result.Duplicates++
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return models.IngestResult{}, fmt.Errorf("failed to ingest logs: %w", err)
	}

	s.logger.Debug("Ingested logs",
		zap.String("deployment", deployment),
		zap.Int("inserted", result.Inserted),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("errors", result.Errors))
	return result, nil
}

// Query returns logs matching filters, newest first. cursor is the Cursor
// of a previous page.
func (s *Store) Query(ctx context.Context, filters models.LogFilters, limit int, cursor string) (models.LogQueryResult, error) {
	limit = clampLimit(limit)

	where, args := buildFilters(filters, "")
	countWhere, countArgs := joinWhere(where), append([]any(nil), args...)

	if ts, id, ok := parseCursor(cursor); ok {
		where = append(where, "(ts < ? OR (ts = ? AND id < ?))")
		args = append(args, ts, ts, id)
	}

	query := fmt.Sprintf("SELECT %s FROM logs %s ORDER BY ts DESC, id DESC LIMIT %d",
		logColumns, joinWhere(where), limit+1)

	logs, err := s.queryLogs(ctx, query, args...)
	if err != nil {
		return models.LogQueryResult{}, err
	}

	result := models.LogQueryResult{Logs: logs}
	if len(logs) > limit {
		result.HasMore = true
		result.Logs = logs[:limit]
	}
	if n := len(result.Logs); n > 0 {
		last := result.Logs[n-1]
		result.Cursor = fmt.Sprintf("%d:%s", last.Ts, last.ID)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs "+countWhere, countArgs...).Scan(&result.TotalCount); err != nil {
		s.logger.Warn("Failed to count logs", zap.Error(err))
	}

	return result, nil
}

// Search runs a full-text query over message, function and request id,
// combined with the same filters Query accepts.
func (s *Store) Search(ctx context.Context, text string, filters models.LogFilters, limit int) (models.LogQueryResult, error) {
	match := ftsQuery(text)
	if match == "" {
		return models.LogQueryResult{}, ErrEmptySearch
	}
	limit = clampLimit(limit)

	where, args := buildFilters(filters, "logs.")
	where = append([]string{"logs_fts MATCH ?"}, where...)
	args = append([]any{match}, args...)

	query := fmt.Sprintf(`SELECT %s FROM logs_fts JOIN logs ON logs.rowid = logs_fts.rowid %s
		ORDER BY logs.ts DESC, logs.id DESC LIMIT %d`, columns("logs."), joinWhere(where), limit+1)

	logs, err := s.queryLogs(ctx, query, args...)
	if err != nil {
		return models.LogQueryResult{}, err
	}

	result := models.LogQueryResult{Logs: logs}
	if len(logs) > limit {
		result.HasMore = true
		result.Logs = logs[:limit]
	}
	result.TotalCount = int64(len(result.Logs))
	return result, nil
}

// Get returns one log by id
func (s *Store) Get(ctx context.Context, id string) (models.StoredLog, error) {
	logs, err := s.queryLogs(ctx, "SELECT "+logColumns+" FROM logs WHERE id = ?", id)
	if err != nil {
		return models.StoredLog{}, err
	}
	if len(logs) == 0 {
		return models.StoredLog{}, ErrNotFound
	}
	return logs[0], nil
}

// DeleteOlderThan removes logs older than days and checkpoints the WAL
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.clock.Now().UnixMilli() - int64(days)*24*60*60*1000

	res, err := s.execWithRetry(ctx, "DELETE FROM logs WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete logs: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := s.execWithRetry(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return deleted, fmt.Errorf("failed to checkpoint wal: %w", err)
	}
	return deleted, nil
}

// Stats summarizes the store
func (s *Store) Stats(ctx context.Context) (models.LogStats, error) {
	var stats models.LogStats

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), MIN(ts), MAX(ts) FROM logs").Scan(&stats.TotalLogs, &oldest, &newest); err != nil {
		return stats, fmt.Errorf("failed to read stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestTs = &oldest.Int64
	}
	if newest.Valid {
		stats.NewestTs = &newest.Int64
	}

	rows, err := s.db.QueryContext(ctx, "SELECT deployment, COUNT(*) FROM logs GROUP BY deployment ORDER BY deployment")
	if err != nil {
		return stats, fmt.Errorf("failed to count by deployment: %w", err)
	}
	defer rows.Close()

	stats.LogsByDeployment = []models.DeploymentCount{}
	for rows.Next() {
		var dc models.DeploymentCount
		if err := rows.Scan(&dc.Deployment, &dc.Count); err != nil {
			return stats, fmt.Errorf("failed to scan deployment count: %w", err)
		}
		stats.LogsByDeployment = append(stats.LogsByDeployment, dc)
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	for _, p := range []string{s.path, s.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			stats.DBSizeBytes += info.Size()
		}
	}
	return stats, nil
}

// Settings returns the persisted settings, defaulting unparseable values
func (s *Store) Settings(ctx context.Context) (models.StoreSettings, error) {
	settings := models.DefaultStoreSettings()

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return settings, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, fmt.Errorf("failed to scan setting: %w", err)
		}
		switch key {
		case "retention_days":
			if days, err := strconv.Atoi(value); err == nil {
				settings.RetentionDays = days
			}
		case "enabled":
			if enabled, err := strconv.ParseBool(value); err == nil {
				settings.Enabled = enabled
			}
		}
	}
	return settings, rows.Err()
}

// SaveSettings persists settings
func (s *Store) SaveSettings(ctx context.Context, settings models.StoreSettings) error {
	if settings.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1")
	}
	for key, value := range map[string]string{
		"retention_days": strconv.Itoa(settings.RetentionDays),
		"enabled":        strconv.FormatBool(settings.Enabled),
	} {
		if _, err := s.execWithRetry(ctx,
			"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value,
		); err != nil {
			return fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) queryLogs(ctx context.Context, query string, args ...any) ([]models.StoredLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := []models.StoredLog{}
	for rows.Next() {
		var (
			l                                    models.StoredLog
			requestID, executionID, topic, level sql.NullString
			functionPath, functionName, udfType  sql.NullString
			success, durationMs                  sql.NullInt64
		)
		if err := rows.Scan(
			&l.ID, &l.Ts, &l.Deployment, &requestID, &executionID, &topic, &level,
			&functionPath, &functionName, &udfType, &success, &durationMs,
			&l.Message, &l.JSONBlob, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		l.RequestID = requestID.String
		l.ExecutionID = executionID.String
		l.Topic = topic.String
		l.Level = level.String
		l.FunctionPath = functionPath.String
		l.FunctionName = functionName.String
		l.UDFType = udfType.String
		if success.Valid {
			b := success.Int64 != 0
			l.Success = &b
		}
		if durationMs.Valid {
			d := durationMs.Int64
			l.DurationMs = &d
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func buildFilters(f models.LogFilters, prefix string) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Deployment != "" {
		where = append(where, prefix+"deployment = ?")
		args = append(args, f.Deployment)
	}
	if f.StartTs != nil {
		where = append(where, prefix+"ts >= ?")
		args = append(args, *f.StartTs)
	}
	if f.EndTs != nil {
		where = append(where, prefix+"ts <= ?")
		args = append(args, *f.EndTs)
	}
	if f.RequestID != "" {
		where = append(where, prefix+"request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.FunctionPath != "" {
		where = append(where, prefix+"function_path = ?")
		args = append(args, f.FunctionPath)
	}
	if f.Success != nil {
		where = append(where, prefix+"success = ?")
		args = append(args, boolInt(*f.Success))
	}
	if len(f.Levels) > 0 {
		where = append(where, prefix+"level IN ("+placeholders(len(f.Levels))+")")
		for _, l := range f.Levels {
			args = append(args, l)
		}
	}
	if len(f.Topics) > 0 {
		where = append(where, prefix+"topic IN ("+placeholders(len(f.Topics))+")")
		for _, t := range f.Topics {
			args = append(args, t)
		}
	}
	return where, args
}

func joinWhere(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(where, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// parseCursor splits a "ts:id" cursor
func parseCursor(cursor string) (int64, string, bool) {
	tsPart, id, found := strings.Cut(cursor, ":")
	if !found || id == "" {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, id, true
}

// ftsQuery quotes every term so user input cannot inject FTS syntax. Terms
// are implicitly ANDed.
func ftsQuery(text string) string {
	terms := strings.Fields(text)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
