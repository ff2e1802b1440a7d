// Package logstore persists function logs in a local SQLite database with a
// full-text index, keyset pagination and time-based retention.
package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a log id does not exist
var ErrNotFound = errors.New("log not found")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is a SQLite backed log store
type Store struct {
	db     *sql.DB
	path   string
	clock  clock.Clock
	logger *zap.Logger
}

// Open creates or opens the database at path and applies the schema
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; readers share the WAL
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-64000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path, clock: clock.New(), logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Opened log store", zap.String("path", path))
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	var triggers int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='trigger' AND name='logs_ai'",
	).Scan(&triggers); err != nil {
		return fmt.Errorf("failed to check triggers: %w", err)
	}
	if triggers == 0 {
		if _, err := s.db.ExecContext(ctx, ftsTriggers); err != nil {
			return fmt.Errorf("failed to create fts triggers: %w", err)
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS logs (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	deployment TEXT NOT NULL,
	request_id TEXT,
	execution_id TEXT,
	topic TEXT,
	level TEXT,
	function_path TEXT,
	function_name TEXT,
	udf_type TEXT,
	success INTEGER,
	duration_ms INTEGER,
	message TEXT NOT NULL,
	json_blob TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts DESC);
CREATE INDEX IF NOT EXISTS idx_logs_deployment_ts ON logs(deployment, ts DESC);
CREATE INDEX IF NOT EXISTS idx_logs_request_id ON logs(request_id) WHERE request_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_logs_function_ts ON logs(function_path, ts DESC) WHERE function_path IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_logs_level_ts ON logs(level, ts DESC) WHERE level IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_logs_success_ts ON logs(success, ts DESC) WHERE success IS NOT NULL;

CREATE VIRTUAL TABLE IF NOT EXISTS logs_fts USING fts5(
	message,
	function_path,
	function_name,
	request_id,
	content='logs',
	content_rowid='rowid',
	tokenize='porter unicode61'
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

INSERT OR IGNORE INTO settings (key, value) VALUES ('retention_days', '30');
INSERT OR IGNORE INTO settings (key, value) VALUES ('enabled', 'true');
`

const ftsTriggers = `
CREATE TRIGGER logs_ai AFTER INSERT ON logs BEGIN
	INSERT INTO logs_fts(rowid, message, function_path, function_name, request_id)
	VALUES (new.rowid, new.message, new.function_path, new.function_name, new.request_id);
END;

CREATE TRIGGER logs_ad AFTER DELETE ON logs BEGIN
	INSERT INTO logs_fts(logs_fts, rowid, message, function_path, function_name, request_id)
	VALUES ('delete', old.rowid, old.message, old.function_path, old.function_name, old.request_id);
END;

CREATE TRIGGER logs_au AFTER UPDATE ON logs BEGIN
	INSERT INTO logs_fts(logs_fts, rowid, message, function_path, function_name, request_id)
	VALUES ('delete', old.rowid, old.message, old.function_path, old.function_name, old.request_id);
	INSERT INTO logs_fts(rowid, message, function_path, function_name, request_id)
	VALUES (new.rowid, new.message, new.function_path, new.function_name, new.request_id);
END;
`

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}
