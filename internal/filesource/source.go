// Package filesource serves a local capture file of newline-delimited JSON
// function logs as a log stream, using the byte offset as the cursor.
package filesource

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nxadm/tail"
	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/convex"
	"github.com/oicur0t/convexlogs/pkg/models"
	"github.com/oicur0t/convexlogs/pkg/retry"
)

// Defaults for Source
const (
	DefaultMaxLines     = 1000
	DefaultWait         = 10 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Credential is the placeholder credential for capture files, which need none
const Credential = "local"

// Source reads capture files. Each Fetch waits up to Wait for data past the
// cursor so callers can poll it without spinning.
type Source struct {
	MaxLines     int
	Wait         time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	logger       *zap.Logger
}

// New creates a file source with default limits
func New(logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		MaxLines:     DefaultMaxLines,
		Wait:         DefaultWait,
		PollInterval: DefaultPollInterval,
		Clock:        clock.New(),
		logger:       logger,
	}
}

// Fetch returns complete lines after byte offset cursor in the file at path.
// A trailing line without a newline is left for the next call. When the file
// has shrunk below cursor it is read again from the start.
func (s *Source) Fetch(ctx context.Context, path, _ string, cursor int64) (models.StreamResponse, error) {
	size, err := s.waitForData(ctx, path, cursor)
	if err != nil {
		return models.StreamResponse{}, err
	}

	if size < cursor {
		s.logger.Info("Capture file truncated, rereading from start",
			zap.String("file", path),
			zap.Int64("cursor", cursor),
			zap.Int64("size", size))
		cursor = 0
	}
	if size == cursor {
		return models.StreamResponse{Entries: []models.LogEntry{}, NewCursor: cursor}, nil
	}

	t, err := tail.TailFile(path, tail.Config{
		Location:  &tail.SeekInfo{Offset: cursor, Whence: io.SeekStart},
		Follow:    false,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return models.StreamResponse{}, fmt.Errorf("failed to tail file %s: %w", path, err)
	}
	defer t.Cleanup()
	defer t.Stop() //nolint:errcheck

	entries := make([]models.LogEntry, 0, 64)
	offset := cursor
	for {
		select {
		case <-ctx.Done():
			return models.StreamResponse{}, ctx.Err()

		case line, ok := <-t.Lines:
			if !ok {
				return models.StreamResponse{Entries: entries, NewCursor: offset}, nil
			}
			if line.Err != nil {
				s.logger.Warn("Error reading line", zap.String("file", path), zap.Error(line.Err))
				continue
			}

			// Only lines terminated before the size we observed are complete
			next := offset + int64(len(line.Text)) + 1
			if next > size {
				return models.StreamResponse{Entries: entries, NewCursor: offset}, nil
			}
			offset = next

			if entry, ok := convex.DecodeEntry([]byte(line.Text), path); ok {
				entries = append(entries, entry)
			} else if len(line.Text) > 0 {
				s.logger.Debug("Skipping malformed line", zap.String("file", path), zap.Int64("offset", offset))
			}

			if s.MaxLines > 0 && len(entries) >= s.MaxLines {
				return models.StreamResponse{Entries: entries, NewCursor: offset}, nil
			}
		}
	}
}

// waitForData polls the file size until it differs from cursor or Wait elapses
func (s *Source) waitForData(ctx context.Context, path string, cursor int64) (int64, error) {
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	deadline := clk.Now().Add(s.Wait)

	for {
		info, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("failed to stat capture file: %w", err)
		}
		if info.Size() != cursor || !clk.Now().Before(deadline) {
			return info.Size(), nil
		}
		if err := retry.Sleep(ctx, clk, s.PollInterval); err != nil {
			return 0, err
		}
	}
}
