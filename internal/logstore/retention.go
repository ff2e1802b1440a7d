package logstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/pkg/models"
	"github.com/oicur0t/convexlogs/pkg/retry"
)

// RetentionInterval is how often RunRetention prunes the store
const RetentionInterval = 24 * time.Hour

// RetainOnce deletes logs older than the configured retention
func (s *Store) RetainOnce(ctx context.Context) (int64, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		s.logger.Warn("Failed to read settings, using default retention", zap.Error(err))
		settings = models.DefaultStoreSettings()
	}

	deleted, err := s.DeleteOlderThan(ctx, settings.RetentionDays)
	if err != nil {
		return deleted, err
	}

	s.logger.Info("Retention job finished",
		zap.Int64("deleted", deleted),
		zap.Int("retention_days", settings.RetentionDays))
	return deleted, nil
}

// RunRetention prunes the store immediately and then every interval until
// ctx is cancelled. Failures are logged and retried on the next tick.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = RetentionInterval
	}

	for {
		if _, err := s.RetainOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Retention job failed", zap.Error(err))
		}
		if err := retry.Sleep(ctx, s.clock, interval); err != nil {
			return err
		}
	}
}

// Sink feeds streamed entries into the store for one deployment, honoring
// the store's enabled setting.
type Sink struct {
	store      *Store
	deployment string
	logger     *zap.Logger
}

// NewSink creates a sink writing entries under deployment
func (s *Store) NewSink(deployment string) *Sink {
	return &Sink{
		store:      s,
		deployment: deployment,
		logger:     s.logger.With(zap.String("deployment", deployment)),
	}
}

// Write stores entries; failures are logged, never returned to the stream
func (k *Sink) Write(ctx context.Context, entries []models.LogEntry) {
	settings, err := k.store.Settings(ctx)
	if err == nil && !settings.Enabled {
		return
	}

	if _, err := k.store.Ingest(ctx, k.deployment, entries); err != nil {
		k.logger.Error("Failed to persist logs", zap.Int("entries", len(entries)), zap.Error(err))
	}
}
