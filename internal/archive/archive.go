// Package archive copies streamed function logs into MongoDB, one collection
// per deployment.
package archive

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/logstore"
	"github.com/oicur0t/convexlogs/pkg/models"
	"github.com/oicur0t/convexlogs/pkg/retry"
)

var invalidCollectionChars = regexp.MustCompile(`[^a-z0-9_]`)

// Options configures the archive connection
type Options struct {
	URI              string
	Database         string
	CollectionPrefix string
	CertKeyFile      string
	Timeout          time.Duration
	MaxPoolSize      int
	TTLDays          int
}

// Archive handles MongoDB operations
type Archive struct {
	client           *mongo.Client
	database         *mongo.Database
	collectionPrefix string
	ttlDays          int
	retry            retry.Config
	logger           *zap.Logger

	mu      sync.Mutex
	indexed map[string]bool
}

// document is the stored form of a log; archived_at drives the TTL index
type document struct {
	models.StoredLog `bson:",inline"`
	ArchivedAt       time.Time `bson:"archived_at"`
}

// Connect opens and verifies the MongoDB connection
func Connect(ctx context.Context, opts Options, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	uri := opts.URI
	clientOpts := options.Client()
	if opts.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(uint64(opts.MaxPoolSize))
	}

	// X.509 authentication when a certificate key file is given
	if opts.CertKeyFile != "" {
		if strings.Contains(uri, "?") {
			uri = uri + "&tlsCertificateKeyFile=" + opts.CertKeyFile
		} else {
			uri = uri + "?tlsCertificateKeyFile=" + opts.CertKeyFile
		}
		clientOpts.SetAuth(options.Credential{AuthMechanism: "MONGODB-X509"})
	}
	clientOpts.ApplyURI(uri)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB",
		zap.String("database", opts.Database),
		zap.Int("max_pool_size", opts.MaxPoolSize))

	return &Archive{
		client:           client,
		database:         client.Database(opts.Database),
		collectionPrefix: opts.CollectionPrefix,
		ttlDays:          opts.TTLDays,
		retry:            retry.Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.5},
		logger:           logger,
		indexed:          make(map[string]bool),
	}, nil
}

// InsertLogs archives entries for deployment. Entries already archived are
// skipped.
func (a *Archive) InsertLogs(ctx context.Context, deployment string, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	collName := CollectionName(a.collectionPrefix, deployment)
	collection := a.database.Collection(collName)

	a.mu.Lock()
	if !a.indexed[collName] {
		if err := a.ensureIndexes(ctx, collection); err != nil {
			// Don't fail the insert if index creation fails
			a.logger.Error("Failed to ensure indexes", zap.Error(err), zap.String("collection", collName))
		} else {
			a.indexed[collName] = true
		}
	}
	a.mu.Unlock()

	docs := toDocuments(deployment, entries, time.Now())

	var inserted int
	err := retry.Do(ctx, a.retry, func() error {
		result, err := collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
		if err != nil && mongo.IsDuplicateKeyError(err) {
			if result != nil {
				inserted = len(result.InsertedIDs)
			}
			return nil
		}
		if err != nil {
			return err
		}
		inserted = len(result.InsertedIDs)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert logs: %w", err)
	}

	a.logger.Debug("Logs archived",
		zap.String("collection", collName),
		zap.Int("inserted", inserted),
		zap.Int("batch_size", len(entries)))

	return nil
}

func (a *Archive) ensureIndexes(ctx context.Context, collection *mongo.Collection) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "ts", Value: -1}},
			Options: options.Index().SetName("ts_desc"),
		},
		{
			Keys: bson.D{
				{Key: "function_path", Value: 1},
				{Key: "ts", Value: -1},
			},
			Options: options.Index().SetName("function_path_ts"),
		},
	}

	if a.ttlDays > 0 {
		ttlSeconds := int32(a.ttlDays * 24 * 60 * 60)
		indexModels = append(indexModels, mongo.IndexModel{
			Keys: bson.D{{Key: "archived_at", Value: 1}},
			Options: options.Index().
				SetName("ttl_index").
				SetExpireAfterSeconds(ttlSeconds),
		})
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB
func (a *Archive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

// CollectionName creates a valid collection name from a deployment name
func CollectionName(prefix, deployment string) string {
	name := invalidCollectionChars.ReplaceAllString(strings.ToLower(deployment), "_")
	return prefix + name
}

func toDocuments(deployment string, entries []models.LogEntry, now time.Time) []interface{} {
	docs := make([]interface{}, len(entries))
	for i, e := range entries {
		docs[i] = document{
			StoredLog:  logstore.ToStored(deployment, e, now.UnixMilli()),
			ArchivedAt: now.UTC(),
		}
	}
	return docs
}

// Sink archives the entries of one deployment
type Sink struct {
	archive    *Archive
	deployment string
	logger     *zap.Logger
}

// NewSink creates a sink writing entries under deployment
func (a *Archive) NewSink(deployment string) *Sink {
	return &Sink{
		archive:    a,
		deployment: deployment,
		logger:     a.logger.With(zap.String("deployment", deployment)),
	}
}

// Write archives entries; failures are logged
func (s *Sink) Write(ctx context.Context, entries []models.LogEntry) {
	if err := s.archive.InsertLogs(ctx, s.deployment, entries); err != nil && ctx.Err() == nil {
		s.logger.Error("Failed to archive logs", zap.Int("entries", len(entries)), zap.Error(err))
	}
}
