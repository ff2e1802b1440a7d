package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oicur0t/convexlogs/internal/agent"
	"github.com/oicur0t/convexlogs/internal/archive"
	"github.com/oicur0t/convexlogs/internal/config"
	"github.com/oicur0t/convexlogs/internal/logging"
	"github.com/oicur0t/convexlogs/internal/logstore"
	"github.com/oicur0t/convexlogs/internal/logstream"
	"github.com/oicur0t/convexlogs/pkg/models"
	"github.com/oicur0t/convexlogs/pkg/mtls"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Agent failed", zap.Error(err))
	}
	logger.Info("Agent stopped gracefully")
}

func run(cfg *config.AgentConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting convexlogs-agent",
		zap.String("version", version),
		zap.String("listen", cfg.Server.ListenAddress),
		zap.Int("deployments", len(cfg.EnabledDeployments())))

	var store *logstore.Store
	if cfg.Store.Enabled {
		s, err := logstore.Open(ctx, cfg.Store.Path, logger.Named("store"))
		if err != nil {
			return fmt.Errorf("failed to open log store: %w", err)
		}
		defer s.Close()

		settings := models.StoreSettings{RetentionDays: cfg.Store.RetentionDays, Enabled: true}
		if err := s.SaveSettings(ctx, settings); err != nil {
			return fmt.Errorf("failed to save store settings: %w", err)
		}
		store = s
	}

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		a, err := archive.Connect(ctx, archive.Options{
			URI:              cfg.Archive.URI,
			Database:         cfg.Archive.Database,
			CollectionPrefix: cfg.Archive.CollectionPrefix,
			CertKeyFile:      cfg.Archive.CertificateKeyFile,
			Timeout:          cfg.Archive.Timeout,
			MaxPoolSize:      cfg.Archive.MaxPoolSize,
			TTLDays:          cfg.Archive.TTLDays,
		}, logger.Named("archive"))
		if err != nil {
			return fmt.Errorf("failed to connect archive: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Archive.Timeout)
			defer cancel()
			if err := a.Close(closeCtx); err != nil {
				logger.Error("Failed to close MongoDB connection", zap.Error(err))
			}
		}()
		arch = a
	}

	fetchers, err := agent.NewFetchers(cfg, "convexlogs-agent/"+version, logger)
	if err != nil {
		return err
	}

	sinks := func(name string) []logstream.Sink {
		var out []logstream.Sink
		if store != nil {
			out = append(out, store.NewSink(name))
		}
		if arch != nil {
			out = append(out, arch.NewSink(name))
		}
		return out
	}

	sessions, err := agent.NewSessions(cfg, fetchers, sinks, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range sessions {
			s.Stop()
		}
	}()

	requireClientCert := cfg.MTLS.Enabled && (cfg.MTLS.ClientAuth == "" || cfg.MTLS.ClientAuth == mtls.ClientAuthRequire)
	handler := agent.NewHandler(sessions, store, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      agent.NewRouter(handler, logger, requireClientCert),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Load TLS configuration if mTLS is enabled
	if cfg.MTLS.Enabled {
		tlsConfig, err := mtls.LoadServerTLSConfig(cfg.MTLS.CACert, cfg.MTLS.ServerCert, cfg.MTLS.ServerKey, cfg.MTLS.ClientAuth)
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		httpServer.TLSConfig = tlsConfig
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.ListenAddress))

		var err error
		if cfg.MTLS.Enabled {
			err = httpServer.ListenAndServeTLS("", "") // Certs loaded via TLSConfig
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})

	if store != nil {
		g.Go(func() error {
			err := store.RunRetention(gctx, cfg.Store.RetentionInterval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
