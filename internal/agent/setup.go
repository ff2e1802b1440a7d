package agent

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/config"
	"github.com/oicur0t/convexlogs/internal/convex"
	"github.com/oicur0t/convexlogs/internal/credentials"
	"github.com/oicur0t/convexlogs/internal/filesource"
	"github.com/oicur0t/convexlogs/internal/gate"
	"github.com/oicur0t/convexlogs/internal/logstream"
	"github.com/oicur0t/convexlogs/internal/poller"
	"github.com/oicur0t/convexlogs/pkg/mtls"
)

// NewFetchers builds the fetcher for every deployment kind
func NewFetchers(cfg *config.AgentConfig, userAgent string, logger *zap.Logger) (map[string]poller.Fetcher, error) {
	tlsConfig, err := mtls.LoadClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey, cfg.TLS.ServerName)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS config: %w", err)
	}

	files := filesource.New(logger.Named("file"))
	if cfg.Poller.FileWait > 0 {
		files.Wait = cfg.Poller.FileWait
	}
	if cfg.Poller.FileMaxLines > 0 {
		files.MaxLines = cfg.Poller.FileMaxLines
	}

	return map[string]poller.Fetcher{
		config.KindCloud: convex.NewClient(tlsConfig, cfg.Poller.RequestTimeout, userAgent, logger.Named("convex")),
		config.KindFile:  files,
	}, nil
}

// PollerConfig converts the poller section of the configuration
func PollerConfig(p config.PollerConfig) poller.Config {
	cfg := poller.DefaultConfig()
	cfg.RetryBaseDelay = p.RetryBaseDelay
	cfg.BackoffCap = p.BackoffCap
	cfg.FailureThreshold = p.FailureThreshold
	cfg.GatePollInterval = p.GatePollInterval
	return cfg
}

// ResolveDeployment resolves the credential of a configured deployment.
// Capture files need none and get a placeholder.
func ResolveDeployment(d config.DeploymentConfig, logger *zap.Logger) logstream.Deployment {
	out := logstream.Deployment{Name: d.Name, URL: d.URL, Kind: d.Kind}
	if d.Kind == config.KindFile {
		out.Credential = filesource.Credential
		return out
	}

	source, key := credentials.Lookup(d.Name, d.DeployKey)
	if source == credentials.SourceNone {
		logger.Warn("No deploy key found", zap.String("deployment", d.Name))
	} else {
		logger.Debug("Resolved deploy key", zap.String("deployment", d.Name), zap.String("source", string(source)))
	}
	out.Credential = key
	return out
}

// NewSessions creates and starts a session for every enabled deployment
func NewSessions(cfg *config.AgentConfig, fetchers map[string]poller.Fetcher, sinks func(name string) []logstream.Sink, logger *zap.Logger) ([]*logstream.Session, error) {
	pollerCfg := PollerConfig(cfg.Poller)

	var sessions []*logstream.Session
	for _, d := range cfg.EnabledDeployments() {
		var deploymentSinks []logstream.Sink
		if sinks != nil {
			deploymentSinks = sinks(d.Name)
		}

		signals := gate.NewSignals(nil, cfg.Poller.IdleTimeout)
		if !cfg.Poller.IdleGating {
			signals.Idle = nil
		}

		s := logstream.NewSession(d.Name, logstream.Options{
			Fetchers: fetchers,
			Poller:   pollerCfg,
			Signals:  signals,
			MaxLogs:  cfg.Poller.MaxLogs,
			Sinks:    deploymentSinks,
			Logger:   logger,
		})
		if err := s.SetDeployment(ResolveDeployment(d, logger)); err != nil {
			s.Stop()
			for _, started := range sessions {
				started.Stop()
			}
			return nil, fmt.Errorf("deployment %s: %w", d.Name, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}
