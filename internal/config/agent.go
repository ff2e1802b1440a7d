package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Deployment kinds
const (
	KindCloud = "cloud"
	KindFile  = "file"
)

// DeploymentConfig represents a single deployment to stream logs from
type DeploymentConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"` // deployment URL, or capture file path for kind file
	Kind      string `mapstructure:"kind"`
	DeployKey string `mapstructure:"deploy_key"`
	Enabled   bool   `mapstructure:"enabled"`
}

// PollerConfig holds log stream timing
type PollerConfig struct {
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	GatePollInterval time.Duration `mapstructure:"gate_poll_interval"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	// IdleGating suspends fetching when no activity is reported for
	// IdleTimeout. Only useful when a UI posts activity.
	IdleGating       bool          `mapstructure:"idle_gating"`
	MaxLogs          int           `mapstructure:"max_logs"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	FileWait         time.Duration `mapstructure:"file_wait"`
	FileMaxLines     int           `mapstructure:"file_max_lines"`
}

// HTTPServerConfig holds HTTP server settings
type HTTPServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig holds local log store settings
type StoreConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Path              string        `mapstructure:"path"`
	RetentionDays     int           `mapstructure:"retention_days"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

// ArchiveConfig holds MongoDB archive settings
type ArchiveConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	URI                string        `mapstructure:"uri"`
	Database           string        `mapstructure:"database"`
	CollectionPrefix   string        `mapstructure:"collection_prefix"`
	CertificateKeyFile string        `mapstructure:"certificate_key_file"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxPoolSize        int           `mapstructure:"max_pool_size"`
	TTLDays            int           `mapstructure:"ttl_days"`
}

// ClientTLSConfig holds TLS settings for connections to deployments
type ClientTLSConfig struct {
	CACert     string `mapstructure:"ca_cert"`
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
	ServerName string `mapstructure:"server_name"`
}

// ServerMTLSConfig holds mTLS configuration for the agent API
type ServerMTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CACert     string `mapstructure:"ca_cert"`
	ServerCert string `mapstructure:"server_cert"`
	ServerKey  string `mapstructure:"server_key"`
	ClientAuth string `mapstructure:"client_auth"` // require, request, or none
}

// AgentConfig represents the complete agent configuration
type AgentConfig struct {
	Deployments []DeploymentConfig `mapstructure:"deployments"`
	Poller      PollerConfig       `mapstructure:"poller"`
	Server      HTTPServerConfig   `mapstructure:"server"`
	Store       StoreConfig        `mapstructure:"store"`
	Archive     ArchiveConfig      `mapstructure:"archive"`
	TLS         ClientTLSConfig    `mapstructure:"tls"`
	MTLS        ServerMTLSConfig   `mapstructure:"mtls"`
	LogLevel    string             `mapstructure:"log_level"`
	LogFormat   string             `mapstructure:"log_format"`
}

// EnabledDeployments returns the deployments to stream
func (c *AgentConfig) EnabledDeployments() []DeploymentConfig {
	var out []DeploymentConfig
	for _, d := range c.Deployments {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// LoadAgentConfig loads the agent configuration from a file. An empty path
// yields the defaults. Environment variables prefixed CONVEXLOGS_ override
// file values, e.g. CONVEXLOGS_STORE_PATH.
func LoadAgentConfig(configPath string) (*AgentConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("convexlogs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("poller.retry_base_delay", "500ms")
	v.SetDefault("poller.backoff_cap", "30s")
	v.SetDefault("poller.failure_threshold", 5)
	v.SetDefault("poller.gate_poll_interval", "500ms")
	v.SetDefault("poller.idle_timeout", "60s")
	v.SetDefault("poller.idle_gating", false)
	v.SetDefault("poller.max_logs", 10000)
	v.SetDefault("poller.request_timeout", "60s")
	v.SetDefault("poller.file_wait", "10s")
	v.SetDefault("poller.file_max_lines", 1000)
	v.SetDefault("server.listen_address", "127.0.0.1:8470")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("store.retention_days", 30)
	v.SetDefault("store.retention_interval", "24h")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.database", "convexlogs")
	v.SetDefault("archive.collection_prefix", "logs_")
	v.SetDefault("archive.timeout", "10s")
	v.SetDefault("archive.max_pool_size", 100)
	v.SetDefault("archive.ttl_days", 30)
	v.SetDefault("mtls.enabled", false)
	v.SetDefault("mtls.client_auth", "require")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config AgentConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *AgentConfig) validate() error {
	seen := make(map[string]bool, len(c.Deployments))
	for i := range c.Deployments {
		d := &c.Deployments[i]
		if d.Name == "" {
			return fmt.Errorf("deployments[%d].name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate deployment name %q", d.Name)
		}
		seen[d.Name] = true

		if d.Kind == "" {
			d.Kind = KindCloud
		}
		if d.Kind != KindCloud && d.Kind != KindFile {
			return fmt.Errorf("deployment %q: kind must be %q or %q", d.Name, KindCloud, KindFile)
		}
	}

	p := c.Poller
	if p.FailureThreshold < 1 {
		return fmt.Errorf("poller.failure_threshold must be at least 1")
	}
	if p.RetryBaseDelay <= 0 || p.BackoffCap <= 0 || p.GatePollInterval <= 0 || p.IdleTimeout <= 0 {
		return fmt.Errorf("poller durations must be positive")
	}
	if p.BackoffCap < p.RetryBaseDelay {
		return fmt.Errorf("poller.backoff_cap must not be below poller.retry_base_delay")
	}
	if p.MaxLogs < 1 {
		return fmt.Errorf("poller.max_logs must be at least 1")
	}

	if c.Store.Enabled {
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required when the store is enabled")
		}
		if c.Store.RetentionDays < 1 {
			return fmt.Errorf("store.retention_days must be at least 1")
		}
	}

	if c.Archive.Enabled && c.Archive.URI == "" {
		return fmt.Errorf("archive.uri is required when the archive is enabled")
	}

	if c.MTLS.Enabled {
		if c.MTLS.CACert == "" || c.MTLS.ServerCert == "" || c.MTLS.ServerKey == "" {
			return fmt.Errorf("mTLS certificates are required when mTLS is enabled")
		}
	}
	if (c.TLS.ClientCert == "") != (c.TLS.ClientKey == "") {
		return fmt.Errorf("tls.client_cert and tls.client_key must be set together")
	}

	return nil
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "convex-logs.db"
	}
	return filepath.Join(dir, "convexlogs", "convex-logs.db")
}
