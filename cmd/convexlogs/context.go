package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/config"
	"github.com/oicur0t/convexlogs/internal/logging"
	"github.com/oicur0t/convexlogs/internal/logstore"
)

type globalOptions struct {
	config   string
	db       string
	logLevel string
	noColor  bool
}

type commandContext struct {
	opts *globalOptions

	configOnce sync.Once
	config     *config.AgentConfig
	configErr  error

	loggerOnce sync.Once
	logger     *zap.Logger
}

func newCommandContext(opts *globalOptions) *commandContext {
	return &commandContext{opts: opts}
}

func (c *commandContext) ensureConfig() (*config.AgentConfig, error) {
	c.configOnce.Do(func() {
		cfg, err := config.LoadAgentConfig(strings.TrimSpace(c.opts.config))
		if err != nil {
			c.configErr = err
			return
		}
		if db := strings.TrimSpace(c.opts.db); db != "" {
			cfg.Store.Path = db
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// log returns the diagnostics logger; commands write their results to stdout
func (c *commandContext) log() *zap.Logger {
	c.loggerOnce.Do(func() {
		logger, err := logging.New(c.opts.logLevel, "console")
		if err != nil {
			logger = zap.NewNop()
		}
		c.logger = logger
	})
	return c.logger
}

func (c *commandContext) withStore(ctx context.Context, fn func(*logstore.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := logstore.Open(ctx, cfg.Store.Path, c.log().Named("store"))
	if err != nil {
		return fmt.Errorf("open log store %s: %w", cfg.Store.Path, err)
	}
	defer store.Close()
	return fn(store)
}

func (c *commandContext) applyColor() {
	if c.opts.noColor {
		color.NoColor = true
	}
}
