package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oicur0t/convexlogs/internal/agent"
	"github.com/oicur0t/convexlogs/internal/config"
	"github.com/oicur0t/convexlogs/internal/logstore"
	"github.com/oicur0t/convexlogs/internal/logstream"
	"github.com/oicur0t/convexlogs/internal/poller"
	"github.com/oicur0t/convexlogs/pkg/models"
)

var version = "dev"

type tailOptions struct {
	deployment string
	url        string
	file       string
	key        string
	cursor     int64
	limit      int
	json       bool
	persist    bool
}

func newTailCommand(ctx *commandContext) *cobra.Command {
	var opts tailOptions

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream function logs to the terminal",
		Long: `Stream function logs from a deployment until interrupted.

The deployment is taken from --file, --url or --deployment, or is the only
enabled deployment in the configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx.applyColor()
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runTail(cmd, ctx, cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.deployment, "deployment", "d", "", "Deployment name from the configuration file")
	cmd.Flags().StringVar(&opts.url, "url", "", "Deployment URL to stream from")
	cmd.Flags().StringVar(&opts.file, "file", "", "Capture file of newline-delimited JSON logs to follow")
	cmd.Flags().StringVar(&opts.key, "key", "", "Deploy key (defaults to env, keyring, then config)")
	cmd.Flags().Int64Var(&opts.cursor, "cursor", 0, "Cursor to start streaming from")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Exit after this many entries (0 streams forever)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print entries as JSON lines")
	cmd.Flags().BoolVar(&opts.persist, "store", false, "Also write entries to the local log store")
	cmd.MarkFlagsMutuallyExclusive("file", "url")

	return cmd
}

func runTail(cmd *cobra.Command, cc *commandContext, cfg *config.AgentConfig, opts tailOptions) error {
	logger := cc.log()

	target, err := tailTarget(cfg, opts)
	if err != nil {
		return err
	}
	d := agent.ResolveDeployment(target, logger)

	fetchers, err := agent.NewFetchers(cfg, "convexlogs/"+version, logger)
	if err != nil {
		return err
	}

	printer := &tailPrinter{
		cmd:   cmd,
		json:  opts.json,
		limit: opts.limit,
		done:  make(chan struct{}),
	}

	if opts.persist {
		store, err := logstore.Open(cmd.Context(), cfg.Store.Path, logger.Named("store"))
		if err != nil {
			return fmt.Errorf("open log store %s: %w", cfg.Store.Path, err)
		}
		defer store.Close()
		printer.sink = store.NewSink(d.Name)
	}

	pollerCfg := agent.PollerConfig(cfg.Poller)
	pollerCfg.Logger = logger.With(zap.String("deployment", d.Name))

	h, err := poller.Start(d.URL, d.Credential, opts.cursor, fetchers[d.Kind], printer, pollerCfg)
	if errors.Is(err, poller.ErrNotConfigured) {
		if d.URL == "" {
			return fmt.Errorf("deployment %s has no url", d.Name)
		}
		return fmt.Errorf("no deploy key for %s; pass --key or run `convexlogs login %s`", d.Name, d.Name)
	}
	if err != nil {
		return err
	}
	defer h.Stop()

	select {
	case <-cmd.Context().Done():
		return nil
	case <-printer.done:
		return nil
	}
}

// tailTarget picks the deployment to stream from the flags and config
func tailTarget(cfg *config.AgentConfig, opts tailOptions) (config.DeploymentConfig, error) {
	name := opts.deployment

	switch {
	case opts.file != "":
		if name == "" {
			name = "local"
		}
		return config.DeploymentConfig{Name: name, URL: opts.file, Kind: config.KindFile}, nil

	case opts.url != "":
		if name == "" {
			name = "cli"
		}
		return config.DeploymentConfig{Name: name, URL: opts.url, Kind: config.KindCloud, DeployKey: opts.key}, nil

	case name != "":
		for _, d := range cfg.Deployments {
			if d.Name == name {
				if opts.key != "" {
					d.DeployKey = opts.key
				}
				return d, nil
			}
		}
		return config.DeploymentConfig{}, fmt.Errorf("deployment %q is not configured", name)
	}

	enabled := cfg.EnabledDeployments()
	if len(enabled) != 1 {
		return config.DeploymentConfig{}, errors.New("pass --deployment, --url or --file to choose what to stream")
	}
	d := enabled[0]
	if opts.key != "" {
		d.DeployKey = opts.key
	}
	return d, nil
}

// tailPrinter writes entries as they arrive. It is only called from the
// poller goroutine.
type tailPrinter struct {
	cmd     *cobra.Command
	json    bool
	limit   int
	printed int
	sink    logstream.Sink

	done     chan struct{}
	doneOnce sync.Once
}

func (p *tailPrinter) Receive(entries []models.LogEntry, _ int64) {
	if p.limit > 0 && p.printed >= p.limit {
		return
	}
	if p.limit > 0 && len(entries) > p.limit-p.printed {
		entries = entries[:p.limit-p.printed]
	}
	if p.sink != nil && len(entries) > 0 {
		p.sink.Write(context.Background(), entries)
	}

	out := p.cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for _, e := range entries {
		if p.json {
			_ = enc.Encode(e)
		} else {
			fmt.Fprintln(out, entryLine(e))
		}
	}

	p.printed += len(entries)
	if p.limit > 0 && p.printed >= p.limit {
		p.doneOnce.Do(func() { close(p.done) })
	}
}

func (p *tailPrinter) ConnectivityChanged(connected bool, err error) {
	out := p.cmd.ErrOrStderr()
	if connected {
		fmt.Fprintln(out, infoColor.Sprint("Reconnected"))
		return
	}
	if err != nil {
		fmt.Fprintln(out, warnColor.Sprintf("Disconnected: %v (retrying)", err))
		return
	}
	fmt.Fprintln(out, warnColor.Sprint("Disconnected (retrying)"))
}
