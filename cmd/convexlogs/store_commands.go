package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oicur0t/convexlogs/internal/logstore"
	"github.com/oicur0t/convexlogs/pkg/models"
)

type filterOptions struct {
	deployment string
	function   string
	requestID  string
	levels     []string
	topics     []string
	since      time.Duration
	success    string
	limit      int
	output     string
}

func (o *filterOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.deployment, "deployment", "d", "", "Only logs from this deployment")
	cmd.Flags().StringVar(&o.function, "function", "", "Only logs from this function path")
	cmd.Flags().StringVar(&o.requestID, "request-id", "", "Only logs for this request id")
	cmd.Flags().StringSliceVar(&o.levels, "level", nil, "Only these levels (repeatable or comma separated)")
	cmd.Flags().StringSliceVar(&o.topics, "topic", nil, "Only these topics (repeatable or comma separated)")
	cmd.Flags().DurationVar(&o.since, "since", 0, "Only logs newer than this age, e.g. 1h")
	cmd.Flags().StringVar(&o.success, "success", "", "Filter on outcome: true or false")
	cmd.Flags().IntVarP(&o.limit, "limit", "n", logstore.DefaultLimit, "Maximum logs to return")
	cmd.Flags().StringVarP(&o.output, "output", "o", formatTable, "Output format: table, json or yaml")
}

func (o *filterOptions) filters(now time.Time) (models.LogFilters, error) {
	f := models.LogFilters{
		Deployment:   o.deployment,
		FunctionPath: o.function,
		RequestID:    o.requestID,
		Levels:       upper(o.levels),
		Topics:       o.topics,
	}
	if o.since > 0 {
		start := now.Add(-o.since).UnixMilli()
		f.StartTs = &start
	}
	if o.success != "" {
		b, err := strconv.ParseBool(o.success)
		if err != nil {
			return f, fmt.Errorf("--success must be true or false")
		}
		f.Success = &b
	}
	return f, nil
}

func upper(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToUpper(strings.TrimSpace(v)))
	}
	return out
}

func newQueryCommand(ctx *commandContext) *cobra.Command {
	var opts filterOptions
	var cursor string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List stored logs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := opts.filters(time.Now())
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(store *logstore.Store) error {
				result, err := store.Query(cmd.Context(), filters, opts.limit, cursor)
				if err != nil {
					return err
				}
				return writeResult(cmd, opts.output, result)
			})
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from the cursor printed by a previous page")
	return cmd
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var opts filterOptions

	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Full-text search over stored log messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := opts.filters(time.Now())
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(store *logstore.Store) error {
				result, err := store.Search(cmd.Context(), strings.Join(args, " "), filters, opts.limit)
				if err != nil {
					return err
				}
				return writeResult(cmd, opts.output, result)
			})
		},
	}

	opts.register(cmd)
	return cmd
}

func writeResult(cmd *cobra.Command, format string, result models.LogQueryResult) error {
	return writeOutput(cmd, format, result, func() string {
		if len(result.Logs) == 0 {
			return "No logs found"
		}
		out := logsTable(result.Logs)
		out += fmt.Sprintf("\n%d of %d logs", len(result.Logs), result.TotalCount)
		if result.HasMore && result.Cursor != "" {
			out += fmt.Sprintf(" (next page: --cursor %s)", result.Cursor)
		}
		return out
	})
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the local log store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(store *logstore.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return writeOutput(cmd, output, stats, func() string {
					return statsTable(store.Path(), stats)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "Output format: table, json or yaml")
	return cmd
}

func statsTable(path string, stats models.LogStats) string {
	oldest, newest := "-", "-"
	if stats.OldestTs != nil {
		oldest = formatTs(*stats.OldestTs)
	}
	if stats.NewestTs != nil {
		newest = formatTs(*stats.NewestTs)
	}

	summary := renderTable(
		[]string{"Field", "Value"},
		[][]string{
			{"Path", path},
			{"Total logs", strconv.FormatInt(stats.TotalLogs, 10)},
			{"Oldest", oldest},
			{"Newest", newest},
			{"Size", formatBytes(stats.DBSizeBytes)},
		},
		nil,
	)
	if len(stats.LogsByDeployment) == 0 {
		return summary
	}

	rows := make([][]string, 0, len(stats.LogsByDeployment))
	for _, d := range stats.LogsByDeployment {
		rows = append(rows, []string{d.Deployment, strconv.FormatInt(d.Count, 10)})
	}
	return summary + "\n" + renderTable([]string{"Deployment", "Logs"}, rows, []columnAlignment{alignLeft, alignRight})
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func newPruneCommand(ctx *commandContext) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stored logs older than the retention period",
		Long: `Delete stored logs older than --older-than-days, or the store's
retention setting when the flag is omitted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("older-than-days") && days < 1 {
				return fmt.Errorf("--older-than-days must be at least 1")
			}
			return ctx.withStore(cmd.Context(), func(store *logstore.Store) error {
				var (
					deleted int64
					err     error
				)
				if days > 0 {
					deleted, err = store.DeleteOlderThan(cmd.Context(), days)
				} else {
					deleted, err = store.RetainOnce(cmd.Context())
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d logs\n", deleted)
				return err
			})
		},
	}

	cmd.Flags().IntVar(&days, "older-than-days", 0, "Age in days beyond which logs are deleted")
	return cmd
}
