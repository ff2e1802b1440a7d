package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oicur0t/convexlogs/internal/logfmt"
	"github.com/oicur0t/convexlogs/pkg/models"
)

// Output formats accepted by -o
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

const messageWidth = 80

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range r {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// writeOutput renders v in the requested format, calling render for the
// human readable form.
func writeOutput(cmd *cobra.Command, format string, v any, render func() string) error {
	switch format {
	case formatJSON:
		return writeJSON(cmd, v)
	case formatYAML:
		return writeYAML(cmd, v)
	case formatTable, "":
		_, err := fmt.Fprintln(cmd.OutOrStdout(), render())
		return err
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func formatTs(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05.000")
}

func shorten(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func logsTable(logs []models.StoredLog) string {
	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, []string{
			formatTs(l.Ts),
			l.Deployment,
			l.Level,
			l.FunctionPath,
			shorten(l.Message, messageWidth),
			l.ID[:min(12, len(l.ID))],
		})
	}
	return renderTable(
		[]string{"Time", "Deployment", "Level", "Function", "Message", "ID"},
		rows,
		nil,
	)
}

var (
	tsColor    = color.New(color.FgHiBlack)
	errorColor = color.New(color.FgRed, color.Bold)
	infoColor  = color.New(color.FgGreen)
	fnColor    = color.New(color.FgCyan)
	warnColor  = color.New(color.FgYellow)
)

// entryLine formats a streamed entry as one coloured terminal line
func entryLine(e models.LogEntry) string {
	level := logfmt.InferLevel(e)
	var levelText string
	switch level {
	case logfmt.LevelError:
		levelText = errorColor.Sprintf("%-5s", level)
	case logfmt.LevelInfo:
		levelText = infoColor.Sprintf("%-5s", level)
	default:
		levelText = fmt.Sprintf("%-5s", "-")
	}

	fn := e.FunctionIdentifier
	if fn == "" {
		fn = e.FunctionName
	}

	var b strings.Builder
	b.WriteString(tsColor.Sprint(formatTs(e.Timestamp)))
	b.WriteString(" ")
	b.WriteString(levelText)
	if fn != "" {
		b.WriteString(" ")
		b.WriteString(fnColor.Sprint(fn))
	}
	if e.DurationMs != nil {
		fmt.Fprintf(&b, " (%dms)", *e.DurationMs)
	}
	b.WriteString(" ")
	b.WriteString(logfmt.ExtractMessage(e))
	return b.String()
}
