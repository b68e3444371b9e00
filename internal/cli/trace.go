package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/flux/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Token    string // optional - filter to one dispatch token
	Event    string // optional - filter to one event
}

// TraceRow is one journal row in the timeline output.
type TraceRow struct {
	Seq     int64  `json:"seq"`
	Token   string `json:"token"`
	Parent  string `json:"parent,omitempty"`
	Event   string `json:"event"`
	Payload string `json:"payload"`
	Phase   string `json:"phase"`
	At      string `json:"at"`
	Error   string `json:"error,omitempty"`
}

// TraceStats holds summary statistics for the journal.
type TraceStats struct {
	TotalRows  int `json:"total_rows"`
	Dispatches int `json:"dispatches"`
	Failures   int `json:"failures"`
	Unsettled  int `json:"unsettled"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Timeline []TraceRow `json:"timeline"`
	Stats    TraceStats `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a dispatch journal",
		Long: `Read a dispatch journal and print its timeline.

Each dispatch contributes two rows: one at issue and one at settle.
Rows are ordered by the engine's logical clock, so the timeline is the
authoritative dispatch order regardless of wall-clock resolution.

Examples:
  flux trace --db ./flux.db
  flux trace --db ./flux.db --event cart/addItem
  flux trace --db ./flux.db --token 0190f5a2-... --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to journal database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Token, "token", "", "filter to one dispatch token")
	cmd.Flags().StringVar(&opts.Event, "event", "", "filter to one event")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	if _, err := os.Stat(opts.Database); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("journal not found: %s", opts.Database))
	}

	j, err := journal.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	ctx := context.Background()
	var records []journal.Record
	switch {
	case opts.Token != "":
		records, err = j.ListByToken(ctx, opts.Token)
	case opts.Event != "":
		records, err = j.ListByEvent(ctx, opts.Event)
	default:
		records, err = j.List(ctx)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	result := buildTraceResult(records)

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
	}

	out := cmd.OutOrStdout()
	if len(result.Timeline) == 0 {
		fmt.Fprintln(out, "Journal is empty.")
		return nil
	}
	for _, row := range result.Timeline {
		line := fmt.Sprintf("[%4d %s] %-11s %s %s", row.Seq, row.At, row.Phase, row.Event, row.Payload)
		if row.Parent != "" {
			line += fmt.Sprintf(" (nested in %s)", row.Parent)
		}
		if row.Error != "" {
			line += fmt.Sprintf("  ERROR: %s", row.Error)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "\n%d dispatches, %d failed, %d unsettled\n",
		result.Stats.Dispatches, result.Stats.Failures, result.Stats.Unsettled)

	return nil
}

// buildTraceResult converts journal rows into the timeline plus summary
// stats. A dispatch with an issue row but no settle row counts as unsettled,
// the signature of a crash or a still-running process.
func buildTraceResult(records []journal.Record) TraceResult {
	result := TraceResult{Timeline: make([]TraceRow, 0, len(records))}
	settled := make(map[string]bool)
	issued := make(map[string]bool)

	for _, rec := range records {
		result.Timeline = append(result.Timeline, TraceRow{
			Seq:     rec.Seq,
			Token:   rec.Token,
			Parent:  rec.Parent,
			Event:   rec.Event,
			Payload: rec.Payload,
			Phase:   rec.Phase,
			At:      rec.At.UTC().Format(time.RFC3339Nano),
			Error:   rec.Error,
		})

		switch rec.Phase {
		case journal.PhaseDispatching:
			issued[rec.Token] = true
		case journal.PhaseSettled:
			settled[rec.Token] = true
			if rec.Error != "" {
				result.Stats.Failures++
			}
		}
	}

	result.Stats.TotalRows = len(records)
	result.Stats.Dispatches = len(issued)
	for token := range issued {
		if !settled[token] {
			result.Stats.Unsettled++
		}
	}

	return result
}
