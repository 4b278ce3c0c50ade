package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/schedule"
)

type evaluateOptions struct {
	schedulePath string
	timezone     string
	at           string
	now          string
	futureGuard  bool
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &evaluateOptions{}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a schedule for one observation time",
		Long: `Evaluate a schedule envelope ({"mode": ..., "config": {...}}) for an
observation time in a station zone and print the resulting decision.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvaluate(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.schedulePath, "schedule", "", "schedule JSON file")
	cmd.Flags().StringVar(&opts.timezone, "tz", "UTC", "station IANA time zone")
	cmd.Flags().StringVar(&opts.at, "at", "", "observation time (RFC 3339 with offset)")
	cmd.Flags().StringVar(&opts.now, "now", "", "evaluation instant (RFC 3339, default current time)")
	cmd.Flags().BoolVar(&opts.futureGuard, "future-guard", true, "reject observations ahead of now beyond allow_future_mins")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("at")

	return cmd
}

func runEvaluate(rootOpts *RootOptions, opts *evaluateOptions, cmd *cobra.Command) error {
	raw, err := os.ReadFile(opts.schedulePath)
	if err != nil {
		return fmt.Errorf("failed to read schedule: %w", err)
	}
	sched, err := domain.UnmarshalSchedule(raw)
	if err != nil {
		return err
	}
	if sched == nil {
		return fmt.Errorf("schedule file %s is null", opts.schedulePath)
	}
	loc, err := time.LoadLocation(opts.timezone)
	if err != nil {
		return fmt.Errorf("invalid --tz: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, opts.at)
	if err != nil {
		return fmt.Errorf("invalid --at: %w", err)
	}
	now := time.Now().UTC()
	if opts.now != "" {
		if now, err = time.Parse(time.RFC3339Nano, opts.now); err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
	}

	d := schedule.NewEvaluator(opts.futureGuard).Evaluate(sched, at.UTC(), loc, now.UTC())

	out := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		return writeJSON(out, d)
	}
	if !d.Accepted {
		fmt.Fprintf(out, "rejected: %s\n", d.Reason)
		if d.Message != "" {
			fmt.Fprintf(out, "message: %s\n", d.Message)
		}
	} else {
		fmt.Fprintf(out, "accepted: %s\n", d.Timeliness)
		fmt.Fprintf(out, "backfill: %t\n", d.Backfill)
		fmt.Fprintf(out, "rounded: %s\n", d.RoundedTime.In(loc).Format(time.RFC3339))
		fmt.Fprintf(out, "rain day: %s\n", d.AccumulationDate)
	}
	if d.Slot.Key != "" {
		fmt.Fprintf(out, "slot: %s\n", d.Slot.Key)
	}
	return nil
}
