package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/manual-obs-collector/internal/bootstrap"
	"github.com/couchcryptid/manual-obs-collector/internal/config"
	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/observability"
	"github.com/couchcryptid/manual-obs-collector/internal/reconcile"
)

type reconcileOptions struct {
	stationID int64
	start     string
	end       string
	dryRun    bool
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &reconcileOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass for a station link",
		Long: `Group the station's unprocessed records into observation rows, hand them
to the pipeline configured by PIPELINE_MODE and mark what it commits.
With --dry-run the rows are printed and nothing is sent or marked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.stationID, "station", 0, "station link id")
	cmd.Flags().StringVar(&opts.start, "start", "", "window start (RFC 3339, inclusive)")
	cmd.Flags().StringVar(&opts.end, "end", "", "window end (RFC 3339, exclusive)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print pending rows without sending them")
	_ = cmd.MarkFlagRequired("station")

	return cmd
}

func runReconcile(rootOpts *RootOptions, opts *reconcileOptions, cmd *cobra.Command) error {
	window, err := opts.window()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := rootOpts.logger(cmd)

	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	station, err := store.GetStationLink(ctx, opts.stationID)
	if err != nil {
		return err
	}
	if station == nil {
		return fmt.Errorf("station link %d not found", opts.stationID)
	}

	// Unregistered metrics: a one-shot run exposes no /metrics endpoint.
	r := reconcile.New(store, domain.NewRealClock(), logger, observability.NewMetricsForTesting(), cfg.BatchSize)
	out := cmd.OutOrStdout()

	if opts.dryRun {
		rows, err := r.Rows(ctx, station.ID, window)
		if err != nil {
			return err
		}
		if rows == nil {
			rows = []reconcile.ObservationRow{}
		}
		if rootOpts.Format == "json" {
			return writeJSON(out, rows)
		}
		for _, row := range rows {
			fmt.Fprintf(out, "%s submission=%d parameters=%v\n",
				row.ObservationTime.Format(time.RFC3339), row.SubmissionID, row.Parameters())
		}
		fmt.Fprintf(out, "%d pending row(s)\n", len(rows))
		return nil
	}

	pipe, err := bootstrap.NewPipeline(cfg, logger)
	if err != nil {
		return err
	}
	if pipe == nil {
		return errors.New("PIPELINE_MODE is none; set it to http or kafka, or use --dry-run")
	}
	defer pipe.Close()

	res, err := r.Reconcile(ctx, *station, window, pipe)
	if err != nil {
		return err
	}
	if rootOpts.Format == "json" {
		return writeJSON(out, res)
	}
	fmt.Fprintf(out, "marked %d, failed %d\n", res.Marked, res.Failed)
	return nil
}

func (o *reconcileOptions) window() (domain.Window, error) {
	var w domain.Window
	var err error
	if o.start != "" {
		if w.Start, err = time.Parse(time.RFC3339Nano, o.start); err != nil {
			return w, fmt.Errorf("invalid --start: %w", err)
		}
	}
	if o.end != "" {
		if w.End, err = time.Parse(time.RFC3339Nano, o.end); err != nil {
			return w, fmt.Errorf("invalid --end: %w", err)
		}
	}
	if !w.Start.IsZero() && !w.End.IsZero() && !w.Start.Before(w.End) {
		return w, errors.New("--start must be before --end")
	}
	return w, nil
}
