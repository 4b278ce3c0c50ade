// Package reconcile hands unprocessed submission records to a downstream
// time-series pipeline and marks the ones it reports as materialized.
//
// Records only ever move from unprocessed to processed. A failed pass leaves
// them unprocessed for the next one, so passes are safe to repeat.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/observability"
)

// Store is the storage surface reconciliation reads and marks through.
type Store interface {
	ListUnprocessedRecords(ctx context.Context, stationLinkID int64, window domain.Window) ([]domain.Record, error)
	MarkProcessed(ctx context.Context, stationLinkID, submissionID, parameterID int64, at time.Time) (int64, error)
	MarkFailed(ctx context.Context, stationLinkID, submissionID, parameterID int64, message string) (int64, error)
}

// Pipeline materializes candidate rows as canonical time-series points and
// reports which (submission, parameter) pairs it committed.
type Pipeline interface {
	Materialize(ctx context.Context, station domain.StationLink, rows []ObservationRow) ([]Commit, error)
}

// Commit is one (submission, parameter) pair reported back by the pipeline.
// A non-empty Error means the pair was not materialized.
type Commit struct {
	SubmissionID int64  `json:"submission_id"`
	ParameterID  int64  `json:"parameter_id"`
	Error        string `json:"error,omitempty"`
}

// Result counts the records changed by a reconciliation.
type Result struct {
	Marked int64 `json:"marked"`
	Failed int64 `json:"failed"`
}

func (r *Result) add(o Result) {
	r.Marked += o.Marked
	r.Failed += o.Failed
}

// Reconciler groups pending records into rows and applies pipeline commits.
type Reconciler struct {
	store     Store
	clock     domain.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	batchSize int
}

// New creates a Reconciler. Pipelines receive at most batchSize rows per call;
// a non-positive batchSize sends everything at once.
func New(store Store, clock domain.Clock, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Reconciler {
	return &Reconciler{
		store:     store,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// Rows returns the station's unprocessed, non-test records inside window,
// grouped per submission and observation time in observation order.
func (r *Reconciler) Rows(ctx context.Context, stationLinkID int64, window domain.Window) ([]ObservationRow, error) {
	records, err := r.store.ListUnprocessedRecords(ctx, stationLinkID, window)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed records: %w", err)
	}
	return GroupRecords(records), nil
}

// Apply marks every committed pair of the station as processed and stamps
// the error on every failed one. Pairs naming another station's submission
// change nothing. It stops at the first storage error and returns what it
// changed so far.
func (r *Reconciler) Apply(ctx context.Context, stationLinkID int64, commits []Commit) (Result, error) {
	var res Result
	now := domain.NowUTC(r.clock)
	for _, c := range commits {
		if c.Error != "" {
			n, err := r.store.MarkFailed(ctx, stationLinkID, c.SubmissionID, c.ParameterID, c.Error)
			if err != nil {
				r.metrics.ReconcileErrors.Inc()
				return res, fmt.Errorf("mark submission %d parameter %d failed: %w", c.SubmissionID, c.ParameterID, err)
			}
			res.Failed += n
			r.metrics.ReconcileFailed.Add(float64(n))
			continue
		}
		n, err := r.store.MarkProcessed(ctx, stationLinkID, c.SubmissionID, c.ParameterID, now)
		if err != nil {
			r.metrics.ReconcileErrors.Inc()
			return res, fmt.Errorf("mark submission %d parameter %d processed: %w", c.SubmissionID, c.ParameterID, err)
		}
		res.Marked += n
		r.metrics.ReconcileMarked.Add(float64(n))
	}
	return res, nil
}

// Reconcile sends the station's pending rows to the pipeline in batches and
// applies what it commits. It returns the counts applied before any error.
func (r *Reconciler) Reconcile(ctx context.Context, station domain.StationLink, window domain.Window, pipeline Pipeline) (Result, error) {
	rows, err := r.Rows(ctx, station.ID, window)
	if err != nil {
		return Result{}, err
	}

	var total Result
	for _, batch := range chunk(rows, r.batchSize) {
		commits, err := pipeline.Materialize(ctx, station, batch)
		if err != nil {
			r.metrics.ReconcileErrors.Inc()
			return total, fmt.Errorf("materialize station link %d: %w", station.ID, err)
		}
		res, err := r.Apply(ctx, station.ID, commits)
		total.add(res)
		if err != nil {
			return total, err
		}
	}

	if len(rows) > 0 {
		r.logger.Info("station reconciled",
			"station_link_id", station.ID,
			"rows", len(rows),
			"marked", total.Marked,
			"failed", total.Failed,
		)
	}
	return total, nil
}

func chunk(rows []ObservationRow, size int) [][]ObservationRow {
	if len(rows) == 0 {
		return nil
	}
	if size <= 0 || size >= len(rows) {
		return [][]ObservationRow{rows}
	}
	out := make([][]ObservationRow, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}
