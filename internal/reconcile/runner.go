package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/observability"
)

// StationLister returns the station links to reconcile.
type StationLister interface {
	ListStationLinks(ctx context.Context) ([]domain.StationLink, error)
}

// RunnerConfig tunes the reconciliation loop.
type RunnerConfig struct {
	// Interval is the pause between complete passes.
	Interval time.Duration
	// Lookback limits each pass to [now-Lookback, now). Zero means unbounded.
	Lookback time.Duration
}

// Runner reconciles every enabled station on an interval.
type Runner struct {
	reconciler *Reconciler
	stations   StationLister
	pipeline   Pipeline
	clock      domain.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	cfg        RunnerConfig
	ready      atomic.Bool
}

// NewRunner creates a Runner feeding pipeline.
func NewRunner(r *Reconciler, stations StationLister, pipeline Pipeline, clock domain.Clock, logger *slog.Logger, metrics *observability.Metrics, cfg RunnerConfig) *Runner {
	return &Runner{
		reconciler: r,
		stations:   stations,
		pipeline:   pipeline,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// CheckReadiness returns nil once a complete pass has succeeded.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("reconciler has not completed a pass yet")
	}
	return nil
}

// Run executes passes until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", "interval", r.cfg.Interval, "lookback", r.cfg.Lookback)
	r.metrics.ReconcilerRunning.Set(1)
	defer r.metrics.ReconcilerRunning.Set(0)

	// Exponential backoff on failed passes: start at 200ms, double, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if _, err := r.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("reconcile pass failed", "error", err)
			if !sleepWithContext(ctx, r.clock, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		backoff = 200 * time.Millisecond
		r.ready.Store(true)
		if !sleepWithContext(ctx, r.clock, r.cfg.Interval) {
			return nil
		}
	}
}

// Pass reconciles every enabled station once. A station that fails is logged
// and skipped; the pass still reports an error so the loop backs off.
func (r *Runner) Pass(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { r.metrics.ReconcilePassDuration.Observe(time.Since(start).Seconds()) }()

	stations, err := r.stations.ListStationLinks(ctx)
	if err != nil {
		r.metrics.ReconcileErrors.Inc()
		return Result{}, err
	}

	window := r.window()
	var (
		total Result
		errs  []error
	)
	for _, st := range stations {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := r.reconciler.Reconcile(ctx, st, window, r.pipeline)
		total.add(res)
		if err != nil {
			r.logger.Warn("station reconcile failed", "station_link_id", st.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (r *Runner) window() domain.Window {
	if r.cfg.Lookback <= 0 {
		return domain.Window{}
	}
	now := domain.NowUTC(r.clock)
	return domain.Window{Start: now.Add(-r.cfg.Lookback), End: now}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock domain.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	if clock == nil {
		clock = domain.NewRealClock()
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
