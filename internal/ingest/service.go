package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/observability"
)

// Service runs the validate-and-commit flow for one submission with the
// injected clock, and records metrics and logs for each attempt.
type Service struct {
	validator *Validator
	gate      *Gate
	clock     domain.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewService wires the ingestion flow.
func NewService(validator *Validator, gate *Gate, clock domain.Clock, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		validator: validator,
		gate:      gate,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// Submit validates raw for callerID and commits it. Rejections come back as
// *domain.Rejection errors.
func (s *Service) Submit(ctx context.Context, raw []byte, callerID string) (Outcome, error) {
	start := time.Now()
	defer func() { s.metrics.SubmitDuration.Observe(time.Since(start).Seconds()) }()

	intent, err := s.validator.Validate(ctx, raw, callerID, domain.NowUTC(s.clock))
	if err == nil {
		var out Outcome
		out, err = s.gate.Submit(ctx, intent)
		if err == nil {
			s.record(intent, out)
			return out, nil
		}
	}

	if r, ok := AsRejection(err); ok {
		s.metrics.Submissions.WithLabelValues("rejected").Inc()
		s.metrics.Rejections.WithLabelValues(string(r.Reason)).Inc()
		s.logger.Info("submission rejected", "reason", r.Reason, "error", r.Message)
		return Outcome{}, r
	}
	s.metrics.Submissions.WithLabelValues("error").Inc()
	s.logger.Error("submission failed", "error", err)
	return Outcome{}, err
}

func (s *Service) record(in *Intent, out Outcome) {
	if out.Replayed {
		s.metrics.Submissions.WithLabelValues("replayed").Inc()
		s.logger.Info("submission replayed",
			"station_link_id", in.Station.ID,
			"observer_id", in.Observer.ID,
			"submission_id", out.Submission.ID,
			"content_hash", out.Submission.ContentHash,
		)
		return
	}
	s.metrics.Submissions.WithLabelValues("created").Inc()
	s.metrics.Decisions.WithLabelValues(string(in.Decision.Timeliness)).Inc()
	s.logger.Info("submission created",
		"station_link_id", in.Station.ID,
		"observer_id", in.Observer.ID,
		"submission_id", out.Submission.ID,
		"content_hash", out.Submission.ContentHash,
		"slot", in.Decision.Slot.Key,
		"timeliness", in.Decision.Timeliness,
		"backfill", in.Decision.Backfill,
		"revision", in.Decision.Revision,
	)
}
