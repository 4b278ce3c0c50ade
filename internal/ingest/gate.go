package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/fingerprint"
)

// Gate commits validated intents at most once per fingerprint.
type Gate struct {
	store Store
}

// NewGate creates a Gate over store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Submit creates the submission, or returns the existing one when an
// identical payload was already committed. Losing a concurrent insert race
// is reported as a replay of the winner, never as an error.
func (g *Gate) Submit(ctx context.Context, in *Intent) (Outcome, error) {
	hash := in.ContentHash
	if hash == "" {
		var err error
		hash, err = in.Fingerprint()
		if errors.Is(err, fingerprint.ErrUnsupportedValue) {
			return Outcome{}, domain.Reject(domain.ReasonInvalidPayload, "payload cannot be fingerprinted: %v", err)
		}
		if err != nil {
			return Outcome{}, err
		}
	}

	existing, err := g.store.FindSubmission(ctx, in.Observer.ID, in.ObservationTime, hash)
	if err != nil {
		return Outcome{}, fmt.Errorf("find submission: %w", err)
	}
	if existing != nil {
		return Outcome{Submission: *existing, Replayed: true}, nil
	}

	created, err := g.store.CreateSubmissionWithRecords(ctx, newSubmission(in, hash), in.Records)
	switch {
	case err == nil:
		return Outcome{Submission: created}, nil
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return g.readRepair(ctx, in, hash)
	case errors.Is(err, domain.ErrSlotTaken):
		out, rerr := g.readRepair(ctx, in, hash)
		if rerr == nil {
			return out, nil
		}
		return Outcome{}, domain.Reject(domain.ReasonDuplicateSlot, "slot %s already has a submission", in.Decision.Slot.Key)
	default:
		return Outcome{}, fmt.Errorf("create submission: %w", err)
	}
}

var errWinnerMissing = errors.New("conflicting submission not found")

// readRepair fetches the row that won a concurrent insert.
func (g *Gate) readRepair(ctx context.Context, in *Intent, hash string) (Outcome, error) {
	winner, err := g.store.FindSubmission(ctx, in.Observer.ID, in.ObservationTime, hash)
	if err != nil {
		return Outcome{}, fmt.Errorf("find conflicting submission: %w", err)
	}
	if winner == nil {
		return Outcome{}, errWinnerMissing
	}
	return Outcome{Submission: *winner, Replayed: true}, nil
}

func newSubmission(in *Intent, hash string) domain.Submission {
	sub := domain.Submission{
		StationLinkID:   in.Station.ID,
		ObserverID:      in.Observer.ID,
		SubmissionTime:  in.SubmissionTime,
		ObservationTime: in.ObservationTime,
		IdempotencyKey:  in.IdempotencyKey,
		ContentHash:     hash,
		SlotKey:         in.Decision.Slot.Key,
		Timeliness:      in.Decision.Timeliness,
		IsBackfill:      in.Decision.Backfill,
		IsRevision:      in.Decision.Revision,
		RevisionReason:  in.RevisionReason,
		IsTest:          in.IsTest,
		Payload:         in.Payload,
	}
	if s := in.Station.Schedule; s != nil && s.Base().DuplicatePolicy == domain.DuplicateReject {
		sub.ExclusiveSlotKey = in.Decision.Slot.Key
	}
	return sub
}
