// Package ingest validates inbound submissions and commits them idempotently.
//
// The flow is Validator → schedule.Evaluator → fingerprint → Gate. The
// Validator is read-only and returns either an Intent or a *domain.Rejection.
// The Gate is the only writer: it short-circuits replays by content hash and
// relies on storage uniqueness constraints to settle concurrent duplicates.
package ingest

import (
	"context"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/fingerprint"
)

// Directory reads station configuration. Lookups return (nil, nil) when the
// entity does not exist.
type Directory interface {
	GetStationLink(ctx context.Context, id int64) (*domain.StationLink, error)
	GetVariableMappings(ctx context.Context, stationLinkID int64) ([]domain.VariableMapping, error)
	GetObserver(ctx context.Context, stationLinkID int64, userID string) (*domain.Observer, error)
}

// SlotChecker reports whether an observer already holds a slot with a
// submission whose content hash differs from excludeHash.
type SlotChecker interface {
	SlotOccupied(ctx context.Context, observerID int64, slotKey, excludeHash string) (bool, error)
}

// Store is the storage surface the Gate commits through.
type Store interface {
	SlotChecker
	FindSubmission(ctx context.Context, observerID int64, observationTime time.Time, contentHash string) (*domain.Submission, error)
	// CreateSubmissionWithRecords inserts the submission and its records in
	// one transaction. Uniqueness violations surface as
	// domain.ErrDuplicateSubmission or domain.ErrSlotTaken.
	CreateSubmissionWithRecords(ctx context.Context, sub domain.Submission, records []domain.RecordInput) (domain.Submission, error)
}

// Intent is a validated submission ready for hashing and commit.
type Intent struct {
	Station         domain.StationLink
	Observer        domain.Observer
	SubmissionTime  time.Time
	ObservationTime time.Time
	IdempotencyKey  string
	Records         []domain.RecordInput
	Meta            map[string]any
	Payload         []byte
	Decision        domain.Decision
	// ContentHash is filled by the Validator; the Gate computes it when empty.
	ContentHash string

	IsTest         bool
	RevisionReason string
}

// Fingerprint hashes the intent's logical content.
func (in *Intent) Fingerprint() (string, error) {
	return fingerprint.Compute(fingerprint.Input{
		StationLinkID:   in.Station.ID,
		ObservationTime: in.ObservationTime,
		Records:         in.Records,
		Meta:            in.Meta,
	})
}

// Outcome is the result of a successful Submit.
type Outcome struct {
	Submission domain.Submission
	// Replayed is true when an identical submission already existed.
	Replayed bool
}
