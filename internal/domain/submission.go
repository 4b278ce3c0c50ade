package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Storage-level uniqueness violations. Adapters translate driver errors into
// these so the idempotency gate can read-repair.
var (
	// ErrDuplicateSubmission means (observer, observation_time, content_hash) already exists.
	ErrDuplicateSubmission = errors.New("submission already exists")
	// ErrSlotTaken means the observer already holds the exclusive claim on the slot.
	ErrSlotTaken = errors.New("slot already taken")
)

// RecordInput is one (variable mapping, value) pair as submitted.
type RecordInput struct {
	VariableMappingID int64   `json:"variable_mapping_id"`
	Value             float64 `json:"value"`
}

// Submission is one ingested payload. Immutable after commit.
type Submission struct {
	ID              int64
	StationLinkID   int64
	ObserverID      int64
	SubmissionTime  time.Time
	ObservationTime time.Time
	IdempotencyKey  string
	ContentHash     string

	// SlotKey identifies the resolved slot or window. ExclusiveSlotKey repeats
	// it only when the duplicate policy forbids a second submission, so a
	// unique index can enforce that policy under concurrency.
	SlotKey          string
	ExclusiveSlotKey string

	Timeliness     Timeliness
	IsBackfill     bool
	IsRevision     bool
	RevisionReason string
	IsTest         bool

	// Payload is the raw request body, kept as an audit snapshot.
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Record is one stored value belonging to a submission.
type Record struct {
	ID                int64
	SubmissionID      int64
	VariableMappingID int64
	Value             float64
	IsProcessed       bool
	ProcessedAt       *time.Time
	ErrorMessage      string

	// Joined from the submission and mapping when listing unprocessed rows.
	ObservationTime time.Time
	ParameterID     int64
}

// Window is an observation-time range [Start, End). A zero bound is open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}
