package domain

import (
	"fmt"
	"time"
)

// Timeliness classifies an accepted observation.
type Timeliness string

const (
	OnTime Timeliness = "on_time"
	Late   Timeliness = "late"
)

// Reason is a machine-readable rejection code.
type Reason string

const (
	ReasonNotFound          Reason = "NOT_FOUND"
	ReasonUnauthorized      Reason = "UNAUTHORIZED"
	ReasonNaiveTimestamp    Reason = "NAIVE_TIMESTAMP"
	ReasonFutureSubmission  Reason = "FUTURE_SUBMISSION"
	ReasonFutureObservation Reason = "FUTURE_OBSERVATION"
	ReasonInvalidMapping    Reason = "INVALID_MAPPING"
	ReasonOutOfWindow       Reason = "OUT_OF_WINDOW"
	ReasonLocked            Reason = "LOCKED"
	ReasonDuplicateSlot     Reason = "DUPLICATE_SLOT"
	ReasonInvalidPayload    Reason = "INVALID_PAYLOAD"
	ReasonNoSchedule        Reason = "NO_SCHEDULE"
)

// Rejection is a caller-facing refusal. It is never process-fatal.
type Rejection struct {
	Reason  Reason
	Message string
}

// Reject builds a Rejection with a formatted message.
func Reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Message
}

// Slot is the resolved slot or window an observation is attributed to.
type Slot struct {
	// Key is stable for a given station-local slot, e.g.
	// "fixed_local/2024-05-01T06:00+02:00".
	Key     string    `json:"key"`
	Mode    Mode      `json:"mode"`
	Nominal time.Time `json:"nominal"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Decision is the outcome of evaluating a schedule for one observation.
type Decision struct {
	Accepted   bool       `json:"accepted"`
	Timeliness Timeliness `json:"timeliness,omitempty"`
	Reason     Reason     `json:"reason,omitempty"`
	Message    string     `json:"message,omitempty"`
	Slot       Slot       `json:"slot"`

	Backfill bool `json:"backfill"`
	Revision bool `json:"revision"`

	// RoundedTime is the observation rounded half-up to the schedule's
	// increment. The stored observation time is never replaced by it.
	RoundedTime time.Time `json:"rounded_time"`
	// AccumulationDate is the local rain day (YYYY-MM-DD) after rollover.
	AccumulationDate string `json:"accumulation_date"`
}

// Late reports whether the decision accepted a late observation.
func (d Decision) Late() bool {
	return d.Accepted && d.Timeliness == Late
}

// Rejection returns the refusal carried by d, or nil when d accepted.
func (d Decision) Rejection() *Rejection {
	if d.Accepted {
		return nil
	}
	return &Rejection{Reason: d.Reason, Message: d.Message}
}
