// Package domain models manually reported station observations and the
// schedules that govern when they may be submitted.
//
// # Station Links
//
// A [StationLink] is a station configured for manual observation. It owns
// exactly one [Schedule], a set of [VariableMapping]s binding locally observed
// parameters to canonical host parameters, and the [Observer]s allowed to
// submit for it. A station link without a schedule accepts no submissions.
//
// # Schedules
//
// Schedule is a closed sum type with two modes:
//
//	fixed_local    daily local slot times, each with a before/after window
//	windowed_only  one continuous local window per day
//
// Both embed [Policy], the fields every mode shares: grace period, rounding
// increment, backfill horizon, future tolerance, cutoff and duplicate
// policies, lock horizon and the rain accumulation rule with its daily
// rollover time. Times of day are carried as [ClockTime] and resolved against
// the station's IANA zone only at evaluation time, so DST transitions are
// handled by the time package.
//
// Schedules are persisted as a JSON envelope:
//
//	{"mode": "fixed_local", "config": {"slots": ["06:00", "18:00"], ...}}
//
// Omitted config fields take the mode defaults (see [DefaultFixedSlotLocal]
// and [DefaultWindowedOnly]).
//
// # Submissions
//
// A [Submission] is one ingested payload. Its content hash is the
// authoritative idempotency key: storage enforces at most one submission per
// (observer, observation_time, content_hash). Submissions are append-only;
// only the processing state of their [Record]s changes after commit.
//
// # Decisions and Rejections
//
// Evaluating a schedule yields a [Decision]. Caller-facing failures are
// [Rejection] values carrying a machine-readable [Reason]; they implement
// error so they can travel through ordinary error returns and be recovered
// with errors.As.
package domain
