package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mode identifies a schedule variant.
type Mode string

const (
	ModeFixedLocal   Mode = "fixed_local"
	ModeWindowedOnly Mode = "windowed_only"
)

// CutoffPolicy decides what happens to an observation outside window and grace.
type CutoffPolicy string

const (
	CutoffAcceptWithLateFlag CutoffPolicy = "ACCEPT_WITH_LATE_FLAG"
	CutoffReject             CutoffPolicy = "REJECT"
)

// DuplicatePolicy decides what happens when a slot already holds a submission.
type DuplicatePolicy string

const (
	DuplicateRevisionWithReason DuplicatePolicy = "REVISION_WITH_REASON"
	DuplicateReject             DuplicatePolicy = "REJECT"
)

// RainRule names how rain accumulation is attributed to an observation.
type RainRule string

const (
	RainSincePrevious RainRule = "RAIN_SINCE_PREV"
	Rain24hEndingSlot RainRule = "RAIN_24H_ENDING_SLOT"
)

// ErrInvalidSchedule wraps every schedule validation failure.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Policy holds the fields shared by every schedule mode.
type Policy struct {
	GraceLateMins         int             `json:"grace_late_mins"`
	RoundingIncrementMins int             `json:"rounding_increment_mins"`
	BackfillDays          int             `json:"backfill_days"`
	AllowFutureMins       int             `json:"allow_future_mins"`
	CutoffPolicy          CutoffPolicy    `json:"cutoff_policy"`
	DuplicatePolicy       DuplicatePolicy `json:"duplicate_policy"`
	LockAfterMins         int             `json:"lock_after_mins"`
	RainAccumulationRule  RainRule        `json:"rain_accumulation_rule"`
	RolloverLocalTime     ClockTime       `json:"accumulation_obs_day_rollover_local_time"`
}

// Grace returns the late grace period.
func (p Policy) Grace() time.Duration { return minutes(p.GraceLateMins) }

// AllowFuture returns how far ahead of now an observation may be.
func (p Policy) AllowFuture() time.Duration { return minutes(p.AllowFutureMins) }

// LockAfter returns the lock horizon; zero disables locking.
func (p Policy) LockAfter() time.Duration { return minutes(p.LockAfterMins) }

// RoundingIncrement returns the rounding step; zero disables rounding.
func (p Policy) RoundingIncrement() time.Duration { return minutes(p.RoundingIncrementMins) }

func (p Policy) validate(rules ...RainRule) error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"grace_late_mins", p.GraceLateMins},
		{"rounding_increment_mins", p.RoundingIncrementMins},
		{"backfill_days", p.BackfillDays},
		{"allow_future_mins", p.AllowFutureMins},
		{"lock_after_mins", p.LockAfterMins},
	} {
		if f.v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidSchedule, f.name)
		}
	}
	switch p.CutoffPolicy {
	case CutoffAcceptWithLateFlag, CutoffReject:
	default:
		return fmt.Errorf("%w: unknown cutoff_policy %q", ErrInvalidSchedule, p.CutoffPolicy)
	}
	switch p.DuplicatePolicy {
	case DuplicateRevisionWithReason, DuplicateReject:
	default:
		return fmt.Errorf("%w: unknown duplicate_policy %q", ErrInvalidSchedule, p.DuplicatePolicy)
	}
	for _, r := range rules {
		if p.RainAccumulationRule == r {
			return nil
		}
	}
	return fmt.Errorf("%w: rain_accumulation_rule %q not allowed for this mode", ErrInvalidSchedule, p.RainAccumulationRule)
}

// Schedule is the sum of FixedSlotLocal and WindowedOnly. The unexported
// method closes the set so type switches over it stay exhaustive.
type Schedule interface {
	Mode() Mode
	Base() Policy
	Validate() error
	isSchedule()
}

// FixedSlotLocal expects observations at fixed local times of day.
type FixedSlotLocal struct {
	Slots            []ClockTime `json:"slots"`
	WindowBeforeMins int         `json:"window_before_mins"`
	WindowAfterMins  int         `json:"window_after_mins"`
	Policy
}

func (FixedSlotLocal) Mode() Mode     { return ModeFixedLocal }
func (s FixedSlotLocal) Base() Policy { return s.Policy }
func (FixedSlotLocal) isSchedule()    {}

// WindowBefore returns how early an on-time observation may be.
func (s FixedSlotLocal) WindowBefore() time.Duration { return minutes(s.WindowBeforeMins) }

// WindowAfter returns how late an on-time observation may be.
func (s FixedSlotLocal) WindowAfter() time.Duration { return minutes(s.WindowAfterMins) }

// Validate checks slot count, uniqueness and the shared policy fields.
func (s FixedSlotLocal) Validate() error {
	if len(s.Slots) < 1 || len(s.Slots) > 24 {
		return fmt.Errorf("%w: slots must hold between 1 and 24 times, got %d", ErrInvalidSchedule, len(s.Slots))
	}
	seen := make(map[ClockTime]struct{}, len(s.Slots))
	for _, slot := range s.Slots {
		if _, dup := seen[slot]; dup {
			return fmt.Errorf("%w: duplicate slot time %s", ErrInvalidSchedule, slot)
		}
		seen[slot] = struct{}{}
	}
	if s.WindowBeforeMins < 0 || s.WindowAfterMins < 0 {
		return fmt.Errorf("%w: slot windows must not be negative", ErrInvalidSchedule)
	}
	return s.Policy.validate(RainSincePrevious)
}

// WindowedOnly expects observations within one local window per day.
type WindowedOnly struct {
	WindowStart ClockTime `json:"window_start"`
	WindowEnd   ClockTime `json:"window_end"`
	// MaxSubmissionsPerWindow is carried and validated but not enforced.
	MaxSubmissionsPerWindow int `json:"max_submissions_per_window"`
	Policy
}

func (WindowedOnly) Mode() Mode     { return ModeWindowedOnly }
func (s WindowedOnly) Base() Policy { return s.Policy }
func (WindowedOnly) isSchedule()    {}

// Validate checks window ordering and the shared policy fields.
func (s WindowedOnly) Validate() error {
	if s.WindowStart >= s.WindowEnd {
		return fmt.Errorf("%w: window_start %s must be before window_end %s", ErrInvalidSchedule, s.WindowStart, s.WindowEnd)
	}
	if s.MaxSubmissionsPerWindow < 1 {
		return fmt.Errorf("%w: max_submissions_per_window must be at least 1", ErrInvalidSchedule)
	}
	return s.Policy.validate(RainSincePrevious, Rain24hEndingSlot)
}

func defaultPolicy(graceMins int) Policy {
	return Policy{
		GraceLateMins:         graceMins,
		RoundingIncrementMins: 5,
		BackfillDays:          2,
		AllowFutureMins:       2,
		CutoffPolicy:          CutoffAcceptWithLateFlag,
		DuplicatePolicy:       DuplicateRevisionWithReason,
		LockAfterMins:         1440,
		RainAccumulationRule:  RainSincePrevious,
		RolloverLocalTime:     MustClockTime("06:00"),
	}
}

// DefaultFixedSlotLocal returns the fixed-slot defaults: synoptic slots at
// 00, 06, 12 and 18 local with a 20 minute window either side.
func DefaultFixedSlotLocal() FixedSlotLocal {
	return FixedSlotLocal{
		Slots: []ClockTime{
			MustClockTime("06:00"),
			MustClockTime("12:00"),
			MustClockTime("18:00"),
			MustClockTime("00:00"),
		},
		WindowBeforeMins: 20,
		WindowAfterMins:  20,
		Policy:           defaultPolicy(60),
	}
}

// DefaultWindowedOnly returns the windowed defaults: 06:00 to 18:00 local.
func DefaultWindowedOnly() WindowedOnly {
	return WindowedOnly{
		WindowStart:             MustClockTime("06:00"),
		WindowEnd:               MustClockTime("18:00"),
		MaxSubmissionsPerWindow: 1,
		Policy:                  defaultPolicy(45),
	}
}

type scheduleEnvelope struct {
	Mode   Mode            `json:"mode"`
	Config json.RawMessage `json:"config"`
}

// MarshalSchedule encodes s as a {"mode", "config"} envelope.
func MarshalSchedule(s Schedule) ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	cfg, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schedule: %w", s.Mode(), err)
	}
	return json.Marshal(scheduleEnvelope{Mode: s.Mode(), Config: cfg})
}

// UnmarshalSchedule decodes an envelope produced by MarshalSchedule. Config
// fields that are absent keep the mode default. A JSON null yields a nil
// schedule. The result is validated.
func UnmarshalSchedule(data []byte) (Schedule, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var env scheduleEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %w", ErrInvalidSchedule, err)
	}
	cfg := env.Config
	if len(cfg) == 0 || bytes.Equal(cfg, []byte("null")) {
		cfg = []byte("{}")
	}

	var s Schedule
	switch env.Mode {
	case ModeFixedLocal:
		fixed := DefaultFixedSlotLocal()
		if err := json.Unmarshal(cfg, &fixed); err != nil {
			return nil, fmt.Errorf("%w: decode %s config: %w", ErrInvalidSchedule, env.Mode, err)
		}
		s = fixed
	case ModeWindowedOnly:
		windowed := DefaultWindowedOnly()
		if err := json.Unmarshal(cfg, &windowed); err != nil {
			return nil, fmt.Errorf("%w: decode %s config: %w", ErrInvalidSchedule, env.Mode, err)
		}
		s = windowed
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidSchedule, env.Mode)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
