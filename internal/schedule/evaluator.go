// Package schedule evaluates station schedules against observation times.
//
// Evaluation is pure: it takes the schedule, the observation instant, the
// station zone and the current time, and returns a [domain.Decision]. It holds
// no state and is safe for concurrent use.
package schedule

import (
	"fmt"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
)

const slotKeyLayout = "2006-01-02T15:04-07:00"

// Evaluator applies schedule policy. FutureGuard enables the
// FUTURE_OBSERVATION rail.
type Evaluator struct {
	FutureGuard bool
}

// NewEvaluator returns an Evaluator with the given future guard setting.
func NewEvaluator(futureGuard bool) *Evaluator {
	return &Evaluator{FutureGuard: futureGuard}
}

type class int

const (
	onTime class = iota
	late
	missed
)

// candidate is one resolved slot or window on a specific local day.
type candidate struct {
	nominal time.Time
	start   time.Time
	end     time.Time
}

type match struct {
	candidate
	class class
	found bool
}

// Evaluate classifies obs under s. Rejections are returned as decisions with
// Accepted false; the Slot is filled whenever one could be attributed.
func (e *Evaluator) Evaluate(s domain.Schedule, obs time.Time, loc *time.Location, now time.Time) domain.Decision {
	if s == nil {
		return rejected(domain.ReasonNoSchedule, domain.Slot{}, "station link has no schedule")
	}
	if loc == nil {
		loc = time.UTC
	}
	base := s.Base()

	if e.FutureGuard && obs.Sub(now) > base.AllowFuture() {
		return rejected(domain.ReasonFutureObservation, domain.Slot{},
			"observation_time is more than %d minutes ahead of now", base.AllowFutureMins)
	}

	local := obs.In(loc)
	var m match
	switch s := s.(type) {
	case domain.FixedSlotLocal:
		m = classify(fixedCandidates(s, local), local, base.Grace())
	case domain.WindowedOnly:
		m = classify(windowedCandidates(s, local), local, base.Grace())
	default:
		return rejected(domain.ReasonNoSchedule, domain.Slot{}, "unsupported schedule mode %q", s.Mode())
	}
	if !m.found {
		return rejected(domain.ReasonOutOfWindow, domain.Slot{}, "no slot could be attributed")
	}
	slot := slotOf(s.Mode(), m.candidate, loc)

	if lock := base.LockAfter(); lock > 0 && now.Sub(m.end) > lock {
		return rejected(domain.ReasonLocked, slot,
			"slot %s locked %d minutes after it closed", slot.Key, base.LockAfterMins)
	}

	days := civilDaysBetween(local, now.In(loc))
	if days > base.BackfillDays {
		return rejected(domain.ReasonOutOfWindow, slot,
			"observation is %d days old, backfill allows %d", days, base.BackfillDays)
	}

	d := domain.Decision{
		Accepted:         true,
		Slot:             slot,
		Backfill:         days >= 1,
		RoundedTime:      roundHalfUp(local, base.RoundingIncrement()).UTC(),
		AccumulationDate: accumulationDate(local, base.RolloverLocalTime),
	}
	switch m.class {
	case onTime:
		d.Timeliness = domain.OnTime
	case late:
		d.Timeliness = domain.Late
	case missed:
		if base.CutoffPolicy == domain.CutoffReject {
			return rejected(domain.ReasonOutOfWindow, slot,
				"observation falls outside slot %s window and grace", slot.Key)
		}
		d.Timeliness = domain.Late
	}
	return d
}

// ApplyDuplicatePolicy folds slot occupancy into an accepted decision.
// Occupied means another submission with a different content hash already
// holds the same observer and slot.
func ApplyDuplicatePolicy(d domain.Decision, s domain.Schedule, occupied bool) domain.Decision {
	if !d.Accepted || !occupied || s == nil {
		return d
	}
	if s.Base().DuplicatePolicy == domain.DuplicateReject {
		return rejected(domain.ReasonDuplicateSlot, d.Slot,
			"slot %s already has a submission", d.Slot.Key)
	}
	d.Revision = true
	return d
}

// fixedCandidates resolves every slot on the observation's local day and
// its neighbours, so windows that straddle midnight are found.
func fixedCandidates(s domain.FixedSlotLocal, local time.Time) []candidate {
	out := make([]candidate, 0, 3*len(s.Slots))
	y, mo, d := local.Date()
	for offset := -1; offset <= 1; offset++ {
		for _, slot := range s.Slots {
			nominal := slot.On(y, mo, d+offset, local.Location())
			out = append(out, candidate{
				nominal: nominal,
				start:   nominal.Add(-s.WindowBefore()),
				end:     nominal.Add(s.WindowAfter()),
			})
		}
	}
	return out
}

// windowedCandidates resolves the window on the observation's local day and
// its neighbours. Windows never cross midnight.
func windowedCandidates(s domain.WindowedOnly, local time.Time) []candidate {
	y, mo, d := local.Date()
	out := make([]candidate, 0, 3)
	for offset := -1; offset <= 1; offset++ {
		start := s.WindowStart.On(y, mo, d+offset, local.Location())
		out = append(out, candidate{
			nominal: start,
			start:   start,
			end:     s.WindowEnd.On(y, mo, d+offset, local.Location()),
		})
	}
	return out
}

// classify picks the candidate obs belongs to. On-time beats late, and late
// beats missed. Among on-time candidates the nearest nominal wins and among
// late ones the most recent. A missed observation goes to the slot whose
// window edge is nearest. Ties go to the earlier slot.
func classify(cands []candidate, obs time.Time, grace time.Duration) match {
	var best match
	bestDist := time.Duration(-1)
	for _, c := range cands {
		if obs.Before(c.start) || obs.After(c.end) {
			continue
		}
		dist := absDuration(obs.Sub(c.nominal))
		if bestDist < 0 || dist < bestDist || (dist == bestDist && c.nominal.Before(best.nominal)) {
			best = match{candidate: c, class: onTime, found: true}
			bestDist = dist
		}
	}
	if best.found {
		return best
	}

	for _, c := range cands {
		if !obs.After(c.end) || obs.After(c.end.Add(grace)) {
			continue
		}
		if !best.found || c.nominal.After(best.nominal) {
			best = match{candidate: c, class: late, found: true}
		}
	}
	if best.found {
		return best
	}

	bestDist = -1
	for _, c := range cands {
		dist := outsideDistance(c, obs)
		if bestDist < 0 || dist < bestDist || (dist == bestDist && c.nominal.Before(best.nominal)) {
			best = match{candidate: c, class: missed, found: true}
			bestDist = dist
		}
	}
	return best
}

// outsideDistance is how far obs lies from the nearer edge of c's window.
func outsideDistance(c candidate, obs time.Time) time.Duration {
	if obs.Before(c.start) {
		return c.start.Sub(obs)
	}
	return obs.Sub(c.end)
}

func slotOf(mode domain.Mode, c candidate, loc *time.Location) domain.Slot {
	return domain.Slot{
		Key:     fmt.Sprintf("%s/%s", mode, c.nominal.In(loc).Format(slotKeyLayout)),
		Mode:    mode,
		Nominal: c.nominal.UTC(),
		Start:   c.start.UTC(),
		End:     c.end.UTC(),
	}
}

// roundHalfUp rounds t to the nearest multiple of inc counted from local
// midnight. A non-positive increment leaves t unchanged.
func roundHalfUp(t time.Time, inc time.Duration) time.Time {
	if inc <= 0 {
		return t
	}
	y, mo, d := t.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
	elapsed := t.Sub(midnight)
	return midnight.Add((elapsed + inc/2) / inc * inc)
}

// accumulationDate returns the local rain day: observations before the
// rollover time belong to the previous day.
func accumulationDate(local time.Time, rollover domain.ClockTime) string {
	y, mo, d := local.Date()
	if domain.Of(local) < rollover {
		d--
	}
	return time.Date(y, mo, d, 12, 0, 0, 0, time.UTC).Format(time.DateOnly)
}

// civilDaysBetween counts calendar days from a's local date to b's local date.
func civilDaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func rejected(reason domain.Reason, slot domain.Slot, format string, args ...any) domain.Decision {
	return domain.Decision{
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
		Slot:    slot,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
