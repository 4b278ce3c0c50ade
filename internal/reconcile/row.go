package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
)

// ObservationRow is one submission's values at one observation time, keyed
// by canonical parameter id.
//
// On the wire it is a flat object:
//
//	{"observation_time": "2024-05-01T03:05:00Z", "submission_id": 4, "100": 12.5, "200": 21}
type ObservationRow struct {
	ObservationTime time.Time
	SubmissionID    int64
	Values          map[int64]float64
}

// Parameters returns the row's parameter ids in ascending order.
func (r ObservationRow) Parameters() []int64 {
	ids := make([]int64, 0, len(r.Values))
	for id := range r.Values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Commits reports every pair in the row as committed.
func (r ObservationRow) Commits() []Commit {
	out := make([]Commit, 0, len(r.Values))
	for _, id := range r.Parameters() {
		out = append(out, Commit{SubmissionID: r.SubmissionID, ParameterID: id})
	}
	return out
}

func (r ObservationRow) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Values)+2)
	for id, v := range r.Values {
		m[strconv.FormatInt(id, 10)] = v
	}
	m["observation_time"] = r.ObservationTime.UTC().Format(time.RFC3339Nano)
	m["submission_id"] = r.SubmissionID
	return json.Marshal(m)
}

func (r *ObservationRow) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	out := ObservationRow{Values: make(map[int64]float64, len(fields))}
	for k, raw := range fields {
		switch k {
		case "observation_time":
			if err := json.Unmarshal(raw, &out.ObservationTime); err != nil {
				return fmt.Errorf("observation_time: %w", err)
			}
			out.ObservationTime = out.ObservationTime.UTC()
		case "submission_id":
			if err := json.Unmarshal(raw, &out.SubmissionID); err != nil {
				return fmt.Errorf("submission_id: %w", err)
			}
		default:
			id, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				return fmt.Errorf("unexpected row field %q", k)
			}
			var v float64
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("parameter %d: %w", id, err)
			}
			out.Values[id] = v
		}
	}
	*r = out
	return nil
}

// GroupRecords folds records, already ordered by observation time and
// insertion order, into one row per submission and observation time.
func GroupRecords(records []domain.Record) []ObservationRow {
	var rows []ObservationRow
	for _, rec := range records {
		n := len(rows)
		if n == 0 || rows[n-1].SubmissionID != rec.SubmissionID || !rows[n-1].ObservationTime.Equal(rec.ObservationTime) {
			rows = append(rows, ObservationRow{
				ObservationTime: rec.ObservationTime.UTC(),
				SubmissionID:    rec.SubmissionID,
				Values:          make(map[int64]float64),
			})
			n++
		}
		rows[n-1].Values[rec.ParameterID] = rec.Value
	}
	return rows
}
