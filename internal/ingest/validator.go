package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/fingerprint"
	"github.com/couchcryptid/manual-obs-collector/internal/schedule"
)

const maxIdempotencyKeyLen = 128

// Meta keys with meaning to the collector. Everything else in meta is opaque.
const (
	metaTestSubmission = "is_test_submission"
	metaRevisionReason = "revision_reason"
)

// tzSuffix requires an explicit Z or ±HH:MM offset.
var tzSuffix = regexp.MustCompile(`(Z|[+-]\d{2}:\d{2})$`)

type submitRequest struct {
	IdempotencyKey  *string         `json:"idempotency_key"`
	SubmissionTime  *string         `json:"submission_time"`
	ObservationTime *string         `json:"observation_time"`
	StationLinkID   *int64          `json:"station_link_id"`
	Records         []recordRequest `json:"records"`
	Meta            json.RawMessage `json:"meta"`
}

type recordRequest struct {
	VariableMappingID *int64   `json:"variable_mapping_id"`
	Value             *float64 `json:"value"`
}

// Validator runs the read-only submission checks in order; the first
// violation wins.
type Validator struct {
	directory Directory
	slots     SlotChecker
	evaluator *schedule.Evaluator
}

// NewValidator wires a Validator to its collaborators.
func NewValidator(directory Directory, slots SlotChecker, evaluator *schedule.Evaluator) *Validator {
	return &Validator{directory: directory, slots: slots, evaluator: evaluator}
}

// Validate checks raw against station configuration and schedule policy.
// Caller-facing failures are returned as *domain.Rejection; any other error
// is an infrastructure failure.
func (v *Validator) Validate(ctx context.Context, raw []byte, callerID string, now time.Time) (*Intent, error) {
	req, meta, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}

	station, err := v.directory.GetStationLink(ctx, *req.StationLinkID)
	if err != nil {
		return nil, fmt.Errorf("get station link %d: %w", *req.StationLinkID, err)
	}
	if station == nil || !station.Enabled {
		return nil, domain.Reject(domain.ReasonNotFound, "station link %d not found", *req.StationLinkID)
	}

	if callerID == "" {
		return nil, domain.Reject(domain.ReasonUnauthorized, "caller is not an enabled observer for station link %d", station.ID)
	}
	observer, err := v.directory.GetObserver(ctx, station.ID, callerID)
	if err != nil {
		return nil, fmt.Errorf("get observer for station link %d: %w", station.ID, err)
	}
	if observer == nil || !observer.Enabled {
		return nil, domain.Reject(domain.ReasonUnauthorized, "caller is not an enabled observer for station link %d", station.ID)
	}

	submissionTime, err := parseAwareTime("submission_time", req.SubmissionTime)
	if err != nil {
		return nil, err
	}
	observationTime, err := parseAwareTime("observation_time", req.ObservationTime)
	if err != nil {
		return nil, err
	}
	if submissionTime.After(now) {
		return nil, domain.Reject(domain.ReasonFutureSubmission, "submission_time cannot be in the future")
	}

	records, err := v.checkMappings(ctx, station.ID, req.Records)
	if err != nil {
		return nil, err
	}

	if station.Schedule == nil {
		return nil, domain.Reject(domain.ReasonNoSchedule, "station link %d has no schedule configured", station.ID)
	}
	loc, err := station.Location()
	if err != nil {
		return nil, err
	}
	decision := v.evaluator.Evaluate(station.Schedule, observationTime, loc, now)
	if r := decision.Rejection(); r != nil {
		return nil, r
	}

	intent := &Intent{
		Station:         *station,
		Observer:        *observer,
		SubmissionTime:  submissionTime,
		ObservationTime: observationTime,
		Records:         records,
		Meta:            meta,
		Payload:         raw,
		Decision:        decision,
	}
	if req.IdempotencyKey != nil {
		intent.IdempotencyKey = *req.IdempotencyKey
	}
	if b, ok := meta[metaTestSubmission].(bool); ok {
		intent.IsTest = b
	}
	if s, ok := meta[metaRevisionReason].(string); ok {
		intent.RevisionReason = s
	}

	hash, err := intent.Fingerprint()
	if err != nil {
		return nil, domain.Reject(domain.ReasonInvalidPayload, "payload cannot be fingerprinted: %v", err)
	}
	intent.ContentHash = hash

	occupied, err := v.slots.SlotOccupied(ctx, observer.ID, decision.Slot.Key, hash)
	if err != nil {
		return nil, fmt.Errorf("check slot %s: %w", decision.Slot.Key, err)
	}
	intent.Decision = schedule.ApplyDuplicatePolicy(decision, station.Schedule, occupied)
	if r := intent.Decision.Rejection(); r != nil {
		return nil, r
	}
	return intent, nil
}

// checkMappings requires every record to reference a distinct mapping owned
// by the station.
func (v *Validator) checkMappings(ctx context.Context, stationLinkID int64, in []recordRequest) ([]domain.RecordInput, error) {
	mappings, err := v.directory.GetVariableMappings(ctx, stationLinkID)
	if err != nil {
		return nil, fmt.Errorf("get variable mappings for station link %d: %w", stationLinkID, err)
	}
	owned := make(map[int64]struct{}, len(mappings))
	for _, m := range mappings {
		owned[m.ID] = struct{}{}
	}

	seen := make(map[int64]struct{}, len(in))
	out := make([]domain.RecordInput, 0, len(in))
	for _, r := range in {
		id := *r.VariableMappingID
		if _, dup := seen[id]; dup {
			return nil, domain.Reject(domain.ReasonInvalidMapping, "variable_mapping_id %d appears more than once", id)
		}
		seen[id] = struct{}{}
		if _, ok := owned[id]; !ok {
			return nil, domain.Reject(domain.ReasonInvalidMapping, "variable_mapping_id %d is invalid for this station link", id)
		}
		out = append(out, domain.RecordInput{VariableMappingID: id, Value: *r.Value})
	}
	return out, nil
}

// DecodeFingerprintInput extracts the hashed content from a raw submission
// using the same decoding rules as Validate. Station and mapping ownership
// are not checked.
func DecodeFingerprintInput(raw []byte) (fingerprint.Input, error) {
	req, meta, err := decodeRequest(raw)
	if err != nil {
		return fingerprint.Input{}, err
	}
	observationTime, err := parseAwareTime("observation_time", req.ObservationTime)
	if err != nil {
		return fingerprint.Input{}, err
	}
	records := make([]domain.RecordInput, 0, len(req.Records))
	for _, r := range req.Records {
		records = append(records, domain.RecordInput{VariableMappingID: *r.VariableMappingID, Value: *r.Value})
	}
	return fingerprint.Input{
		StationLinkID:   *req.StationLinkID,
		ObservationTime: observationTime,
		Records:         records,
		Meta:            meta,
	}, nil
}

// decodeRequest enforces the wire shape. Unknown top-level keys are ignored.
func decodeRequest(raw []byte) (*submitRequest, map[string]any, error) {
	var req submitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, domain.Reject(domain.ReasonInvalidPayload, "malformed request body: %v", err)
	}
	if req.StationLinkID == nil {
		return nil, nil, domain.Reject(domain.ReasonInvalidPayload, "station_link_id is required")
	}
	if req.IdempotencyKey != nil && utf8.RuneCountInString(*req.IdempotencyKey) > maxIdempotencyKeyLen {
		return nil, nil, domain.Reject(domain.ReasonInvalidPayload, "idempotency_key exceeds %d characters", maxIdempotencyKeyLen)
	}
	if req.Records == nil {
		return nil, nil, domain.Reject(domain.ReasonInvalidPayload, "records is required")
	}
	for i, r := range req.Records {
		if r.VariableMappingID == nil || r.Value == nil {
			return nil, nil, domain.Reject(domain.ReasonInvalidPayload, "records[%d] needs variable_mapping_id and value", i)
		}
	}

	meta, err := decodeMeta(req.Meta)
	if err != nil {
		return nil, nil, err
	}
	return &req, meta, nil
}

func decodeMeta(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	if raw[0] != '{' {
		return nil, domain.Reject(domain.ReasonInvalidPayload, "meta must be an object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var meta map[string]any
	if err := dec.Decode(&meta); err != nil {
		return nil, domain.Reject(domain.ReasonInvalidPayload, "malformed meta: %v", err)
	}
	return meta, nil
}

// parseAwareTime accepts RFC 3339 with an explicit offset (a space may stand
// in for the T separator) and returns UTC truncated to microseconds.
func parseAwareTime(field string, v *string) (time.Time, error) {
	if v == nil || *v == "" {
		return time.Time{}, domain.Reject(domain.ReasonNaiveTimestamp, "%s is required and must include a timezone offset", field)
	}
	s := *v
	if !tzSuffix.MatchString(s) {
		return time.Time{}, domain.Reject(domain.ReasonNaiveTimestamp, "%s must include timezone info (Z or +HH:MM offset)", field)
	}
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, domain.Reject(domain.ReasonInvalidPayload, "%s is not a valid RFC 3339 time", field)
	}
	return t.UTC().Truncate(time.Microsecond), nil
}

// AsRejection extracts a caller-facing rejection from err.
func AsRejection(err error) (*domain.Rejection, bool) {
	var r *domain.Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
