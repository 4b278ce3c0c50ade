// Package postgres is the production storage backend for the collector,
// built on a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Store wraps the pool with directory and submission queries.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool resources.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// classifyInsertError maps unique violations on submissions to the domain
// sentinels by constraint name.
func classifyInsertError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case "uq_observer_exclusive_slot":
		return fmt.Errorf("%w: %v", domain.ErrSlotTaken, err)
	case "uq_obs_time_payload":
		return fmt.Errorf("%w: %v", domain.ErrDuplicateSubmission, err)
	default:
		return err
	}
}

// --- directory ---

const stationColumns = `id, name, timezone, enabled, schedule`

const listStationsForUserSQL = `
    SELECT s.id, s.name, s.timezone, s.enabled, s.schedule
    FROM station_links s
    JOIN observers o ON o.station_link_id = s.id
    WHERE o.user_id = $1 AND o.enabled AND s.enabled
    ORDER BY s.id
`

const listMappingsSQL = `
    SELECT id, station_link_id, parameter_id, parameter_name, unit, is_rainfall,
           qc_min, qc_max, qc_inclusive
    FROM variable_mappings
    WHERE station_link_id = $1
    ORDER BY sort_order, id
`

const upsertStationSQL = `
INSERT INTO station_links (id, name, timezone, enabled, schedule)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    timezone = EXCLUDED.timezone,
    enabled = EXCLUDED.enabled,
    schedule = EXCLUDED.schedule`

const upsertMappingSQL = `
INSERT INTO variable_mappings (id, station_link_id, parameter_id, parameter_name, unit, is_rainfall, qc_min, qc_max, qc_inclusive, sort_order)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE
SET station_link_id = EXCLUDED.station_link_id,
    parameter_id = EXCLUDED.parameter_id,
    parameter_name = EXCLUDED.parameter_name,
    unit = EXCLUDED.unit,
    is_rainfall = EXCLUDED.is_rainfall,
    qc_min = EXCLUDED.qc_min,
    qc_max = EXCLUDED.qc_max,
    qc_inclusive = EXCLUDED.qc_inclusive,
    sort_order = EXCLUDED.sort_order`

const upsertObserverSQL = `
INSERT INTO observers (station_link_id, user_id, username, enabled)
VALUES ($1,$2,$3,$4)
ON CONFLICT (station_link_id, user_id) DO UPDATE
SET username = EXCLUDED.username,
    enabled = EXCLUDED.enabled`

// GetStationLink returns the station link with id, or nil when none exists.
func (s *Store) GetStationLink(ctx context.Context, id int64) (*domain.StationLink, error) {
	st, err := scanStation(s.pool.QueryRow(ctx, `SELECT `+stationColumns+` FROM station_links WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get station link %d: %w", id, err)
	}
	return &st, nil
}

// ListStationLinks returns the enabled station links ordered by id.
func (s *Store) ListStationLinks(ctx context.Context) ([]domain.StationLink, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stationColumns+` FROM station_links WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list station links: %w", err)
	}
	return collectStations(rows)
}

// ListStationLinksForUser returns the enabled station links userID may submit to.
func (s *Store) ListStationLinksForUser(ctx context.Context, userID string) ([]domain.StationLink, error) {
	rows, err := s.pool.Query(ctx, listStationsForUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("list station links for user: %w", err)
	}
	return collectStations(rows)
}

// GetVariableMappings returns the station's mappings in display order.
func (s *Store) GetVariableMappings(ctx context.Context, stationLinkID int64) ([]domain.VariableMapping, error) {
	rows, err := s.pool.Query(ctx, listMappingsSQL, stationLinkID)
	if err != nil {
		return nil, fmt.Errorf("get variable mappings: %w", err)
	}
	defer rows.Close()

	mappings := make([]domain.VariableMapping, 0)
	for rows.Next() {
		var (
			m            domain.VariableMapping
			qcMin, qcMax *float64
			inclusive    *bool
		)
		if err := rows.Scan(
			&m.ID,
			&m.StationLinkID,
			&m.ParameterID,
			&m.ParameterName,
			&m.Unit,
			&m.IsRainfall,
			&qcMin,
			&qcMax,
			&inclusive,
		); err != nil {
			return nil, err
		}
		if qcMin != nil || qcMax != nil {
			m.QCRange = &domain.QCRange{Min: qcMin, Max: qcMax, Inclusive: inclusive != nil && *inclusive}
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// GetObserver returns userID's observer record on the station, or nil.
func (s *Store) GetObserver(ctx context.Context, stationLinkID int64, userID string) (*domain.Observer, error) {
	var o domain.Observer
	err := s.pool.QueryRow(ctx, `
		SELECT id, station_link_id, user_id, username, enabled
		FROM observers WHERE station_link_id = $1 AND user_id = $2`, stationLinkID, userID).
		Scan(&o.ID, &o.StationLinkID, &o.UserID, &o.Username, &o.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get observer: %w", err)
	}
	return &o, nil
}

// UpsertStationLink writes the station link, its mappings and observers in
// one transaction.
func (s *Store) UpsertStationLink(ctx context.Context, st domain.StationLink, mappings []domain.VariableMapping, observers []domain.Observer) error {
	var schedule []byte
	if st.Schedule != nil {
		raw, err := domain.MarshalSchedule(st.Schedule)
		if err != nil {
			return fmt.Errorf("encode schedule: %w", err)
		}
		schedule = raw
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	batch := &pgx.Batch{}
	batch.Queue(upsertStationSQL, st.ID, st.Name, st.Timezone, st.Enabled, schedule)
	for i, m := range mappings {
		var (
			qcMin, qcMax *float64
			inclusive    *bool
		)
		if m.QCRange != nil {
			qcMin, qcMax, inclusive = m.QCRange.Min, m.QCRange.Max, &m.QCRange.Inclusive
		}
		batch.Queue(upsertMappingSQL, m.ID, st.ID, m.ParameterID, m.ParameterName, m.Unit, m.IsRainfall, qcMin, qcMax, inclusive, i)
	}
	for _, o := range observers {
		batch.Queue(upsertObserverSQL, st.ID, o.UserID, o.Username, o.Enabled)
	}

	res := tx.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := res.Exec(); err != nil {
			res.Close()
			return fmt.Errorf("upsert station link %d: %w", st.ID, err)
		}
	}
	if err := res.Close(); err != nil {
		return fmt.Errorf("upsert station link %d: %w", st.ID, err)
	}
	return tx.Commit(ctx)
}

func scanStation(row pgx.Row) (domain.StationLink, error) {
	var (
		st       domain.StationLink
		schedule []byte
	)
	if err := row.Scan(&st.ID, &st.Name, &st.Timezone, &st.Enabled, &schedule); err != nil {
		return domain.StationLink{}, err
	}
	sched, err := domain.UnmarshalSchedule(schedule)
	if err != nil {
		return domain.StationLink{}, fmt.Errorf("station link %d: %w", st.ID, err)
	}
	st.Schedule = sched
	return st, nil
}

func collectStations(rows pgx.Rows) ([]domain.StationLink, error) {
	defer rows.Close()
	stations := make([]domain.StationLink, 0)
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

// --- submissions ---

const submissionColumns = `id, station_link_id, observer_id, submission_time, observation_time,
    idempotency_key, content_hash, slot_key, COALESCE(exclusive_slot_key, ''), timeliness,
    is_backfill, is_revision, revision_reason, is_test, data, created_at`

const insertSubmissionSQL = `
INSERT INTO submissions (
    station_link_id, observer_id, submission_time, observation_time,
    idempotency_key, content_hash, slot_key, exclusive_slot_key, timeliness,
    is_backfill, is_revision, revision_reason, is_test, data
) VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8, ''),$9,$10,$11,$12,$13,$14)
RETURNING id, created_at`

const insertRecordSQL = `
INSERT INTO submission_records (submission_id, variable_mapping_id, value)
VALUES ($1,$2,$3)`

const recordColumns = `
    SELECT r.id, r.submission_id, r.variable_mapping_id, r.value, r.is_processed,
           r.processed_at, r.error_message, s.observation_time, m.parameter_id
    FROM submission_records r
    JOIN submissions s ON s.id = r.submission_id
    JOIN variable_mappings m ON m.id = r.variable_mapping_id`

const listUnprocessedSQL = recordColumns + `
    WHERE s.station_link_id = $1
      AND NOT s.is_test
      AND NOT r.is_processed
      AND ($2::timestamptz IS NULL OR s.observation_time >= $2)
      AND ($3::timestamptz IS NULL OR s.observation_time < $3)
    ORDER BY s.observation_time, s.id, r.id
`

const markProcessedSQL = `
UPDATE submission_records
SET is_processed = TRUE, processed_at = $4, error_message = ''
WHERE submission_id = $2 AND NOT is_processed
  AND submission_id IN (SELECT id FROM submissions WHERE station_link_id = $1)
  AND variable_mapping_id IN (SELECT id FROM variable_mappings WHERE parameter_id = $3)`

const markFailedSQL = `
UPDATE submission_records
SET error_message = $4
WHERE submission_id = $2 AND NOT is_processed
  AND submission_id IN (SELECT id FROM submissions WHERE station_link_id = $1)
  AND variable_mapping_id IN (SELECT id FROM variable_mappings WHERE parameter_id = $3)`

// FindSubmission looks up a submission by its idempotency tuple.
func (s *Store) FindSubmission(ctx context.Context, observerID int64, observationTime time.Time, contentHash string) (*domain.Submission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE observer_id = $1 AND observation_time = $2 AND content_hash = $3`,
		observerID, observationTime, contentHash)
	return findOne(row)
}

// GetSubmission returns the submission with id, or nil.
func (s *Store) GetSubmission(ctx context.Context, id int64) (*domain.Submission, error) {
	return findOne(s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
}

// SlotOccupied reports whether the observer already has a submission in the
// slot with a content hash other than excludeHash.
func (s *Store) SlotOccupied(ctx context.Context, observerID int64, slotKey, excludeHash string) (bool, error) {
	var occupied bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM submissions
			WHERE observer_id = $1 AND slot_key = $2 AND content_hash <> $3
		)`, observerID, slotKey, excludeHash).Scan(&occupied)
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	return occupied, nil
}

// CreateSubmissionWithRecords inserts the submission and its records in one
// transaction. Unique violations come back as domain.ErrDuplicateSubmission
// or domain.ErrSlotTaken.
func (s *Store) CreateSubmissionWithRecords(ctx context.Context, sub domain.Submission, records []domain.RecordInput) (domain.Submission, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	payload := sub.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err = tx.QueryRow(ctx, insertSubmissionSQL,
		sub.StationLinkID, sub.ObserverID, sub.SubmissionTime, sub.ObservationTime,
		sub.IdempotencyKey, sub.ContentHash, sub.SlotKey, sub.ExclusiveSlotKey, string(sub.Timeliness),
		sub.IsBackfill, sub.IsRevision, sub.RevisionReason, sub.IsTest, string(payload),
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return domain.Submission{}, classifyInsertError(err)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()

	if len(records) > 0 {
		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(insertRecordSQL, sub.ID, r.VariableMappingID, r.Value)
		}
		res := tx.SendBatch(ctx, batch)
		for _, r := range records {
			if _, err := res.Exec(); err != nil {
				res.Close()
				return domain.Submission{}, fmt.Errorf("insert record for mapping %d: %w", r.VariableMappingID, err)
			}
		}
		if err := res.Close(); err != nil {
			return domain.Submission{}, fmt.Errorf("insert records: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Submission{}, fmt.Errorf("commit submission: %w", err)
	}
	return sub, nil
}

// ListRecords returns every record of a submission in insertion order.
func (s *Store) ListRecords(ctx context.Context, submissionID int64) ([]domain.Record, error) {
	rows, err := s.pool.Query(ctx, recordColumns+` WHERE r.submission_id = $1 ORDER BY r.id`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return collectRecords(rows)
}

// ListUnprocessedRecords returns the station's unprocessed records from
// non-test submissions inside the window, ordered by observation time and
// then insertion order.
func (s *Store) ListUnprocessedRecords(ctx context.Context, stationLinkID int64, window domain.Window) ([]domain.Record, error) {
	rows, err := s.pool.Query(ctx, listUnprocessedSQL, stationLinkID, bound(window.Start), bound(window.End))
	if err != nil {
		return nil, fmt.Errorf("list unprocessed records: %w", err)
	}
	return collectRecords(rows)
}

// MarkProcessed flags the submission's still-unprocessed records for the
// parameter as processed and returns how many changed. Submissions of other
// stations are left alone.
func (s *Store) MarkProcessed(ctx context.Context, stationLinkID, submissionID, parameterID int64, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, markProcessedSQL, stationLinkID, submissionID, parameterID, at)
	if err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkFailed stamps an error on the submission's unprocessed records for the
// parameter and leaves them unprocessed.
func (s *Store) MarkFailed(ctx context.Context, stationLinkID, submissionID, parameterID int64, message string) (int64, error) {
	tag, err := s.pool.Exec(ctx, markFailedSQL, stationLinkID, submissionID, parameterID, message)
	if err != nil {
		return 0, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func findOne(row pgx.Row) (*domain.Submission, error) {
	var (
		sub        domain.Submission
		timeliness string
	)
	err := row.Scan(
		&sub.ID,
		&sub.StationLinkID,
		&sub.ObserverID,
		&sub.SubmissionTime,
		&sub.ObservationTime,
		&sub.IdempotencyKey,
		&sub.ContentHash,
		&sub.SlotKey,
		&sub.ExclusiveSlotKey,
		&timeliness,
		&sub.IsBackfill,
		&sub.IsRevision,
		&sub.RevisionReason,
		&sub.IsTest,
		&sub.Payload,
		&sub.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	sub.Timeliness = domain.Timeliness(timeliness)
	sub.SubmissionTime = sub.SubmissionTime.UTC()
	sub.ObservationTime = sub.ObservationTime.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	return &sub, nil
}

func collectRecords(rows pgx.Rows) ([]domain.Record, error) {
	defer rows.Close()
	records := make([]domain.Record, 0)
	for rows.Next() {
		var r domain.Record
		if err := rows.Scan(
			&r.ID,
			&r.SubmissionID,
			&r.VariableMappingID,
			&r.Value,
			&r.IsProcessed,
			&r.ProcessedAt,
			&r.ErrorMessage,
			&r.ObservationTime,
			&r.ParameterID,
		); err != nil {
			return nil, err
		}
		r.ObservationTime = r.ObservationTime.UTC()
		if r.ProcessedAt != nil {
			at := r.ProcessedAt.UTC()
			r.ProcessedAt = &at
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func bound(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
