package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
)

const submissionColumns = `id, station_link_id, observer_id, submission_time, observation_time,
	idempotency_key, content_hash, slot_key, exclusive_slot_key, timeliness,
	is_backfill, is_revision, revision_reason, is_test, data, created_at`

// FindSubmission looks up a submission by its idempotency tuple.
func (s *Store) FindSubmission(ctx context.Context, observerID int64, observationTime time.Time, contentHash string) (*domain.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE observer_id = ? AND observation_time = ? AND content_hash = ?`,
		observerID, formatTime(observationTime), contentHash)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find submission: %w", err)
	}
	return &sub, nil
}

// GetSubmission returns the submission with id, or nil.
func (s *Store) GetSubmission(ctx context.Context, id int64) (*domain.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission %d: %w", id, err)
	}
	return &sub, nil
}

// SlotOccupied reports whether the observer already has a submission in the
// slot with a content hash other than excludeHash.
func (s *Store) SlotOccupied(ctx context.Context, observerID int64, slotKey, excludeHash string) (bool, error) {
	var occupied bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM submissions
			WHERE observer_id = ? AND slot_key = ? AND content_hash <> ?
		)`, observerID, slotKey, excludeHash).Scan(&occupied)
	if err != nil {
		return false, fmt.Errorf("failed to check slot: %w", err)
	}
	return occupied, nil
}

// CreateSubmissionWithRecords inserts the submission and one record per input
// in a single transaction. Unique violations come back as
// domain.ErrDuplicateSubmission or domain.ErrSlotTaken.
func (s *Store) CreateSubmissionWithRecords(ctx context.Context, sub domain.Submission, records []domain.RecordInput) (domain.Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sub.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO submissions (
			station_link_id, observer_id, submission_time, observation_time,
			idempotency_key, content_hash, slot_key, exclusive_slot_key, timeliness,
			is_backfill, is_revision, revision_reason, is_test, data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.StationLinkID, sub.ObserverID, formatTime(sub.SubmissionTime), formatTime(sub.ObservationTime),
		sub.IdempotencyKey, sub.ContentHash, sub.SlotKey, nullString(sub.ExclusiveSlotKey), string(sub.Timeliness),
		sub.IsBackfill, sub.IsRevision, sub.RevisionReason, sub.IsTest, string(payloadOrEmpty(sub.Payload)),
		formatTime(sub.CreatedAt))
	if err != nil {
		return domain.Submission{}, classifyInsertError(err)
	}
	if sub.ID, err = res.LastInsertId(); err != nil {
		return domain.Submission{}, fmt.Errorf("failed to read submission id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO submission_records (submission_id, variable_mapping_id, value) VALUES (?, ?, ?)`)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, sub.ID, r.VariableMappingID, r.Value); err != nil {
			return domain.Submission{}, fmt.Errorf("failed to insert record for mapping %d: %w", r.VariableMappingID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Submission{}, fmt.Errorf("failed to commit submission: %w", err)
	}
	return sub, nil
}

// ListRecords returns every record of a submission in insertion order.
func (s *Store) ListRecords(ctx context.Context, submissionID int64) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.submission_id, r.variable_mapping_id, r.value, r.is_processed,
		       r.processed_at, r.error_message, s.observation_time, m.parameter_id
		FROM submission_records r
		JOIN submissions s ON s.id = r.submission_id
		JOIN variable_mappings m ON m.id = r.variable_mapping_id
		WHERE r.submission_id = ?
		ORDER BY r.id`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return collectRecords(rows)
}

// ListUnprocessedRecords returns the station's unprocessed records from
// non-test submissions inside the window, ordered by observation time and
// then insertion order.
func (s *Store) ListUnprocessedRecords(ctx context.Context, stationLinkID int64, window domain.Window) ([]domain.Record, error) {
	start, end := boundArg(window.Start), boundArg(window.End)
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.submission_id, r.variable_mapping_id, r.value, r.is_processed,
		       r.processed_at, r.error_message, s.observation_time, m.parameter_id
		FROM submission_records r
		JOIN submissions s ON s.id = r.submission_id
		JOIN variable_mappings m ON m.id = r.variable_mapping_id
		WHERE s.station_link_id = ?
		  AND s.is_test = 0
		  AND r.is_processed = 0
		  AND (? = '' OR s.observation_time >= ?)
		  AND (? = '' OR s.observation_time < ?)
		ORDER BY s.observation_time, s.id, r.id`,
		stationLinkID, start, start, end, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed records: %w", err)
	}
	return collectRecords(rows)
}

// MarkProcessed flags the submission's still-unprocessed records for the
// parameter as processed at the given time. Submissions of other stations
// are left alone. It returns the number of rows changed; re-marking is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, stationLinkID, submissionID, parameterID int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submission_records
		SET is_processed = 1, processed_at = ?, error_message = ''
		WHERE submission_id = ? AND is_processed = 0
		  AND submission_id IN (SELECT id FROM submissions WHERE station_link_id = ?)
		  AND variable_mapping_id IN (SELECT id FROM variable_mappings WHERE parameter_id = ?)`,
		formatTime(at), submissionID, stationLinkID, parameterID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark processed: %w", err)
	}
	return res.RowsAffected()
}

// MarkFailed stamps an error on the submission's unprocessed records for the
// parameter and leaves them unprocessed.
func (s *Store) MarkFailed(ctx context.Context, stationLinkID, submissionID, parameterID int64, message string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submission_records
		SET error_message = ?
		WHERE submission_id = ? AND is_processed = 0
		  AND submission_id IN (SELECT id FROM submissions WHERE station_link_id = ?)
		  AND variable_mapping_id IN (SELECT id FROM variable_mappings WHERE parameter_id = ?)`,
		message, submissionID, stationLinkID, parameterID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark failed: %w", err)
	}
	return res.RowsAffected()
}

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var (
		sub                                domain.Submission
		submittedAt, observedAt, createdAt string
		exclusive                          sql.NullString
		timeliness, payload                string
	)
	if err := row.Scan(&sub.ID, &sub.StationLinkID, &sub.ObserverID, &submittedAt, &observedAt,
		&sub.IdempotencyKey, &sub.ContentHash, &sub.SlotKey, &exclusive, &timeliness,
		&sub.IsBackfill, &sub.IsRevision, &sub.RevisionReason, &sub.IsTest, &payload, &createdAt); err != nil {
		return domain.Submission{}, err
	}
	var err error
	if sub.SubmissionTime, err = parseTime(submittedAt); err != nil {
		return domain.Submission{}, err
	}
	if sub.ObservationTime, err = parseTime(observedAt); err != nil {
		return domain.Submission{}, err
	}
	if sub.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Submission{}, err
	}
	sub.ExclusiveSlotKey = exclusive.String
	sub.Timeliness = domain.Timeliness(timeliness)
	sub.Payload = []byte(payload)
	return sub, nil
}

func collectRecords(rows *sql.Rows) ([]domain.Record, error) {
	defer rows.Close()
	var out []domain.Record
	for rows.Next() {
		var (
			r           domain.Record
			processedAt sql.NullString
			observedAt  string
		)
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.VariableMappingID, &r.Value, &r.IsProcessed,
			&processedAt, &r.ErrorMessage, &observedAt, &r.ParameterID); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		t, err := parseTime(observedAt)
		if err != nil {
			return nil, err
		}
		r.ObservationTime = t
		if processedAt.Valid {
			at, err := parseTime(processedAt.String)
			if err != nil {
				return nil, err
			}
			r.ProcessedAt = &at
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}
