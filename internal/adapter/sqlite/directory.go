package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
)

const stationColumns = `id, name, timezone, enabled, schedule`

// GetStationLink returns the station link with id, or nil when none exists.
func (s *Store) GetStationLink(ctx context.Context, id int64) (*domain.StationLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stationColumns+` FROM station_links WHERE id = ?`, id)
	st, err := scanStation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get station link %d: %w", id, err)
	}
	return &st, nil
}

// ListStationLinks returns the enabled station links ordered by id.
func (s *Store) ListStationLinks(ctx context.Context) ([]domain.StationLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stationColumns+` FROM station_links WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list station links: %w", err)
	}
	return collectStations(rows)
}

// ListStationLinksForUser returns the enabled station links userID may submit to.
func (s *Store) ListStationLinksForUser(ctx context.Context, userID string) ([]domain.StationLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.timezone, s.enabled, s.schedule
		FROM station_links s
		JOIN observers o ON o.station_link_id = s.id
		WHERE o.user_id = ? AND o.enabled = 1 AND s.enabled = 1
		ORDER BY s.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list station links for user: %w", err)
	}
	return collectStations(rows)
}

// GetVariableMappings returns the station's mappings in display order.
func (s *Store) GetVariableMappings(ctx context.Context, stationLinkID int64) ([]domain.VariableMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_link_id, parameter_id, parameter_name, unit, is_rainfall,
		       qc_min, qc_max, qc_inclusive
		FROM variable_mappings
		WHERE station_link_id = ?
		ORDER BY sort_order, id`, stationLinkID)
	if err != nil {
		return nil, fmt.Errorf("failed to get variable mappings: %w", err)
	}
	defer rows.Close()

	var out []domain.VariableMapping
	for rows.Next() {
		var (
			m            domain.VariableMapping
			qcMin, qcMax sql.NullFloat64
			inclusive    sql.NullBool
		)
		if err := rows.Scan(&m.ID, &m.StationLinkID, &m.ParameterID, &m.ParameterName, &m.Unit, &m.IsRainfall,
			&qcMin, &qcMax, &inclusive); err != nil {
			return nil, fmt.Errorf("failed to scan variable mapping: %w", err)
		}
		if qcMin.Valid || qcMax.Valid {
			qc := &domain.QCRange{Inclusive: inclusive.Bool}
			if qcMin.Valid {
				qc.Min = &qcMin.Float64
			}
			if qcMax.Valid {
				qc.Max = &qcMax.Float64
			}
			m.QCRange = qc
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetObserver returns userID's observer record on the station, or nil.
func (s *Store) GetObserver(ctx context.Context, stationLinkID int64, userID string) (*domain.Observer, error) {
	var o domain.Observer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, station_link_id, user_id, username, enabled
		FROM observers WHERE station_link_id = ? AND user_id = ?`, stationLinkID, userID).
		Scan(&o.ID, &o.StationLinkID, &o.UserID, &o.Username, &o.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observer: %w", err)
	}
	return &o, nil
}

// UpsertStationLink writes the station link with its mappings and observers
// in one transaction. Mappings are replaced by id; observers by user id.
// Existing mappings and observers that are absent from the arguments are kept.
func (s *Store) UpsertStationLink(ctx context.Context, st domain.StationLink, mappings []domain.VariableMapping, observers []domain.Observer) error {
	var schedule sql.NullString
	if st.Schedule != nil {
		raw, err := domain.MarshalSchedule(st.Schedule)
		if err != nil {
			return fmt.Errorf("failed to encode schedule: %w", err)
		}
		schedule = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO station_links (id, name, timezone, enabled, schedule)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			timezone = excluded.timezone,
			enabled = excluded.enabled,
			schedule = excluded.schedule`,
		st.ID, st.Name, st.Timezone, st.Enabled, schedule); err != nil {
		return fmt.Errorf("failed to upsert station link %d: %w", st.ID, err)
	}

	for i, m := range mappings {
		var qcMin, qcMax sql.NullFloat64
		var inclusive sql.NullBool
		if m.QCRange != nil {
			qcMin, qcMax = nullFloat(m.QCRange.Min), nullFloat(m.QCRange.Max)
			inclusive = sql.NullBool{Bool: m.QCRange.Inclusive, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO variable_mappings
				(id, station_link_id, parameter_id, parameter_name, unit, is_rainfall, qc_min, qc_max, qc_inclusive, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				station_link_id = excluded.station_link_id,
				parameter_id = excluded.parameter_id,
				parameter_name = excluded.parameter_name,
				unit = excluded.unit,
				is_rainfall = excluded.is_rainfall,
				qc_min = excluded.qc_min,
				qc_max = excluded.qc_max,
				qc_inclusive = excluded.qc_inclusive,
				sort_order = excluded.sort_order`,
			m.ID, st.ID, m.ParameterID, m.ParameterName, m.Unit, m.IsRainfall, qcMin, qcMax, inclusive, i); err != nil {
			return fmt.Errorf("failed to upsert variable mapping %d: %w", m.ID, err)
		}
	}

	for _, o := range observers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO observers (station_link_id, user_id, username, enabled)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(station_link_id, user_id) DO UPDATE SET
				username = excluded.username,
				enabled = excluded.enabled`,
			st.ID, o.UserID, o.Username, o.Enabled); err != nil {
			return fmt.Errorf("failed to upsert observer %q: %w", o.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit station link %d: %w", st.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStation(row rowScanner) (domain.StationLink, error) {
	var (
		st       domain.StationLink
		schedule sql.NullString
	)
	if err := row.Scan(&st.ID, &st.Name, &st.Timezone, &st.Enabled, &schedule); err != nil {
		return domain.StationLink{}, err
	}
	if schedule.Valid {
		sched, err := domain.UnmarshalSchedule([]byte(schedule.String))
		if err != nil {
			return domain.StationLink{}, fmt.Errorf("station link %d: %w", st.ID, err)
		}
		st.Schedule = sched
	}
	return st, nil
}

func collectStations(rows *sql.Rows) ([]domain.StationLink, error) {
	defer rows.Close()
	var out []domain.StationLink
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan station link: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
