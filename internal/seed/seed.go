// Package seed loads station links, variable mappings and observers from a
// YAML file and upserts them into storage.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
)

// Writer is satisfied by both storage backends.
type Writer interface {
	UpsertStationLink(ctx context.Context, st domain.StationLink, mappings []domain.VariableMapping, observers []domain.Observer) error
}

// Station is one decoded station link with its children.
type Station struct {
	Link      domain.StationLink
	Mappings  []domain.VariableMapping
	Observers []domain.Observer
}

type file struct {
	Stations []stationDoc `yaml:"stations"`
}

type stationDoc struct {
	ID        int64          `yaml:"id"`
	Name      string         `yaml:"name"`
	Timezone  string         `yaml:"timezone"`
	Enabled   *bool          `yaml:"enabled"`
	Schedule  map[string]any `yaml:"schedule"`
	Mappings  []mappingDoc   `yaml:"variable_mappings"`
	Observers []observerDoc  `yaml:"observers"`
}

type mappingDoc struct {
	ID            int64     `yaml:"id"`
	ParameterID   int64     `yaml:"parameter_id"`
	ParameterName string    `yaml:"parameter_name"`
	Unit          string    `yaml:"unit"`
	IsRainfall    bool      `yaml:"is_rainfall"`
	RangeCheck    *rangeDoc `yaml:"range_check"`
}

type rangeDoc struct {
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	Inclusive bool     `yaml:"inclusive"`
}

type observerDoc struct {
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username"`
	Enabled  *bool  `yaml:"enabled"`
}

// Load reads and validates a seed file.
func Load(path string) ([]Station, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a seed document. Unknown fields are rejected. Enabled flags
// default to true.
func Parse(r io.Reader) ([]Station, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seen := make(map[int64]bool, len(f.Stations))
	out := make([]Station, 0, len(f.Stations))
	for i, doc := range f.Stations {
		st, err := doc.station()
		if err != nil {
			return nil, fmt.Errorf("stations[%d]: %w", i, err)
		}
		if seen[st.Link.ID] {
			return nil, fmt.Errorf("stations[%d]: duplicate station link id %d", i, st.Link.ID)
		}
		seen[st.Link.ID] = true
		out = append(out, st)
	}
	return out, nil
}

// Apply upserts every station in order and stops at the first failure.
func Apply(ctx context.Context, w Writer, stations []Station, logger *slog.Logger) error {
	for _, st := range stations {
		if err := w.UpsertStationLink(ctx, st.Link, st.Mappings, st.Observers); err != nil {
			return fmt.Errorf("seed station link %d: %w", st.Link.ID, err)
		}
		logger.Info("station link seeded",
			"station_link_id", st.Link.ID,
			"mappings", len(st.Mappings),
			"observers", len(st.Observers),
		)
	}
	return nil
}

func (d stationDoc) station() (Station, error) {
	if d.ID <= 0 {
		return Station{}, errors.New("id must be positive")
	}
	if d.Name == "" {
		return Station{}, fmt.Errorf("station link %d: name is required", d.ID)
	}
	link := domain.StationLink{
		ID:       d.ID,
		Name:     d.Name,
		Timezone: d.Timezone,
		Enabled:  enabled(d.Enabled),
	}
	if _, err := link.Location(); err != nil {
		return Station{}, err
	}
	if d.Schedule != nil {
		raw, err := json.Marshal(d.Schedule)
		if err != nil {
			return Station{}, fmt.Errorf("station link %d: encode schedule: %w", d.ID, err)
		}
		sched, err := domain.UnmarshalSchedule(raw)
		if err != nil {
			return Station{}, fmt.Errorf("station link %d: %w", d.ID, err)
		}
		link.Schedule = sched
	}

	st := Station{Link: link}
	mappingIDs := make(map[int64]bool, len(d.Mappings))
	for _, m := range d.Mappings {
		if m.ID <= 0 || m.ParameterID <= 0 {
			return Station{}, fmt.Errorf("station link %d: mapping id and parameter_id must be positive", d.ID)
		}
		if mappingIDs[m.ID] {
			return Station{}, fmt.Errorf("station link %d: duplicate mapping id %d", d.ID, m.ID)
		}
		mappingIDs[m.ID] = true

		vm := domain.VariableMapping{
			ID:            m.ID,
			StationLinkID: d.ID,
			ParameterID:   m.ParameterID,
			ParameterName: m.ParameterName,
			Unit:          m.Unit,
			IsRainfall:    m.IsRainfall,
		}
		if rc := m.RangeCheck; rc != nil {
			if rc.Min != nil && rc.Max != nil && *rc.Min > *rc.Max {
				return Station{}, fmt.Errorf("station link %d: mapping %d range_check min exceeds max", d.ID, m.ID)
			}
			vm.QCRange = &domain.QCRange{Min: rc.Min, Max: rc.Max, Inclusive: rc.Inclusive}
		}
		st.Mappings = append(st.Mappings, vm)
	}

	users := make(map[string]bool, len(d.Observers))
	for _, o := range d.Observers {
		if o.UserID == "" {
			return Station{}, fmt.Errorf("station link %d: observer user_id is required", d.ID)
		}
		if users[o.UserID] {
			return Station{}, fmt.Errorf("station link %d: duplicate observer %q", d.ID, o.UserID)
		}
		users[o.UserID] = true
		st.Observers = append(st.Observers, domain.Observer{
			StationLinkID: d.ID,
			UserID:        o.UserID,
			Username:      o.Username,
			Enabled:       enabled(o.Enabled),
		})
	}
	return st, nil
}

func enabled(b *bool) bool {
	return b == nil || *b
}
