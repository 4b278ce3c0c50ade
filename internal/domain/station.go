package domain

import (
	"fmt"
	"time"
)

// StationLink is a station configured for manual observation.
type StationLink struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Timezone string   `json:"timezone"`
	Enabled  bool     `json:"enabled"`
	Schedule Schedule `json:"-"`
}

// Location resolves the station's IANA zone. An empty zone means UTC.
func (s StationLink) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("station link %d timezone %q: %w", s.ID, s.Timezone, err)
	}
	return loc, nil
}

// QCRange is the optional range check surfaced read-only to observers.
type QCRange struct {
	Min       *float64 `json:"min"`
	Max       *float64 `json:"max"`
	Inclusive bool     `json:"inclusive"`
}

// VariableMapping binds a locally observed parameter to a canonical host
// parameter and unit.
type VariableMapping struct {
	ID            int64    `json:"id"`
	StationLinkID int64    `json:"station_link_id"`
	ParameterID   int64    `json:"parameter_id"`
	ParameterName string   `json:"parameter_name"`
	Unit          string   `json:"unit"`
	IsRainfall    bool     `json:"is_rainfall"`
	QCRange       *QCRange `json:"qc_range,omitempty"`
}

// Observer is a user allowed to submit for one station link while enabled.
type Observer struct {
	ID            int64  `json:"id"`
	StationLinkID int64  `json:"station_link_id"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	Enabled       bool   `json:"enabled"`
}
