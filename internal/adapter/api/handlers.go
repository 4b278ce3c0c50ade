package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/ingest"
	"github.com/couchcryptid/manual-obs-collector/internal/reconcile"
)

const maxBodyBytes = 1 << 20

type stationSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type mappingView struct {
	ID            int64           `json:"id"`
	ParameterName string          `json:"adl_parameter_name"`
	Unit          string          `json:"obs_parameter_unit"`
	IsRainfall    bool            `json:"is_rainfall"`
	RangeCheck    *domain.QCRange `json:"range_check"`
}

type stationDetail struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Timezone         string          `json:"timezone"`
	VariableMappings []mappingView   `json:"variable_mappings"`
	Schedule         json.RawMessage `json:"schedule"`
}

type acceptedResponse struct {
	Status           string    `json:"status"`
	Idempotent       bool      `json:"idempotent"`
	ID               int64     `json:"id"`
	ObservationTime  time.Time `json:"observation_time"`
	IsTestSubmission bool      `json:"is_test_submission"`
}

type rejectedResponse struct {
	Status string        `json:"status"`
	Reason domain.Reason `json:"reason"`
	Error  string        `json:"error"`
}

type observationsResponse struct {
	StationLinkID int64                      `json:"station_link_id"`
	Timezone      string                     `json:"timezone"`
	Rows          []reconcile.ObservationRow `json:"rows"`
}

type commitRequest struct {
	Committed []reconcile.Commit `json:"committed"`
}

// GET /api/adl-collector/station-link/
func (s *Server) handleListStations(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	stations, err := s.directory.ListStationLinksForUser(ctx, caller)
	if err != nil {
		s.internalError(c, "list station links", err)
		return
	}
	out := make([]stationSummary, 0, len(stations))
	for _, st := range stations {
		out = append(out, stationSummary{ID: st.ID, Name: st.Name})
	}
	c.JSON(http.StatusOK, out)
}

// GET /api/adl-collector/station-link/:id/
func (s *Server) handleGetStation(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	st, ok := s.station(ctx, c)
	if !ok {
		return
	}
	observer, err := s.directory.GetObserver(ctx, st.ID, caller)
	if err != nil {
		s.internalError(c, "get observer", err)
		return
	}
	if observer == nil || !observer.Enabled {
		s.reject(c, domain.Reject(domain.ReasonUnauthorized, "caller is not an enabled observer for station link %d", st.ID))
		return
	}

	mappings, err := s.directory.GetVariableMappings(ctx, st.ID)
	if err != nil {
		s.internalError(c, "get variable mappings", err)
		return
	}
	sched, err := domain.MarshalSchedule(st.Schedule)
	if err != nil {
		s.internalError(c, "encode schedule", err)
		return
	}

	detail := stationDetail{
		ID:               st.ID,
		Name:             st.Name,
		Timezone:         st.Timezone,
		VariableMappings: make([]mappingView, 0, len(mappings)),
		Schedule:         sched,
	}
	for _, m := range mappings {
		detail.VariableMappings = append(detail.VariableMappings, mappingView{
			ID:            m.ID,
			ParameterName: m.ParameterName,
			Unit:          m.Unit,
			IsRainfall:    m.IsRainfall,
			RangeCheck:    m.QCRange,
		})
	}
	c.JSON(http.StatusOK, detail)
}

// POST /api/adl-collector/manual-obs/submit/
func (s *Server) handleSubmit(c *gin.Context) {
	caller, ok := s.caller(c)
	if !ok {
		return
	}
	raw, err := readBody(c)
	if err != nil {
		s.reject(c, domain.Reject(domain.ReasonInvalidPayload, "read body: %v", err))
		return
	}

	out, err := s.submitter.Submit(c.Request.Context(), raw, caller)
	if err != nil {
		if r, ok := ingest.AsRejection(err); ok {
			s.reject(c, r)
			return
		}
		s.internalError(c, "submit", err)
		return
	}

	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, acceptedResponse{
		Status:           "accepted",
		Idempotent:       out.Replayed,
		ID:               out.Submission.ID,
		ObservationTime:  out.Submission.ObservationTime.UTC(),
		IsTestSubmission: out.Submission.IsTest,
	})
}

// GET /api/adl-collector/station-link/:id/observations/?start=&end=
func (s *Server) handleObservations(c *gin.Context) {
	window, err := parseWindow(c.Query("start"), c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	st, ok := s.station(ctx, c)
	if !ok {
		return
	}
	rows, err := s.reconciler.Rows(ctx, st.ID, window)
	if err != nil {
		s.internalError(c, "list observation rows", err)
		return
	}
	if rows == nil {
		rows = []reconcile.ObservationRow{}
	}
	c.JSON(http.StatusOK, observationsResponse{
		StationLinkID: st.ID,
		Timezone:      st.Timezone,
		Rows:          rows,
	})
}

// POST /api/adl-collector/station-link/:id/observations/commit/
func (s *Server) handleCommit(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	st, ok := s.station(ctx, c)
	if !ok {
		return
	}
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid commit body: " + err.Error()})
		return
	}
	for _, cm := range req.Committed {
		if cm.SubmissionID <= 0 || cm.ParameterID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "submission_id and parameter_id are required"})
			return
		}
	}

	res, err := s.reconciler.Apply(ctx, st.ID, req.Committed)
	if err != nil {
		s.internalError(c, "apply commits", err)
		return
	}
	s.logger.Info("pipeline commits applied",
		"station_link_id", st.ID,
		"marked", res.Marked,
		"failed", res.Failed,
	)
	c.JSON(http.StatusOK, res)
}

// caller returns the authenticated user id or writes a 401.
func (s *Server) caller(c *gin.Context) (string, bool) {
	id := c.GetHeader(s.opts.UserIDHeader)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
		return "", false
	}
	return id, true
}

// station resolves the :id path parameter to an enabled station link or
// writes the error response.
func (s *Server) station(ctx context.Context, c *gin.Context) (*domain.StationLink, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid station link id"})
		return nil, false
	}
	st, err := s.directory.GetStationLink(ctx, id)
	if err != nil {
		s.internalError(c, "get station link", err)
		return nil, false
	}
	if st == nil || !st.Enabled {
		s.reject(c, domain.Reject(domain.ReasonNotFound, "station link %d not found", id))
		return nil, false
	}
	return st, true
}

func (s *Server) reject(c *gin.Context, r *domain.Rejection) {
	c.JSON(statusFor(r.Reason), rejectedResponse{
		Status: "rejected",
		Reason: r.Reason,
		Error:  r.Message,
	})
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error("api request failed",
		"op", op,
		"error", err,
		"request_id", c.GetString(requestIDHeader),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func statusFor(reason domain.Reason) int {
	switch reason {
	case domain.ReasonInvalidPayload, domain.ReasonNaiveTimestamp, domain.ReasonFutureSubmission,
		domain.ReasonFutureObservation, domain.ReasonInvalidMapping:
		return http.StatusBadRequest
	case domain.ReasonUnauthorized:
		return http.StatusForbidden
	case domain.ReasonNotFound:
		return http.StatusNotFound
	case domain.ReasonDuplicateSlot:
		return http.StatusConflict
	case domain.ReasonOutOfWindow, domain.ReasonLocked, domain.ReasonNoSchedule:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	raw, err := c.GetRawData()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	return raw, nil
}

// parseWindow reads optional RFC 3339 bounds. Both must carry an offset.
func parseWindow(start, end string) (domain.Window, error) {
	var w domain.Window
	var err error
	if start != "" {
		if w.Start, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return w, errors.New("start must be an RFC 3339 timestamp with offset")
		}
	}
	if end != "" {
		if w.End, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return w, errors.New("end must be an RFC 3339 timestamp with offset")
		}
	}
	if !w.Start.IsZero() && !w.End.IsZero() && !w.Start.Before(w.End) {
		return w, errors.New("start must be before end")
	}
	return w, nil
}
