package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/ingest"
	"github.com/couchcryptid/manual-obs-collector/internal/reconcile"
)

// --- fakes ---

type fakeSubmitter struct {
	out    ingest.Outcome
	err    error
	raw    []byte
	caller string
}

func (f *fakeSubmitter) Submit(_ context.Context, raw []byte, callerID string) (ingest.Outcome, error) {
	f.raw = raw
	f.caller = callerID
	return f.out, f.err
}

type fakeDirectory struct {
	stations  map[int64]domain.StationLink
	mappings  map[int64][]domain.VariableMapping
	observers map[int64][]domain.Observer
	err       error
}

func (d *fakeDirectory) GetStationLink(_ context.Context, id int64) (*domain.StationLink, error) {
	if d.err != nil {
		return nil, d.err
	}
	st, ok := d.stations[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (d *fakeDirectory) GetVariableMappings(_ context.Context, id int64) ([]domain.VariableMapping, error) {
	return d.mappings[id], nil
}

func (d *fakeDirectory) GetObserver(_ context.Context, id int64, userID string) (*domain.Observer, error) {
	for _, o := range d.observers[id] {
		if o.UserID == userID {
			cp := o
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) ListStationLinksForUser(_ context.Context, userID string) ([]domain.StationLink, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []domain.StationLink
	for id, obs := range d.observers {
		for _, o := range obs {
			if o.UserID == userID && o.Enabled {
				out = append(out, d.stations[id])
			}
		}
	}
	return out, nil
}

type fakeReconciler struct {
	rows    []reconcile.ObservationRow
	window  domain.Window
	applied int64
	commits []reconcile.Commit
	result  reconcile.Result
	err     error
}

func (f *fakeReconciler) Rows(_ context.Context, _ int64, w domain.Window) ([]reconcile.ObservationRow, error) {
	f.window = w
	return f.rows, f.err
}

func (f *fakeReconciler) Apply(_ context.Context, stationLinkID int64, commits []reconcile.Commit) (reconcile.Result, error) {
	f.applied = stationLinkID
	f.commits = commits
	return f.result, f.err
}

// --- helpers ---

const caller = "u-1"

func testDirectory() *fakeDirectory {
	lo, hi := 0.0, 500.0
	return &fakeDirectory{
		stations: map[int64]domain.StationLink{
			7: {ID: 7, Name: "Kisumu", Timezone: "Africa/Nairobi", Enabled: true, Schedule: domain.DefaultFixedSlotLocal()},
			8: {ID: 8, Name: "Retired", Timezone: "UTC", Enabled: false},
		},
		mappings: map[int64][]domain.VariableMapping{
			7: {
				{ID: 1, StationLinkID: 7, ParameterID: 100, ParameterName: "rainfall", Unit: "mm", IsRainfall: true,
					QCRange: &domain.QCRange{Min: &lo, Max: &hi, Inclusive: true}},
				{ID: 2, StationLinkID: 7, ParameterID: 200, ParameterName: "air_temperature", Unit: "degC"},
			},
		},
		observers: map[int64][]domain.Observer{
			7: {{ID: 11, StationLinkID: 7, UserID: caller, Enabled: true}, {ID: 12, StationLinkID: 7, UserID: "u-off"}},
		},
	}
}

type fixture struct {
	srv        *Server
	submitter  *fakeSubmitter
	directory  *fakeDirectory
	reconciler *fakeReconciler
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		submitter:  &fakeSubmitter{},
		directory:  testDirectory(),
		reconciler: &fakeReconciler{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.srv = NewServer(":0", f.submitter, f.directory, f.reconciler, opts, logger)
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, basePath+path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func asCaller(id string) map[string]string {
	return map[string]string{"X-User-ID": id}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// --- station links ---

func TestListStations(t *testing.T) {
	f := newFixture(Options{})

	w := f.do(http.MethodGet, "/station-link/", "", asCaller(caller))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id":7,"name":"Kisumu"}]`, w.Body.String())

	w = f.do(http.MethodGet, "/station-link/", "", asCaller("stranger"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestListStations_MissingIdentity(t *testing.T) {
	f := newFixture(Options{})
	w := f.do(http.MethodGet, "/station-link/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetStation(t *testing.T) {
	f := newFixture(Options{})

	w := f.do(http.MethodGet, "/station-link/7/", "", asCaller(caller))
	require.Equal(t, http.StatusOK, w.Code)

	got := decode[map[string]any](t, w)
	assert.Equal(t, "Africa/Nairobi", got["timezone"])
	mappings := got["variable_mappings"].([]any)
	require.Len(t, mappings, 2)
	rain := mappings[0].(map[string]any)
	assert.Equal(t, "rainfall", rain["adl_parameter_name"])
	assert.Equal(t, "mm", rain["obs_parameter_unit"])
	assert.Equal(t, true, rain["is_rainfall"])
	assert.Equal(t, map[string]any{"min": 0.0, "max": 500.0, "inclusive": true}, rain["range_check"])
	assert.Nil(t, mappings[1].(map[string]any)["range_check"])

	sched := got["schedule"].(map[string]any)
	assert.Equal(t, "fixed_local", sched["mode"])
}

func TestGetStation_Errors(t *testing.T) {
	f := newFixture(Options{})

	tests := []struct {
		name   string
		path   string
		caller string
		status int
	}{
		{"unknown station", "/station-link/99/", caller, http.StatusNotFound},
		{"disabled station", "/station-link/8/", caller, http.StatusNotFound},
		{"bad id", "/station-link/abc/", caller, http.StatusBadRequest},
		{"not an observer", "/station-link/7/", "stranger", http.StatusForbidden},
		{"disabled observer", "/station-link/7/", "u-off", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodGet, tt.path, "", asCaller(tt.caller))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestDirectoryFailureIs500(t *testing.T) {
	f := newFixture(Options{})
	f.directory.err = errors.New("database is locked")

	w := f.do(http.MethodGet, "/station-link/7/", "", asCaller(caller))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "locked")
}

// --- submission ---

func TestSubmit_Created(t *testing.T) {
	f := newFixture(Options{})
	obs := time.Date(2024, 5, 1, 3, 5, 0, 0, time.UTC)
	f.submitter.out = ingest.Outcome{Submission: domain.Submission{ID: 42, ObservationTime: obs, IsTest: true}}

	body := `{"station_link_id":7}`
	w := f.do(http.MethodPost, "/manual-obs/submit/", body, asCaller(caller))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"status":"accepted","idempotent":false,"id":42,
		"observation_time":"2024-05-01T03:05:00Z","is_test_submission":true}`, w.Body.String())
	assert.Equal(t, body, string(f.submitter.raw))
	assert.Equal(t, caller, f.submitter.caller)
}

func TestSubmit_Replayed(t *testing.T) {
	f := newFixture(Options{})
	f.submitter.out = ingest.Outcome{Submission: domain.Submission{ID: 42}, Replayed: true}

	w := f.do(http.MethodPost, "/manual-obs/submit/", `{}`, asCaller(caller))
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[acceptedResponse](t, w)
	assert.True(t, got.Idempotent)
	assert.Equal(t, int64(42), got.ID)
}

func TestSubmit_RejectionStatus(t *testing.T) {
	tests := []struct {
		reason domain.Reason
		status int
	}{
		{domain.ReasonInvalidPayload, http.StatusBadRequest},
		{domain.ReasonNaiveTimestamp, http.StatusBadRequest},
		{domain.ReasonFutureSubmission, http.StatusBadRequest},
		{domain.ReasonFutureObservation, http.StatusBadRequest},
		{domain.ReasonInvalidMapping, http.StatusBadRequest},
		{domain.ReasonUnauthorized, http.StatusForbidden},
		{domain.ReasonNotFound, http.StatusNotFound},
		{domain.ReasonDuplicateSlot, http.StatusConflict},
		{domain.ReasonOutOfWindow, http.StatusUnprocessableEntity},
		{domain.ReasonLocked, http.StatusUnprocessableEntity},
		{domain.ReasonNoSchedule, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			f := newFixture(Options{})
			f.submitter.err = domain.Reject(tt.reason, "nope")

			w := f.do(http.MethodPost, "/manual-obs/submit/", `{}`, asCaller(caller))
			require.Equal(t, tt.status, w.Code)
			got := decode[rejectedResponse](t, w)
			assert.Equal(t, "rejected", got.Status)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, "nope", got.Error)
		})
	}
}

func TestSubmit_InfrastructureErrorIs500(t *testing.T) {
	f := newFixture(Options{})
	f.submitter.err = errors.New("disk I/O error")

	w := f.do(http.MethodPost, "/manual-obs/submit/", `{}`, asCaller(caller))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSubmit_MissingIdentityAndBody(t *testing.T) {
	f := newFixture(Options{})

	w := f.do(http.MethodPost, "/manual-obs/submit/", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/manual-obs/submit/", "", asCaller(caller))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.ReasonInvalidPayload, decode[rejectedResponse](t, w).Reason)
}

func TestCustomUserIDHeader(t *testing.T) {
	f := newFixture(Options{UserIDHeader: "X-Auth-User"})
	f.submitter.out = ingest.Outcome{Submission: domain.Submission{ID: 1}}

	w := f.do(http.MethodPost, "/manual-obs/submit/", `{}`, map[string]string{"X-Auth-User": caller})
	assert.Equal(t, http.StatusCreated, w.Code)
}

// --- middleware ---

func TestBearerAuth(t *testing.T) {
	f := newFixture(Options{BearerToken: "secret"})

	w := f.do(http.MethodGet, "/station-link/", "", asCaller(caller))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for _, token := range []string{"wrong", "secre", "secret2", ""} {
		w = f.do(http.MethodGet, "/station-link/", "", map[string]string{"X-User-ID": caller, "Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusUnauthorized, w.Code, token)
	}

	w = f.do(http.MethodGet, "/station-link/", "", map[string]string{"X-User-ID": caller, "Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestID(t *testing.T) {
	f := newFixture(Options{})

	w := f.do(http.MethodGet, "/station-link/", "", asCaller(caller))
	assert.Len(t, w.Header().Get(requestIDHeader), 36)

	w = f.do(http.MethodGet, "/station-link/", "", map[string]string{"X-User-ID": caller, requestIDHeader: "req-1"})
	assert.Equal(t, "req-1", w.Header().Get(requestIDHeader))
}

// --- reconciliation endpoints ---

func TestObservations(t *testing.T) {
	f := newFixture(Options{})
	f.reconciler.rows = []reconcile.ObservationRow{{
		ObservationTime: time.Date(2024, 5, 1, 3, 5, 0, 0, time.UTC),
		SubmissionID:    4,
		Values:          map[int64]float64{100: 12.5},
	}}

	q := url.Values{"start": {"2024-05-01T00:00:00+03:00"}, "end": {"2024-05-02T00:00:00Z"}}
	w := f.do(http.MethodGet, "/station-link/7/observations/?"+q.Encode(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"station_link_id":7,"timezone":"Africa/Nairobi","rows":[
		{"observation_time":"2024-05-01T03:05:00Z","submission_id":4,"100":12.5}]}`, w.Body.String())
	assert.True(t, f.reconciler.window.Start.Equal(time.Date(2024, 4, 30, 21, 0, 0, 0, time.UTC)))
	assert.True(t, f.reconciler.window.End.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)))
}

func TestObservations_EmptyAndInvalid(t *testing.T) {
	f := newFixture(Options{})

	w := f.do(http.MethodGet, "/station-link/7/observations/", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rows":[]`)

	w = f.do(http.MethodGet, "/station-link/7/observations/?start=2024-05-01T00:00:00", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/station-link/7/observations/?start=2024-05-02T00:00:00Z&end=2024-05-01T00:00:00Z", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/station-link/99/observations/", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommit(t *testing.T) {
	f := newFixture(Options{})
	f.reconciler.result = reconcile.Result{Marked: 2, Failed: 1}

	body := `{"committed":[{"submission_id":4,"parameter_id":100},{"submission_id":4,"parameter_id":200,"error":"out of range"}]}`
	w := f.do(http.MethodPost, "/station-link/7/observations/commit/", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"marked":2,"failed":1}`, w.Body.String())
	assert.Equal(t, int64(7), f.reconciler.applied)
	require.Len(t, f.reconciler.commits, 2)
	assert.Equal(t, "out of range", f.reconciler.commits[1].Error)
}

func TestCommit_Invalid(t *testing.T) {
	f := newFixture(Options{})

	w := f.do(http.MethodPost, "/station-link/7/observations/commit/", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/station-link/7/observations/commit/", `{"committed":[{"parameter_id":100}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, f.reconciler.commits)
}

func TestCommit_StoreErrorIs500(t *testing.T) {
	f := newFixture(Options{})
	f.reconciler.err = errors.New("database is locked")

	w := f.do(http.MethodPost, "/station-link/7/observations/commit/", `{"committed":[]}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
