package pipelinehttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/reconcile"
)

const (
	testToken         = "test-token"
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

func testClient(baseURL string, timeout time.Duration) *Client {
	return NewClient(baseURL, testToken, timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var (
	station = domain.StationLink{ID: 7, Name: "Kisumu", Timezone: "Africa/Nairobi"}
	rows    = []reconcile.ObservationRow{{
		ObservationTime: time.Date(2024, 5, 1, 3, 5, 0, 0, time.UTC),
		SubmissionID:    4,
		Values:          map[int64]float64{100: 12.5, 200: 21},
	}}
)

func TestClient_Materialize_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/stations/7/observations", r.URL.Path)
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		assert.Equal(t, contentTypeJSON, r.Header.Get(headerContentType))

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(7), req.StationLinkID)
		assert.Equal(t, "Africa/Nairobi", req.Timezone)
		require.Len(t, req.Rows, 1)
		assert.Equal(t, map[int64]float64{100: 12.5, 200: 21}, req.Rows[0].Values)

		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(response{Committed: []reconcile.Commit{
			{SubmissionID: 4, ParameterID: 100},
			{SubmissionID: 4, ParameterID: 200, Error: "out of range"},
		}}))
	}))
	defer srv.Close()

	commits, err := testClient(srv.URL+"/", 5*time.Second).Materialize(context.Background(), station, rows)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, reconcile.Commit{SubmissionID: 4, ParameterID: 100}, commits[0])
	assert.Equal(t, "out of range", commits[1].Error)
}

func TestClient_Materialize_EmptyRowsSkipsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	commits, err := testClient(srv.URL, time.Second).Materialize(context.Background(), station, nil)
	require.NoError(t, err)
	assert.Nil(t, commits)
	assert.False(t, called)
}

func TestClient_Materialize_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"warming up"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 5*time.Second).Materialize(context.Background(), station, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "warming up")
}

func TestClient_Materialize_BadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 5*time.Second).Materialize(context.Background(), station, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestClient_Materialize_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 50*time.Millisecond).Materialize(context.Background(), station, rows)
	require.Error(t, err)
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"committed":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	commits, err := c.Materialize(context.Background(), station, rows)
	require.NoError(t, err)
	assert.Empty(t, commits)
}
