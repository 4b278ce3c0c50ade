package sqlite_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/manual-obs-collector/internal/adapter/sqlite"
	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/ingest"
	"github.com/couchcryptid/manual-obs-collector/internal/observability"
	"github.com/couchcryptid/manual-obs-collector/internal/schedule"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "collector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(f float64) *float64 { return &f }

// seedStation writes station 7 (Africa/Nairobi, default fixed schedule) with
// two mappings and one enabled observer "u-1".
func seedStation(t *testing.T, s *sqlite.Store, sched domain.Schedule) {
	t.Helper()
	err := s.UpsertStationLink(context.Background(),
		domain.StationLink{ID: 7, Name: "Kisumu", Timezone: "Africa/Nairobi", Enabled: true, Schedule: sched},
		[]domain.VariableMapping{
			{ID: 1, ParameterID: 100, ParameterName: "rainfall", Unit: "mm", IsRainfall: true,
				QCRange: &domain.QCRange{Min: ptr(0), Max: ptr(500), Inclusive: true}},
			{ID: 2, ParameterID: 200, ParameterName: "air_temperature", Unit: "degC"},
		},
		[]domain.Observer{{UserID: "u-1", Username: "amina", Enabled: true}},
	)
	require.NoError(t, err)
}

func observerID(t *testing.T, s *sqlite.Store) int64 {
	t.Helper()
	o, err := s.GetObserver(context.Background(), 7, "u-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	return o.ID
}

func newSubmission(obsID int64, obs time.Time, hash string) domain.Submission {
	return domain.Submission{
		StationLinkID:   7,
		ObserverID:      obsID,
		SubmissionTime:  obs.Add(time.Minute),
		ObservationTime: obs,
		ContentHash:     hash,
		SlotKey:         "fixed_local/" + obs.Format(time.RFC3339),
		Timeliness:      domain.OnTime,
		Payload:         json.RawMessage(`{"station_link_id":7}`),
	}
}

var records = []domain.RecordInput{
	{VariableMappingID: 1, Value: 12.5},
	{VariableMappingID: 2, Value: 21.0},
}

func TestOpen_CreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.db")
	for range 3 {
		s, err := sqlite.Open(path)
		require.NoError(t, err)
		require.NoError(t, s.Ping(context.Background()))
		require.NoError(t, s.Close())
	}
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestDirectory_RoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())

	st, err := s.GetStationLink(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "Kisumu", st.Name)
	assert.Equal(t, "Africa/Nairobi", st.Timezone)
	assert.True(t, st.Enabled)
	assert.Equal(t, domain.DefaultFixedSlotLocal(), st.Schedule)

	mappings, err := s.GetVariableMappings(ctx, 7)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, int64(1), mappings[0].ID)
	assert.Equal(t, int64(7), mappings[0].StationLinkID)
	require.NotNil(t, mappings[0].QCRange)
	assert.InDelta(t, 500, *mappings[0].QCRange.Max, 0)
	assert.True(t, mappings[0].QCRange.Inclusive)
	assert.Nil(t, mappings[1].QCRange)

	missing, err := s.GetStationLink(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	obs, err := s.GetObserver(ctx, 7, "nobody")
	require.NoError(t, err)
	assert.Nil(t, obs)
}

func TestDirectory_UpsertUpdatesInPlace(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())
	first := observerID(t, s)

	err := s.UpsertStationLink(ctx,
		domain.StationLink{ID: 7, Name: "Kisumu North", Timezone: "Africa/Nairobi", Enabled: true},
		nil,
		[]domain.Observer{{UserID: "u-1", Username: "amina", Enabled: false}},
	)
	require.NoError(t, err)

	st, err := s.GetStationLink(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Kisumu North", st.Name)
	assert.Nil(t, st.Schedule)

	o, err := s.GetObserver(ctx, 7, "u-1")
	require.NoError(t, err)
	assert.Equal(t, first, o.ID)
	assert.False(t, o.Enabled)
}

func TestListStationLinksForUser(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())
	require.NoError(t, s.UpsertStationLink(ctx,
		domain.StationLink{ID: 8, Name: "Closed", Enabled: false}, nil,
		[]domain.Observer{{UserID: "u-1", Enabled: true}}))

	mine, err := s.ListStationLinksForUser(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, int64(7), mine[0].ID)

	none, err := s.ListStationLinksForUser(ctx, "u-2")
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := s.ListStationLinks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateSubmission_FindAndDuplicate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())
	obsID := observerID(t, s)
	obs := time.Date(2024, 5, 1, 3, 5, 0, 123000, time.UTC)

	created, err := s.CreateSubmissionWithRecords(ctx, newSubmission(obsID, obs, "h1"), records)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	found, err := s.FindSubmission(ctx, obsID, obs, "h1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.True(t, found.ObservationTime.Equal(obs))
	assert.Equal(t, domain.OnTime, found.Timeliness)
	assert.JSONEq(t, `{"station_link_id":7}`, string(found.Payload))

	_, err = s.CreateSubmissionWithRecords(ctx, newSubmission(obsID, obs, "h1"), records)
	assert.ErrorIs(t, err, domain.ErrDuplicateSubmission)

	// Same instant expressed in another zone hits the same row.
	found, err = s.FindSubmission(ctx, obsID, obs.In(time.FixedZone("EAT", 3*3600)), "h1")
	require.NoError(t, err)
	require.NotNil(t, found)

	other, err := s.FindSubmission(ctx, obsID, obs, "h2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestCreateSubmission_ExclusiveSlot(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())
	obsID := observerID(t, s)
	obs := time.Date(2024, 5, 1, 3, 5, 0, 0, time.UTC)

	a := newSubmission(obsID, obs, "h1")
	a.ExclusiveSlotKey = a.SlotKey
	_, err := s.CreateSubmissionWithRecords(ctx, a, records)
	require.NoError(t, err)

	b := newSubmission(obsID, obs.Add(time.Minute), "h2")
	b.ExclusiveSlotKey = a.SlotKey
	_, err = s.CreateSubmissionWithRecords(ctx, b, records)
	assert.ErrorIs(t, err, domain.ErrSlotTaken)

	// Without an exclusive claim the slot takes revisions.
	c := newSubmission(obsID, obs.Add(2*time.Minute), "h3")
	c.SlotKey = a.SlotKey
	_, err = s.CreateSubmissionWithRecords(ctx, c, records)
	require.NoError(t, err)

	occupied, err := s.SlotOccupied(ctx, obsID, a.SlotKey, "h1")
	require.NoError(t, err)
	assert.True(t, occupied)
}

func TestCreateSubmission_RollsBackOnRecordFailure(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())
	obsID := observerID(t, s)
	obs := time.Date(2024, 5, 1, 3, 5, 0, 0, time.UTC)

	_, err := s.CreateSubmissionWithRecords(ctx, newSubmission(obsID, obs, "h1"),
		[]domain.RecordInput{{VariableMappingID: 1, Value: 1}, {VariableMappingID: 999, Value: 2}})
	require.Error(t, err)

	found, err := s.FindSubmission(ctx, obsID, obs, "h1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSlotOccupied_ExcludesOwnHash(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())
	obsID := observerID(t, s)
	sub := newSubmission(obsID, time.Date(2024, 5, 1, 3, 5, 0, 0, time.UTC), "h1")
	_, err := s.CreateSubmissionWithRecords(ctx, sub, records)
	require.NoError(t, err)

	occupied, err := s.SlotOccupied(ctx, obsID, sub.SlotKey, "h1")
	require.NoError(t, err)
	assert.False(t, occupied)

	occupied, err = s.SlotOccupied(ctx, obsID, "fixed_local/elsewhere", "h9")
	require.NoError(t, err)
	assert.False(t, occupied)
}

func TestListUnprocessedRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())
	obsID := observerID(t, s)

	t1 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	t0 := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	late, err := s.CreateSubmissionWithRecords(ctx, newSubmission(obsID, t1, "h1"), records)
	require.NoError(t, err)
	early, err := s.CreateSubmissionWithRecords(ctx, newSubmission(obsID, t0, "h2"), records)
	require.NoError(t, err)
	test := newSubmission(obsID, t0.Add(time.Hour), "h3")
	test.IsTest = true
	_, err = s.CreateSubmissionWithRecords(ctx, test, records)
	require.NoError(t, err)

	rows, err := s.ListUnprocessedRecords(ctx, 7, domain.Window{})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, early.ID, rows[0].SubmissionID)
	assert.Equal(t, int64(100), rows[0].ParameterID)
	assert.Equal(t, int64(200), rows[1].ParameterID)
	assert.Equal(t, late.ID, rows[2].SubmissionID)
	assert.True(t, rows[2].ObservationTime.Equal(t1))

	windowed, err := s.ListUnprocessedRecords(ctx, 7, domain.Window{Start: t0.Add(time.Minute), End: t1.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, windowed, 2)
	assert.Equal(t, late.ID, windowed[0].SubmissionID)

	// End is exclusive.
	windowed, err = s.ListUnprocessedRecords(ctx, 7, domain.Window{End: t1})
	require.NoError(t, err)
	require.Len(t, windowed, 2)
	assert.Equal(t, early.ID, windowed[0].SubmissionID)

	other, err := s.ListUnprocessedRecords(ctx, 8, domain.Window{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMarkProcessed_Idempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())
	obsID := observerID(t, s)
	sub, err := s.CreateSubmissionWithRecords(ctx, newSubmission(obsID, time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC), "h1"), records)
	require.NoError(t, err)

	failed, err := s.MarkFailed(ctx, 7, sub.ID, 200, "unit conversion failed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	at := time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC)
	n, err := s.MarkProcessed(ctx, 7, sub.ID, 100, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.MarkProcessed(ctx, 7, sub.ID, 100, at)
	require.NoError(t, err)
	assert.Zero(t, n)

	recs, err := s.ListRecords(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].IsProcessed)
	require.NotNil(t, recs[0].ProcessedAt)
	assert.True(t, recs[0].ProcessedAt.Equal(at))
	assert.False(t, recs[1].IsProcessed)
	assert.Equal(t, "unit conversion failed", recs[1].ErrorMessage)

	pending, err := s.ListUnprocessedRecords(ctx, 7, domain.Window{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(200), pending[0].ParameterID)
}

func TestMark_ScopedToStation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedStation(t, s, domain.DefaultFixedSlotLocal())
	require.NoError(t, s.UpsertStationLink(ctx,
		domain.StationLink{ID: 9, Name: "Eldoret", Timezone: "Africa/Nairobi", Enabled: true, Schedule: domain.DefaultFixedSlotLocal()},
		nil, nil))
	sub, err := s.CreateSubmissionWithRecords(ctx, newSubmission(observerID(t, s), time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC), "h1"), records)
	require.NoError(t, err)

	n, err := s.MarkProcessed(ctx, 9, sub.ID, 100, time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.MarkFailed(ctx, 9, sub.ID, 200, "wrong station")
	require.NoError(t, err)
	assert.Zero(t, n)

	recs, err := s.ListRecords(ctx, sub.ID)
	require.NoError(t, err)
	for _, r := range recs {
		assert.False(t, r.IsProcessed)
		assert.Empty(t, r.ErrorMessage)
	}
}

func TestService_ConcurrentDuplicateSubmissions(t *testing.T) {
	s := openStore(t)
	seedStation(t, s, domain.DefaultFixedSlotLocal())

	now := time.Date(2024, 5, 1, 3, 20, 0, 0, time.UTC)
	svc := ingest.NewService(
		ingest.NewValidator(s, s, schedule.NewEvaluator(true)),
		ingest.NewGate(s),
		clockwork.NewFakeClockAt(now),
		slogDiscard(),
		observability.NewMetricsForTesting(),
	)
	body := []byte(`{
		"station_link_id": 7,
		"submission_time": "2024-05-01T06:15:00+03:00",
		"observation_time": "2024-05-01T06:05:00+03:00",
		"records": [{"variable_mapping_id": 1, "value": 12.5}, {"variable_mapping_id": 2, "value": 21}]
	}`)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[int64]struct{}{}
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Submit(context.Background(), body, "u-1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !out.Replayed {
				created++
			}
			ids[out.Submission.ID] = struct{}{}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	rows, err := s.ListUnprocessedRecords(context.Background(), 7, domain.Window{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
