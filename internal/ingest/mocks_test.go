package ingest_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- directory ---

type memDirectory struct {
	stations  map[int64]*domain.StationLink
	mappings  map[int64][]domain.VariableMapping
	observers map[int64][]domain.Observer
	err       error
}

func (d *memDirectory) GetStationLink(_ context.Context, id int64) (*domain.StationLink, error) {
	if d.err != nil {
		return nil, d.err
	}
	s, ok := d.stations[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (d *memDirectory) GetVariableMappings(_ context.Context, stationLinkID int64) ([]domain.VariableMapping, error) {
	return d.mappings[stationLinkID], nil
}

func (d *memDirectory) GetObserver(_ context.Context, stationLinkID int64, userID string) (*domain.Observer, error) {
	for _, o := range d.observers[stationLinkID] {
		if o.UserID == userID {
			cp := o
			return &cp, nil
		}
	}
	return nil, nil
}

// --- store ---

// memStore enforces the same uniqueness rules as the SQL schema.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	submissions []domain.Submission
	records     map[int64][]domain.RecordInput
	createCalls int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[int64][]domain.RecordInput)}
}

func (s *memStore) FindSubmission(_ context.Context, observerID int64, observationTime time.Time, contentHash string) (*domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.submissions {
		if sub.ObserverID == observerID && sub.ObservationTime.Equal(observationTime) && sub.ContentHash == contentHash {
			cp := sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) SlotOccupied(_ context.Context, observerID int64, slotKey, excludeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.submissions {
		if sub.ObserverID == observerID && sub.SlotKey == slotKey && sub.ContentHash != excludeHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CreateSubmissionWithRecords(_ context.Context, sub domain.Submission, records []domain.RecordInput) (domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	for _, existing := range s.submissions {
		if existing.ObserverID != sub.ObserverID {
			continue
		}
		if existing.ObservationTime.Equal(sub.ObservationTime) && existing.ContentHash == sub.ContentHash {
			return domain.Submission{}, domain.ErrDuplicateSubmission
		}
		if sub.ExclusiveSlotKey != "" && existing.ExclusiveSlotKey == sub.ExclusiveSlotKey {
			return domain.Submission{}, domain.ErrSlotTaken
		}
	}
	s.nextID++
	sub.ID = s.nextID
	sub.CreatedAt = time.Now().UTC()
	s.submissions = append(s.submissions, sub)
	s.records[sub.ID] = append([]domain.RecordInput(nil), records...)
	return sub, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submissions)
}

// racingStore loses every insert: the first lookup misses, the insert
// conflicts, and later lookups see the winner when one is set.
type racingStore struct {
	mu        sync.Mutex
	createErr error
	winner    *domain.Submission
	finds     int
}

func (s *racingStore) FindSubmission(context.Context, int64, time.Time, string) (*domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.finds == 1 {
		return nil, nil
	}
	return s.winner, nil
}

func (s *racingStore) SlotOccupied(context.Context, int64, string, string) (bool, error) {
	return false, nil
}

func (s *racingStore) CreateSubmissionWithRecords(context.Context, domain.Submission, []domain.RecordInput) (domain.Submission, error) {
	return domain.Submission{}, s.createErr
}
