package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"attendease/proximity/internal/model"
	"attendease/proximity/internal/storage"
)

type attendanceKey struct {
	sessionID     string
	participantID string
}

type attendanceStore struct {
	store map[attendanceKey]model.AttendanceRecord
	sync.RWMutex
}

func newAttendanceStore() *attendanceStore {
	return &attendanceStore{store: make(map[attendanceKey]model.AttendanceRecord)}
}

func (s *attendanceStore) Upsert(_ context.Context, m *model.AttendanceRecord) (*model.AttendanceRecord, error) {
	s.Lock()
	defer s.Unlock()

	key := attendanceKey{sessionID: m.SessionID, participantID: m.ParticipantID}
	record := *m
	if existing, ok := s.store[key]; ok {
		existing.MarkedAt = m.MarkedAt
		s.store[key] = existing
		return &existing, nil
	}
	if record.MarkedAt.IsZero() {
		record.MarkedAt = time.Now().UTC()
	}
	s.store[key] = record
	return &record, nil
}

func (s *attendanceStore) Find(_ context.Context, sessionID, participantID string) (*model.AttendanceRecord, error) {
	s.RLock()
	defer s.RUnlock()
	if m, ok := s.store[attendanceKey{sessionID: sessionID, participantID: participantID}]; ok {
		return &m, nil
	}
	return nil, storage.ErrNotFound
}

func (s *attendanceStore) ListBySession(_ context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	s.RLock()
	defer s.RUnlock()
	var records []model.AttendanceRecord
	for key, m := range s.store {
		if key.sessionID == sessionID {
			records = append(records, m)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].MarkedAt.After(records[j].MarkedAt)
	})
	return records, nil
}

func (s *attendanceStore) ListByParticipant(_ context.Context, participantID string) ([]model.AttendanceRecord, error) {
	s.RLock()
	defer s.RUnlock()
	var records []model.AttendanceRecord
	for key, m := range s.store {
		if key.participantID == participantID {
			records = append(records, m)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].MarkedAt.After(records[j].MarkedAt)
	})
	return records, nil
}

func (s *attendanceStore) CountBySession(_ context.Context, sessionID string) (int64, error) {
	s.RLock()
	defer s.RUnlock()
	var count int64
	for key := range s.store {
		if key.sessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (s *attendanceStore) CountBySessions(_ context.Context, sessionIDs []string) (map[string]int64, error) {
	s.RLock()
	defer s.RUnlock()
	counts := make(map[string]int64, len(sessionIDs))
	for _, id := range sessionIDs {
		counts[id] = 0
	}
	for key := range s.store {
		if _, ok := counts[key.sessionID]; ok {
			counts[key.sessionID]++
		}
	}
	return counts, nil
}

func (s *attendanceStore) Delete(_ context.Context, sessionID, participantID string) error {
	s.Lock()
	defer s.Unlock()
	key := attendanceKey{sessionID: sessionID, participantID: participantID}
	if _, ok := s.store[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.store, key)
	return nil
}

func (s *attendanceStore) HasRecord(_ context.Context, sessionID, participantID string) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.store[attendanceKey{sessionID: sessionID, participantID: participantID}]
	return ok, nil
}
