package memory

import (
	"context"
	"sort"
	"sync"

	"attendease/proximity/internal/model"
	"attendease/proximity/internal/storage"
)

type sessionStore struct {
	store map[string]model.Session
	sync.RWMutex
}

func newSessionStore() *sessionStore {
	return &sessionStore{store: make(map[string]model.Session)}
}

func (s *sessionStore) Create(_ context.Context, m *model.Session) error {
	s.Lock()
	defer s.Unlock()

	for _, existing := range s.store {
		if existing.CourseID == m.CourseID && existing.Status == model.SessionStatusActive {
			return storage.ErrConflict
		}
	}
	s.store[m.ID] = *m
	return nil
}

func (s *sessionStore) FindByID(_ context.Context, id string) (*model.Session, error) {
	s.RLock()
	defer s.RUnlock()
	if m, ok := s.store[id]; ok {
		return &m, nil
	}
	return nil, storage.ErrNotFound
}

func (s *sessionStore) FindActiveByCourse(_ context.Context, courseID string) (*model.Session, error) {
	s.RLock()
	defer s.RUnlock()
	for _, m := range s.store {
		if m.CourseID == courseID && m.Status == model.SessionStatusActive {
			session := m
			return &session, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *sessionStore) ListActive(_ context.Context) ([]model.Session, error) {
	s.RLock()
	defer s.RUnlock()
	var sessions []model.Session
	for _, m := range s.store {
		if m.Status == model.SessionStatusActive {
			sessions = append(sessions, m)
		}
	}
	sortByStartedAt(sessions)
	return sessions, nil
}

func (s *sessionStore) ListActiveByPresenter(_ context.Context, presenterID string) ([]model.Session, error) {
	s.RLock()
	defer s.RUnlock()
	var sessions []model.Session
	for _, m := range s.store {
		if m.Status == model.SessionStatusActive && m.PresenterID == presenterID {
			sessions = append(sessions, m)
		}
	}
	sortByStartedAt(sessions)
	return sessions, nil
}

func (s *sessionStore) ListByCourse(_ context.Context, courseID string) ([]model.Session, error) {
	s.RLock()
	defer s.RUnlock()
	var sessions []model.Session
	for _, m := range s.store {
		if m.CourseID == courseID {
			sessions = append(sessions, m)
		}
	}
	sortByStartedAt(sessions)
	return sessions, nil
}

func (s *sessionStore) Update(_ context.Context, m *model.Session) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.store[m.ID]; !ok {
		return storage.ErrNotFound
	}
	s.store[m.ID] = *m
	return nil
}

func sortByStartedAt(sessions []model.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
}
