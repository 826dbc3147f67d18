package operations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"attendease/proximity/internal/model"
	"attendease/proximity/internal/registry"
	"attendease/proximity/internal/storage"
)

// SessionManager owns the attendance-session lifecycle. The only
// transition is active -> ended, triggered by an explicit end or by the
// lazy sweep; ending a session synchronously drops its token set so the
// registry never reports a token for an ended session as valid.
type SessionManager struct {
	store           storage.Interface
	registry        registry.Registry
	defaultDuration time.Duration
	now             func() time.Time
	log             *logrus.Entry
}

func NewSessionManager(store storage.Interface, reg registry.Registry, defaultDuration time.Duration) *SessionManager {
	return &SessionManager{
		store:           store,
		registry:        reg,
		defaultDuration: defaultDuration,
		now:             func() time.Time { return time.Now().UTC() },
		log:             logrus.WithField("component", "sessions"),
	}
}

// WithClock overrides the manager's clock. Tests only.
func (m *SessionManager) WithClock(now func() time.Time) *SessionManager {
	m.now = now
	return m
}

func (m *SessionManager) StartSession(ctx context.Context, courseID, presenterID string, duration time.Duration) (*model.Session, error) {
	if duration < 0 {
		return nil, &Error{Code: ErrInvalidDuration}
	}
	if duration == 0 {
		duration = m.defaultDuration
	}

	session := &model.Session{
		ID:              uuid.New().String(),
		CourseID:        courseID,
		PresenterID:     presenterID,
		Status:          model.SessionStatusActive,
		StartedAt:       m.now(),
		PlannedDuration: duration,
	}
	if err := m.store.Sessions().Create(ctx, session); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, &Error{Code: ErrSessionConflict}
		}
		return nil, &Error{Code: ErrServerError}
	}
	m.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"course_id":  courseID,
		"duration":   duration,
	}).Info("session started")
	return session, nil
}

func (m *SessionManager) EndSession(ctx context.Context, sessionID, presenterID string) (*model.Session, error) {
	session, err := m.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &Error{Code: ErrSessionNotFound}
		}
		return nil, &Error{Code: ErrServerError}
	}
	if session.PresenterID != presenterID || session.Status != model.SessionStatusActive {
		return nil, &Error{Code: ErrSessionNotFound}
	}
	return m.endSession(ctx, session, m.now())
}

// SweepExpired ends every active session whose planned window has
// elapsed. It runs opportunistically before active-session reads, so
// expiry is observed no later than the next read without a background
// scheduler. Calling it twice in a row is a no-op the second time.
func (m *SessionManager) SweepExpired(ctx context.Context) ([]model.Session, error) {
	active, err := m.store.Sessions().ListActive(ctx)
	if err != nil {
		return nil, &Error{Code: ErrServerError}
	}
	now := m.now()
	var ended []model.Session
	for i := range active {
		session := active[i]
		if !session.ExpiresAt().Before(now) {
			continue
		}
		closed, err := m.endSession(ctx, &session, now)
		if err != nil {
			m.log.WithField("session_id", session.ID).WithError(err).Warn("sweep failed to end session")
			continue
		}
		ended = append(ended, *closed)
	}
	if len(ended) > 0 {
		m.log.WithField("count", len(ended)).Info("sweep ended expired sessions")
	}
	return ended, nil
}

func (m *SessionManager) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := m.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &Error{Code: ErrSessionNotFound}
		}
		return nil, &Error{Code: ErrServerError}
	}
	return session, nil
}

// GetActiveSession returns the session only while it is active,
// re-checked against the store, never from a client cache.
func (m *SessionManager) GetActiveSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusActive {
		return nil, &Error{Code: ErrSessionNotActive}
	}
	return session, nil
}

func (m *SessionManager) ListActive(ctx context.Context) ([]model.Session, error) {
	sessions, err := m.store.Sessions().ListActive(ctx)
	if err != nil {
		return nil, &Error{Code: ErrServerError}
	}
	return sessions, nil
}

func (m *SessionManager) ListActiveByPresenter(ctx context.Context, presenterID string) ([]model.Session, error) {
	sessions, err := m.store.Sessions().ListActiveByPresenter(ctx, presenterID)
	if err != nil {
		return nil, &Error{Code: ErrServerError}
	}
	return sessions, nil
}

func (m *SessionManager) ListByCourse(ctx context.Context, courseID string) ([]model.Session, error) {
	sessions, err := m.store.Sessions().ListByCourse(ctx, courseID)
	if err != nil {
		return nil, &Error{Code: ErrServerError}
	}
	return sessions, nil
}

func (m *SessionManager) endSession(ctx context.Context, session *model.Session, now time.Time) (*model.Session, error) {
	endedAt := now
	actual := endedAt.Sub(session.StartedAt)
	if actual < 0 {
		actual = 0
	}
	session.Status = model.SessionStatusEnded
	session.EndedAt = &endedAt
	session.DurationActual = &actual

	if err := m.store.Sessions().Update(ctx, session); err != nil {
		return nil, &Error{Code: ErrServerError}
	}
	// Token drop is synchronous with the status transition: the registry,
	// not the device radio, is the authority a verifier trusts.
	if err := m.registry.DropSession(ctx, session.ID); err != nil {
		m.log.WithField("session_id", session.ID).WithError(err).Error("token drop failed")
		return nil, &Error{Code: ErrServerError}
	}
	m.log.WithFields(logrus.Fields{
		"session_id":      session.ID,
		"duration_actual": actual,
	}).Info("session ended")
	return session, nil
}
