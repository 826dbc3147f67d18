package storage

import (
	"context"
	"time"

	"attendease/proximity/internal/model"
)

// Interface is implemented by the storage backends.
type Interface interface {
	Sessions() SessionStore
	Attendance() AttendanceStore
}

// SessionStore manages attendance sessions. Create enforces the
// single-active-session-per-course invariant atomically and returns
// ErrConflict when it is violated.
type SessionStore interface {
	Create(ctx context.Context, m *model.Session) error
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindActiveByCourse(ctx context.Context, courseID string) (*model.Session, error)
	ListActive(ctx context.Context) ([]model.Session, error)
	ListActiveByPresenter(ctx context.Context, presenterID string) ([]model.Session, error)
	ListByCourse(ctx context.Context, courseID string) ([]model.Session, error)
	Update(ctx context.Context, m *model.Session) error
}

// AttendanceStore manages durable attendance records. Upsert is the
// idempotent write: a second call for the same (session, participant)
// refreshes marked_at instead of creating a second row.
type AttendanceStore interface {
	Upsert(ctx context.Context, m *model.AttendanceRecord) (*model.AttendanceRecord, error)
	Find(ctx context.Context, sessionID, participantID string) (*model.AttendanceRecord, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error)
	ListByParticipant(ctx context.Context, participantID string) ([]model.AttendanceRecord, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
	CountBySessions(ctx context.Context, sessionIDs []string) (map[string]int64, error)
	Delete(ctx context.Context, sessionID, participantID string) error
	HasRecord(ctx context.Context, sessionID, participantID string) (bool, error)
}

// Clock lets tests control time-dependent store behavior.
type Clock func() time.Time
