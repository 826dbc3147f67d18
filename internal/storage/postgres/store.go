package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"attendease/proximity/internal/storage"
)

type store struct {
	sessions   *sessionStore
	attendance *attendanceStore
}

func NewStore(pool *pgxpool.Pool) storage.Interface {
	return &store{
		sessions:   &sessionStore{pool: pool},
		attendance: &attendanceStore{pool: pool},
	}
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *store) Sessions() storage.SessionStore {
	return s.sessions
}

func (s *store) Attendance() storage.AttendanceStore {
	return s.attendance
}

// Migrate applies the schema. The partial unique index on
// (course_id) WHERE status = 'active' is what makes SessionStore.Create
// atomic under concurrent start requests.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS attendance_sessions (
			id UUID PRIMARY KEY,
			course_id TEXT NOT NULL,
			presenter_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			planned_duration_seconds BIGINT NOT NULL,
			ended_at TIMESTAMPTZ,
			duration_actual_seconds BIGINT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS attendance_sessions_one_active_per_course
			ON attendance_sessions (course_id) WHERE status = 'active'`,
		`CREATE TABLE IF NOT EXISTS attendance_records (
			session_id UUID NOT NULL REFERENCES attendance_sessions (id),
			participant_id TEXT NOT NULL,
			marked_at TIMESTAMPTZ NOT NULL,
			method TEXT NOT NULL,
			PRIMARY KEY (session_id, participant_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
