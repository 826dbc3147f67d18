package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"attendease/proximity/internal/model"
	"attendease/proximity/internal/storage"
)

const sessionColumns = `id, course_id, presenter_id, status, started_at, planned_duration_seconds, ended_at, duration_actual_seconds`

type sessionStore struct {
	pool *pgxpool.Pool
}

func (s *sessionStore) Create(ctx context.Context, m *model.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.CourseID, m.PresenterID, string(m.Status), m.StartedAt, int64(m.PlannedDuration/time.Second), m.EndedAt, durationSecondsPtr(m.DurationActual))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrConflict
	}
	return err
}

func (s *sessionStore) FindByID(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE id = $1
	`, id)
	return scanSession(row)
}

func (s *sessionStore) FindActiveByCourse(ctx context.Context, courseID string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE course_id = $1 AND status = 'active'
	`, courseID)
	return scanSession(row)
}

func (s *sessionStore) ListActive(ctx context.Context) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE status = 'active'
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (s *sessionStore) ListActiveByPresenter(ctx context.Context, presenterID string) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE status = 'active' AND presenter_id = $1
		ORDER BY started_at DESC
	`, presenterID)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (s *sessionStore) ListByCourse(ctx context.Context, courseID string) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE course_id = $1
		ORDER BY started_at DESC
	`, courseID)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (s *sessionStore) Update(ctx context.Context, m *model.Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attendance_sessions
		SET status = $2, ended_at = $3, duration_actual_seconds = $4
		WHERE id = $1
	`, m.ID, string(m.Status), m.EndedAt, durationSecondsPtr(m.DurationActual))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var m model.Session
	var status string
	var plannedSeconds int64
	var actualSeconds *int64
	err := row.Scan(&m.ID, &m.CourseID, &m.PresenterID, &status, &m.StartedAt, &plannedSeconds, &m.EndedAt, &actualSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Status = model.SessionStatus(status)
	m.PlannedDuration = time.Duration(plannedSeconds) * time.Second
	if actualSeconds != nil {
		actual := time.Duration(*actualSeconds) * time.Second
		m.DurationActual = &actual
	}
	return &m, nil
}

func scanSessions(rows pgx.Rows) ([]model.Session, error) {
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		m, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *m)
	}
	return sessions, rows.Err()
}

func durationSecondsPtr(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	seconds := int64(*d / time.Second)
	return &seconds
}
