package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"attendease/proximity/internal/model"
	"attendease/proximity/internal/storage"
)

type attendanceStore struct {
	pool *pgxpool.Pool
}

func (s *attendanceStore) Upsert(ctx context.Context, m *model.AttendanceRecord) (*model.AttendanceRecord, error) {
	// A duplicate mark refreshes marked_at but keeps the original method,
	// so the row count per (session, participant) never exceeds one.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO attendance_records (session_id, participant_id, marked_at, method)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, participant_id)
		DO UPDATE SET marked_at = EXCLUDED.marked_at
		RETURNING session_id, participant_id, marked_at, method
	`, m.SessionID, m.ParticipantID, m.MarkedAt, m.Method)
	return scanRecord(row)
}

func (s *attendanceStore) Find(ctx context.Context, sessionID, participantID string) (*model.AttendanceRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, participant_id, marked_at, method
		FROM attendance_records
		WHERE session_id = $1 AND participant_id = $2
	`, sessionID, participantID)
	return scanRecord(row)
}

func (s *attendanceStore) ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, participant_id, marked_at, method
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY marked_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.AttendanceRecord
	for rows.Next() {
		m, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *m)
	}
	return records, rows.Err()
}

func (s *attendanceStore) ListByParticipant(ctx context.Context, participantID string) ([]model.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, participant_id, marked_at, method
		FROM attendance_records
		WHERE participant_id = $1
		ORDER BY marked_at DESC
	`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.AttendanceRecord
	for rows.Next() {
		m, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *m)
	}
	return records, rows.Err()
}

func (s *attendanceStore) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM attendance_records WHERE session_id = $1
	`, sessionID).Scan(&count)
	return count, err
}

func (s *attendanceStore) CountBySessions(ctx context.Context, sessionIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(sessionIDs))
	for _, id := range sessionIDs {
		counts[id] = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, COUNT(*)
		FROM attendance_records
		WHERE session_id = ANY($1)
		GROUP BY session_id
	`, sessionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

func (s *attendanceStore) Delete(ctx context.Context, sessionID, participantID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM attendance_records
		WHERE session_id = $1 AND participant_id = $2
	`, sessionID, participantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *attendanceStore) HasRecord(ctx context.Context, sessionID, participantID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_records WHERE session_id = $1 AND participant_id = $2
		)
	`, sessionID, participantID).Scan(&exists)
	return exists, err
}

func scanRecord(row rowScanner) (*model.AttendanceRecord, error) {
	var m model.AttendanceRecord
	err := row.Scan(&m.SessionID, &m.ParticipantID, &m.MarkedAt, &m.Method)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
