package operations

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"attendease/proximity/internal/model"
	"attendease/proximity/internal/storage"
)

// Recorder is the idempotent attendance writer. At most one record ever
// exists per (session, participant); a repeat mark refreshes marked_at
// and returns the existing record without surfacing an error.
type Recorder struct {
	store storage.Interface
	now   func() time.Time
	log   *logrus.Entry
}

func NewRecorder(store storage.Interface) *Recorder {
	return &Recorder{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logrus.WithField("component", "attendance"),
	}
}

func (r *Recorder) MarkAttendance(ctx context.Context, sessionID, participantID, method string) (*model.AttendanceRecord, error) {
	if method != model.MethodRadioMatch && method != model.MethodManual {
		return nil, &Error{Code: ErrInvalidToken}
	}
	session, err := r.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &Error{Code: ErrSessionNotFound}
		}
		return nil, &Error{Code: ErrServerError}
	}
	if session.Status != model.SessionStatusActive {
		return nil, &Error{Code: ErrSessionNotActive}
	}

	record, err := r.store.Attendance().Upsert(ctx, &model.AttendanceRecord{
		SessionID:     sessionID,
		ParticipantID: participantID,
		MarkedAt:      r.now(),
		Method:        method,
	})
	if err != nil {
		return nil, &Error{Code: ErrServerError}
	}
	r.log.WithFields(logrus.Fields{
		"session_id":     sessionID,
		"participant_id": participantID,
		"method":         record.Method,
	}).Info("attendance marked")
	return record, nil
}

func (r *Recorder) ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	records, err := r.store.Attendance().ListBySession(ctx, sessionID)
	if err != nil {
		return nil, &Error{Code: ErrServerError}
	}
	return records, nil
}

func (r *Recorder) ListByParticipant(ctx context.Context, participantID string) ([]model.AttendanceRecord, error) {
	records, err := r.store.Attendance().ListByParticipant(ctx, participantID)
	if err != nil {
		return nil, &Error{Code: ErrServerError}
	}
	return records, nil
}

func (r *Recorder) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	count, err := r.store.Attendance().CountBySession(ctx, sessionID)
	if err != nil {
		return 0, &Error{Code: ErrServerError}
	}
	return count, nil
}

// Remove deletes one record. This is an administrative action, not part
// of the verification protocol.
func (r *Recorder) Remove(ctx context.Context, sessionID, participantID string) error {
	if err := r.store.Attendance().Delete(ctx, sessionID, participantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Error{Code: ErrRecordNotFound}
		}
		return &Error{Code: ErrServerError}
	}
	return nil
}
