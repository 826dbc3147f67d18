package model

import "time"

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

type Session struct {
	ID              string
	CourseID        string
	PresenterID     string
	Status          SessionStatus
	StartedAt       time.Time
	PlannedDuration time.Duration
	EndedAt         *time.Time
	// DurationActual is recomputed when the session ends;
	// PlannedDuration keeps the original schedule.
	DurationActual *time.Duration
}

func (s Session) ExpiresAt() time.Time {
	return s.StartedAt.Add(s.PlannedDuration)
}

const (
	MethodRadioMatch = "radio-match"
	MethodManual     = "manual"
)

type AttendanceRecord struct {
	SessionID     string
	ParticipantID string
	MarkedAt      time.Time
	Method        string
}
