package memory

import "attendease/proximity/internal/storage"

type store struct {
	sessions   *sessionStore
	attendance *attendanceStore
}

// NewStore returns a process-local storage backend. It is the default for
// tests and single-node development; nothing in it survives a restart.
func NewStore() storage.Interface {
	return &store{
		sessions:   newSessionStore(),
		attendance: newAttendanceStore(),
	}
}

func (s *store) Sessions() storage.SessionStore {
	return s.sessions
}

func (s *store) Attendance() storage.AttendanceStore {
	return s.attendance
}
