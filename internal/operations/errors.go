package operations

const (
	ErrSessionConflict  = "session_conflict"
	ErrSessionNotFound  = "session_not_found"
	ErrSessionNotActive = "session_not_active"
	ErrInvalidDuration  = "invalid_duration"
	ErrInvalidToken     = "invalid_token"
	ErrRecordNotFound   = "record_not_found"
	ErrServerError      = "server_error"
)

type Error struct {
	Code string
}

func (e *Error) Error() string {
	return e.Code
}

// ErrorCode extracts the operation error code, or server_error for
// anything that is not an *Error.
func ErrorCode(err error) string {
	if opErr, ok := err.(*Error); ok {
		return opErr.Code
	}
	return ErrServerError
}
