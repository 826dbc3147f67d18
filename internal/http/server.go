package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendease/proximity/internal/auth"
	"attendease/proximity/internal/config"
	"attendease/proximity/internal/model"
	"attendease/proximity/internal/operations"
	"attendease/proximity/internal/registry"
	"attendease/proximity/internal/storage"
)

const (
	userTypePresenter   = "presenter"
	userTypeParticipant = "participant"
)

type Server struct {
	cfg      config.Config
	store    storage.Interface
	registry registry.Registry
	sessions *operations.SessionManager
	recorder *operations.Recorder
}

func NewServer(cfg config.Config, store storage.Interface, reg registry.Registry, sessions *operations.SessionManager, recorder *operations.Recorder) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		registry: reg,
		sessions: sessions,
		recorder: recorder,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware).Post("/sessions/start", s.handleStartSession)
	r.With(s.authMiddleware).Get("/sessions/active", s.handleListActiveSessions)
	r.With(s.authMiddleware).Get("/sessions/participant/stats", s.handleParticipantStats)
	r.With(s.authMiddleware).Get("/sessions/course/{courseId}/history", s.handleCourseHistory)
	r.With(s.authMiddleware).Get("/sessions/course/{courseId}/participant-history", s.handleParticipantCourseHistory)
	r.With(s.authMiddleware).Get("/sessions/{sessionId}", s.handleGetSession)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/end", s.handleEndSession)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/tokens", s.handlePushToken)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/tokens/verify", s.handleVerifyToken)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/attendance", s.handleMarkAttendance)
	r.With(s.authMiddleware).Delete("/sessions/{sessionId}/attendance/{participantId}", s.handleRemoveAttendance)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Models

type sessionResponse struct {
	ID                    string `json:"id"`
	Course                string `json:"course"`
	Presenter             string `json:"presenter"`
	Status                string `json:"status"`
	StartedAt             int64  `json:"startedAt"`
	DurationMinutes       int64  `json:"durationMinutes"`
	EndedAt               *int64 `json:"endedAt,omitempty"`
	DurationActualMinutes *int64 `json:"durationActualMinutes,omitempty"`
	MarkedCount           int64  `json:"markedCount"`
	AttendanceMarked      *bool  `json:"attendanceMarked,omitempty"`
}

type attendanceResponse struct {
	Session     string `json:"session"`
	Participant string `json:"participant"`
	MarkedAt    int64  `json:"markedAt"`
	Method      string `json:"method"`
}

type participantHistoryEntry struct {
	Session  sessionResponse `json:"session"`
	Attended bool            `json:"attended"`
	MarkedAt *int64          `json:"markedAt,omitempty"`
	Method   string          `json:"method,omitempty"`
}

type courseStatsResponse struct {
	Course               string  `json:"course"`
	TotalSessions        int64   `json:"totalSessions"`
	AttendedSessions     int64   `json:"attendedSessions"`
	AttendancePercentage float64 `json:"attendancePercentage"`
}

type startSessionRequest struct {
	CourseID        string `json:"courseId"`
	DurationMinutes int64  `json:"durationMinutes"`
}

type pushTokenRequest struct {
	Value    string `json:"value"`
	IssuedAt int64  `json:"issuedAt"`
}

type verifyTokenRequest struct {
	Value string `json:"value"`
}

type markAttendanceRequest struct {
	Proof         string `json:"proof"`
	Method        string `json:"method"`
	ParticipantID string `json:"participantId"`
}

// Handlers

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != userTypePresenter {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.CourseID == "" {
		writeError(w, http.StatusBadRequest, "missing_course")
		return
	}
	if req.DurationMinutes < 0 {
		writeError(w, http.StatusBadRequest, "invalid_duration")
		return
	}

	session, err := s.sessions.StartSession(r.Context(), req.CourseID, claims.UserID, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapSession(*session, 0, nil))
}

func (s *Server) handleListActiveSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	// Lazy expiry: any session whose planned window elapsed is closed
	// before this read observes it.
	if _, err := s.sessions.SweepExpired(r.Context()); err != nil {
		writeOperationError(w, err)
		return
	}

	var sessions []model.Session
	var err error
	if claims.UserType == userTypePresenter {
		sessions, err = s.sessions.ListActiveByPresenter(r.Context(), claims.UserID)
	} else {
		sessions, err = s.sessions.ListActive(r.Context())
	}
	if err != nil {
		writeOperationError(w, err)
		return
	}

	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	counts, err := s.store.Attendance().CountBySessions(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		var marked *bool
		if claims.UserType == userTypeParticipant {
			has, err := s.store.Attendance().HasRecord(r.Context(), session.ID, claims.UserID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "server_error")
				return
			}
			marked = &has
		}
		resp = append(resp, mapSession(session, counts[session.ID], marked))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	session, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	count, err := s.recorder.CountBySession(r.Context(), session.ID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	records, err := s.recorder.ListBySession(r.Context(), session.ID)
	if err != nil {
		writeOperationError(w, err)
		return
	}

	marked := make([]attendanceResponse, 0, len(records))
	for _, record := range records {
		marked = append(marked, mapRecord(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":            mapSession(*session, count, nil),
		"markedParticipants": marked,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != userTypePresenter {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	session, err := s.sessions.EndSession(r.Context(), sessionID, claims.UserID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	count, err := s.recorder.CountBySession(r.Context(), session.ID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSession(*session, count, nil))
}

func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != userTypePresenter {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	var req pushTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "missing_value")
		return
	}

	session, err := s.sessions.GetActiveSession(r.Context(), sessionID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	if session.PresenterID != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	issuedAt := time.Now().UTC()
	if req.IssuedAt > 0 {
		issuedAt = time.Unix(req.IssuedAt, 0).UTC()
	}
	if err := s.registry.PushToken(r.Context(), sessionID, req.Value, issuedAt); err != nil {
		if err == registry.ErrSessionClosed {
			writeError(w, http.StatusConflict, "session_not_active")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	// Amortized cleanup on every push keeps the token set bounded to one
	// TTL window.
	if _, err := s.registry.PruneAndListValid(r.Context(), sessionID, issuedAt); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	tokensPushed.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	var req verifyTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "missing_value")
		return
	}

	valid, err := s.verifyToken(r.Context(), sessionID, req.Value)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) handleMarkAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	var req markAttendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Method == "" {
		req.Method = model.MethodRadioMatch
	}

	var participantID string
	switch req.Method {
	case model.MethodRadioMatch:
		if claims.UserType != userTypeParticipant {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if req.Proof == "" {
			writeError(w, http.StatusBadRequest, "missing_proof")
			return
		}
		valid, err := s.verifyToken(r.Context(), sessionID, req.Proof)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		if !valid {
			writeError(w, http.StatusForbidden, "invalid_proof")
			return
		}
		participantID = claims.UserID
	case model.MethodManual:
		// Presenter override for a participant whose device cannot scan.
		if claims.UserType != userTypePresenter {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if req.ParticipantID == "" {
			writeError(w, http.StatusBadRequest, "missing_participant")
			return
		}
		session, err := s.sessions.GetActiveSession(r.Context(), sessionID)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		if session.PresenterID != claims.UserID {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		participantID = req.ParticipantID
	default:
		writeError(w, http.StatusBadRequest, "invalid_method")
		return
	}

	record, err := s.recorder.MarkAttendance(r.Context(), sessionID, participantID, req.Method)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	attendanceMarks.WithLabelValues(record.Method).Inc()
	writeJSON(w, http.StatusOK, mapRecord(*record))
}

func (s *Server) handleRemoveAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != userTypePresenter {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	participantID := chi.URLParam(r, "participantId")
	session, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	if session.PresenterID != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := s.recorder.Remove(r.Context(), sessionID, participantID); err != nil {
		writeOperationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCourseHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	courseID := chi.URLParam(r, "courseId")
	sessions, err := s.sessions.ListByCourse(r.Context(), courseID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	counts, err := s.store.Attendance().CountBySessions(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		var marked *bool
		if claims.UserType == userTypeParticipant {
			has, err := s.store.Attendance().HasRecord(r.Context(), session.ID, claims.UserID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "server_error")
				return
			}
			marked = &has
		}
		resp = append(resp, mapSession(session, counts[session.ID], marked))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleParticipantCourseHistory is the participant's view of one
// course: every session, with the caller's own mark where it exists.
func (s *Server) handleParticipantCourseHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != userTypeParticipant {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	courseID := chi.URLParam(r, "courseId")
	sessions, err := s.sessions.ListByCourse(r.Context(), courseID)
	if err != nil {
		writeOperationError(w, err)
		return
	}

	entries := make([]participantHistoryEntry, 0, len(sessions))
	for _, session := range sessions {
		entry := participantHistoryEntry{Session: mapSession(session, 0, nil)}
		record, err := s.store.Attendance().Find(r.Context(), session.ID, claims.UserID)
		switch {
		case err == nil:
			markedAt := record.MarkedAt.Unix()
			entry.Attended = true
			entry.MarkedAt = &markedAt
			entry.Method = record.Method
		case errors.Is(err, storage.ErrNotFound):
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleParticipantStats aggregates the caller's attendance per course.
// Only ended sessions count toward the totals, so an in-progress session
// never dilutes the percentage. Courses the caller never attended in are
// not listed; course IDs are opaque here, there is no catalog to walk.
func (s *Server) handleParticipantStats(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != userTypeParticipant {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	records, err := s.recorder.ListByParticipant(r.Context(), claims.UserID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	marked := make(map[string]bool, len(records))
	for _, record := range records {
		marked[record.SessionID] = true
	}

	courseFilter := r.URL.Query().Get("course")
	courses := make(map[string]bool)
	for _, record := range records {
		session, err := s.sessions.GetSession(r.Context(), record.SessionID)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		if courseFilter != "" && session.CourseID != courseFilter {
			continue
		}
		courses[session.CourseID] = true
	}

	courseIDs := make([]string, 0, len(courses))
	for courseID := range courses {
		courseIDs = append(courseIDs, courseID)
	}
	sort.Strings(courseIDs)

	stats := make([]courseStatsResponse, 0, len(courseIDs))
	for _, courseID := range courseIDs {
		sessions, err := s.sessions.ListByCourse(r.Context(), courseID)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		var total, attended int64
		for _, session := range sessions {
			if session.Status != model.SessionStatusEnded {
				continue
			}
			total++
			if marked[session.ID] {
				attended++
			}
		}
		var percentage float64
		if total > 0 {
			percentage = math.Round(float64(attended)/float64(total)*10000) / 100
		}
		stats = append(stats, courseStatsResponse{
			Course:               courseID,
			TotalSessions:        total,
			AttendedSessions:     attended,
			AttendancePercentage: percentage,
		})
	}
	writeJSON(w, http.StatusOK, stats)
}

// verifyToken re-checks the session server-side and consults the
// registry; it never trusts a client-cached view of either.
func (s *Server) verifyToken(ctx context.Context, sessionID, value string) (bool, error) {
	if _, err := s.sessions.GetActiveSession(ctx, sessionID); err != nil {
		if operations.ErrorCode(err) == operations.ErrSessionNotActive {
			tokenVerifications.WithLabelValues("session_ended").Inc()
			return false, nil
		}
		return false, err
	}
	valid, err := s.registry.IsValid(ctx, sessionID, value, time.Now().UTC())
	if err != nil {
		return false, &operations.Error{Code: operations.ErrServerError}
	}
	if valid {
		tokenVerifications.WithLabelValues("valid").Inc()
	} else {
		tokenVerifications.WithLabelValues("invalid").Inc()
	}
	return valid, nil
}

// Mapping helpers

func mapSession(session model.Session, markedCount int64, attendanceMarked *bool) sessionResponse {
	resp := sessionResponse{
		ID:               session.ID,
		Course:           session.CourseID,
		Presenter:        session.PresenterID,
		Status:           string(session.Status),
		StartedAt:        session.StartedAt.Unix(),
		DurationMinutes:  int64(session.PlannedDuration / time.Minute),
		MarkedCount:      markedCount,
		AttendanceMarked: attendanceMarked,
	}
	if session.EndedAt != nil {
		endedAt := session.EndedAt.Unix()
		resp.EndedAt = &endedAt
	}
	if session.DurationActual != nil {
		// Ceil to whole minutes, matching how presenters read it.
		actual := int64((*session.DurationActual + time.Minute - 1) / time.Minute)
		resp.DurationActualMinutes = &actual
	}
	return resp
}

func mapRecord(record model.AttendanceRecord) attendanceResponse {
	return attendanceResponse{
		Session:     record.SessionID,
		Participant: record.ParticipantID,
		MarkedAt:    record.MarkedAt.Unix(),
		Method:      record.Method,
	}
}

// Utilities

func writeOperationError(w http.ResponseWriter, err error) {
	code := operations.ErrorCode(err)
	switch code {
	case operations.ErrSessionConflict:
		writeError(w, http.StatusConflict, code)
	case operations.ErrSessionNotFound, operations.ErrRecordNotFound:
		writeError(w, http.StatusNotFound, code)
	case operations.ErrSessionNotActive:
		writeError(w, http.StatusConflict, code)
	case operations.ErrInvalidDuration, operations.ErrInvalidToken:
		writeError(w, http.StatusBadRequest, code)
	default:
		writeError(w, http.StatusInternalServerError, code)
	}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) {
		return ""
	}
	if header[:len(prefix)] != prefix && header[:len(prefix)] != "bearer " {
		return ""
	}
	return header[len(prefix):]
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
