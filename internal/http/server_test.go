package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"attendease/proximity/internal/auth"
	"attendease/proximity/internal/config"
	"attendease/proximity/internal/operations"
	"attendease/proximity/internal/registry"
	"attendease/proximity/internal/storage/memory"
)

const testSecret = "test-secret"

type testEnv struct {
	server   *httptest.Server
	sessions *operations.SessionManager
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		JWTSecret:       testSecret,
		JWTIssuer:       "attendease-auth",
		TokenTTL:        20 * time.Second,
		SessionDuration: 2 * time.Minute,
	}
	store := memory.NewStore()
	reg := registry.NewMemory(cfg.TokenTTL)
	env := &testEnv{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	env.sessions = operations.NewSessionManager(store, reg, cfg.SessionDuration).
		WithClock(func() time.Time { return env.now })
	recorder := operations.NewRecorder(store)
	srv := NewServer(cfg, store, reg, env.sessions, recorder)
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) token(t *testing.T, userID, userType string) string {
	t.Helper()
	token, err := auth.NewToken([]byte(testSecret), "attendease-auth", userID, userType, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (e *testEnv) startSession(t *testing.T, presenter, course string) sessionResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/sessions/start", e.token(t, presenter, "presenter"),
		map[string]interface{}{"courseId": course})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session: got status %d", resp.StatusCode)
	}
	var session sessionResponse
	decodeBody(t, resp, &session)
	return session
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/sessions/active", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: got status %d, want 401", resp.StatusCode)
	}

	bad, err := auth.NewToken([]byte("wrong-secret"), "attendease-auth", "p1", "presenter", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	resp = env.do(t, http.MethodGet, "/sessions/active", bad, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: got status %d, want 401", resp.StatusCode)
	}
}

func TestStartSessionConflict(t *testing.T) {
	env := newTestEnv(t)
	env.startSession(t, "prof-1", "GO-101")

	resp := env.do(t, http.MethodPost, "/sessions/start", env.token(t, "prof-2", "presenter"),
		map[string]interface{}{"courseId": "GO-101"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second active session for course: got status %d, want 409", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] != "session_conflict" {
		t.Fatalf("got error %q, want session_conflict", body["error"])
	}
}

func TestStartSessionParticipantForbidden(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/sessions/start", env.token(t, "stud-1", "participant"),
		map[string]interface{}{"courseId": "GO-101"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("participant start: got status %d, want 403", resp.StatusCode)
	}
}

func TestTokenPushAndVerify(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")
	presenter := env.token(t, "prof-1", "presenter")
	participant := env.token(t, "stud-1", "participant")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/tokens", session.ID), presenter,
		map[string]interface{}{"value": "a1b2c3d4e5f60718"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("push token: got status %d, want 204", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/tokens/verify", session.ID), participant,
		map[string]interface{}{"value": "a1b2c3d4e5f60718"})
	var verdict map[string]bool
	decodeBody(t, resp, &verdict)
	if !verdict["valid"] {
		t.Fatal("fresh token should verify")
	}

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/tokens/verify", session.ID), participant,
		map[string]interface{}{"value": "0000000000000000"})
	decodeBody(t, resp, &verdict)
	if verdict["valid"] {
		t.Fatal("unknown token should not verify")
	}
}

func TestTokenPushForeignPresenterForbidden(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/tokens", session.ID),
		env.token(t, "prof-2", "presenter"),
		map[string]interface{}{"value": "a1b2c3d4e5f60718"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign presenter push: got status %d, want 403", resp.StatusCode)
	}
}

func TestVerifyFailsAfterSessionEnd(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")
	presenter := env.token(t, "prof-1", "presenter")
	participant := env.token(t, "stud-1", "participant")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/tokens", session.ID), presenter,
		map[string]interface{}{"value": "a1b2c3d4e5f60718"})
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/end", session.ID), presenter, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end session: got status %d", resp.StatusCode)
	}

	// Dropped on end: the token has TTL left but the session is closed.
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/tokens/verify", session.ID), participant,
		map[string]interface{}{"value": "a1b2c3d4e5f60718"})
	var verdict map[string]bool
	decodeBody(t, resp, &verdict)
	if verdict["valid"] {
		t.Fatal("token must not verify after the session ended")
	}
}

func TestMarkAttendanceIdempotent(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")
	presenter := env.token(t, "prof-1", "presenter")
	participant := env.token(t, "stud-1", "participant")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/tokens", session.ID), presenter,
		map[string]interface{}{"value": "a1b2c3d4e5f60718"})
	resp.Body.Close()

	mark := map[string]interface{}{"proof": "a1b2c3d4e5f60718", "method": "radio-match"}
	for i := 0; i < 2; i++ {
		resp = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", session.ID), participant, mark)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("mark %d: got status %d, want 200", i, resp.StatusCode)
		}
		var record attendanceResponse
		decodeBody(t, resp, &record)
		if record.Participant != "stud-1" || record.Method != "radio-match" {
			t.Fatalf("mark %d: unexpected record %+v", i, record)
		}
	}

	resp = env.do(t, http.MethodGet, "/sessions/"+session.ID, presenter, nil)
	var detail struct {
		Session            sessionResponse      `json:"session"`
		MarkedParticipants []attendanceResponse `json:"markedParticipants"`
	}
	decodeBody(t, resp, &detail)
	if len(detail.MarkedParticipants) != 1 {
		t.Fatalf("got %d records after double mark, want 1", len(detail.MarkedParticipants))
	}
	if detail.Session.MarkedCount != 1 {
		t.Fatalf("got markedCount %d, want 1", detail.Session.MarkedCount)
	}
}

func TestMarkAttendanceBadProof(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")
	participant := env.token(t, "stud-1", "participant")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", session.ID), participant,
		map[string]interface{}{"proof": "ffffffffffffffff", "method": "radio-match"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad proof: got status %d, want 403", resp.StatusCode)
	}
}

func TestManualMarkByPresenter(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")
	presenter := env.token(t, "prof-1", "presenter")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", session.ID), presenter,
		map[string]interface{}{"method": "manual", "participantId": "stud-7"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manual mark: got status %d, want 200", resp.StatusCode)
	}
	var record attendanceResponse
	decodeBody(t, resp, &record)
	if record.Participant != "stud-7" || record.Method != "manual" {
		t.Fatalf("unexpected record %+v", record)
	}

	// Manual marking is the presenter's override, not a participant verb.
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", session.ID),
		env.token(t, "stud-1", "participant"),
		map[string]interface{}{"method": "manual", "participantId": "stud-1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("participant manual mark: got status %d, want 403", resp.StatusCode)
	}
}

func TestRemoveAttendance(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")
	presenter := env.token(t, "prof-1", "presenter")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", session.ID), presenter,
		map[string]interface{}{"method": "manual", "participantId": "stud-7"})
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/sessions/%s/attendance/stud-7", session.ID), presenter, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove: got status %d, want 204", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/sessions/%s/attendance/stud-7", session.ID), presenter, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second remove: got status %d, want 404", resp.StatusCode)
	}
}

func TestActiveListSweepsExpired(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")
	participant := env.token(t, "stud-1", "participant")

	resp := env.do(t, http.MethodGet, "/sessions/active", participant, nil)
	var sessions []sessionResponse
	decodeBody(t, resp, &sessions)
	if len(sessions) != 1 || sessions[0].ID != session.ID {
		t.Fatalf("got %d active sessions, want the started one", len(sessions))
	}
	if sessions[0].AttendanceMarked == nil || *sessions[0].AttendanceMarked {
		t.Fatal("participant view should report attendanceMarked=false")
	}

	env.now = env.now.Add(3 * time.Minute)

	resp = env.do(t, http.MethodGet, "/sessions/active", participant, nil)
	decodeBody(t, resp, &sessions)
	if len(sessions) != 0 {
		t.Fatalf("got %d active sessions after expiry, want 0", len(sessions))
	}

	detail := env.do(t, http.MethodGet, "/sessions/"+session.ID, participant, nil)
	var body struct {
		Session sessionResponse `json:"session"`
	}
	decodeBody(t, detail, &body)
	if body.Session.Status != "ended" {
		t.Fatalf("got status %q after sweep, want ended", body.Session.Status)
	}
}

func TestPresenterActiveListScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	env.startSession(t, "prof-1", "GO-101")
	env.startSession(t, "prof-2", "GO-201")

	resp := env.do(t, http.MethodGet, "/sessions/active", env.token(t, "prof-1", "presenter"), nil)
	var sessions []sessionResponse
	decodeBody(t, resp, &sessions)
	if len(sessions) != 1 || sessions[0].Presenter != "prof-1" {
		t.Fatalf("presenter view: got %d sessions, want only prof-1's", len(sessions))
	}
}

func TestCourseHistory(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")
	presenter := env.token(t, "prof-1", "presenter")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", session.ID), presenter,
		map[string]interface{}{"method": "manual", "participantId": "stud-7"})
	resp.Body.Close()
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/end", session.ID), presenter, nil)
	resp.Body.Close()

	env.startSession(t, "prof-1", "GO-101")

	resp = env.do(t, http.MethodGet, "/sessions/course/GO-101/history", presenter, nil)
	var sessions []sessionResponse
	decodeBody(t, resp, &sessions)
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions in history, want 2", len(sessions))
	}
	var endedCount int64 = -1
	for _, s := range sessions {
		if s.Status == "ended" {
			endedCount = s.MarkedCount
		}
	}
	if endedCount != 1 {
		t.Fatalf("ended session markedCount = %d, want 1", endedCount)
	}
}

func TestParticipantCourseHistory(t *testing.T) {
	env := newTestEnv(t)
	presenter := env.token(t, "prof-1", "presenter")
	participant := env.token(t, "stud-1", "participant")

	first := env.startSession(t, "prof-1", "GO-101")
	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", first.ID), presenter,
		map[string]interface{}{"method": "manual", "participantId": "stud-1"})
	resp.Body.Close()
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/end", first.ID), presenter, nil)
	resp.Body.Close()

	env.now = env.now.Add(time.Minute)
	second := env.startSession(t, "prof-1", "GO-101")

	resp = env.do(t, http.MethodGet, "/sessions/course/GO-101/participant-history", participant, nil)
	var entries []struct {
		Session  sessionResponse `json:"session"`
		Attended bool            `json:"attended"`
		MarkedAt *int64          `json:"markedAt"`
		Method   string          `json:"method"`
	}
	decodeBody(t, resp, &entries)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, entry := range entries {
		switch entry.Session.ID {
		case first.ID:
			if !entry.Attended || entry.MarkedAt == nil || entry.Method != "manual" {
				t.Fatalf("attended session entry %+v lacks mark detail", entry)
			}
		case second.ID:
			if entry.Attended || entry.MarkedAt != nil {
				t.Fatalf("unattended session entry %+v reports a mark", entry)
			}
		default:
			t.Fatalf("unexpected session %s in history", entry.Session.ID)
		}
	}

	// The per-participant view is not a presenter verb.
	resp = env.do(t, http.MethodGet, "/sessions/course/GO-101/participant-history", presenter, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("presenter history: got status %d, want 403", resp.StatusCode)
	}
}

func TestParticipantStats(t *testing.T) {
	env := newTestEnv(t)
	presenter := env.token(t, "prof-1", "presenter")
	participant := env.token(t, "stud-1", "participant")

	// GO-101: attends the first of two ended sessions.
	for i, attend := range []bool{true, false} {
		session := env.startSession(t, "prof-1", "GO-101")
		if attend {
			resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", session.ID), presenter,
				map[string]interface{}{"method": "manual", "participantId": "stud-1"})
			resp.Body.Close()
		}
		resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/end", session.ID), presenter, nil)
		resp.Body.Close()
		env.now = env.now.Add(time.Duration(i+1) * time.Minute)
	}

	// GO-201: attended, but the session is still active, so it must not
	// count toward the totals yet.
	active := env.startSession(t, "prof-1", "GO-201")
	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", active.ID), presenter,
		map[string]interface{}{"method": "manual", "participantId": "stud-1"})
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/sessions/participant/stats", participant, nil)
	var stats []courseStatsResponse
	decodeBody(t, resp, &stats)
	if len(stats) != 2 {
		t.Fatalf("got %d courses, want 2", len(stats))
	}
	if stats[0].Course != "GO-101" || stats[1].Course != "GO-201" {
		t.Fatalf("got courses %q, %q", stats[0].Course, stats[1].Course)
	}
	if stats[0].TotalSessions != 2 || stats[0].AttendedSessions != 1 || stats[0].AttendancePercentage != 50 {
		t.Fatalf("GO-101 stats %+v, want 1 of 2 at 50%%", stats[0])
	}
	if stats[1].TotalSessions != 0 || stats[1].AttendedSessions != 0 || stats[1].AttendancePercentage != 0 {
		t.Fatalf("GO-201 stats %+v, want zeros while the session is active", stats[1])
	}

	resp = env.do(t, http.MethodGet, "/sessions/participant/stats?course=GO-101", participant, nil)
	decodeBody(t, resp, &stats)
	if len(stats) != 1 || stats[0].Course != "GO-101" {
		t.Fatalf("filtered stats %+v, want GO-101 only", stats)
	}

	resp = env.do(t, http.MethodGet, "/sessions/participant/stats", presenter, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("presenter stats: got status %d, want 403", resp.StatusCode)
	}
}

func TestMarkOnEndedSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	session := env.startSession(t, "prof-1", "GO-101")
	presenter := env.token(t, "prof-1", "presenter")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/end", session.ID), presenter, nil)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/attendance", session.ID), presenter,
		map[string]interface{}{"method": "manual", "participantId": "stud-7"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("mark on ended session: got status %d, want 409", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: got status %d", resp.StatusCode)
	}
}
