// Package client is the HTTP API client used by the presenter and
// participant device agents. It satisfies the broadcaster's token sink
// and the scanner's token verifier, so the agents never talk to the
// registry directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Session struct {
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

type AttendanceRecord struct {
	Session     string `json:"session"`
	Participant string `json:"participant"`
	MarkedAt    int64  `json:"markedAt"`
	Method      string `json:"method"`
}

// APIError carries the server's error code alongside the HTTP status.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Code)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, bearerToken string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   bearerToken,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) StartSession(ctx context.Context, courseID string, durationMinutes int64) (*Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/sessions/start", map[string]interface{}{
		"courseId":        courseID,
		"durationMinutes": durationMinutes,
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/end", nil, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) ActiveSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/sessions/active", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// PushToken satisfies the broadcaster's token sink.
func (c *Client) PushToken(ctx context.Context, sessionID, value string, issuedAt time.Time) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/tokens", map[string]interface{}{
		"value":    value,
		"issuedAt": issuedAt.Unix(),
	}, nil)
}

// VerifyToken satisfies the scanner's token verifier.
func (c *Client) VerifyToken(ctx context.Context, sessionID, value string) (bool, error) {
	var verdict struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/tokens/verify", map[string]interface{}{
		"value": value,
	}, &verdict)
	if err != nil {
		return false, err
	}
	return verdict.Valid, nil
}

func (c *Client) MarkAttendance(ctx context.Context, sessionID, proof string) (*AttendanceRecord, error) {
	var record AttendanceRecord
	err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/attendance", map[string]interface{}{
		"proof":  proof,
		"method": "radio-match",
	}, &record)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = "server_error"
		}
		return &APIError{Status: resp.StatusCode, Code: payload.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
