package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Token is one short-lived proof value pushed by the presenter's
// broadcaster. Validity is owned here, never by the device radio state.
type Token struct {
	Value     string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

var ErrSessionClosed = errors.New("session_closed")

// Registry is the server-side ephemeral store of currently-valid tokens
// per session. Implementations are rebuildable from nothing: a restart
// only makes tokens unverifiable until the broadcaster's next rotation.
type Registry interface {
	PushToken(ctx context.Context, sessionID, value string, issuedAt time.Time) error
	PruneAndListValid(ctx context.Context, sessionID string, now time.Time) ([]Token, error)
	IsValid(ctx context.Context, sessionID, value string, now time.Time) (bool, error)
	DropSession(ctx context.Context, sessionID string) error
}

// NewTokenValue mints a broadcast token: the first 16 hex characters of
// SHA-256(sessionID||unix-millis||nonce). Short enough for an
// advertisement payload, wide enough that in-room guessing within one
// TTL window is impractical.
func NewTokenValue(sessionID string, now time.Time) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	data := fmt.Sprintf("%s-%d-%x", sessionID, now.UnixMilli(), nonce)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:16], nil
}
