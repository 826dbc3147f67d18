package registry

import (
	"context"
	"sync"
	"time"
)

type memoryRegistry struct {
	ttl    time.Duration
	mu     sync.Mutex
	tokens map[string][]Token
	// closed holds end-of-session tombstones so a PushToken racing
	// DropSession resolves to "dropped wins". Entries are pruned once
	// every token the session could have issued has expired anyway.
	closed map[string]time.Time
}

// NewMemory returns the default process-local registry. Pruning happens
// on access, so storage stays bounded to tokens issued within the last
// TTL window without a background timer.
func NewMemory(ttl time.Duration) Registry {
	return &memoryRegistry{
		ttl:    ttl,
		tokens: make(map[string][]Token),
		closed: make(map[string]time.Time),
	}
}

func (r *memoryRegistry) PushToken(_ context.Context, sessionID, value string, issuedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneClosedLocked(time.Now().UTC())
	if _, ok := r.closed[sessionID]; ok {
		return ErrSessionClosed
	}
	r.tokens[sessionID] = append(r.tokens[sessionID], Token{
		Value:     value,
		SessionID: sessionID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(r.ttl),
	})
	return nil
}

func (r *memoryRegistry) PruneAndListValid(_ context.Context, sessionID string, now time.Time) ([]Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked(sessionID, now), nil
}

func (r *memoryRegistry) IsValid(_ context.Context, sessionID, value string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, token := range r.pruneLocked(sessionID, now) {
		if token.Value == value {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRegistry) DropSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tokens, sessionID)
	r.closed[sessionID] = time.Now().UTC()
	return nil
}

func (r *memoryRegistry) pruneLocked(sessionID string, now time.Time) []Token {
	set := r.tokens[sessionID]
	valid := set[:0]
	for _, token := range set {
		if token.ExpiresAt.After(now) {
			valid = append(valid, token)
		}
	}
	if len(valid) == 0 {
		delete(r.tokens, sessionID)
		return nil
	}
	r.tokens[sessionID] = valid
	out := make([]Token, len(valid))
	copy(out, valid)
	return out
}

func (r *memoryRegistry) pruneClosedLocked(now time.Time) {
	for sessionID, closedAt := range r.closed {
		if now.Sub(closedAt) > r.ttl {
			delete(r.closed, sessionID)
		}
	}
}
