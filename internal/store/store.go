package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session record does not exist or its TTL
// has elapsed. Callers cannot distinguish the two cases; neither can Redis.
var ErrNotFound = errors.New("session not found")

// SessionRecord holds the job parameters handed off between the init call
// and the stream call. It lives in the store for at most the write TTL and
// is deleted by the relay when the stream ends.
type SessionRecord struct {
	Prompt    string
	UserID    string
	ChatID    string
	Model     string
	ResumeURL string
	MaxTokens int
}

// SessionStore is the keyed-expiry mailbox between the initiation and
// stream request lifecycles. Each key has exactly one legitimate writer
// (its own session), so implementations need no cross-key coordination.
type SessionStore interface {
	// SaveSession writes the record under id with the given TTL. The write
	// and the TTL must take effect atomically.
	SaveSession(ctx context.Context, id string, rec SessionRecord, ttl time.Duration) error

	// GetSession reads the record for id, returning ErrNotFound when the
	// key is absent or expired.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// DeleteSession removes the record. Deleting an absent key is a no-op.
	DeleteSession(ctx context.Context, id string) error
}
