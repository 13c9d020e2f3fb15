package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() SessionRecord {
	return SessionRecord{
		Prompt:    "Hello",
		UserID:    "user-1",
		ChatID:    "chat-1",
		Model:     "gpt-4o-mini",
		ResumeURL: "https://n8n.example.com/webhook/resume",
		MaxTokens: 4096,
	}
}

func TestMemoryStore_SaveAndGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "id-1", testRecord(), time.Minute))

	got, err := s.GetSession(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, testRecord(), *got)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.GetSession(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "id-1", testRecord(), 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)

	_, err := s.GetSession(ctx, "id-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "id-1", testRecord(), time.Minute))
	require.NoError(t, s.DeleteSession(ctx, "id-1"))

	_, err := s.GetSession(ctx, "id-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an already-deleted key is a no-op, not an error.
	assert.NoError(t, s.DeleteSession(ctx, "id-1"))
	assert.NoError(t, s.DeleteSession(ctx, "never-existed"))
}

func TestMemoryStore_ReadAfterDeleteFails(t *testing.T) {
	// A second stream attempt after the first completed must not find the
	// record, even if the TTL has not elapsed.
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "id-1", testRecord(), time.Hour))

	got, err := s.GetSession(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Prompt)

	require.NoError(t, s.DeleteSession(ctx, "id-1"))

	_, err = s.GetSession(ctx, "id-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConcurrentSessions(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			id := string(rune('a' + n))
			rec := testRecord()
			rec.ChatID = id
			if err := s.SaveSession(ctx, id, rec, time.Minute); err != nil {
				t.Errorf("SaveSession(%s) error = %v", id, err)
				return
			}
			got, err := s.GetSession(ctx, id)
			if err != nil {
				t.Errorf("GetSession(%s) error = %v", id, err)
				return
			}
			if got.ChatID != id {
				t.Errorf("GetSession(%s).ChatID = %q", id, got.ChatID)
			}
			if err := s.DeleteSession(ctx, id); err != nil {
				t.Errorf("DeleteSession(%s) error = %v", id, err)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
