package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements SessionStore on a Redis hash per session. The hash
// write and the key TTL are issued inside one MULTI/EXEC transaction so a
// crash between them can never leave an un-expiring record.
type RedisStore struct {
	client redis.UniversalClient
}

// Ensure RedisStore implements SessionStore
var _ SessionStore = (*RedisStore)(nil)

// NewRedisStore creates a store backed by the given Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL parses a redis:// URL and verifies connectivity.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisStore(client), nil
}

// SaveSession implements SessionStore.SaveSession.
func (s *RedisStore) SaveSession(ctx context.Context, id string, rec SessionRecord, ttl time.Duration) error {
	fields := map[string]interface{}{
		"prompt":    rec.Prompt,
		"userId":    rec.UserID,
		"chatId":    rec.ChatID,
		"model":     rec.Model,
		"resumeUrl": rec.ResumeURL,
		"maxTokens": strconv.Itoa(rec.MaxTokens),
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, id, fields)
		pipe.Expire(ctx, id, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession implements SessionStore.GetSession.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	fields, err := s.client.HGetAll(ctx, id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if len(fields) == 0 {
		// HGETALL returns an empty map for both missing and expired keys
		return nil, ErrNotFound
	}

	maxTokens, _ := strconv.Atoi(fields["maxTokens"])

	return &SessionRecord{
		Prompt:    fields["prompt"],
		UserID:    fields["userId"],
		ChatID:    fields["chatId"],
		Model:     fields["model"],
		ResumeURL: fields["resumeUrl"],
		MaxTokens: maxTokens,
	}, nil
}

// DeleteSession implements SessionStore.DeleteSession.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	// DEL of an absent key returns 0, not an error
	if err := s.client.Del(ctx, id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close releases the underlying client's connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
