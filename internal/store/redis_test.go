package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore connects to the Redis instance named by REDIS_ADDR, or
// skips the test. These are integration tests; the unit suite runs without
// a server via MemoryStore.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return NewRedisStore(client)
}

func TestRedisStore_SaveAndGet(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "id-1", testRecord(), time.Minute))

	got, err := s.GetSession(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, testRecord(), *got)
}

func TestRedisStore_GetMissing(t *testing.T) {
	s := newTestRedisStore(t)

	_, err := s.GetSession(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_TTLSetWithWrite(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "id-1", testRecord(), time.Minute))

	// The TTL must be present immediately after the save; the write and
	// expire are one transaction.
	ttl, err := s.client.TTL(ctx, "id-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisStore_DeleteIsIdempotent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "id-1", testRecord(), time.Minute))
	require.NoError(t, s.DeleteSession(ctx, "id-1"))
	assert.NoError(t, s.DeleteSession(ctx, "id-1"))

	_, err := s.GetSession(ctx, "id-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
