package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a Redis client for testing.
// Requires Redis running on localhost:6379.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	require.NoError(t, client.FlushDB(ctx).Err(), "flush test database")
	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err, "nil client must be rejected")

	log, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "creditkit:events:", log.config.KeyPrefix)
	assert.Equal(t, 72*time.Hour, log.config.TTL)
}

func TestEventLogSeenAndMark(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	log, err := New(client, DefaultConfig())
	require.NoError(t, err)

	seen, err := log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "unknown event reported as seen")

	require.NoError(t, log.MarkProcessed(ctx, "evt_1"))

	seen, err = log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen, "marked event not reported as seen")

	ttl, err := client.TTL(ctx, "creditkit:events:evt_1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 72*time.Hour)
}

func TestEventLogExpiry(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	log, err := New(client, Config{TTL: 50 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, log.MarkProcessed(ctx, "evt_1"))
	time.Sleep(100 * time.Millisecond)

	seen, err := log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "event still seen after TTL expiry")
}

func TestEventLogKeyPrefixIsolation(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	a, err := New(client, Config{KeyPrefix: "a:"})
	require.NoError(t, err)
	b, err := New(client, Config{KeyPrefix: "b:"})
	require.NoError(t, err)

	require.NoError(t, a.MarkProcessed(ctx, "evt_1"))

	seen, err := b.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "event leaked across key prefixes")
}
