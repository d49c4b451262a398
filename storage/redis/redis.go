// Package redis provides a Redis-backed billing.EventLog for webhook event
// dedupe across processes. It is deliberately not a creditkit.Store: Redis
// has no transactional ledger semantics worth pretending to, but it is the
// right home for the shared processed-event set.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis event log configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "creditkit:events:")
	KeyPrefix string

	// TTL is how long processed event ids are remembered (default: 72h,
	// the processor's redelivery horizon)
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "creditkit:events:",
		TTL:       72 * time.Hour,
	}
}

// EventLog implements billing.EventLog on Redis. Entries expire with the
// configured TTL, so the set stays bounded without sweeps.
type EventLog struct {
	client redis.UniversalClient
	config Config
}

// New creates a Redis event log.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*EventLog, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "creditkit:events:"
	}
	if config.TTL <= 0 {
		config.TTL = 72 * time.Hour
	}
	return &EventLog{
		client: client,
		config: config,
	}, nil
}

// Seen implements billing.EventLog.
func (l *EventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements billing.EventLog. SET NX keeps the first writer's
// TTL when two processes race on the same event.
func (l *EventLog) MarkProcessed(ctx context.Context, eventID string) error {
	if err := l.client.SetNX(ctx, l.key(eventID), 1, l.config.TTL).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (l *EventLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *EventLog) key(eventID string) string {
	return l.config.KeyPrefix + eventID
}
