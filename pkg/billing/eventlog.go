package billing

import (
	"context"
	"sync"
	"time"
)

// EventLog records processor event ids that have been fully processed. The
// router consults it to short-circuit redeliveries; processing stays
// idempotent even without it, because every downstream write carries an
// idempotency key derived from the event id.
type EventLog interface {
	// Seen reports whether the event id was already marked processed.
	Seen(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records the event id after its effect committed.
	MarkProcessed(ctx context.Context, eventID string) error
}

// MemoryEventLog is an in-memory EventLog with TTL-based expiry, suitable for
// single-process deployments and tests.
type MemoryEventLog struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	writes int
}

// NewMemoryEventLog creates an in-memory event log. Entries expire after ttl
// (default: 72 hours, the processor's typical redelivery horizon).
func NewMemoryEventLog(ttl time.Duration) *MemoryEventLog {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &MemoryEventLog{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen implements EventLog.
func (l *MemoryEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.seen[eventID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(l.seen, eventID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements EventLog.
func (l *MemoryEventLog) MarkProcessed(ctx context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seen[eventID] = time.Now().Add(l.ttl)

	// Amortized sweep keeps the map from growing without bound.
	l.writes++
	if l.writes%1000 == 0 {
		now := time.Now()
		for id, expiry := range l.seen {
			if now.After(expiry) {
				delete(l.seen, id)
			}
		}
	}
	return nil
}
