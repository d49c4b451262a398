package creditkit

import (
	"context"
	"time"
)

// EntryRequest describes one signed ledger mutation.
type EntryRequest struct {
	UserID string
	Key    string

	// Amount is the signed credit delta (positive for grants and top-ups,
	// negative for debits)
	Amount int64

	Type     TxType
	Source   string
	SourceID string

	// IdempotencyKey must be globally unique per logical economic event.
	// A replayed request with the same key is a no-op that returns the
	// previously committed balance.
	IdempotencyKey string
}

// SetBalanceRequest describes an absolute balance write. The store computes
// the signed delta against the live balance inside the same transaction.
type SetBalanceRequest struct {
	UserID         string
	Key            string
	Value          int64
	Type           TxType
	Source         string
	SourceID       string
	IdempotencyKey string
}

// Store defines the persistence interface for the credit ledger engine.
// All methods use concrete types from this package to avoid import cycles.
//
// Implementations must guarantee that mutations for a given (user, key)
// serialize (row-level locking or an equivalent atomic update), that the
// idempotency key is unique, and that a writer losing an idempotency race
// returns the already-committed balance instead of an error.
type Store interface {
	// ApplyEntry atomically inserts a ledger entry and updates the balance
	// projection. Returns the balance after the entry. A negative amount
	// that would take the balance below zero fails with
	// ErrInsufficientBalance and leaves the balance unchanged.
	ApplyEntry(ctx context.Context, req *EntryRequest) (int64, error)

	// SetBalance writes an absolute balance value as a delta entry computed
	// inside the transaction. Returns the balance after the write.
	SetBalance(ctx context.Context, req *SetBalanceRequest) (int64, error)

	// GetBalance reads the materialized balance projection. A user/key with
	// no ledger history has balance 0.
	GetBalance(ctx context.Context, userID, key string) (int64, error)

	// Entries returns the most recent ledger entries for a user/key, newest
	// first, up to limit.
	Entries(ctx context.Context, userID, key string, limit int) ([]LedgerEntry, error)

	// GetSubscription retrieves a stored subscription snapshot.
	// Returns ErrSubscriptionNotFound when no row exists.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// PutSubscription upserts a subscription snapshot.
	PutSubscription(ctx context.Context, sub *Subscription) error

	// MapUserCustomer records the one-to-one user to processor-customer
	// mapping. Re-mapping the same pair is a no-op.
	MapUserCustomer(ctx context.Context, userID, customerID string) error

	// UserForCustomer resolves a processor customer id to a user id.
	// Returns ErrUserMappingNotFound when unmapped.
	UserForCustomer(ctx context.Context, customerID string) (string, error)

	// CustomerForUser resolves a user id to a processor customer id.
	// Returns ErrUserMappingNotFound when unmapped.
	CustomerForUser(ctx context.Context, userID string) (string, error)

	// InsertUsageEvent appends a usage event. A duplicate MeterEventID is a
	// no-op.
	InsertUsageEvent(ctx context.Context, ev *UsageEvent) error

	// UsageTotal sums usage amounts strictly within [period.Start, period.End).
	UsageTotal(ctx context.Context, userID, key string, period Period) (int64, error)

	// MarkOverageCharged records that the overage charge for (user, key,
	// period) was requested. Returns false if it was already recorded.
	MarkOverageCharged(ctx context.Context, userID, key string, period Period) (bool, error)

	// RecordTopupFailure increments the failure counter for (user, key,
	// payment method), creating the row if absent, and returns the updated
	// row. disable=true latches the row off permanently.
	RecordTopupFailure(ctx context.Context, userID, key, paymentMethodID string,
		declineType DeclineType, declineCode string, at time.Time, disable bool) (*TopupFailure, error)

	// GetTopupFailure returns the failure row, or nil when none exists.
	GetTopupFailure(ctx context.Context, userID, key, paymentMethodID string) (*TopupFailure, error)

	// ClearTopupFailure deletes the failure row after a successful top-up.
	ClearTopupFailure(ctx context.Context, userID, key, paymentMethodID string) error
}
