package creditkit

import (
	"context"
	"fmt"
	"time"
)

// Ledger is the credit ledger engine. It validates ledger commands and drives
// the Store, which provides atomicity and idempotency. The ledger itself is
// retry-agnostic: callers decide whether and when to retry.
type Ledger struct {
	storage Store
	logger  Logger
	metrics Metrics
}

// LedgerConfig holds optional collaborators for the ledger engine.
type LedgerConfig struct {
	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics
}

// NewLedger creates a ledger engine on top of the given store.
func NewLedger(storage Store, config LedgerConfig) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Ledger{
		storage: storage,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Grant adds credits to a balance. Replaying the same idempotency key returns
// the previously committed balance without re-applying the amount.
func (l *Ledger) Grant(ctx context.Context, userID, key string, amount int64, source, sourceID, idempotencyKey string) (int64, error) {
	return l.apply(ctx, &EntryRequest{
		UserID:         userID,
		Key:            key,
		Amount:         amount,
		Type:           TxGrant,
		Source:         source,
		SourceID:       sourceID,
		IdempotencyKey: idempotencyKey,
	})
}

// TopUp adds purchased credits to a balance.
func (l *Ledger) TopUp(ctx context.Context, userID, key string, amount int64, source, sourceID, idempotencyKey string) (int64, error) {
	return l.apply(ctx, &EntryRequest{
		UserID:         userID,
		Key:            key,
		Amount:         amount,
		Type:           TxTopup,
		Source:         source,
		SourceID:       sourceID,
		IdempotencyKey: idempotencyKey,
	})
}

// Refund returns previously debited credits as a new compensating entry.
// Committed entries are never mutated or deleted.
func (l *Ledger) Refund(ctx context.Context, userID, key string, amount int64, source, sourceID, idempotencyKey string) (int64, error) {
	return l.apply(ctx, &EntryRequest{
		UserID:         userID,
		Key:            key,
		Amount:         amount,
		Type:           TxRefund,
		Source:         source,
		SourceID:       sourceID,
		IdempotencyKey: idempotencyKey,
	})
}

// Debit consumes credits. Fails with ErrInsufficientBalance when the amount
// exceeds the current balance; the check and the balance update happen in one
// store transaction, so two concurrent debits for the same key serialize.
func (l *Ledger) Debit(ctx context.Context, userID, key string, amount int64, source, sourceID, idempotencyKey string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := l.apply(ctx, &EntryRequest{
		UserID:         userID,
		Key:            key,
		Amount:         -amount,
		Type:           TxDebit,
		Source:         source,
		SourceID:       sourceID,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// SetBalance writes an absolute balance value, used for renewal resets. The
// store computes the signed delta against the live balance inside the same
// transaction.
func (l *Ledger) SetBalance(ctx context.Context, userID, key string, value int64, source, sourceID, idempotencyKey string) (int64, error) {
	if err := validateIdentity(userID, key, idempotencyKey); err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, ErrInvalidAmount
	}

	start := time.Now()
	balance, err := l.storage.SetBalance(ctx, &SetBalanceRequest{
		UserID:         userID,
		Key:            key,
		Value:          value,
		Type:           TxGrant,
		Source:         source,
		SourceID:       sourceID,
		IdempotencyKey: idempotencyKey,
	})
	l.metrics.RecordStorageOperation("set_balance", time.Since(start), err)
	l.metrics.RecordLedgerWrite(key, TxGrant, value, err == nil)
	if err != nil {
		return 0, fmt.Errorf("failed to set balance: %w", err)
	}

	l.logger.Debug("balance set",
		Field{Key: "user_id", Value: userID},
		Field{Key: "key", Value: key},
		Field{Key: "balance", Value: balance},
	)
	return balance, nil
}

// GetBalance reads the materialized balance projection. It reflects all
// committed ledger entries; a user/key with no history has balance 0.
func (l *Ledger) GetBalance(ctx context.Context, userID, key string) (int64, error) {
	if userID == "" || key == "" {
		return 0, fmt.Errorf("%w: user id and key are required", ErrValidation)
	}
	start := time.Now()
	balance, err := l.storage.GetBalance(ctx, userID, key)
	l.metrics.RecordBalanceCheck(key, time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Entries returns the most recent ledger entries for a user/key, newest first.
func (l *Ledger) Entries(ctx context.Context, userID, key string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.storage.Entries(ctx, userID, key, limit)
}

func (l *Ledger) apply(ctx context.Context, req *EntryRequest) (int64, error) {
	if err := validateIdentity(req.UserID, req.Key, req.IdempotencyKey); err != nil {
		return 0, err
	}
	if req.Amount == 0 {
		return 0, ErrInvalidAmount
	}
	if req.Amount < 0 && req.Type != TxDebit {
		return 0, ErrInvalidAmount
	}

	start := time.Now()
	balance, err := l.storage.ApplyEntry(ctx, req)
	l.metrics.RecordStorageOperation("apply_entry", time.Since(start), err)
	l.metrics.RecordLedgerWrite(req.Key, req.Type, req.Amount, err == nil)
	if err != nil {
		if err == ErrInsufficientBalance {
			return 0, err
		}
		return 0, fmt.Errorf("failed to apply %s: %w", req.Type, err)
	}

	l.logger.Debug("ledger entry applied",
		Field{Key: "user_id", Value: req.UserID},
		Field{Key: "key", Value: req.Key},
		Field{Key: "type", Value: string(req.Type)},
		Field{Key: "amount", Value: req.Amount},
		Field{Key: "balance", Value: balance},
	)
	return balance, nil
}

func validateIdentity(userID, key, idempotencyKey string) error {
	if userID == "" || key == "" {
		return fmt.Errorf("%w: user id and key are required", ErrValidation)
	}
	if idempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	return nil
}
