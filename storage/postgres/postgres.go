// Package postgres provides a PostgreSQL implementation of the
// creditkit.Store interface. All ledger mutations run inside a transaction
// that locks the balance row with SELECT FOR UPDATE before inserting the
// ledger entry, so concurrent writes for the same (user, key) serialize. The
// unique constraint on credit_ledger.idempotency_key is the second line of
// defense: a writer losing the race reads back the committed balance instead
// of erroring.
//
// Expected schema (provisioning is the host's responsibility):
//
//	CREATE TABLE credit_balances (
//	    user_id    TEXT NOT NULL,
//	    key        TEXT NOT NULL,
//	    balance    BIGINT NOT NULL DEFAULT 0,
//	    currency   TEXT NOT NULL DEFAULT '',
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (user_id, key)
//	);
//	CREATE TABLE credit_ledger (
//	    id               BIGSERIAL PRIMARY KEY,
//	    user_id          TEXT NOT NULL,
//	    key              TEXT NOT NULL,
//	    amount           BIGINT NOT NULL,
//	    balance_after    BIGINT NOT NULL,
//	    transaction_type TEXT NOT NULL,
//	    source           TEXT NOT NULL DEFAULT '',
//	    source_id        TEXT NOT NULL DEFAULT '',
//	    idempotency_key  TEXT NOT NULL UNIQUE,
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE TABLE subscriptions (
//	    id           TEXT PRIMARY KEY,
//	    customer_id  TEXT NOT NULL,
//	    status       TEXT NOT NULL,
//	    price_id     TEXT NOT NULL,
//	    metadata     JSONB,
//	    period_start TIMESTAMPTZ,
//	    period_end   TIMESTAMPTZ,
//	    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE TABLE customer_map (
//	    user_id     TEXT PRIMARY KEY,
//	    customer_id TEXT NOT NULL UNIQUE
//	);
//	CREATE TABLE usage_events (
//	    id             BIGSERIAL PRIMARY KEY,
//	    user_id        TEXT NOT NULL,
//	    key            TEXT NOT NULL,
//	    amount         BIGINT NOT NULL,
//	    period_start   TIMESTAMPTZ NOT NULL,
//	    period_end     TIMESTAMPTZ NOT NULL,
//	    meter_event_id TEXT NOT NULL UNIQUE,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE TABLE overage_charges (
//	    user_id      TEXT NOT NULL,
//	    key          TEXT NOT NULL,
//	    period_start TIMESTAMPTZ NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (user_id, key, period_start)
//	);
//	CREATE TABLE topup_failures (
//	    user_id           TEXT NOT NULL,
//	    key               TEXT NOT NULL,
//	    payment_method_id TEXT NOT NULL DEFAULT '',
//	    decline_type      TEXT NOT NULL DEFAULT '',
//	    decline_code      TEXT NOT NULL DEFAULT '',
//	    failure_count     INT NOT NULL DEFAULT 0,
//	    last_failure_at   TIMESTAMPTZ,
//	    disabled          BOOLEAN NOT NULL DEFAULT FALSE,
//	    PRIMARY KEY (user_id, key, payment_method_id)
//	);
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

const uniqueViolation = "23505"

// Store implements creditkit.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ApplyEntry implements creditkit.Store.
func (s *Store) ApplyEntry(ctx context.Context, req *creditkit.EntryRequest) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Fast path: a retried write with the same key returns the prior result.
	if balance, ok, err := s.committedBalance(ctx, tx, req.IdempotencyKey); err != nil {
		return 0, err
	} else if ok {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return 0, fmt.Errorf("failed to commit: %w", commitErr)
		}
		return balance, nil
	}

	current, err := s.lockBalance(ctx, tx, req.UserID, req.Key)
	if err != nil {
		return 0, err
	}

	balance := current + req.Amount
	if balance < 0 {
		return current, creditkit.ErrInsufficientBalance
	}

	if err := s.writeEntry(ctx, tx, req, balance); err != nil {
		if errors.Is(err, creditkit.ErrIdempotencyKeyExists) {
			// Another worker applied the same event between our check and
			// our insert. Abandon this transaction and surface its result.
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				return 0, fmt.Errorf("failed to rollback: %w", rollbackErr)
			}
			return s.balanceAfter(ctx, req.IdempotencyKey)
		}
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return balance, nil
}

// SetBalance implements creditkit.Store.
func (s *Store) SetBalance(ctx context.Context, req *creditkit.SetBalanceRequest) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if balance, ok, err := s.committedBalance(ctx, tx, req.IdempotencyKey); err != nil {
		return 0, err
	} else if ok {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return 0, fmt.Errorf("failed to commit: %w", commitErr)
		}
		return balance, nil
	}

	current, err := s.lockBalance(ctx, tx, req.UserID, req.Key)
	if err != nil {
		return 0, err
	}

	entry := &creditkit.EntryRequest{
		UserID:         req.UserID,
		Key:            req.Key,
		Amount:         req.Value - current,
		Type:           req.Type,
		Source:         req.Source,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := s.writeEntry(ctx, tx, entry, req.Value); err != nil {
		if errors.Is(err, creditkit.ErrIdempotencyKeyExists) {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				return 0, fmt.Errorf("failed to rollback: %w", rollbackErr)
			}
			return s.balanceAfter(ctx, req.IdempotencyKey)
		}
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return req.Value, nil
}

// committedBalance returns the balance recorded for an idempotency key, if
// the entry already exists.
func (s *Store) committedBalance(ctx context.Context, tx pgx.Tx, idempotencyKey string) (int64, bool, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance_after FROM credit_ledger WHERE idempotency_key = $1`,
		idempotencyKey).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return balance, true, nil
}

// lockBalance ensures the balance row exists and locks it for the remainder
// of the transaction.
func (s *Store) lockBalance(ctx context.Context, tx pgx.Tx, userID, key string) (int64, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_balances (user_id, key, balance, updated_at)
			VALUES ($1, $2, 0, NOW())
			ON CONFLICT (user_id, key) DO NOTHING`,
		userID, key)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure balance row exists: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_balances
			WHERE user_id = $1 AND key = $2
			FOR UPDATE`,
		userID, key).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to lock balance row: %w", err)
	}
	return balance, nil
}

func (s *Store) writeEntry(ctx context.Context, tx pgx.Tx, req *creditkit.EntryRequest, balance int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE credit_balances SET balance = $1, updated_at = NOW()
			WHERE user_id = $2 AND key = $3`,
		balance, req.UserID, req.Key)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_ledger
			(user_id, key, amount, balance_after, transaction_type, source, source_id, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.UserID, req.Key, req.Amount, balance, string(req.Type),
		req.Source, req.SourceID, req.IdempotencyKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return creditkit.ErrIdempotencyKeyExists
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// balanceAfter reads the committed balance for an idempotency key outside any
// transaction.
func (s *Store) balanceAfter(ctx context.Context, idempotencyKey string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance_after FROM credit_ledger WHERE idempotency_key = $1`,
		idempotencyKey).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read committed entry: %w", err)
	}
	return balance, nil
}

// GetBalance implements creditkit.Store.
func (s *Store) GetBalance(ctx context.Context, userID, key string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1 AND key = $2`,
		userID, key).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, nil // No ledger history yet
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Entries implements creditkit.Store.
func (s *Store) Entries(ctx context.Context, userID, key string, limit int) ([]creditkit.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, key, amount, balance_after, transaction_type,
				source, source_id, idempotency_key, created_at
			FROM credit_ledger
			WHERE user_id = $1 AND key = $2
			ORDER BY id DESC
			LIMIT $3`,
		userID, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []creditkit.LedgerEntry
	for rows.Next() {
		var e creditkit.LedgerEntry
		var txType string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Key, &e.Amount, &e.BalanceAfter,
			&txType, &e.Source, &e.SourceID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Type = creditkit.TxType(txType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSubscription implements creditkit.Store.
func (s *Store) GetSubscription(ctx context.Context, id string) (*creditkit.Subscription, error) {
	var sub creditkit.Subscription
	var metadataJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, customer_id, status, price_id, metadata, period_start, period_end, updated_at
			FROM subscriptions WHERE id = $1`,
		id).Scan(&sub.ID, &sub.CustomerID, &sub.Status, &sub.PriceID,
		&metadataJSON, &sub.PeriodStart, &sub.PeriodEnd, &sub.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, creditkit.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sub.Metadata); err != nil {
			sub.Metadata = nil
		}
	}
	return &sub, nil
}

// PutSubscription implements creditkit.Store.
func (s *Store) PutSubscription(ctx context.Context, sub *creditkit.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("%w: subscription id is required", creditkit.ErrValidation)
	}

	var metadataVal interface{}
	if len(sub.Metadata) > 0 {
		metadataJSON, err := json.Marshal(sub.Metadata)
		if err == nil {
			metadataVal = string(metadataJSON)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, customer_id, status, price_id, metadata, period_start, period_end, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				status = EXCLUDED.status,
				price_id = EXCLUDED.price_id,
				metadata = EXCLUDED.metadata,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				updated_at = NOW()`,
		sub.ID, sub.CustomerID, string(sub.Status), sub.PriceID,
		metadataVal, sub.PeriodStart, sub.PeriodEnd)
	if err != nil {
		return fmt.Errorf("failed to put subscription: %w", err)
	}
	return nil
}

// MapUserCustomer implements creditkit.Store.
func (s *Store) MapUserCustomer(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("%w: user id and customer id are required", creditkit.ErrValidation)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO customer_map (user_id, customer_id)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET customer_id = EXCLUDED.customer_id`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to map user to customer: %w", err)
	}
	return nil
}

// UserForCustomer implements creditkit.Store.
func (s *Store) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM customer_map WHERE customer_id = $1`,
		customerID).Scan(&userID)
	if err == pgx.ErrNoRows {
		return "", creditkit.ErrUserMappingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, nil
}

// CustomerForUser implements creditkit.Store.
func (s *Store) CustomerForUser(ctx context.Context, userID string) (string, error) {
	var customerID string
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id FROM customer_map WHERE user_id = $1`,
		userID).Scan(&customerID)
	if err == pgx.ErrNoRows {
		return "", creditkit.ErrUserMappingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve user: %w", err)
	}
	return customerID, nil
}

// InsertUsageEvent implements creditkit.Store.
func (s *Store) InsertUsageEvent(ctx context.Context, ev *creditkit.UsageEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (user_id, key, amount, period_start, period_end, meter_event_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (meter_event_id) DO NOTHING`,
		ev.UserID, ev.Key, ev.Amount, ev.PeriodStart, ev.PeriodEnd, ev.MeterEventID)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// UsageTotal implements creditkit.Store.
func (s *Store) UsageTotal(ctx context.Context, userID, key string, period creditkit.Period) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM usage_events
			WHERE user_id = $1 AND key = $2
				AND period_start >= $3 AND period_start < $4`,
		userID, key, period.Start, period.End).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to total usage: %w", err)
	}
	return total, nil
}

// MarkOverageCharged implements creditkit.Store.
func (s *Store) MarkOverageCharged(ctx context.Context, userID, key string, period creditkit.Period) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO overage_charges (user_id, key, period_start)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, key, period_start) DO NOTHING`,
		userID, key, period.Start)
	if err != nil {
		return false, fmt.Errorf("failed to claim overage charge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordTopupFailure implements creditkit.Store.
func (s *Store) RecordTopupFailure(ctx context.Context, userID, key, paymentMethodID string,
	declineType creditkit.DeclineType, declineCode string, at time.Time, disable bool) (*creditkit.TopupFailure, error) {
	var f creditkit.TopupFailure
	var dtype string

	err := s.pool.QueryRow(ctx,
		`INSERT INTO topup_failures
			(user_id, key, payment_method_id, decline_type, decline_code, failure_count, last_failure_at, disabled)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
			ON CONFLICT (user_id, key, payment_method_id) DO UPDATE SET
				failure_count = topup_failures.failure_count + 1,
				decline_type = EXCLUDED.decline_type,
				decline_code = EXCLUDED.decline_code,
				last_failure_at = EXCLUDED.last_failure_at,
				disabled = topup_failures.disabled OR EXCLUDED.disabled
			RETURNING user_id, key, payment_method_id, decline_type, decline_code,
				failure_count, last_failure_at, disabled`,
		userID, key, paymentMethodID, string(declineType), declineCode, at, disable).
		Scan(&f.UserID, &f.Key, &f.PaymentMethodID, &dtype, &f.DeclineCode,
			&f.FailureCount, &f.LastFailureAt, &f.Disabled)
	if err != nil {
		return nil, fmt.Errorf("failed to record top-up failure: %w", err)
	}
	f.DeclineType = creditkit.DeclineType(dtype)
	return &f, nil
}

// GetTopupFailure implements creditkit.Store.
func (s *Store) GetTopupFailure(ctx context.Context, userID, key, paymentMethodID string) (*creditkit.TopupFailure, error) {
	var f creditkit.TopupFailure
	var dtype string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, key, payment_method_id, decline_type, decline_code,
				failure_count, last_failure_at, disabled
			FROM topup_failures
			WHERE user_id = $1 AND key = $2 AND payment_method_id = $3`,
		userID, key, paymentMethodID).
		Scan(&f.UserID, &f.Key, &f.PaymentMethodID, &dtype, &f.DeclineCode,
			&f.FailureCount, &f.LastFailureAt, &f.Disabled)
	if err == pgx.ErrNoRows {
		return nil, nil // No failure history is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get top-up failure: %w", err)
	}
	f.DeclineType = creditkit.DeclineType(dtype)
	return &f, nil
}

// ClearTopupFailure implements creditkit.Store.
func (s *Store) ClearTopupFailure(ctx context.Context, userID, key, paymentMethodID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM topup_failures
			WHERE user_id = $1 AND key = $2 AND payment_method_id = $3`,
		userID, key, paymentMethodID)
	if err != nil {
		return fmt.Errorf("failed to clear top-up failures: %w", err)
	}
	return nil
}
