package creditkit

import (
	"context"
	"fmt"
	"time"
)

// OverageCharger is the billing-portal collaborator that turns computed
// overage into an actual charge. Implementations own the remote call and its
// idempotency; the aggregator guarantees it hands off at most one charge
// request per (user, key, period).
type OverageCharger interface {
	ChargeOverage(ctx context.Context, userID, key string, credits, amount int64, period Period) error
}

// UsageAggregator accumulates metered usage into per-billing-period buckets
// and computes overage at period close.
type UsageAggregator struct {
	storage Store
	charger OverageCharger
	logger  Logger
	metrics Metrics
}

// UsageConfig holds the collaborators of a UsageAggregator.
type UsageConfig struct {
	Storage Store

	// Charger may be nil, which disables overage billing entirely
	Charger OverageCharger

	Logger  Logger
	Metrics Metrics
}

// NewUsageAggregator creates a usage aggregator.
func NewUsageAggregator(config UsageConfig) (*UsageAggregator, error) {
	if config.Storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &UsageAggregator{
		storage: config.Storage,
		charger: config.Charger,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// RecordUsage appends a usage event attributed to one billing period. A
// duplicate meter event id is a no-op.
func (u *UsageAggregator) RecordUsage(ctx context.Context, userID, key string, amount int64, period Period, meterEventID string) error {
	if userID == "" || key == "" {
		return fmt.Errorf("%w: user id and key are required", ErrValidation)
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if meterEventID == "" {
		return fmt.Errorf("%w: meter event id is required", ErrValidation)
	}

	return u.storage.InsertUsageEvent(ctx, &UsageEvent{
		UserID:       userID,
		Key:          key,
		Amount:       amount,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		MeterEventID: meterEventID,
		CreatedAt:    time.Now().UTC(),
	})
}

// PeriodTotal sums usage strictly within the half-open interval
// [period.Start, period.End).
func (u *UsageAggregator) PeriodTotal(ctx context.Context, userID, key string, period Period) (int64, error) {
	return u.storage.UsageTotal(ctx, userID, key, period)
}

// ClosePeriod computes overage for a billing period and requests at most one
// charge for it. cfg is the plan's credit config for the key; a zero
// PricePerCredit disables overage billing. Returns the number of overage
// credits a charge was requested for (0 when nothing was charged).
//
// The (user, key, period) claim is recorded durably before the collaborator
// is called, so a duplicate invoice event can never request a second charge.
func (u *UsageAggregator) ClosePeriod(ctx context.Context, userID, key string, cfg CreditConfig, period Period) (int64, error) {
	total, err := u.storage.UsageTotal(ctx, userID, key, period)
	if err != nil {
		return 0, fmt.Errorf("failed to total usage: %w", err)
	}

	overage := total - cfg.Allocation
	if overage <= 0 || cfg.PricePerCredit == 0 || u.charger == nil {
		return 0, nil
	}

	first, err := u.storage.MarkOverageCharged(ctx, userID, key, period)
	if err != nil {
		return 0, fmt.Errorf("failed to claim overage charge: %w", err)
	}
	if !first {
		// Duplicate invoice event - charge already requested.
		return 0, nil
	}

	amount := overage * cfg.PricePerCredit
	if err := u.charger.ChargeOverage(ctx, userID, key, overage, amount, period); err != nil {
		return 0, fmt.Errorf("failed to request overage charge: %w", err)
	}

	u.metrics.RecordOverageCharge(key, overage)
	u.logger.Info("overage charge requested",
		Field{Key: "user_id", Value: userID},
		Field{Key: "key", Value: key},
		Field{Key: "credits", Value: overage},
		Field{Key: "amount", Value: amount},
	)
	return overage, nil
}
