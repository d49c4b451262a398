package creditkit

import (
	"context"
	"fmt"
	"time"
)

// permanentDeclineCodes are processor decline codes that make automatic
// retries pointless for the payment method.
var permanentDeclineCodes = map[string]bool{
	"stolen_card":     true,
	"lost_card":       true,
	"pickup_card":     true,
	"fraudulent":      true,
	"expired_card":    true,
	"restricted_card": true,
}

// ClassifyDecline maps a processor decline code to a decline type. Unknown
// codes are treated as transient.
func ClassifyDecline(declineCode string) DeclineType {
	if permanentDeclineCodes[declineCode] {
		return DeclinePermanent
	}
	return DeclineTransient
}

// FailureTracker records top-up decline history and decides whether a retry
// is currently suppressed. The ledger never consults it; the caller of the
// top-up flow does.
type FailureTracker struct {
	storage      Store
	baseCooldown time.Duration
	maxCooldown  time.Duration
	now          func() time.Time
	logger       Logger
	metrics      Metrics
}

// TrackerConfig holds the cooldown policy of a FailureTracker.
type TrackerConfig struct {
	Storage Store

	// BaseCooldown is the delay after the first transient decline
	// (default: 1 hour). Each further decline doubles it.
	BaseCooldown time.Duration

	// MaxCooldown caps the exponential backoff (default: 7 days).
	MaxCooldown time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger  Logger
	Metrics Metrics
}

// NewFailureTracker creates a top-up failure tracker.
func NewFailureTracker(config TrackerConfig) (*FailureTracker, error) {
	if config.Storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.BaseCooldown <= 0 {
		config.BaseCooldown = time.Hour
	}
	if config.MaxCooldown <= 0 {
		config.MaxCooldown = 7 * 24 * time.Hour
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &FailureTracker{
		storage:      config.Storage,
		baseCooldown: config.BaseCooldown,
		maxCooldown:  config.MaxCooldown,
		now:          config.Now,
		logger:       config.Logger,
		metrics:      config.Metrics,
	}, nil
}

// RecordFailure increments the decline counter for (user, key, payment
// method). Permanent decline codes latch the row off immediately.
func (t *FailureTracker) RecordFailure(ctx context.Context, userID, key, paymentMethodID, declineCode string) (*TopupFailure, error) {
	if userID == "" || key == "" {
		return nil, fmt.Errorf("%w: user id and key are required", ErrValidation)
	}

	declineType := ClassifyDecline(declineCode)
	failure, err := t.storage.RecordTopupFailure(ctx, userID, key, paymentMethodID,
		declineType, declineCode, t.now(), declineType == DeclinePermanent)
	if err != nil {
		return nil, fmt.Errorf("failed to record top-up failure: %w", err)
	}

	t.logger.Warn("top-up declined",
		Field{Key: "user_id", Value: userID},
		Field{Key: "key", Value: key},
		Field{Key: "decline_code", Value: declineCode},
		Field{Key: "decline_type", Value: string(declineType)},
		Field{Key: "failure_count", Value: failure.FailureCount},
	)
	return failure, nil
}

// IsSuppressed reports whether an automatic top-up retry is currently blocked
// by the cooldown policy.
func (t *FailureTracker) IsSuppressed(ctx context.Context, userID, key, paymentMethodID string) (bool, error) {
	failure, err := t.storage.GetTopupFailure(ctx, userID, key, paymentMethodID)
	if err != nil {
		return false, fmt.Errorf("failed to get top-up failure: %w", err)
	}
	if failure == nil {
		return false, nil
	}

	if failure.Disabled {
		t.metrics.RecordTopupSuppressed(key, DeclinePermanent)
		return true, nil
	}

	if t.now().Before(failure.LastFailureAt.Add(t.Cooldown(failure.FailureCount))) {
		t.metrics.RecordTopupSuppressed(key, DeclineTransient)
		return true, nil
	}
	return false, nil
}

// ClearFailures resets the decline history after a successful top-up for the
// same key and payment method.
func (t *FailureTracker) ClearFailures(ctx context.Context, userID, key, paymentMethodID string) error {
	return t.storage.ClearTopupFailure(ctx, userID, key, paymentMethodID)
}

// Cooldown returns the retry delay after the given number of consecutive
// transient declines.
func (t *FailureTracker) Cooldown(failureCount int) time.Duration {
	if failureCount <= 0 {
		return 0
	}
	cooldown := t.baseCooldown
	for i := 1; i < failureCount; i++ {
		cooldown *= 2
		if cooldown >= t.maxCooldown {
			return t.maxCooldown
		}
	}
	if cooldown > t.maxCooldown {
		return t.maxCooldown
	}
	return cooldown
}
