package creditkit

import "time"

// Metrics defines the interface for tracking ledger operations and
// performance.
type Metrics interface {
	// RecordLedgerWrite records a ledger mutation attempt.
	RecordLedgerWrite(key string, txType TxType, amount int64, success bool)

	// RecordBalanceCheck records the duration of a balance read.
	RecordBalanceCheck(key string, duration time.Duration)

	// RecordTransition records a classified subscription transition.
	RecordTransition(kind TransitionKind)

	// RecordOverageCharge records an overage charge request for a credit key.
	RecordOverageCharge(key string, credits int64)

	// RecordTopupSuppressed records a top-up retry blocked by the cooldown
	// policy.
	RecordTopupSuppressed(key string, declineType DeclineType)

	// RecordStorageOperation records the duration and status of a storage
	// operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordLedgerWrite(key string, txType TxType, amount int64, success bool)    {}
func (n *NoopMetrics) RecordBalanceCheck(key string, duration time.Duration)                      {}
func (n *NoopMetrics) RecordTransition(kind TransitionKind)                                       {}
func (n *NoopMetrics) RecordOverageCharge(key string, credits int64)                              {}
func (n *NoopMetrics) RecordTopupSuppressed(key string, declineType DeclineType)                  {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
