package creditkit

import (
	"time"
)

// RenewalPolicy controls what happens to a credit balance when a billing
// period renews.
type RenewalPolicy string

const (
	// RenewalReset sets the balance back to the plan allocation on renewal.
	RenewalReset RenewalPolicy = "reset"
	// RenewalAdd adds the plan allocation on top of the remaining balance.
	RenewalAdd RenewalPolicy = "add"
)

// Interval is the billing interval of a price.
type Interval string

const (
	// IntervalMonth is a monthly billing interval
	IntervalMonth Interval = "month"
	// IntervalYear is a yearly billing interval
	IntervalYear Interval = "year"
)

// CreditConfig defines how a plan provisions a single credit key.
type CreditConfig struct {
	// Allocation is the number of credits included per billing period
	Allocation int64

	// OnRenewal controls whether renewal resets or accumulates the balance
	OnRenewal RenewalPolicy

	// PricePerCredit is the overage price per credit in the smallest
	// currency unit (0 disables overage billing for this key)
	PricePerCredit int64

	// TrackUsage enables per-period usage aggregation for this key
	TrackUsage bool
}

// Price identifies one purchasable interval of a plan.
type Price struct {
	ID       string
	PlanID   string
	Interval Interval
	Amount   int64
	Currency string
}

// Plan is an immutable plan definition loaded at startup.
type Plan struct {
	ID   string
	Name string

	// Credits maps credit keys to their provisioning config
	Credits map[string]CreditConfig

	Prices []Price
}

// SubscriptionStatus is the processor-reported subscription status.
type SubscriptionStatus string

const (
	// StatusActive marks a paid, current subscription
	StatusActive SubscriptionStatus = "active"
	// StatusTrialing marks a subscription inside its trial window
	StatusTrialing SubscriptionStatus = "trialing"
	// StatusPastDue marks a subscription with a failed renewal payment
	StatusPastDue SubscriptionStatus = "past_due"
	// StatusCanceled marks a terminated subscription
	StatusCanceled SubscriptionStatus = "canceled"
)

// MetadataCancelledAsDuplicate marks a subscription that was cancelled as a
// processor-side duplicate. Its deletion must not be treated as a real
// cancellation.
const MetadataCancelledAsDuplicate = "cancelled_as_duplicate"

// Subscription is the locally stored snapshot of a processor subscription.
type Subscription struct {
	ID          string
	CustomerID  string
	Status      SubscriptionStatus
	PriceID     string
	Metadata    map[string]string
	PeriodStart time.Time
	PeriodEnd   time.Time
	UpdatedAt   time.Time
}

// IsDuplicate reports whether the subscription was cancelled as a
// processor-side duplicate.
func (s *Subscription) IsDuplicate() bool {
	return s.Metadata[MetadataCancelledAsDuplicate] == "true"
}

// PreviousAttributes carries the fields of a subscription snapshot that
// changed, as reported by the processor alongside an update event. Nil
// pointers mean "unchanged".
type PreviousAttributes struct {
	Status      *SubscriptionStatus
	PriceID     *string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// TransitionKind classifies the semantic meaning of a subscription snapshot
// relative to the locally stored state.
type TransitionKind string

const (
	// TransitionCreated is a newly observed subscription
	TransitionCreated TransitionKind = "created"
	// TransitionRenewed is a period rollover on an unchanged plan
	TransitionRenewed TransitionKind = "renewed"
	// TransitionPlanChanged is a move to a different price
	TransitionPlanChanged TransitionKind = "plan_changed"
	// TransitionCancelled is a real (non-duplicate) cancellation
	TransitionCancelled TransitionKind = "cancelled"
	// TransitionNoop is a delivery that requires no state change
	TransitionNoop TransitionKind = "noop"
)

// Transition is the result of classifying a subscription snapshot.
type Transition struct {
	Kind TransitionKind

	// OldPriceID is set for TransitionPlanChanged
	OldPriceID string
}

// TxType is the ledger transaction type.
type TxType string

const (
	// TxGrant is a plan allocation grant
	TxGrant TxType = "grant"
	// TxDebit is a consumption debit
	TxDebit TxType = "debit"
	// TxRefund is a compensating reversal of an earlier debit
	TxRefund TxType = "refund"
	// TxTopup is a one-off purchased credit grant
	TxTopup TxType = "topup"
	// TxOverage is an overage settlement entry
	TxOverage TxType = "overage"
)

// LedgerEntry is one immutable row of the append-only credit ledger.
type LedgerEntry struct {
	ID             int64
	UserID         string
	Key            string
	Amount         int64
	BalanceAfter   int64
	Type           TxType
	Source         string
	SourceID       string
	IdempotencyKey string
	CreatedAt      time.Time
}

// UsageEvent is a single metered usage report attributed to one billing
// period.
type UsageEvent struct {
	UserID       string
	Key          string
	Amount       int64
	PeriodStart  time.Time
	PeriodEnd    time.Time
	MeterEventID string
	CreatedAt    time.Time
}

// Period is a half-open billing period [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the half-open interval.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DeclineType classifies a payment decline for retry purposes.
type DeclineType string

const (
	// DeclinePermanent suppresses automatic retries forever
	DeclinePermanent DeclineType = "permanent"
	// DeclineTransient allows retry after a cooldown
	DeclineTransient DeclineType = "transient"
)

// TopupFailure is the decline history for one (user, key, payment method).
type TopupFailure struct {
	UserID          string
	Key             string
	PaymentMethodID string
	DeclineType     DeclineType
	DeclineCode     string
	FailureCount    int
	LastFailureAt   time.Time
	Disabled        bool
}
