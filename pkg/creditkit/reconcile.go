package creditkit

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// PlanChangePolicy controls how credit balances are reconciled when a
// subscription moves between prices.
type PlanChangePolicy string

const (
	// PlanChangeReset sets every credit key to the new plan's allocation
	PlanChangeReset PlanChangePolicy = "reset"
	// PlanChangeAdd grants the new plan's allocation on top of whatever
	// remains from the old plan
	PlanChangeAdd PlanChangePolicy = "add"
)

// Classify maps a subscription snapshot to a transition kind. prev is the
// locally stored row (nil when none exists); prevAttrs is the optional diff
// the processor delivered alongside the snapshot.
//
// The rules are evaluated in order: created, cancelled (with duplicate
// suppression), plan-changed, renewed, no-op. The function is pure and has no
// access to storage.
func Classify(prev *Subscription, curr *Subscription, prevAttrs *PreviousAttributes) Transition {
	// Duplicate-subscription cleanup must never look like a real transition.
	if curr.IsDuplicate() {
		return Transition{Kind: TransitionNoop}
	}

	if prev == nil && (curr.Status == StatusActive || curr.Status == StatusTrialing) {
		return Transition{Kind: TransitionCreated}
	}

	if curr.Status == StatusCanceled {
		return Transition{Kind: TransitionCancelled}
	}
	if prevAttrs != nil && prevAttrs.Status != nil && *prevAttrs.Status == StatusCanceled {
		// Resurrection out of canceled is not a transition we bill for.
		return Transition{Kind: TransitionNoop}
	}

	if prevAttrs != nil && prevAttrs.PriceID != nil && *prevAttrs.PriceID != curr.PriceID {
		return Transition{Kind: TransitionPlanChanged, OldPriceID: *prevAttrs.PriceID}
	}

	if periodAdvanced(prev, curr, prevAttrs) {
		return Transition{Kind: TransitionRenewed}
	}

	return Transition{Kind: TransitionNoop}
}

func periodAdvanced(prev *Subscription, curr *Subscription, prevAttrs *PreviousAttributes) bool {
	if prevAttrs != nil && prevAttrs.PeriodStart != nil && curr.PeriodStart.After(*prevAttrs.PeriodStart) {
		return true
	}
	if prev != nil && !prev.PeriodStart.IsZero() && curr.PeriodStart.After(prev.PeriodStart) {
		return true
	}
	return false
}

// Reconciler classifies inbound subscription snapshots and drives the
// ledger's allocation rules for each transition. It owns the stored
// subscription row; it never writes balances directly.
type Reconciler struct {
	storage Store
	ledger  *Ledger
	catalog *Catalog
	policy  PlanChangePolicy
	logger  Logger
	metrics Metrics
}

// ReconcilerConfig holds the collaborators of a Reconciler.
type ReconcilerConfig struct {
	Storage Store
	Ledger  *Ledger
	Catalog *Catalog

	// PlanChangePolicy defaults to PlanChangeReset
	PlanChangePolicy PlanChangePolicy

	Logger  Logger
	Metrics Metrics
}

// NewReconciler creates a subscription reconciler.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Storage == nil || config.Ledger == nil || config.Catalog == nil {
		return nil, fmt.Errorf("%w: storage, ledger and catalog are required", ErrValidation)
	}
	if config.PlanChangePolicy == "" {
		config.PlanChangePolicy = PlanChangeReset
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Reconciler{
		storage: config.Storage,
		ledger:  config.Ledger,
		catalog: config.Catalog,
		policy:  config.PlanChangePolicy,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Reconcile applies one subscription snapshot. eventID is the processor event
// identifier; every ledger write derives its idempotency key from
// (eventID, credit key), so redelivering the same event cannot double-grant.
// The durable state change commits before the caller is told which transition
// happened, which lets the caller fire notifications strictly after commit.
func (r *Reconciler) Reconcile(ctx context.Context, eventID string, curr *Subscription, prevAttrs *PreviousAttributes) (Transition, error) {
	if curr == nil || curr.ID == "" {
		return Transition{}, fmt.Errorf("%w: subscription snapshot is required", ErrValidation)
	}
	if eventID == "" {
		return Transition{}, fmt.Errorf("%w: event id is required", ErrValidation)
	}

	prev, err := r.storage.GetSubscription(ctx, curr.ID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return Transition{}, fmt.Errorf("failed to load subscription: %w", err)
	}

	transition := Classify(prev, curr, prevAttrs)
	r.metrics.RecordTransition(transition.Kind)

	switch transition.Kind {
	case TransitionCreated, TransitionRenewed:
		if err := r.allocate(ctx, eventID, curr, r.renewalMode); err != nil {
			return Transition{}, err
		}
	case TransitionPlanChanged:
		if err := r.allocate(ctx, eventID, curr, r.planChangeMode); err != nil {
			return Transition{}, err
		}
	case TransitionCancelled:
		// Credits already granted remain spendable until exhausted.
	case TransitionNoop:
	}

	if err := r.storage.PutSubscription(ctx, curr); err != nil {
		return Transition{}, fmt.Errorf("failed to store subscription: %w", err)
	}

	r.logger.Info("subscription reconciled",
		Field{Key: "subscription_id", Value: curr.ID},
		Field{Key: "transition", Value: string(transition.Kind)},
		Field{Key: "price_id", Value: curr.PriceID},
	)
	return transition, nil
}

// renewalMode picks the per-key grant mode for created/renewed transitions.
func (r *Reconciler) renewalMode(cfg CreditConfig) RenewalPolicy {
	if cfg.OnRenewal == RenewalAdd {
		return RenewalAdd
	}
	return RenewalReset
}

// planChangeMode picks the per-key grant mode for plan changes.
func (r *Reconciler) planChangeMode(CreditConfig) RenewalPolicy {
	if r.policy == PlanChangeAdd {
		return RenewalAdd
	}
	return RenewalReset
}

func (r *Reconciler) allocate(ctx context.Context, eventID string, sub *Subscription, mode func(CreditConfig) RenewalPolicy) error {
	plan, _, err := r.catalog.PlanForPrice(sub.PriceID)
	if err != nil {
		return err
	}

	userID, err := r.storage.UserForCustomer(ctx, sub.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to resolve user for customer %s: %w", sub.CustomerID, err)
	}

	keys := make([]string, 0, len(plan.Credits))
	for key := range plan.Credits {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		cfg := plan.Credits[key]
		idempotencyKey := eventID + ":" + key

		switch mode(cfg) {
		case RenewalAdd:
			if cfg.Allocation == 0 {
				continue
			}
			_, err = r.ledger.Grant(ctx, userID, key, cfg.Allocation, "subscription", sub.ID, idempotencyKey)
		default:
			_, err = r.ledger.SetBalance(ctx, userID, key, cfg.Allocation, "subscription", sub.ID, idempotencyKey)
		}
		if err != nil {
			return fmt.Errorf("failed to allocate %s: %w", key, err)
		}
	}
	return nil
}
