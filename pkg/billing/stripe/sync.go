package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/creditkit/creditkit/pkg/billing"
	"github.com/creditkit/creditkit/pkg/creditkit"
)

// syncUserFromAPI reconciles a user's subscription state from the Stripe API.
// It feeds live snapshots through the same reconciler the webhook path uses,
// with deterministic event ids so repeated syncs within one billing period
// cannot double-grant.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (string, error) {
	startTime := time.Now()
	if p.stripeClient == nil {
		p.metrics.RecordUserSync(providerName, "error")
		return "", fmt.Errorf("%w: stripe API key not configured", billing.ErrProviderNotConfigured)
	}

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return "", err
	}

	priceID, err := p.syncCustomer(ctx, customerID, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return "", err
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.logger.Debug("user sync complete",
		creditkit.Field{Key: "user_id", Value: userID},
		creditkit.Field{Key: "price_id", Value: priceID},
		creditkit.Field{Key: "duration_ms", Value: time.Since(startTime).Milliseconds()})
	return priceID, nil
}

// resolveCustomerID finds the processor customer for a user: app-provided
// resolver first, then the stored mapping, then the Stripe Search API as the
// slow path.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
		if err != nil {
			p.logger.Warn("customer id resolver failed, falling back",
				creditkit.Field{Key: "user_id", Value: userID},
				creditkit.Field{Key: "error", Value: err.Error()})
		}
	}

	customerID, err := p.storage.CustomerForUser(ctx, userID)
	if err == nil {
		return customerID, nil
	}
	if !errors.Is(err, creditkit.ErrUserMappingNotFound) {
		return "", fmt.Errorf("failed to resolve customer for %s: %w", userID, err)
	}

	// SLOW PATH: Stripe Search API (O(N), ~500ms, eventually consistent)
	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
	customerID, err = p.searchCustomerByMetadata(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := p.storage.MapUserCustomer(ctx, userID, customerID); err != nil {
		p.logger.Warn("failed to persist customer mapping",
			creditkit.Field{Key: "user_id", Value: userID},
			creditkit.Field{Key: "error", Value: err.Error()})
	}
	return customerID, nil
}

// searchCustomerByMetadata searches for a customer by metadata using the
// Stripe Search API.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Verify exact match (Search API can return partial matches)
		if cust.Metadata != nil && cust.Metadata[metadataUserID] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrCustomerNotFound
}

// syncCustomer lists the customer's active subscriptions and reconciles the
// most recently created one. When none exists but a live local snapshot does,
// the snapshot is reconciled to canceled.
func (p *Provider) syncCustomer(ctx context.Context, customerID, userID string) (string, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(string(creditkit.StatusActive))

	var newest *stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return "", fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if newest == nil || sub.Created > newest.Created {
			newest = sub
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")

	if newest == nil {
		// No active subscription on the processor side. Cancellation of a
		// live local snapshot arrives through its own deletion event.
		return "", nil
	}

	snapshot := snapshotFromAPI(newest, customerID)
	if snapshot.PriceID == "" {
		return "", fmt.Errorf("subscription %s has no price", newest.ID)
	}

	if err := p.storage.MapUserCustomer(ctx, userID, customerID); err != nil {
		return "", fmt.Errorf("failed to map user %s to customer %s: %w", userID, customerID, err)
	}

	// Deterministic per period: re-running the sync replays the same
	// ledger idempotency keys.
	eventID := fmt.Sprintf("sync:%s:%d", snapshot.ID, snapshot.PeriodStart.Unix())
	transition, err := p.reconciler.Reconcile(ctx, eventID, snapshot, nil)
	if err != nil {
		return "", fmt.Errorf("failed to reconcile synced subscription %s: %w", snapshot.ID, err)
	}
	if p.callbacks != nil && transition.Kind != creditkit.TransitionNoop {
		p.callbacks.Notify(transition, snapshot)
		p.metrics.RecordCallback(providerName, string(transition.Kind))
	}
	return snapshot.PriceID, nil
}

// snapshotFromAPI converts an API subscription to the local snapshot shape.
// Period fields live on subscription items since API version 2025-03-31.
func snapshotFromAPI(sub *stripe.Subscription, customerID string) *creditkit.Subscription {
	snapshot := &creditkit.Subscription{
		ID:         sub.ID,
		CustomerID: customerID,
		Status:     creditkit.SubscriptionStatus(sub.Status),
		Metadata:   sub.Metadata,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			snapshot.PriceID = item.Price.ID
		}
		snapshot.PeriodStart = unixTime(item.CurrentPeriodStart)
		snapshot.PeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return snapshot
}
