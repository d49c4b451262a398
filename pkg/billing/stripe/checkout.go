package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/creditkit/creditkit/pkg/billing"
	"github.com/creditkit/creditkit/pkg/creditkit"
)

// CheckoutURL creates a Stripe Checkout Session for a subscription and
// returns the URL. The plan is resolved through the catalog; interval may be
// empty when the plan has a single price.
func (p *Provider) CheckoutURL(
	ctx context.Context, userID, plan string, interval creditkit.Interval, successURL, cancelURL string,
) (string, error) {
	startTime := time.Now()
	if p.stripeClient == nil {
		return "", billing.ErrProviderNotConfigured
	}

	price, err := p.catalog.Resolve(plan, interval)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return "", err
	}

	// Only ignore "customer not found". Fail on real errors (DB down,
	// network issues) to prevent creating duplicate customers in Stripe.
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) && !errors.Is(err, billing.ErrUserNotFound) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(price.ID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}

	// The webhook handler maps user to customer from this metadata.
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, userID)

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(userID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.logger.Debug("checkout session created",
		creditkit.Field{Key: "user_id", Value: userID},
		creditkit.Field{Key: "price_id", Value: price.ID},
		creditkit.Field{Key: "duration_ms", Value: time.Since(startTime).Milliseconds()})

	return session.URL, nil
}

// TopupCheckoutURL creates a one-time-payment Checkout Session that buys
// credits credits for key at unitAmount (smallest currency unit, total). The
// resulting payment intent carries the metadata the webhook handler needs to
// credit the ledger.
func (p *Provider) TopupCheckoutURL(
	ctx context.Context, userID, key string, credits, unitAmount int64, currency, successURL, cancelURL string,
) (string, error) {
	if p.stripeClient == nil {
		return "", billing.ErrProviderNotConfigured
	}
	if credits <= 0 || unitAmount <= 0 {
		return "", fmt.Errorf("%w: credits and amount must be positive", creditkit.ErrInvalidAmount)
	}

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) && !errors.Is(err, billing.ErrUserNotFound) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Credit pack: %d x %s", credits, key)),
					},
					UnitAmount: stripe.Int64(unitAmount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}

	// The metadata must land on the payment intent, not the session: the
	// ledger credit happens on payment_intent.succeeded.
	params.PaymentIntentData = &stripe.CheckoutSessionCreatePaymentIntentDataParams{}
	params.PaymentIntentData.AddMetadata(metadataUserID, userID)
	params.PaymentIntentData.AddMetadata(metadataTopupKey, key)
	params.PaymentIntentData.AddMetadata(metadataTopupAmount, strconv.FormatInt(credits, 10))

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(userID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// This allows users to manage their subscription, update payment methods, or
// cancel.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	if p.stripeClient == nil {
		return "", billing.ErrProviderNotConfigured
	}

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	return session.URL, nil
}
