package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// InvoiceItemCharger settles overage by creating a pending invoice item on
// the customer; the processor folds it into the next subscription invoice.
// It implements creditkit.OverageCharger. Remote idempotency rides on a
// Stripe idempotency key derived from (user, key, period), so the aggregator
// handing off the same charge twice (crash between claim and call) still
// produces one invoice item.
type InvoiceItemCharger struct {
	client   *stripe.Client
	storage  creditkit.Store
	currency string
	logger   creditkit.Logger
}

// NewInvoiceItemCharger creates an overage charger backed by Stripe invoice
// items. currency defaults to "usd".
func NewInvoiceItemCharger(client *stripe.Client, storage creditkit.Store, currency string) (*InvoiceItemCharger, error) {
	if client == nil || storage == nil {
		return nil, creditkit.ErrStorageUnavailable
	}
	if currency == "" {
		currency = "usd"
	}
	return &InvoiceItemCharger{
		client:   client,
		storage:  storage,
		currency: currency,
		logger:   &creditkit.NoopLogger{},
	}, nil
}

// SetLogger replaces the charger's logger.
func (c *InvoiceItemCharger) SetLogger(logger creditkit.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// ChargeOverage implements creditkit.OverageCharger.
func (c *InvoiceItemCharger) ChargeOverage(ctx context.Context, userID, key string, credits, amount int64, period creditkit.Period) error {
	customerID, err := c.storage.CustomerForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve customer for %s: %w", userID, err)
	}

	params := &stripe.InvoiceItemCreateParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(c.currency),
		Description: stripe.String(fmt.Sprintf("Overage: %d x %s", credits, key)),
	}
	params.AddMetadata(metadataUserID, userID)
	params.AddMetadata("overage_key", key)
	params.SetIdempotencyKey(fmt.Sprintf("overage:%s:%s:%d", userID, key, period.Start.Unix()))

	item, err := c.client.V1InvoiceItems.Create(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to create overage invoice item for %s/%s: %w", userID, key, err)
	}

	c.logger.Info("overage invoice item created",
		creditkit.Field{Key: "user_id", Value: userID},
		creditkit.Field{Key: "key", Value: key},
		creditkit.Field{Key: "credits", Value: credits},
		creditkit.Field{Key: "amount", Value: amount},
		creditkit.Field{Key: "invoice_item_id", Value: item.ID})
	return nil
}
