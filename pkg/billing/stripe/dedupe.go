package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// cancelIfDuplicate checks whether a just-created subscription duplicates an
// earlier, still-active subscription on the same customer and price (the
// classic double-click / double-tab checkout race). The newcomer is cancelled
// on the processor side and tagged so its deletion event is suppressed
// downstream. Mutates sub.Metadata on a hit so the caller classifies the
// current event as a no-op immediately.
func (p *Provider) cancelIfDuplicate(ctx context.Context, sub *creditkit.Subscription) error {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(sub.CustomerID)
	params.Status = stripe.String(string(creditkit.StatusActive))

	duplicate := false
	for other, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return fmt.Errorf("failed to list subscriptions for %s: %w", sub.CustomerID, err)
		}
		if other.ID == sub.ID {
			continue
		}
		for _, item := range other.Items.Data {
			if item.Price != nil && item.Price.ID == sub.PriceID {
				duplicate = true
				break
			}
		}
		if duplicate {
			break
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")

	if !duplicate {
		return nil
	}

	// Tag first, then cancel: the tag must be on the subscription before
	// the deletion event fires, or the deletion looks like a real
	// cancellation.
	updateParams := &stripe.SubscriptionUpdateParams{}
	updateParams.AddMetadata(creditkit.MetadataCancelledAsDuplicate, "true")
	if _, err := p.stripeClient.V1Subscriptions.Update(ctx, sub.ID, updateParams); err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/update", "error")
		return fmt.Errorf("failed to tag duplicate subscription %s: %w", sub.ID, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/update", "200")

	if _, err := p.stripeClient.V1Subscriptions.Cancel(ctx, sub.ID, nil); err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "error")
		return fmt.Errorf("failed to cancel duplicate subscription %s: %w", sub.ID, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "200")

	if sub.Metadata == nil {
		sub.Metadata = make(map[string]string)
	}
	sub.Metadata[creditkit.MetadataCancelledAsDuplicate] = "true"

	p.logger.Info("cancelled duplicate subscription",
		creditkit.Field{Key: "subscription_id", Value: sub.ID},
		creditkit.Field{Key: "customer_id", Value: sub.CustomerID},
		creditkit.Field{Key: "price_id", Value: sub.PriceID})
	return nil
}
