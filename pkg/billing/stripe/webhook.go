package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/creditkit/creditkit/pkg/billing/internal"
	"github.com/creditkit/creditkit/pkg/creditkit"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Verify webhook signature (v83 uses stripe.ConstructEvent directly)
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	status, err := p.processWebhookEvent(r.Context(), &event)
	if err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent routes one verified event. Every economic effect
// commits before the event is marked processed, and host callbacks fire only
// after the mark, so a crash in between drops the notification instead of
// doubling it.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	seen, err := p.eventLog.Seen(ctx, event.ID)
	if err != nil {
		// The dedupe log is an optimization; ledger idempotency keys are
		// the real guarantee. Process anyway.
		p.logger.Warn("event log unavailable, processing without dedupe",
			creditkit.Field{Key: "event_id", Value: event.ID},
			creditkit.Field{Key: "error", Value: err.Error()})
	}
	if seen {
		return "duplicate", nil
	}

	parsed, err := classifyEvent(event)
	if err != nil {
		return "", err
	}

	var notify func()
	switch ev := parsed.(type) {
	case *subscriptionEvent:
		notify, err = p.handleSubscriptionEvent(ctx, event.ID, ev)
	case *topupEvent:
		err = p.handleTopupEvent(ctx, ev)
	case *invoiceEvent:
		err = p.handleInvoiceEvent(ctx, ev)
	case *ignoredEvent:
		p.logger.Debug("ignoring webhook event",
			creditkit.Field{Key: "event_type", Value: ev.Type},
			creditkit.Field{Key: "reason", Value: ev.Reason})
	}
	if err != nil {
		return "", err
	}

	if err := p.eventLog.MarkProcessed(ctx, event.ID); err != nil {
		p.logger.Warn("failed to mark event processed",
			creditkit.Field{Key: "event_id", Value: event.ID},
			creditkit.Field{Key: "error", Value: err.Error()})
	}
	if notify != nil {
		notify()
	}
	return "success", nil
}

// handleSubscriptionEvent reconciles a subscription snapshot and returns the
// deferred callback notification, if any.
func (p *Provider) handleSubscriptionEvent(ctx context.Context, eventID string, ev *subscriptionEvent) (func(), error) {
	sub := ev.Sub

	if ev.UserIDHint != "" {
		if err := p.storage.MapUserCustomer(ctx, ev.UserIDHint, sub.CustomerID); err != nil {
			return nil, fmt.Errorf("failed to map user %s to customer %s: %w",
				ev.UserIDHint, sub.CustomerID, err)
		}
	}

	if ev.Created && p.detectDuplicates && !sub.IsDuplicate() {
		if err := p.cancelIfDuplicate(ctx, sub); err != nil {
			// Fail open: a missed cleanup grants at most one extra
			// allocation, a failed webhook blocks the whole event stream.
			p.logger.Warn("duplicate detection failed",
				creditkit.Field{Key: "subscription_id", Value: sub.ID},
				creditkit.Field{Key: "error", Value: err.Error()})
		}
	}

	transition, err := p.reconciler.Reconcile(ctx, eventID, sub, ev.PrevAttrs)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile subscription %s: %w", sub.ID, err)
	}

	if transition.Kind == creditkit.TransitionNoop || p.callbacks == nil {
		return nil, nil
	}
	return func() {
		p.callbacks.Notify(transition, sub)
		p.metrics.RecordCallback(providerName, string(transition.Kind))
	}, nil
}

// handleTopupEvent credits a successful top-up or records a decline. Payment
// intents without top-up metadata belong to some other flow and are
// acknowledged untouched.
func (p *Provider) handleTopupEvent(ctx context.Context, ev *topupEvent) error {
	if !ev.HasMeta {
		p.logger.Debug("payment intent without top-up metadata",
			creditkit.Field{Key: "payment_intent_id", Value: ev.PaymentIntentID})
		return nil
	}

	if !ev.Succeeded {
		if p.topups == nil {
			return nil
		}
		failure, err := p.topups.RecordFailure(ctx, ev.UserID, ev.Key, ev.PaymentMethodID, ev.DeclineCode)
		if err != nil {
			return fmt.Errorf("failed to record top-up decline for %s: %w", ev.UserID, err)
		}
		p.logger.Info("top-up declined",
			creditkit.Field{Key: "user_id", Value: ev.UserID},
			creditkit.Field{Key: "key", Value: ev.Key},
			creditkit.Field{Key: "decline_code", Value: ev.DeclineCode},
			creditkit.Field{Key: "failure_count", Value: failure.FailureCount},
			creditkit.Field{Key: "disabled", Value: failure.Disabled})
		return nil
	}

	if ev.CustomerID != "" {
		if err := p.storage.MapUserCustomer(ctx, ev.UserID, ev.CustomerID); err != nil {
			return fmt.Errorf("failed to map user %s to customer %s: %w",
				ev.UserID, ev.CustomerID, err)
		}
	}

	// The payment intent id keys the grant, so redelivered events and
	// same-payment retries collapse into one credit.
	balance, err := p.ledger.TopUp(ctx, ev.UserID, ev.Key, ev.Amount,
		providerName, ev.PaymentIntentID, "pi:"+ev.PaymentIntentID)
	if err != nil {
		return fmt.Errorf("failed to credit top-up %s: %w", ev.PaymentIntentID, err)
	}

	if p.topups != nil && ev.PaymentMethodID != "" {
		if err := p.topups.ClearFailures(ctx, ev.UserID, ev.Key, ev.PaymentMethodID); err != nil {
			p.logger.Warn("failed to clear top-up failures",
				creditkit.Field{Key: "user_id", Value: ev.UserID},
				creditkit.Field{Key: "error", Value: err.Error()})
		}
	}

	p.logger.Info("top-up credited",
		creditkit.Field{Key: "user_id", Value: ev.UserID},
		creditkit.Field{Key: "key", Value: ev.Key},
		creditkit.Field{Key: "amount", Value: ev.Amount},
		creditkit.Field{Key: "balance", Value: balance})
	return nil
}

// handleInvoiceEvent closes the usage period billed by a paid subscription
// invoice: every tracked credit key of the subscription's plan gets its
// overage settled exactly once.
func (p *Provider) handleInvoiceEvent(ctx context.Context, ev *invoiceEvent) error {
	if p.usage == nil || ev.SubscriptionID == "" {
		return nil
	}
	if ev.Period.Start.IsZero() || !ev.Period.End.After(ev.Period.Start) {
		p.logger.Debug("invoice without a usable period",
			creditkit.Field{Key: "invoice_id", Value: ev.InvoiceID})
		return nil
	}

	sub, err := p.storage.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, creditkit.ErrSubscriptionNotFound) {
			// Invoice for a subscription we never observed; the snapshot
			// event will arrive on its own.
			return nil
		}
		return fmt.Errorf("failed to load subscription %s: %w", ev.SubscriptionID, err)
	}

	plan, _, err := p.catalog.PlanForPrice(sub.PriceID)
	if err != nil {
		p.logger.Warn("invoice for unknown price",
			creditkit.Field{Key: "subscription_id", Value: sub.ID},
			creditkit.Field{Key: "price_id", Value: sub.PriceID})
		return nil
	}

	userID, err := p.storage.UserForCustomer(ctx, sub.CustomerID)
	if err != nil {
		if errors.Is(err, creditkit.ErrUserMappingNotFound) {
			p.logger.Warn("invoice for unmapped customer",
				creditkit.Field{Key: "customer_id", Value: sub.CustomerID})
			return nil
		}
		return fmt.Errorf("failed to resolve customer %s: %w", sub.CustomerID, err)
	}

	keys := make([]string, 0, len(plan.Credits))
	for key := range plan.Credits {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		cfg := plan.Credits[key]
		if !cfg.TrackUsage {
			continue
		}
		overage, err := p.usage.ClosePeriod(ctx, userID, key, cfg, ev.Period)
		if err != nil {
			return fmt.Errorf("failed to close period for %s/%s: %w", userID, key, err)
		}
		if overage > 0 {
			p.logger.Info("overage settled",
				creditkit.Field{Key: "user_id", Value: userID},
				creditkit.Field{Key: "key", Value: key},
				creditkit.Field{Key: "overage", Value: overage})
		}
	}
	return nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
