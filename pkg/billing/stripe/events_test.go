package stripe

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/creditkit/creditkit/pkg/billing"
	"github.com/creditkit/creditkit/pkg/creditkit"
)

func rawEvent(t *testing.T, eventType string, object map[string]interface{}) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal event payload: %v", err)
	}
	return &stripe.Event{
		ID:   "evt_test",
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func subscriptionObject(status string) map[string]interface{} {
	return map[string]interface{}{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   status,
		"metadata": map[string]string{"user_id": "user1"},
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"price":                map[string]string{"id": "price_basic_monthly"},
					"current_period_start": 1767225600, // 2026-01-01
					"current_period_end":   1769904000, // 2026-02-01
				},
			},
		},
	}
}

func TestClassifySubscriptionEvent(t *testing.T) {
	event := rawEvent(t, "customer.subscription.created", subscriptionObject("active"))

	parsed, err := classifyEvent(event)
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	ev, ok := parsed.(*subscriptionEvent)
	if !ok {
		t.Fatalf("classifyEvent() = %T, want *subscriptionEvent", parsed)
	}
	if !ev.Created {
		t.Error("Created = false for customer.subscription.created")
	}
	if ev.UserIDHint != "user1" {
		t.Errorf("UserIDHint = %q, want user1", ev.UserIDHint)
	}
	if ev.Sub.ID != "sub_1" || ev.Sub.CustomerID != "cus_1" || ev.Sub.PriceID != "price_basic_monthly" {
		t.Errorf("subscription = %+v", ev.Sub)
	}
	if ev.Sub.Status != creditkit.StatusActive {
		t.Errorf("status = %s, want %s", ev.Sub.Status, creditkit.StatusActive)
	}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !ev.Sub.PeriodStart.Equal(want) {
		t.Errorf("period start = %s, want %s", ev.Sub.PeriodStart, want)
	}
}

func TestClassifySubscriptionExpandedCustomer(t *testing.T) {
	object := subscriptionObject("active")
	object["customer"] = map[string]string{"id": "cus_1", "email": "a@example.com"}
	event := rawEvent(t, "customer.subscription.updated", object)

	parsed, err := classifyEvent(event)
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	ev := parsed.(*subscriptionEvent)
	if ev.Sub.CustomerID != "cus_1" {
		t.Errorf("customer id from expanded object = %q, want cus_1", ev.Sub.CustomerID)
	}
	if ev.Created {
		t.Error("Created = true for customer.subscription.updated")
	}
}

func TestClassifySubscriptionTopLevelPeriodFallback(t *testing.T) {
	// Older API versions carry the period on the subscription, not the item.
	object := map[string]interface{}{
		"id":                   "sub_1",
		"customer":             "cus_1",
		"status":               "active",
		"current_period_start": 1767225600,
		"current_period_end":   1769904000,
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]string{"id": "price_basic_monthly"}},
			},
		},
	}
	parsed, err := classifyEvent(rawEvent(t, "customer.subscription.updated", object))
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	ev := parsed.(*subscriptionEvent)
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !ev.Sub.PeriodStart.Equal(want) {
		t.Errorf("period start = %s, want %s", ev.Sub.PeriodStart, want)
	}
}

func TestClassifySubscriptionDeletedForcesCanceled(t *testing.T) {
	// Stripe reports the pre-deletion status on deletion events.
	event := rawEvent(t, "customer.subscription.deleted", subscriptionObject("active"))

	parsed, err := classifyEvent(event)
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	ev := parsed.(*subscriptionEvent)
	if ev.Sub.Status != creditkit.StatusCanceled {
		t.Errorf("status = %s, want %s", ev.Sub.Status, creditkit.StatusCanceled)
	}
}

func TestClassifySubscriptionUnknownStatusIgnored(t *testing.T) {
	for _, status := range []string{"incomplete", "incomplete_expired", "paused", "unpaid"} {
		parsed, err := classifyEvent(rawEvent(t, "customer.subscription.updated", subscriptionObject(status)))
		if err != nil {
			t.Fatalf("classifyEvent(%s) error = %v", status, err)
		}
		if _, ok := parsed.(*ignoredEvent); !ok {
			t.Errorf("classifyEvent(%s) = %T, want *ignoredEvent", status, parsed)
		}
	}
}

func TestClassifySubscriptionMalformed(t *testing.T) {
	tests := []struct {
		name   string
		object map[string]interface{}
	}{
		{
			name:   "missing customer",
			object: map[string]interface{}{"id": "sub_1", "status": "active"},
		},
		{
			name:   "missing price",
			object: map[string]interface{}{"id": "sub_1", "customer": "cus_1", "status": "active"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := classifyEvent(rawEvent(t, "customer.subscription.created", tt.object))
			if !errors.Is(err, billing.ErrInvalidWebhookPayload) {
				t.Errorf("classifyEvent() error = %v, want ErrInvalidWebhookPayload", err)
			}
		})
	}
}

func TestParsePreviousAttributes(t *testing.T) {
	event := rawEvent(t, "customer.subscription.updated", subscriptionObject("active"))
	event.Data.PreviousAttributes = map[string]interface{}{
		"status":               "trialing",
		"current_period_start": 1764547200,
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]string{"id": "price_old"}},
			},
		},
	}

	parsed, err := classifyEvent(event)
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	prev := parsed.(*subscriptionEvent).PrevAttrs
	if prev == nil {
		t.Fatal("PrevAttrs = nil")
	}
	if prev.Status == nil || *prev.Status != creditkit.StatusTrialing {
		t.Errorf("prev status = %v, want trialing", prev.Status)
	}
	if prev.PriceID == nil || *prev.PriceID != "price_old" {
		t.Errorf("prev price = %v, want price_old", prev.PriceID)
	}
	if prev.PeriodStart == nil || !prev.PeriodStart.Equal(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("prev period start = %v, want 2025-12-01", prev.PeriodStart)
	}
}

func TestParsePreviousAttributesPlanFallback(t *testing.T) {
	event := rawEvent(t, "customer.subscription.updated", subscriptionObject("active"))
	event.Data.PreviousAttributes = map[string]interface{}{
		"plan": map[string]string{"id": "price_old"},
	}

	parsed, err := classifyEvent(event)
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	prev := parsed.(*subscriptionEvent).PrevAttrs
	if prev == nil || prev.PriceID == nil || *prev.PriceID != "price_old" {
		t.Errorf("prev = %+v, want price_old via plan fallback", prev)
	}
}

func TestParsePreviousAttributesUntrackedFields(t *testing.T) {
	event := rawEvent(t, "customer.subscription.updated", subscriptionObject("active"))
	event.Data.PreviousAttributes = map[string]interface{}{
		"default_payment_method": "pm_1",
		"latest_invoice":         "in_1",
	}

	parsed, err := classifyEvent(event)
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	if prev := parsed.(*subscriptionEvent).PrevAttrs; prev != nil {
		t.Errorf("PrevAttrs = %+v, want nil for untracked-only diff", prev)
	}
}

func paymentIntentObject(meta map[string]string) map[string]interface{} {
	object := map[string]interface{}{
		"id":             "pi_1",
		"customer":       "cus_1",
		"payment_method": "pm_1",
	}
	if meta != nil {
		object["metadata"] = meta
	}
	return object
}

func topupMeta() map[string]string {
	return map[string]string{
		"user_id":       "user1",
		"top_up_key":    "api_calls",
		"top_up_amount": "500",
	}
}

func TestClassifyPaymentIntentSucceeded(t *testing.T) {
	parsed, err := classifyEvent(rawEvent(t, "payment_intent.succeeded", paymentIntentObject(topupMeta())))
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	ev, ok := parsed.(*topupEvent)
	if !ok {
		t.Fatalf("classifyEvent() = %T, want *topupEvent", parsed)
	}
	if !ev.Succeeded || !ev.HasMeta {
		t.Errorf("Succeeded = %v, HasMeta = %v, want true/true", ev.Succeeded, ev.HasMeta)
	}
	if ev.UserID != "user1" || ev.Key != "api_calls" || ev.Amount != 500 {
		t.Errorf("top-up = %s/%s/%d, want user1/api_calls/500", ev.UserID, ev.Key, ev.Amount)
	}
	if ev.PaymentIntentID != "pi_1" || ev.PaymentMethodID != "pm_1" {
		t.Errorf("ids = %s/%s", ev.PaymentIntentID, ev.PaymentMethodID)
	}
}

func TestClassifyPaymentIntentWithoutMetadata(t *testing.T) {
	// A checkout payment unrelated to top-ups must pass through untouched.
	parsed, err := classifyEvent(rawEvent(t, "payment_intent.succeeded", paymentIntentObject(nil)))
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	ev := parsed.(*topupEvent)
	if ev.HasMeta {
		t.Error("HasMeta = true without top-up metadata")
	}
}

func TestClassifyPaymentIntentBadAmount(t *testing.T) {
	for _, amount := range []string{"abc", "0", "-5"} {
		meta := topupMeta()
		meta["top_up_amount"] = amount
		_, err := classifyEvent(rawEvent(t, "payment_intent.succeeded", paymentIntentObject(meta)))
		if !errors.Is(err, billing.ErrInvalidWebhookPayload) {
			t.Errorf("amount %q: error = %v, want ErrInvalidWebhookPayload", amount, err)
		}
	}
}

func TestClassifyPaymentIntentFailed(t *testing.T) {
	object := paymentIntentObject(topupMeta())
	object["last_payment_error"] = map[string]interface{}{
		"code":           "card_declined",
		"decline_code":   "insufficient_funds",
		"payment_method": map[string]string{"id": "pm_failed"},
	}
	parsed, err := classifyEvent(rawEvent(t, "payment_intent.payment_failed", object))
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	ev := parsed.(*topupEvent)
	if ev.Succeeded {
		t.Error("Succeeded = true for payment_intent.payment_failed")
	}
	if ev.DeclineCode != "insufficient_funds" {
		t.Errorf("decline code = %q, want insufficient_funds", ev.DeclineCode)
	}
	// The failed payment method from the error object wins over the intent's.
	if ev.PaymentMethodID != "pm_failed" {
		t.Errorf("payment method = %q, want pm_failed", ev.PaymentMethodID)
	}
}

func TestClassifyPaymentIntentErrorCodeFallback(t *testing.T) {
	object := paymentIntentObject(topupMeta())
	object["last_payment_error"] = map[string]interface{}{"code": "expired_card"}
	parsed, err := classifyEvent(rawEvent(t, "payment_intent.payment_failed", object))
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	if ev := parsed.(*topupEvent); ev.DeclineCode != "expired_card" {
		t.Errorf("decline code = %q, want expired_card", ev.DeclineCode)
	}
}

func TestClassifyInvoiceEvent(t *testing.T) {
	object := map[string]interface{}{
		"id":           "in_1",
		"customer":     "cus_1",
		"period_start": 1764547200,
		"period_end":   1767225600,
		"lines": map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"subscription": "sub_1",
					"period":       map[string]int64{"start": 1767225600, "end": 1769904000},
				},
			},
		},
	}
	parsed, err := classifyEvent(rawEvent(t, "invoice.payment_succeeded", object))
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	ev, ok := parsed.(*invoiceEvent)
	if !ok {
		t.Fatalf("classifyEvent() = %T, want *invoiceEvent", parsed)
	}
	if ev.SubscriptionID != "sub_1" {
		t.Errorf("subscription id = %q, want sub_1 from line item", ev.SubscriptionID)
	}
	// The service period on the line item wins over the invoice's own window.
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !ev.Period.Start.Equal(want) {
		t.Errorf("period start = %s, want %s", ev.Period.Start, want)
	}
}

func TestClassifyUnknownEventType(t *testing.T) {
	parsed, err := classifyEvent(rawEvent(t, "charge.refunded", map[string]interface{}{"id": "ch_1"}))
	if err != nil {
		t.Fatalf("classifyEvent() error = %v", err)
	}
	ev, ok := parsed.(*ignoredEvent)
	if !ok {
		t.Fatalf("classifyEvent() = %T, want *ignoredEvent", parsed)
	}
	if ev.Type != "charge.refunded" {
		t.Errorf("ignored type = %q", ev.Type)
	}
}
