package stripe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/creditkit/creditkit/pkg/billing"
	"github.com/creditkit/creditkit/pkg/creditkit"
)

// Metadata keys the router understands on processor objects.
const (
	metadataUserID      = "user_id"
	metadataTopupKey    = "top_up_key"
	metadataTopupAmount = "top_up_amount"
)

// webhookEvent is the closed set of event shapes the router dispatches on.
// Raw payloads are parsed into exactly one of these variants at the boundary;
// nothing downstream ever touches processor JSON.
type webhookEvent interface {
	isWebhookEvent()
}

// subscriptionEvent covers customer.subscription.created / .updated /
// .deleted.
type subscriptionEvent struct {
	Sub        *creditkit.Subscription
	PrevAttrs  *creditkit.PreviousAttributes
	UserIDHint string // from subscription metadata, may be empty
	Created    bool   // true only for customer.subscription.created
}

// topupEvent covers payment_intent.succeeded and
// payment_intent.payment_failed.
type topupEvent struct {
	PaymentIntentID string
	CustomerID      string
	Succeeded       bool

	// UserID, Key and Amount come from payment intent metadata. Amount is
	// the credit quantity, not the money amount. A payment intent without
	// top-up metadata is not a top-up and must be acknowledged untouched.
	UserID  string
	Key     string
	Amount  int64
	HasMeta bool

	PaymentMethodID string
	DeclineCode     string
}

// invoiceEvent covers invoice.payment_succeeded, the period close-out
// trigger.
type invoiceEvent struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	Period         creditkit.Period
}

// ignoredEvent is any event type or status the router deliberately does not
// act on. It is still acknowledged with 200.
type ignoredEvent struct {
	Type   string
	Reason string
}

func (*subscriptionEvent) isWebhookEvent() {}
func (*topupEvent) isWebhookEvent()        {}
func (*invoiceEvent) isWebhookEvent()      {}
func (*ignoredEvent) isWebhookEvent()      {}

// idField accepts the processor's "string id or expanded object" encoding.
type idField struct {
	ID string
}

func (f *idField) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &f.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	f.ID = obj.ID
	return nil
}

type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           idField           `json:"customer"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type previousAttributesPayload struct {
	Status             *string `json:"status"`
	CurrentPeriodStart *int64  `json:"current_period_start"`
	CurrentPeriodEnd   *int64  `json:"current_period_end"`
	Plan               *struct {
		ID string `json:"id"`
	} `json:"plan"`
	Items *struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart *int64 `json:"current_period_start"`
			CurrentPeriodEnd   *int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type paymentIntentPayload struct {
	ID               string            `json:"id"`
	Customer         idField           `json:"customer"`
	Metadata         map[string]string `json:"metadata"`
	PaymentMethod    idField           `json:"payment_method"`
	LastPaymentError *struct {
		Code          string  `json:"code"`
		DeclineCode   string  `json:"decline_code"`
		PaymentMethod idField `json:"payment_method"`
	} `json:"last_payment_error"`
}

type invoicePayload struct {
	ID           string  `json:"id"`
	Customer     idField `json:"customer"`
	Subscription idField `json:"subscription"`
	PeriodStart  int64   `json:"period_start"`
	PeriodEnd    int64   `json:"period_end"`
	Lines        struct {
		Data []struct {
			Subscription idField `json:"subscription"`
			Period       struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// classifyEvent converts a verified processor event into one of the closed
// webhookEvent variants. Malformed payloads of a recognized type fail with
// billing.ErrInvalidWebhookPayload; unrecognized event types come back as
// ignoredEvent.
func classifyEvent(event *stripe.Event) (webhookEvent, error) {
	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		return classifySubscriptionEvent(event)

	case "payment_intent.succeeded":
		return classifyPaymentIntentEvent(event, true)

	case "payment_intent.payment_failed":
		return classifyPaymentIntentEvent(event, false)

	case "invoice.payment_succeeded":
		return classifyInvoiceEvent(event)

	default:
		return &ignoredEvent{Type: string(event.Type), Reason: "unhandled_type"}, nil
	}
}

func classifySubscriptionEvent(event *stripe.Event) (webhookEvent, error) {
	var payload subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if payload.ID == "" || payload.Customer.ID == "" {
		return nil, fmt.Errorf("%w: subscription missing id or customer", billing.ErrInvalidWebhookPayload)
	}

	status, ok := mapStatus(payload.Status)
	if event.Type == "customer.subscription.deleted" {
		// Deletion is terminal regardless of the reported status string.
		status, ok = creditkit.StatusCanceled, true
	}
	if !ok {
		// Stripe statuses outside the model (incomplete, paused, ...) are
		// acknowledged but never billed on.
		return &ignoredEvent{Type: string(event.Type), Reason: "status_" + payload.Status}, nil
	}

	sub := &creditkit.Subscription{
		ID:         payload.ID,
		CustomerID: payload.Customer.ID,
		Status:     status,
		Metadata:   payload.Metadata,
	}
	if len(payload.Items.Data) > 0 {
		item := payload.Items.Data[0]
		sub.PriceID = item.Price.ID
		sub.PeriodStart = unixTime(item.CurrentPeriodStart)
		sub.PeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	// Older API versions carry the period on the subscription itself.
	if sub.PeriodStart.IsZero() && payload.CurrentPeriodStart > 0 {
		sub.PeriodStart = unixTime(payload.CurrentPeriodStart)
		sub.PeriodEnd = unixTime(payload.CurrentPeriodEnd)
	}
	if sub.PriceID == "" {
		return nil, fmt.Errorf("%w: subscription %s has no price", billing.ErrInvalidWebhookPayload, sub.ID)
	}

	prevAttrs, err := parsePreviousAttributes(event.Data.PreviousAttributes)
	if err != nil {
		return nil, err
	}

	return &subscriptionEvent{
		Sub:        sub,
		PrevAttrs:  prevAttrs,
		UserIDHint: payload.Metadata[metadataUserID],
		Created:    event.Type == "customer.subscription.created",
	}, nil
}

// parsePreviousAttributes extracts the subscription diff the processor sends
// alongside update events. Absent fields stay nil, meaning "unchanged".
func parsePreviousAttributes(attrs map[string]interface{}) (*creditkit.PreviousAttributes, error) {
	if len(attrs) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("%w: previous_attributes: %v", billing.ErrInvalidWebhookPayload, err)
	}
	var payload previousAttributesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: previous_attributes: %v", billing.ErrInvalidWebhookPayload, err)
	}

	out := &creditkit.PreviousAttributes{}
	if payload.Status != nil {
		if status, ok := mapStatus(*payload.Status); ok {
			out.Status = &status
		}
	}
	if payload.CurrentPeriodStart != nil {
		t := unixTime(*payload.CurrentPeriodStart)
		out.PeriodStart = &t
	}
	if payload.CurrentPeriodEnd != nil {
		t := unixTime(*payload.CurrentPeriodEnd)
		out.PeriodEnd = &t
	}
	if payload.Items != nil && len(payload.Items.Data) > 0 {
		item := payload.Items.Data[0]
		if item.Price.ID != "" {
			priceID := item.Price.ID
			out.PriceID = &priceID
		}
		if out.PeriodStart == nil && item.CurrentPeriodStart != nil {
			t := unixTime(*item.CurrentPeriodStart)
			out.PeriodStart = &t
		}
		if out.PeriodEnd == nil && item.CurrentPeriodEnd != nil {
			t := unixTime(*item.CurrentPeriodEnd)
			out.PeriodEnd = &t
		}
	}
	if out.PriceID == nil && payload.Plan != nil && payload.Plan.ID != "" {
		priceID := payload.Plan.ID
		out.PriceID = &priceID
	}

	if out.Status == nil && out.PriceID == nil && out.PeriodStart == nil && out.PeriodEnd == nil {
		// The diff touched only fields the model does not track.
		return nil, nil
	}
	return out, nil
}

func classifyPaymentIntentEvent(event *stripe.Event, succeeded bool) (webhookEvent, error) {
	var payload paymentIntentPayload
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: payment_intent: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if payload.ID == "" {
		return nil, fmt.Errorf("%w: payment_intent missing id", billing.ErrInvalidWebhookPayload)
	}

	ev := &topupEvent{
		PaymentIntentID: payload.ID,
		CustomerID:      payload.Customer.ID,
		Succeeded:       succeeded,
		UserID:          payload.Metadata[metadataUserID],
		Key:             payload.Metadata[metadataTopupKey],
		PaymentMethodID: payload.PaymentMethod.ID,
	}
	if amountStr, ok := payload.Metadata[metadataTopupAmount]; ok && ev.UserID != "" && ev.Key != "" {
		amount, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("%w: payment_intent %s: bad %s %q",
				billing.ErrInvalidWebhookPayload, payload.ID, metadataTopupAmount, amountStr)
		}
		ev.Amount = amount
		ev.HasMeta = true
	}
	if payload.LastPaymentError != nil {
		ev.DeclineCode = payload.LastPaymentError.DeclineCode
		if ev.DeclineCode == "" {
			ev.DeclineCode = payload.LastPaymentError.Code
		}
		if payload.LastPaymentError.PaymentMethod.ID != "" {
			ev.PaymentMethodID = payload.LastPaymentError.PaymentMethod.ID
		}
	}
	return ev, nil
}

func classifyInvoiceEvent(event *stripe.Event) (webhookEvent, error) {
	var payload invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if payload.ID == "" {
		return nil, fmt.Errorf("%w: invoice missing id", billing.ErrInvalidWebhookPayload)
	}

	ev := &invoiceEvent{
		InvoiceID:      payload.ID,
		CustomerID:     payload.Customer.ID,
		SubscriptionID: payload.Subscription.ID,
		Period: creditkit.Period{
			Start: unixTime(payload.PeriodStart),
			End:   unixTime(payload.PeriodEnd),
		},
	}
	// Subscription invoices carry the authoritative service period on their
	// line items.
	for _, line := range payload.Lines.Data {
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = line.Subscription.ID
		}
		if line.Period.Start > 0 {
			ev.Period = creditkit.Period{
				Start: unixTime(line.Period.Start),
				End:   unixTime(line.Period.End),
			}
			break
		}
	}
	return ev, nil
}

func mapStatus(s string) (creditkit.SubscriptionStatus, bool) {
	switch s {
	case "active":
		return creditkit.StatusActive, true
	case "trialing":
		return creditkit.StatusTrialing, true
	case "past_due":
		return creditkit.StatusPastDue, true
	case "canceled":
		return creditkit.StatusCanceled, true
	default:
		return "", false
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
