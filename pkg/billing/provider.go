package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a payment-processor integration must implement.
// The webhook handler owns event verification, parsing, dedupe and dispatch;
// downstream components never see raw processor payloads.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes processor
	// events. Every recognized or unrecognized event is acknowledged with
	// 200 once its effect (possibly a no-op) is durably committed.
	WebhookHandler() http.Handler

	// SyncUser reconciles the user's subscription state from the
	// provider's live API. Used for restore flows and nightly
	// reconciliation jobs. Returns the active price id, if any.
	SyncUser(ctx context.Context, userID string) (string, error)
}
