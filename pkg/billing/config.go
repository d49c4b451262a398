package billing

import (
	"net/http"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Callbacks receives at-most-once transition notifications after the
	// corresponding state change committed. Optional.
	Callbacks *Callbacks

	// EventLog dedupes redelivered webhook events. Defaults to an
	// in-memory log; multi-process deployments should use the redis
	// implementation.
	EventLog EventLog

	// HTTPClient is an optional HTTP client for provider API calls.
	// If nil, a default client with a 10s timeout is used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector (default: no-op).
	Metrics Metrics

	// Logger is an optional structured logger (default: no-op).
	Logger creditkit.Logger
}
