package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/creditkit/creditkit/pkg/billing"
	"github.com/creditkit/creditkit/pkg/billing/internal"
	"github.com/creditkit/creditkit/pkg/creditkit"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultEventLogTTL       = 72 * time.Hour
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Callbacks, EventLog, Metrics, ...)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// Collaborators. Storage, Ledger, Reconciler and Catalog are required;
	// Usage and Topups are optional and disable their event families when
	// nil.
	Storage    creditkit.Store
	Ledger     *creditkit.Ledger
	Reconciler *creditkit.Reconciler
	Catalog    *creditkit.Catalog
	Usage      *creditkit.UsageAggregator
	Topups     *creditkit.FailureTracker

	// DetectDuplicates enables processor-side duplicate-subscription
	// cleanup on customer.subscription.created. Requires an API key.
	DetectDuplicates bool

	// CustomerIDResolver lets the app provide an O(1) user to customer
	// lookup for SyncUser. If nil, the stored mapping is used, falling
	// back to the Stripe Search API.
	CustomerIDResolver func(context.Context, string) (string, error)
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	config             Config
	storage            creditkit.Store
	ledger             *creditkit.Ledger
	reconciler         *creditkit.Reconciler
	catalog            *creditkit.Catalog
	usage              *creditkit.UsageAggregator
	topups             *creditkit.FailureTracker
	callbacks          *billing.Callbacks
	eventLog           billing.EventLog
	httpClient         *http.Client
	rateLimiter        *internal.RateLimiter
	webhookSecret      []byte
	apiKey             string
	stripeClient       *stripe.Client
	detectDuplicates   bool
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             creditkit.Logger
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Storage == nil || config.Ledger == nil || config.Reconciler == nil || config.Catalog == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	// The API key is optional: a webhook-only deployment never calls out.
	// SyncUser and duplicate detection require it.
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	var stripeClient *stripe.Client
	if apiKey != "" {
		stripeClient = stripe.NewClient(apiKey)
	}
	if config.DetectDuplicates && stripeClient == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := []byte(strings.TrimSpace(config.StripeWebhookSecret))

	eventLog := config.EventLog
	if eventLog == nil {
		eventLog = billing.NewMemoryEventLog(defaultEventLogTTL)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &creditkit.NoopLogger{}
	}

	limiter := internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)

	return &Provider{
		config:             config,
		storage:            config.Storage,
		ledger:             config.Ledger,
		reconciler:         config.Reconciler,
		catalog:            config.Catalog,
		usage:              config.Usage,
		topups:             config.Topups,
		callbacks:          config.Callbacks,
		eventLog:           eventLog,
		httpClient:         httpClient,
		rateLimiter:        limiter,
		webhookSecret:      webhookSecret,
		apiKey:             apiKey,
		stripeClient:       stripeClient,
		detectDuplicates:   config.DetectDuplicates,
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
		logger:             logger,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

// SyncUser reconciles the user's subscription state from the Stripe API and
// returns the active price id, or "" when the user has no active
// subscription.
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	return p.syncUserFromAPI(ctx, userID)
}
