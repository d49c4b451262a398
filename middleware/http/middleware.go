// Package http provides HTTP middleware that debits credits per request.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// KeyExtractor extracts the credit key from an HTTP request.
// For example: "api_calls", "tokens", "render_minutes".
type KeyExtractor func(r *http.Request) string

// AmountExtractor calculates the number of credits to debit for the request.
type AmountExtractor func(r *http.Request) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key for the debit.
// Return empty string to have the middleware generate one; retried client
// requests then debit twice, so wire this to a client-supplied request id
// when retries are possible.
type IdempotencyKeyExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Ledger is the credit ledger instance (required)
	Ledger *creditkit.Ledger

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetKey extracts the credit key from request (required)
	GetKey KeyExtractor

	// GetAmount calculates the debit amount from request (required)
	GetAmount AmountExtractor

	// GetIdempotencyKey extracts the debit idempotency key (optional)
	// If nil, defaults to the X-Request-ID header
	GetIdempotencyKey IdempotencyKeyExtractor

	// InsufficientStatusCode is returned when the balance does not cover
	// the debit. Default: 402 Payment Required.
	InsufficientStatusCode int

	// OnInsufficientBalance is called when the balance does not cover the
	// debit. If nil, returns InsufficientStatusCode with the balance.
	OnInsufficientBalance func(w http.ResponseWriter, r *http.Request, balance int64)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that debits credits per request.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Ledger == nil {
		panic("creditkit/http: Config.Ledger is required")
	}
	if config.GetUserID == nil {
		panic("creditkit/http: Config.GetUserID is required")
	}
	if config.GetKey == nil {
		panic("creditkit/http: Config.GetKey is required")
	}
	if config.GetAmount == nil {
		panic("creditkit/http: Config.GetAmount is required")
	}
	if config.InsufficientStatusCode == 0 {
		config.InsufficientStatusCode = http.StatusPaymentRequired
	}
	if config.GetIdempotencyKey == nil {
		config.GetIdempotencyKey = FromHeader("X-Request-ID")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			key := config.GetKey(r)
			amount, err := config.GetAmount(r)
			if err != nil || amount <= 0 {
				if err == nil {
					err = fmt.Errorf("invalid amount: %d", amount)
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			idempotencyKey := config.GetIdempotencyKey(r)
			if idempotencyKey == "" {
				idempotencyKey = uuid.NewString()
			}

			ctx := r.Context()
			_, err = config.Ledger.Debit(ctx, userID, key, amount,
				"http", r.Method+" "+r.URL.Path, idempotencyKey)
			if err != nil {
				if errors.Is(err, creditkit.ErrInsufficientBalance) {
					balance, _ := config.Ledger.GetBalance(ctx, userID, key)
					if config.OnInsufficientBalance != nil {
						config.OnInsufficientBalance(w, r, balance)
					} else {
						msg := fmt.Sprintf("Insufficient credits: %d %s remaining", balance, key)
						http.Error(w, msg, config.InsufficientStatusCode)
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that debits credits per request
// (HandlerFunc version).
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount.
func FixedAmount(amount int64) AmountExtractor {
	return func(r *http.Request) (int64, error) {
		return amount, nil
	}
}

// FixedKey returns a KeyExtractor that always returns a fixed credit key.
func FixedKey(key string) KeyExtractor {
	return func(r *http.Request) string {
		return key
	}
}

// FromHeader returns an extractor that reads a header value.
func FromHeader(headerName string) func(r *http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// ContextKey is a type for context keys.
type ContextKey string

// UserIDKey is the context key for user ID.
const UserIDKey ContextKey = "creditkit:userID"

// FromContext returns a UserIDExtractor that gets user ID from request
// context.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// WithUserID adds user ID to request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
