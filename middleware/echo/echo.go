// Package echo provides Echo middleware that debits credits per request.
package echo

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// KeyExtractor extracts the credit key from an Echo context.
type KeyExtractor func(c echo.Context) string

// AmountExtractor calculates the number of credits to debit from the Echo
// context.
type AmountExtractor func(c echo.Context) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key from an Echo context.
// Return empty string if no idempotency key is available.
type IdempotencyKeyExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Ledger is the credit ledger instance (required)
	Ledger *creditkit.Ledger

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetKey extracts the credit key from context (required)
	GetKey KeyExtractor

	// GetAmount calculates the debit amount from context (required)
	GetAmount AmountExtractor

	// GetIdempotencyKey extracts the debit idempotency key (optional)
	// If nil, defaults to extracting from X-Request-ID header
	GetIdempotencyKey IdempotencyKeyExtractor

	// InsufficientStatusCode is the HTTP status code to return when the
	// balance does not cover the debit. Default: 402 Payment Required.
	InsufficientStatusCode int

	// OnInsufficientBalance is called when the balance does not cover the
	// debit. If nil, uses a default JSON response with the balance.
	OnInsufficientBalance func(c echo.Context, balance int64) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that debits credits per request.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Ledger == nil {
		panic("creditkit/echo: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("creditkit/echo: Config.GetUserID is required")
	}
	if cfg.GetKey == nil {
		panic("creditkit/echo: Config.GetKey is required")
	}
	if cfg.GetAmount == nil {
		panic("creditkit/echo: Config.GetAmount is required")
	}

	if cfg.InsufficientStatusCode == 0 {
		cfg.InsufficientStatusCode = http.StatusPaymentRequired
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader("X-Request-ID")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			key := cfg.GetKey(c)
			amount, err := cfg.GetAmount(c)
			if err != nil || amount <= 0 {
				if err == nil {
					err = fmt.Errorf("invalid amount: %d", amount)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}

			idempotencyKey := cfg.GetIdempotencyKey(c)
			if idempotencyKey == "" {
				idempotencyKey = uuid.NewString()
			}

			ctx := c.Request().Context()
			_, err = cfg.Ledger.Debit(ctx, userID, key, amount,
				"http", c.Request().Method+" "+c.Path(), idempotencyKey)
			if err != nil {
				if errors.Is(err, creditkit.ErrInsufficientBalance) {
					balance, _ := cfg.Ledger.GetBalance(ctx, userID, key)
					if cfg.OnInsufficientBalance != nil {
						return cfg.OnInsufficientBalance(c, balance)
					}
					return c.JSON(cfg.InsufficientStatusCode, map[string]interface{}{
						"error":   "Insufficient credits",
						"key":     key,
						"balance": balance,
					})
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			return next(c)
		}
	}
}

// Common extractors for convenience

// UserIDFromHeader returns a UserIDExtractor that gets user ID from a header.
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// UserIDFromContext returns a UserIDExtractor that gets user ID from the Echo
// context (set by an auth middleware via c.Set).
func UserIDFromContext(contextKey string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(contextKey).(string); ok {
			return userID
		}
		return ""
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that reads the
// given header.
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FixedKey returns a KeyExtractor that always returns a fixed credit key.
func FixedKey(key string) KeyExtractor {
	return func(c echo.Context) string {
		return key
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount.
func FixedAmount(amount int64) AmountExtractor {
	return func(c echo.Context) (int64, error) {
		return amount, nil
	}
}
