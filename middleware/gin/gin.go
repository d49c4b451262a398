// Package gin provides Gin middleware that debits credits per request.
package gin

import (
	"errors"
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// KeyExtractor extracts the credit key from a Gin context.
// For example: "api_calls", "tokens", "render_minutes".
type KeyExtractor func(c *gongin.Context) string

// AmountExtractor calculates the number of credits to debit from the Gin
// context.
type AmountExtractor func(c *gongin.Context) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key from a Gin context.
// Return empty string if no idempotency key is available.
type IdempotencyKeyExtractor func(c *gongin.Context) string

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
	OnInsufficientBalance func(c *gongin.Context, balance int64)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that debits credits per request.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("creditkit/gin: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("creditkit/gin: Config.GetUserID is required")
	}
	if cfg.GetKey == nil {
		panic("creditkit/gin: Config.GetKey is required")
	}
	if cfg.GetAmount == nil {
		panic("creditkit/gin: Config.GetAmount is required")
	}

	if cfg.InsufficientStatusCode == 0 {
		cfg.InsufficientStatusCode = http.StatusPaymentRequired
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader("X-Request-ID")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		key := cfg.GetKey(c)
		amount, err := cfg.GetAmount(c)
		if err != nil || amount <= 0 {
			if err == nil {
				err = fmt.Errorf("invalid amount: %d", amount)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}

		idempotencyKey := cfg.GetIdempotencyKey(c)
		if idempotencyKey == "" {
			idempotencyKey = uuid.NewString()
		}

		ctx := c.Request.Context()
		_, err = cfg.Ledger.Debit(ctx, userID, key, amount,
			"http", c.Request.Method+" "+c.FullPath(), idempotencyKey)
		if err != nil {
			if errors.Is(err, creditkit.ErrInsufficientBalance) {
				balance, _ := cfg.Ledger.GetBalance(ctx, userID, key)
				if cfg.OnInsufficientBalance != nil {
					cfg.OnInsufficientBalance(c, balance)
				} else {
					c.JSON(cfg.InsufficientStatusCode, gongin.H{
						"error":   "Insufficient credits",
						"key":     key,
						"balance": balance,
					})
				}
				c.Abort()
				return
			}

			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Common extractors for convenience

// UserIDFromHeader returns a UserIDExtractor that gets user ID from a header.
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// UserIDFromContext returns a UserIDExtractor that gets user ID from the Gin
// context (set by an auth middleware via c.Set).
func UserIDFromContext(contextKey string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, ok := c.Get(contextKey); ok {
			if s, ok := userID.(string); ok {
				return s
			}
		}
		return ""
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that reads the
// given header.
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FixedKey returns a KeyExtractor that always returns a fixed credit key.
func FixedKey(key string) KeyExtractor {
	return func(c *gongin.Context) string {
		return key
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount.
func FixedAmount(amount int64) AmountExtractor {
	return func(c *gongin.Context) (int64, error) {
		return amount, nil
	}
}
