// Package fiber provides Fiber middleware that debits credits per request.
package fiber

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// KeyExtractor extracts the credit key from a Fiber context.
type KeyExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the number of credits to debit from the Fiber
// context.
type AmountExtractor func(c *fiber.Ctx) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key from a Fiber context.
// Return empty string if no idempotency key is available.
type IdempotencyKeyExtractor func(c *fiber.Ctx) string

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
	OnInsufficientBalance func(c *fiber.Ctx, balance int64) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that debits credits per request.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Ledger == nil {
		panic("creditkit/fiber: Config.Ledger is required")
	}
	if cfg.GetUserID == nil {
		panic("creditkit/fiber: Config.GetUserID is required")
	}
	if cfg.GetKey == nil {
		panic("creditkit/fiber: Config.GetKey is required")
	}
	if cfg.GetAmount == nil {
		panic("creditkit/fiber: Config.GetAmount is required")
	}

	if cfg.InsufficientStatusCode == 0 {
		cfg.InsufficientStatusCode = http.StatusPaymentRequired
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader("X-Request-ID")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
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
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}

		idempotencyKey := cfg.GetIdempotencyKey(c)
		if idempotencyKey == "" {
			idempotencyKey = uuid.NewString()
		}

		ctx := c.UserContext()
		_, err = cfg.Ledger.Debit(ctx, userID, key, amount,
			"http", c.Method()+" "+c.Path(), idempotencyKey)
		if err != nil {
			if errors.Is(err, creditkit.ErrInsufficientBalance) {
				balance, _ := cfg.Ledger.GetBalance(ctx, userID, key)
				if cfg.OnInsufficientBalance != nil {
					return cfg.OnInsufficientBalance(c, balance)
				}
				return c.Status(cfg.InsufficientStatusCode).JSON(fiber.Map{
					"error":   "Insufficient credits",
					"key":     key,
					"balance": balance,
				})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		return c.Next()
	}
}

// Common extractors for convenience

// UserIDFromHeader returns a UserIDExtractor that gets user ID from a header.
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// UserIDFromLocals returns a UserIDExtractor that gets user ID from Fiber
// locals (set by an auth middleware via c.Locals).
func UserIDFromLocals(localsKey string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(localsKey).(string); ok {
			return userID
		}
		return ""
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that reads the
// given header.
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FixedKey returns a KeyExtractor that always returns a fixed credit key.
func FixedKey(key string) KeyExtractor {
	return func(c *fiber.Ctx) string {
		return key
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount.
func FixedAmount(amount int64) AmountExtractor {
	return func(c *fiber.Ctx) (int64, error) {
		return amount, nil
	}
}
