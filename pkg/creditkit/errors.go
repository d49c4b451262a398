package creditkit

import "errors"

var (
	// ErrInsufficientBalance is returned when a debit exceeds the current balance
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for zero or negative amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrValidation is returned for malformed or ambiguous requests
	ErrValidation = errors.New("validation failed")

	// ErrPlanNotFound is returned for an unknown plan or price
	ErrPlanNotFound = errors.New("plan not found")

	// ErrSubscriptionNotFound is returned when no subscription row exists
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUserMappingNotFound is returned when a processor customer has no
	// known user mapping
	ErrUserMappingNotFound = errors.New("user mapping not found")

	// ErrIdempotencyKeyExists signals that a ledger write with the same
	// idempotency key already committed. Stores use it internally; the
	// ledger engine recovers by returning the previously committed result.
	ErrIdempotencyKeyExists = errors.New("idempotency key exists")

	// ErrStorageUnavailable is returned when the store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)
