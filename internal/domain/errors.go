package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")

	// Invalid-argument family.
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidFeeBps     = errors.New("fee exceeds 10000 basis points")
	ErrInvalidConfidence = errors.New("confidence must be between 0 and 100")
	ErrInvalidPayoutBps  = errors.New("payout ratio exceeds 10000 basis points")
	ErrInvalidWindow     = errors.New("open timestamp must precede close timestamp")
	ErrCloseInPast       = errors.New("close timestamp must be in the future")
	ErrNoAuthorityChange = errors.New("new authority equals current authority")
	ErrInvalidOutcome    = errors.New("outcome must be win, loss, or neutral")
	ErrFieldTooLong      = errors.New("field exceeds maximum length")

	// State-conflict family.
	ErrPoolClosed      = errors.New("pool is closed")
	ErrPoolStillActive = errors.New("pool close window has not elapsed")
	ErrAlreadyResolved = errors.New("prediction already resolved")

	// Reference-mismatch family.
	ErrAssetMismatch      = errors.New("account asset does not match pool asset")
	ErrVaultOwnerMismatch = errors.New("vault is not owned by the pool")
	ErrRegistryMismatch   = errors.New("pool does not belong to this registry")

	// Checked arithmetic.
	ErrOverflow = errors.New("arithmetic overflow")

	// Custody.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
