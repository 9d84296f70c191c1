package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrAbortedComputation means the cluster could not produce a result.
	ErrAbortedComputation = errors.New("computation aborted")
	// ErrPreconditionViolated means a market or position is not in the
	// lifecycle state the operation needs.
	ErrPreconditionViolated = errors.New("precondition violated")
	// ErrAmountConversion means a plaintext amount was negative or does not
	// fit the token ledger.
	ErrAmountConversion = errors.New("amount conversion failed")
	// ErrStaleNonce means a result was computed from a ciphertext version
	// that is no longer current.
	ErrStaleNonce = errors.New("stale nonce")
	// ErrInsufficientFunds means a token account cannot cover a transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
