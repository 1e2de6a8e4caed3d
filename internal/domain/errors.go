package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Ledger errors
	ErrInsufficientCredit = errors.New("insufficient credits")
	ErrLedgerUnavailable  = errors.New("ledger store unavailable")
	ErrDuplicateDeposit   = errors.New("deposit already applied for idempotency key")
	ErrUnknownPrincipal   = errors.New("principal not found")

	// Dispatch errors
	ErrDeadlineExceeded = errors.New("deadline exceeded waiting for inference result")
	ErrInferenceFailed  = errors.New("inference failed")

	// Queue errors
	ErrJobNotFound  = errors.New("job not found")
	ErrQueueClosed  = errors.New("job queue is closed")
	ErrNoJobMatched = errors.New("no claimable job")
)
