// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import (
	"time"
)

// ─── Principal Types ────────────────────────────────────────────────────────

// Principal is a credit-holding identity. The balance is an integer credit
// count and must never go negative; it is mutated only through the Ledger.
type Principal struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// ─── Job Types ──────────────────────────────────────────────────────────────

// JobState tracks a job through its lifecycle.
// PENDING → RUNNING → {SUCCEEDED, FAILED, TIMED_OUT, CANCELLED}.
// Terminal states are sinks. RUNNING may revert to PENDING when a worker
// lease expires before a result was published (re-delivery).
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobTimedOut  JobState = "TIMED_OUT"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether the state is a sink.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving to next.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		// Back to PENDING only via lease expiry; otherwise terminal.
		return next == JobPending || next.Terminal()
	}
	return false
}

// Job is one inference request tracked through queueing and execution.
type Job struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Input       string    `json:"input"`
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ─── Result Types ───────────────────────────────────────────────────────────

// Result is the terminal outcome of a job, written once by the worker pool
// and read by the dispatcher for reconciliation.
type Result struct {
	JobID       string    `json:"job_id"`
	Text        string    `json:"text,omitempty"`
	ErrReason   string    `json:"err_reason,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Ok reports whether the job produced a usable response.
func (r Result) Ok() bool { return r.ErrReason == "" }

// ─── Chat Types ─────────────────────────────────────────────────────────────

// ChatRecord is the persisted message/response pair, written only on success.
type ChatRecord struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Message     string    `json:"message"`
	Response    string    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
}

// ─── Notification Types ─────────────────────────────────────────────────────

// NotificationKind classifies a notification row.
type NotificationKind string

const (
	NotifyDeposit    NotificationKind = "deposit"
	NotifyLowCredits NotificationKind = "low_credits"
)

// Notification is a user-facing message produced by deposits and the
// low-credit maintenance sweep.
type Notification struct {
	ID          string           `json:"id"`
	PrincipalID string           `json:"principal_id"`
	Kind        NotificationKind `json:"kind"`
	Message     string           `json:"message"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ─── Payment Types ──────────────────────────────────────────────────────────

// CreditPackage is a purchasable bundle of credits. Prices are in cents.
type CreditPackage struct {
	ID      string `json:"id"`
	Credits int64  `json:"credits"`
	Price   int64  `json:"price"`
}

// DefaultCreditPackages returns the packages offered to buyers.
func DefaultCreditPackages() []CreditPackage {
	return []CreditPackage{
		{ID: "basic", Credits: 100, Price: 5_00},
		{ID: "standard", Credits: 300, Price: 12_00},
		{ID: "premium", Credits: 1000, Price: 30_00},
	}
}

// DepositEvent is the idempotency-keyed event delivered by the payment
// collaborator when a purchase succeeds. Duplicate keys must be ignored.
type DepositEvent struct {
	PrincipalID    string `json:"principal_id"`
	Credits        int64  `json:"credits"`
	IdempotencyKey string `json:"idempotency_key"`
}
