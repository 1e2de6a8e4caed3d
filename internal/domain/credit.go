package domain

import "time"

// ─── Credit Types ───────────────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// The ledger implementation is in internal/app/ledger.

// EntryType represents the accounting side of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// TransactionType represents the business reason for a credit operation.
type TransactionType string

const (
	TxReserve TransactionType = "RESERVE"
	TxCommit  TransactionType = "COMMIT"
	TxRefund  TransactionType = "REFUND"
	TxDeposit TransactionType = "DEPOSIT"
)

// LedgerEntry is a single row in the credit ledger audit trail.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        TransactionType `json:"type"`
	EntryType   EntryType       `json:"entry_type"`
	PrincipalID string          `json:"principal_id"`
	Amount      int64           `json:"amount"`
	JobID       string          `json:"job_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Balance     int64           `json:"balance"`
}

// ReservationState tracks a provisional debit until it is resolved.
// Exactly one transition out of HELD ever happens; COMMITTED and REFUNDED
// are sinks, which is what makes reconciliation idempotent.
type ReservationState string

const (
	ReservationHeld      ReservationState = "HELD"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationRefunded  ReservationState = "REFUNDED"
)

// Reservation is one reserved credit tied to exactly one job.
type Reservation struct {
	JobID       string           `json:"job_id"`
	PrincipalID string           `json:"principal_id"`
	State       ReservationState `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	ResolvedAt  time.Time        `json:"resolved_at,omitempty"`
}

// Resolved reports whether the reservation has been committed or refunded.
func (r Reservation) Resolved() bool { return r.State != ReservationHeld }
