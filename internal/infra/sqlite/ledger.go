// Ledger persistence: accounts, reservations, deposits, and the audit trail.
// Every mutation here runs inside a single transaction so a crash can never
// leave a debit without its reservation row or vice versa.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/credence-ai/credence/internal/domain"
)

// ─── Account Operations ─────────────────────────────────────────────────────

// CreatePrincipal inserts an account with a starting balance.
// Existing accounts are left untouched.
func (db *DB) CreatePrincipal(id string, balance int64) error {
	_, err := db.db.Exec(`
		INSERT OR IGNORE INTO accounts (id, balance, created_at)
		VALUES (?, ?, ?)
	`, id, balance, time.Now().UTC().Format(time.RFC3339))
	return err
}

// GetBalance returns the current balance for a principal.
func (db *DB) GetBalance(id string) (int64, error) {
	var balance int64
	err := db.db.QueryRow(`SELECT balance FROM accounts WHERE id = ?`, id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrUnknownPrincipal
	}
	return balance, err
}

// ListLowBalancePrincipals returns ids of principals at or below threshold.
func (db *DB) ListLowBalancePrincipals(threshold int64) ([]string, error) {
	rows, err := db.db.Query(`SELECT id FROM accounts WHERE balance <= ?`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ─── Reservation Operations ─────────────────────────────────────────────────

// ReserveCredit atomically decrements the balance by one and records a HELD
// reservation for jobID. Returns the new balance.
// The conditional UPDATE is the linearization point: of two concurrent
// reserves against a balance of one, exactly one sees a row affected.
func (db *DB) ReserveCredit(principalID, jobID string) (int64, error) {
	tx, err := db.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM accounts WHERE id = ?`, principalID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, domain.ErrUnknownPrincipal
	}

	res, err := tx.Exec(`
		UPDATE accounts SET balance = balance - 1 WHERE id = ? AND balance > 0
	`, principalID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, domain.ErrInsufficientCredit
	}

	var balance int64
	if err := tx.QueryRow(`SELECT balance FROM accounts WHERE id = ?`, principalID).Scan(&balance); err != nil {
		return 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		INSERT INTO reservations (job_id, principal_id, state, created_at)
		VALUES (?, ?, ?, ?)
	`, jobID, principalID, domain.ReservationHeld, now); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		INSERT INTO ledger_entries (timestamp, type, entry_type, principal_id, amount, job_id, balance)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, now, domain.TxReserve, domain.EntryDebit, principalID, jobID, balance); err != nil {
		return 0, err
	}

	return balance, tx.Commit()
}

// ResolveReservation moves a HELD reservation to its final state. The guard
// on state = HELD makes resolution one-shot: the first caller wins, every
// later call reports won = false and changes nothing.
// When refund is true, the held credit is returned to the balance.
func (db *DB) ResolveReservation(jobID string, state domain.ReservationState, refund bool) (won bool, balance int64, err error) {
	tx, err := db.db.Begin()
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(`
		UPDATE reservations SET state = ?, resolved_at = ?
		WHERE job_id = ? AND state = ?
	`, state, now, jobID, domain.ReservationHeld)
	if err != nil {
		return false, 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	if affected == 0 {
		return false, 0, tx.Commit()
	}

	var principalID string
	if err := tx.QueryRow(`SELECT principal_id FROM reservations WHERE job_id = ?`, jobID).Scan(&principalID); err != nil {
		return false, 0, err
	}

	txType := domain.TxCommit
	entryType := domain.EntryDebit
	if refund {
		txType = domain.TxRefund
		entryType = domain.EntryCredit
		if _, err := tx.Exec(`UPDATE accounts SET balance = balance + 1 WHERE id = ?`, principalID); err != nil {
			return false, 0, err
		}
	}

	if err := tx.QueryRow(`SELECT balance FROM accounts WHERE id = ?`, principalID).Scan(&balance); err != nil {
		return false, 0, err
	}

	if _, err := tx.Exec(`
		INSERT INTO ledger_entries (timestamp, type, entry_type, principal_id, amount, job_id, balance)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, now, txType, entryType, principalID, jobID, balance); err != nil {
		return false, 0, err
	}

	return true, balance, tx.Commit()
}

// GetReservation retrieves a reservation by job id.
func (db *DB) GetReservation(jobID string) (*domain.Reservation, error) {
	var r domain.Reservation
	var createdStr string
	var resolvedStr sql.NullString
	err := db.db.QueryRow(`
		SELECT job_id, principal_id, state, created_at, resolved_at
		FROM reservations WHERE job_id = ?
	`, jobID).Scan(&r.JobID, &r.PrincipalID, &r.State, &createdStr, &resolvedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	if resolvedStr.Valid {
		r.ResolvedAt, _ = time.Parse(time.RFC3339, resolvedStr.String)
	}
	return &r, nil
}

// ─── Deposit Operations ─────────────────────────────────────────────────────

// ApplyDeposit credits an account once per idempotency key. A replayed key
// returns ErrDuplicateDeposit and leaves the balance untouched.
func (db *DB) ApplyDeposit(ev domain.DepositEvent) (int64, error) {
	if ev.Credits <= 0 {
		return 0, fmt.Errorf("deposit credits must be positive, got %d", ev.Credits)
	}

	tx, err := db.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO deposits (idempotency_key, principal_id, credits, applied_at)
		VALUES (?, ?, ?, ?)
	`, ev.IdempotencyKey, ev.PrincipalID, ev.Credits, now)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, domain.ErrDuplicateDeposit
	}

	// The payment collaborator may report a principal we have not seen yet.
	if _, err := tx.Exec(`
		INSERT INTO accounts (id, balance, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET balance = balance + excluded.balance
	`, ev.PrincipalID, ev.Credits, now); err != nil {
		return 0, err
	}

	var balance int64
	if err := tx.QueryRow(`SELECT balance FROM accounts WHERE id = ?`, ev.PrincipalID).Scan(&balance); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		INSERT INTO ledger_entries (timestamp, type, entry_type, principal_id, amount, description, balance)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, now, domain.TxDeposit, domain.EntryCredit, ev.PrincipalID, ev.Credits, "payment "+ev.IdempotencyKey, balance); err != nil {
		return 0, err
	}

	return balance, tx.Commit()
}

// ─── Ledger Entry Operations ────────────────────────────────────────────────

// ListLedgerEntries returns the most recent entries for a principal.
func (db *DB) ListLedgerEntries(principalID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := db.db.Query(`
		SELECT id, timestamp, type, entry_type, principal_id, amount, COALESCE(job_id, ''), description, balance
		FROM ledger_entries WHERE principal_id = ?
		ORDER BY id DESC LIMIT ?
	`, principalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var tsStr string
		if err := rows.Scan(&e.ID, &tsStr, &e.Type, &e.EntryType, &e.PrincipalID, &e.Amount, &e.JobID, &e.Description, &e.Balance); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
