// Package ledger implements credit accounting: atomic reserve, one-shot
// commit/refund reconciliation keyed by job id, and idempotent deposits.
//
// The ledger is the only shared mutable resource in the pipeline. Balance
// mutations are serialized per principal; operations on different principals
// never block each other. Workers never call into this package — all
// reconciliation goes through the dispatcher, keeping accounting in one place.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/domain"
	"github.com/credence-ai/credence/internal/infra/observability"
	"github.com/credence-ai/credence/internal/infra/sqlite"
)

// Config controls ledger behavior.
type Config struct {
	RetryAttempts int           // reconciliation write attempts before escalating
	RetryBackoff  time.Duration // initial backoff between attempts (doubles)
}

// DefaultConfig returns safe ledger defaults.
func DefaultConfig() Config {
	return Config{
		RetryAttempts: 5,
		RetryBackoff:  100 * time.Millisecond,
	}
}

// Ledger mediates all credit mutations.
type Ledger struct {
	cfg Config
	db  *sqlite.DB
	log *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-principal serialization
}

// New creates a ledger backed by db.
func New(cfg Config, db *sqlite.DB, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		cfg:   cfg,
		db:    db,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing balance mutations for a principal.
func (l *Ledger) lockFor(principalID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[principalID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[principalID] = m
	}
	return m
}

// CreatePrincipal registers an account with a starting balance. Existing
// accounts keep their balance.
func (l *Ledger) CreatePrincipal(id string, balance int64) error {
	return l.db.CreatePrincipal(id, balance)
}

// Balance returns the principal's current balance.
func (l *Ledger) Balance(principalID string) (int64, error) {
	return l.db.GetBalance(principalID)
}

// Entries returns the principal's most recent ledger entries.
func (l *Ledger) Entries(principalID string, limit int) ([]domain.LedgerEntry, error) {
	return l.db.ListLedgerEntries(principalID, limit)
}

// Reserve atomically checks balance > 0 and debits one credit, recording a
// HELD reservation for jobID. Fails fast with ErrInsufficientCredit without
// touching anything else. No two concurrent reserves on the same principal
// can both succeed when only one credit remains.
func (l *Ledger) Reserve(ctx context.Context, principalID, jobID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	lock := l.lockFor(principalID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.db.ReserveCredit(principalID, jobID)
	switch {
	case err == nil:
		observability.LedgerReserves.WithLabelValues("ok").Inc()
	case err == domain.ErrInsufficientCredit || err == domain.ErrUnknownPrincipal:
		observability.LedgerReserves.WithLabelValues("insufficient").Inc()
	default:
		observability.LedgerReserves.WithLabelValues("error").Inc()
	}
	return balance, err
}

// Commit marks the reservation for jobID permanently consumed. Idempotent:
// a reservation already committed or refunded is left untouched.
//
// Commit deliberately takes no context: caller cancellation must never
// cancel a reconciliation. Store errors are retried with backoff; losing a
// reconciliation is the worst failure mode this system has, so exhaustion is
// logged loudly and surfaced as ErrLedgerUnavailable.
func (l *Ledger) Commit(jobID string) error {
	_, _, err := l.resolve(jobID, domain.ReservationCommitted, false, "commit")
	return err
}

// Refund returns the reserved credit for jobID to the balance. Idempotent
// under the same rules as Commit. Returns the balance after the refund (or
// the current balance when the call was a no-op).
func (l *Ledger) Refund(jobID string) (int64, error) {
	_, balance, err := l.resolve(jobID, domain.ReservationRefunded, true, "refund")
	return balance, err
}

func (l *Ledger) resolve(jobID string, state domain.ReservationState, refund bool, action string) (bool, int64, error) {
	backoff := l.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt < l.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.LedgerRetries.Inc()
			time.Sleep(backoff)
			backoff *= 2
		}

		won, balance, err := l.db.ResolveReservation(jobID, state, refund)
		if err != nil {
			lastErr = err
			l.log.Warn("ledger reconciliation write failed, retrying",
				zap.String("action", action),
				zap.String("job_id", jobID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if won {
			observability.LedgerReconciliations.WithLabelValues(action, "resolved").Inc()
		} else {
			observability.LedgerReconciliations.WithLabelValues(action, "noop").Inc()
			// Already resolved; report the live balance for no-op refunds.
			if r, rerr := l.db.GetReservation(jobID); rerr == nil && r != nil {
				if b, berr := l.db.GetBalance(r.PrincipalID); berr == nil {
					balance = b
				}
			}
		}
		return won, balance, nil
	}

	l.log.Error("ledger reconciliation abandoned after retries, operator attention required",
		zap.String("action", action),
		zap.String("job_id", jobID),
		zap.Error(lastErr))
	return false, 0, fmt.Errorf("%w: %s %s: %v", domain.ErrLedgerUnavailable, action, jobID, lastErr)
}

// Deposit credits the principal's balance once per idempotency key. Replayed
// keys (payment webhook retries) return ErrDuplicateDeposit and change
// nothing.
func (l *Ledger) Deposit(ctx context.Context, ev domain.DepositEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	lock := l.lockFor(ev.PrincipalID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.db.ApplyDeposit(ev)
	switch {
	case err == nil:
		observability.LedgerDeposits.WithLabelValues("applied").Inc()
	case err == domain.ErrDuplicateDeposit:
		observability.LedgerDeposits.WithLabelValues("duplicate").Inc()
	default:
		observability.LedgerDeposits.WithLabelValues("error").Inc()
	}
	return balance, err
}

// Reservation exposes the stored reservation for a job, mainly for tests
// and operational inspection.
func (l *Ledger) Reservation(jobID string) (*domain.Reservation, error) {
	return l.db.GetReservation(jobID)
}
