// Package dispatch is the request-scoped façade over the credit ledger and
// the job queue. It owns the reserve → submit → wait → reconcile sequence:
// exactly one credit is reserved before a job is enqueued, and exactly one
// of commit or refund resolves the reservation once the outcome is known.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/app/ledger"
	"github.com/credence-ai/credence/internal/app/queue"
	"github.com/credence-ai/credence/internal/domain"
	"github.com/credence-ai/credence/internal/infra/observability"
	"github.com/credence-ai/credence/internal/infra/sqlite"
)

// Config tunes the dispatcher.
type Config struct {
	// DefaultDeadline bounds the synchronous wait when the caller does not
	// supply one. Zero means callers wait only if they ask to.
	DefaultDeadline time.Duration `toml:"default_deadline"`

	// PollInterval is how often the streaming façade checks for a terminal
	// result and emits a keepalive event in between.
	PollInterval time.Duration `toml:"poll_interval"`
}

// DefaultConfig returns dispatcher settings suitable for production.
func DefaultConfig() Config {
	return Config{
		DefaultDeadline: 2 * time.Minute,
		PollInterval:    500 * time.Millisecond,
	}
}

// Response is the successful outcome of a dispatched request.
type Response struct {
	ChatID    string `json:"chat_id"`
	JobID     string `json:"job_id"`
	Text      string `json:"text"`
	Remaining int64  `json:"remaining_credits"`
}

// AdvisoryError reports a failure that happened after the credit was
// committed and the response produced. The response is still usable; the
// error only flags degraded bookkeeping (e.g. the chat record was not
// persisted). Callers must not treat it as a billing failure.
type AdvisoryError struct {
	Resp Response
	Err  error
}

func (e *AdvisoryError) Error() string {
	return fmt.Sprintf("response delivered, bookkeeping degraded: %v", e.Err)
}

func (e *AdvisoryError) Unwrap() error { return e.Err }

// Dispatcher coordinates one request end to end.
type Dispatcher struct {
	cfg    Config
	ledger *ledger.Ledger
	queue  *queue.Queue
	db     *sqlite.DB
	log    *zap.Logger
}

// DefaultDeadline returns the configured synchronous wait bound, for
// callers that do not supply their own.
func (d *Dispatcher) DefaultDeadline() time.Duration { return d.cfg.DefaultDeadline }

// New returns a dispatcher over the given ledger, queue and store.
func New(cfg Config, lg *ledger.Ledger, q *queue.Queue, db *sqlite.DB, log *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, ledger: lg, queue: q, db: db, log: log}
}

// ─── Synchronous Façade ─────────────────────────────────────────────────────

// Handle runs the full request sequence and blocks up to deadline for the
// result. A zero deadline fails fast: the job is still enqueued and charged
// for, but only an already-available result is returned.
//
// Error contract: ErrInsufficientCredit means nothing was charged and no job
// exists. ErrInferenceFailed and ErrDeadlineExceeded mean the credit was
// refunded. An *AdvisoryError carries a usable response whose credit was
// committed.
func (d *Dispatcher) Handle(ctx context.Context, principalID, input string, deadline time.Duration) (Response, error) {
	start := time.Now()
	resp, err := d.handle(ctx, principalID, input, deadline)
	observability.DispatchWaitDuration.Observe(time.Since(start).Seconds())
	observability.DispatchRequests.WithLabelValues(outcomeLabel(err)).Inc()
	return resp, err
}

func (d *Dispatcher) handle(ctx context.Context, principalID, input string, deadline time.Duration) (Response, error) {
	jobID := uuid.New().String()

	remaining, err := d.ledger.Reserve(ctx, principalID, jobID)
	if err != nil {
		return Response{}, err
	}

	if err := d.queue.SubmitJob(jobID, principalID, input); err != nil {
		// The job never entered the queue, so the reservation can never be
		// resolved by a result. Undo it here.
		if refunded, rerr := d.ledger.Refund(jobID); rerr == nil {
			remaining = refunded
		}
		return Response{}, err
	}

	res, err := d.await(ctx, jobID, deadline)
	if err != nil {
		restored, rerr := d.ledger.Refund(jobID)
		if rerr != nil {
			d.log.Error("refund failed after wait expiry",
				zap.String("job_id", jobID), zap.Error(rerr))
			return Response{}, rerr
		}
		d.log.Info("request refunded",
			zap.String("job_id", jobID),
			zap.String("principal_id", principalID),
			zap.Int64("balance", restored),
			zap.Error(err))
		return Response{}, err
	}

	return d.reconcile(principalID, input, jobID, remaining, res)
}

// await blocks for the job's terminal result. deadline == 0 checks once and
// returns ErrDeadlineExceeded if the result is not already available.
func (d *Dispatcher) await(ctx context.Context, jobID string, deadline time.Duration) (domain.Result, error) {
	if deadline <= 0 {
		res, err := d.queue.PeekResult(jobID)
		if err != nil {
			return domain.Result{}, err
		}
		if res == nil {
			return domain.Result{}, domain.ErrDeadlineExceeded
		}
		return *res, nil
	}

	ch, cancel, err := d.queue.Subscribe(jobID)
	if err != nil {
		return domain.Result{}, err
	}
	defer cancel()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return domain.Result{}, domain.ErrQueueClosed
		}
		return res, nil
	case <-timer.C:
		return domain.Result{}, domain.ErrDeadlineExceeded
	case <-ctx.Done():
		// The caller gave up; the job keeps running but the wait is over.
		return domain.Result{}, domain.ErrDeadlineExceeded
	}
}

// reconcile resolves the reservation against a terminal result: commit on a
// usable response, refund on a failed one. It runs at most once per request;
// a second resolution attempt elsewhere loses the guarded update and no-ops.
func (d *Dispatcher) reconcile(principalID, input, jobID string, remaining int64, res domain.Result) (Response, error) {
	if !res.Ok() {
		restored, err := d.ledger.Refund(jobID)
		if err != nil {
			return Response{}, err
		}
		d.log.Info("inference failed, credit refunded",
			zap.String("job_id", jobID),
			zap.String("reason", res.ErrReason),
			zap.Int64("balance", restored))
		return Response{}, fmt.Errorf("%w: %s", domain.ErrInferenceFailed, res.ErrReason)
	}

	if err := d.ledger.Commit(jobID); err != nil {
		// The response exists and the worker already did the work; the
		// commit retried internally and still failed. Surface it without
		// discarding the answer.
		return Response{}, err
	}

	resp := Response{
		ChatID:    uuid.New().String(),
		JobID:     jobID,
		Text:      res.Text,
		Remaining: remaining,
	}

	rec := domain.ChatRecord{
		ID:          resp.ChatID,
		PrincipalID: principalID,
		Message:     input,
		Response:    res.Text,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.db.InsertChat(rec); err != nil {
		d.log.Warn("chat record not persisted",
			zap.String("job_id", jobID), zap.Error(err))
		return resp, &AdvisoryError{Resp: resp, Err: err}
	}

	return resp, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, domain.ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(err, domain.ErrInferenceFailed):
		return "inference_failed"
	default:
		var adv *AdvisoryError
		if errors.As(err, &adv) {
			return "ok_degraded"
		}
		return "error"
	}
}

// ─── History & Credits ──────────────────────────────────────────────────────

// History returns the principal's most recent successful exchanges.
func (d *Dispatcher) History(principalID string, limit int) ([]domain.ChatRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return d.db.ListChats(principalID, limit)
}

// Credits returns the principal's current balance.
func (d *Dispatcher) Credits(principalID string) (int64, error) {
	return d.ledger.Balance(principalID)
}
