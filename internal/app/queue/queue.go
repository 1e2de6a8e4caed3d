// Package queue implements the durable job queue and result store that
// decouple request submission from worker execution.
//
// Delivery is at-least-once: a claim takes a lease, and the reaper returns
// jobs whose lease expired without a published result to PENDING. Results
// are write-once and garbage-collected after a retention window.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/domain"
	"github.com/credence-ai/credence/internal/infra/observability"
	"github.com/credence-ai/credence/internal/infra/sqlite"
)

// Config controls queue behavior.
type Config struct {
	Lease           time.Duration // how long a claimed job may run before re-delivery
	MaxAttempts     int           // delivery attempts before a job is abandoned
	ReaperInterval  time.Duration // how often expired leases are swept
	ResultRetention time.Duration // how long terminal results are kept
}

// DefaultConfig returns safe queue defaults. The lease must exceed the
// worker's per-job timeout or healthy jobs would be re-delivered mid-flight.
func DefaultConfig() Config {
	return Config{
		Lease:           6 * time.Minute,
		MaxAttempts:     3,
		ReaperInterval:  30 * time.Second,
		ResultRetention: time.Hour,
	}
}

// Queue is the durable work queue plus the per-job result rendezvous.
type Queue struct {
	cfg Config
	db  *sqlite.DB
	log *zap.Logger

	mu      sync.Mutex
	waiters map[string][]chan domain.Result // job id → result subscribers
	wake    chan struct{}                   // nudges blocked claimers
	closed  bool
}

// New creates a queue backed by db.
func New(cfg Config, db *sqlite.DB, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		cfg:     cfg,
		db:      db,
		log:     log,
		waiters: make(map[string][]chan domain.Result),
		wake:    make(chan struct{}, 1),
	}
}

// ─── Submission ─────────────────────────────────────────────────────────────

// Submit enqueues a job for the principal and returns its id immediately.
func (q *Queue) Submit(principalID, input string) (string, error) {
	jobID := uuid.New().String()
	if err := q.SubmitJob(jobID, principalID, input); err != nil {
		return "", err
	}
	return jobID, nil
}

// SubmitJob enqueues a job under a caller-chosen id. The dispatcher uses
// this to key the credit reservation to the job before it is enqueued.
func (q *Queue) SubmitJob(jobID, principalID, input string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return domain.ErrQueueClosed
	}

	job := domain.Job{
		ID:          jobID,
		PrincipalID: principalID,
		Input:       input,
		State:       domain.JobPending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := q.db.InsertJob(job); err != nil {
		return err
	}

	q.nudge()
	return nil
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ─── Claiming ───────────────────────────────────────────────────────────────

// Claim blocks until a PENDING job is available or ctx is done. The claimed
// job is RUNNING under a lease; the worker must publish a terminal result
// before the lease expires or the job is re-delivered.
func (q *Queue) Claim(ctx context.Context) (domain.Job, error) {
	for {
		job, err := q.db.ClaimJob()
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, domain.ErrNoJobMatched) {
			return domain.Job{}, err
		}

		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-q.wake:
		case <-time.After(time.Second):
			// Fallback poll in case a nudge was coalesced away.
		}
	}
}

// ─── Results ────────────────────────────────────────────────────────────────

// Publish records the terminal state and result for a job, then wakes every
// subscriber. The result row is write-once: a late duplicate publish (e.g.
// from a worker that lost its lease but finished anyway) is discarded.
func (q *Queue) Publish(jobID string, state domain.JobState, res domain.Result) error {
	if !state.Terminal() {
		return errors.New("publish requires a terminal state")
	}

	// A reaper may have already moved the job; the result row is what the
	// dispatcher reconciles against, so the state update is best-effort.
	if _, err := q.db.UpdateJobState(jobID, domain.JobRunning, state); err != nil {
		return err
	}

	res.JobID = jobID
	if res.PublishedAt.IsZero() {
		res.PublishedAt = time.Now().UTC()
	}
	wrote, err := q.db.PublishResult(res)
	if err != nil {
		return err
	}
	if !wrote {
		q.log.Debug("late duplicate result discarded", zap.String("job_id", jobID))
		return nil
	}

	observability.WorkerResults.WithLabelValues(string(state)).Inc()
	q.notify(jobID, res)
	return nil
}

func (q *Queue) notify(jobID string, res domain.Result) {
	q.mu.Lock()
	subs := q.waiters[jobID]
	delete(q.waiters, jobID)
	q.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- res:
		default: // subscriber already primed with the stored result
		}
		close(ch)
	}
}

// PeekResult returns the terminal result for a job, or nil if none exists yet.
func (q *Queue) PeekResult(jobID string) (*domain.Result, error) {
	return q.db.GetResult(jobID)
}

// Subscribe registers for the terminal result of jobID. The returned channel
// receives at most one result. Always call cancel; it is safe after receipt.
// Subscribe checks the store after registering, so a result published just
// before the call is not missed.
func (q *Queue) Subscribe(jobID string) (<-chan domain.Result, func(), error) {
	ch := make(chan domain.Result, 1)

	q.mu.Lock()
	q.waiters[jobID] = append(q.waiters[jobID], ch)
	q.mu.Unlock()

	cancel := func() {
		q.mu.Lock()
		subs := q.waiters[jobID]
		for i, c := range subs {
			if c == ch {
				q.waiters[jobID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(q.waiters[jobID]) == 0 {
			delete(q.waiters, jobID)
		}
		q.mu.Unlock()
	}

	// Close the subscribe/publish race: the result may already be stored.
	res, err := q.PeekResult(jobID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if res != nil {
		select {
		case ch <- *res:
		default:
		}
	}

	return ch, cancel, nil
}

// ─── Maintenance ────────────────────────────────────────────────────────────

// Run sweeps expired leases, refreshes the depth gauge, and garbage-collects
// old results until ctx is done. Call it in its own goroutine.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

func (q *Queue) sweep() {
	cutoff := time.Now().Add(-q.cfg.Lease)
	requeued, cancelled, err := q.db.RequeueExpiredJobs(cutoff, q.cfg.MaxAttempts)
	if err != nil {
		q.log.Warn("lease sweep failed", zap.Error(err))
	} else {
		if requeued > 0 {
			observability.QueueRequeues.Add(float64(requeued))
			q.log.Info("re-delivered jobs with expired leases", zap.Int64("requeued", requeued))
			q.nudge()
		}
		if cancelled > 0 {
			q.log.Warn("abandoned jobs after repeated worker failures", zap.Int64("cancelled", cancelled))
			// Waiting dispatchers reconcile off the published abandonment results.
			q.notifyAbandoned()
		}
	}

	if _, err := q.db.PurgeResultsBefore(time.Now().Add(-q.cfg.ResultRetention)); err != nil {
		q.log.Warn("result purge failed", zap.Error(err))
	}

	if counts, err := q.db.CountJobsByState(); err == nil {
		observability.QueueDepth.Set(float64(counts[domain.JobPending]))
	}
}

// notifyAbandoned delivers stored results to any subscriber whose job was
// cancelled by the sweep rather than published by a worker.
func (q *Queue) notifyAbandoned() {
	q.mu.Lock()
	ids := make([]string, 0, len(q.waiters))
	for id := range q.waiters {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		res, err := q.db.GetResult(id)
		if err != nil || res == nil {
			continue
		}
		q.notify(id, *res)
	}
}

// Close stops accepting submissions. In-flight jobs continue to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
