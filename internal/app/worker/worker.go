// Package worker implements the worker pool: independent executors that
// claim jobs, call the opaque inference collaborator under a per-job time
// budget, and publish exactly one terminal result per execution.
//
// Workers never touch the ledger. Reconciliation is the dispatcher's job;
// a worker's only obligations are the per-job timeout (so a caller's refund
// is never held hostage by a runaway inference call) and crash safety (a
// panic before publishing leaves the job re-deliverable via its lease).
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/app/queue"
	"github.com/credence-ai/credence/internal/domain"
	"github.com/credence-ai/credence/internal/infra/observability"
)

// Config controls pool behavior.
type Config struct {
	Workers    int           // number of concurrent executors (default: 4)
	JobTimeout time.Duration // hard per-job inference budget (default: 5m)
}

// DefaultConfig returns safe pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		JobTimeout: 5 * time.Minute,
	}
}

// Pool manages the executors.
type Pool struct {
	cfg   Config
	queue *queue.Queue
	infer domain.Inferencer
	log   *zap.Logger

	wg sync.WaitGroup

	mu        sync.Mutex
	active    int
	completed int64
	failed    int64
}

// New creates a worker pool pulling from q and executing with infer.
func New(cfg Config, q *queue.Queue, infer domain.Inferencer, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{cfg: cfg, queue: q, infer: infer, log: log}
}

// Start launches the executors. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every executor has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) run(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	for {
		job, err := p.queue.Claim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Warn("claim failed", zap.Error(err))
			continue
		}
		p.execute(ctx, log, job)
	}
}

// execute runs one job through infer and publishes its terminal result.
func (p *Pool) execute(ctx context.Context, log *zap.Logger, job domain.Job) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	observability.WorkerActive.Inc()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		observability.WorkerActive.Dec()

		// A panic in the inference collaborator must not kill the executor.
		// The job stays RUNNING without a result; the lease reaper will
		// re-deliver it.
		if r := recover(); r != nil {
			log.Error("inference panicked, job left for re-delivery",
				zap.String("job_id", job.ID), zap.Any("panic", r))
		}
	}()

	log.Info("executing job",
		zap.String("job_id", job.ID),
		zap.String("principal_id", job.PrincipalID),
		zap.Int("attempt", job.Attempts))

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	text, err := p.infer.Infer(execCtx, job.Input)
	observability.InferenceDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if perr := p.queue.Publish(job.ID, domain.JobSucceeded, domain.Result{Text: text}); perr != nil {
			log.Error("publish failed", zap.String("job_id", job.ID), zap.Error(perr))
			return
		}
		p.mu.Lock()
		p.completed++
		p.mu.Unlock()
		log.Info("job succeeded", zap.String("job_id", job.ID),
			zap.Duration("took", time.Since(start)))

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// The per-job budget elapsed, not a shutdown.
		p.publishFailure(log, job, domain.JobTimedOut, "inference timed out")

	case ctx.Err() != nil:
		// Shutdown mid-flight: no result, job re-delivered after restart.
		log.Warn("shutdown during execution, job left for re-delivery",
			zap.String("job_id", job.ID))

	default:
		p.publishFailure(log, job, domain.JobFailed, err.Error())
	}
}

func (p *Pool) publishFailure(log *zap.Logger, job domain.Job, state domain.JobState, reason string) {
	if err := p.queue.Publish(job.ID, state, domain.Result{ErrReason: reason}); err != nil {
		log.Error("publish failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	log.Warn("job failed", zap.String("job_id", job.ID),
		zap.String("state", string(state)), zap.String("reason", reason))
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Workers   int   `json:"workers"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    p.active,
		Completed: p.completed,
		Failed:    p.failed,
		Workers:   p.cfg.Workers,
	}
}
