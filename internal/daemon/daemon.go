package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/api"
	"github.com/credence-ai/credence/internal/app/dispatch"
	"github.com/credence-ai/credence/internal/app/ledger"
	"github.com/credence-ai/credence/internal/app/queue"
	"github.com/credence-ai/credence/internal/app/worker"
	"github.com/credence-ai/credence/internal/domain"
	"github.com/credence-ai/credence/internal/infra/inference"
	"github.com/credence-ai/credence/internal/infra/observability"
	"github.com/credence-ai/credence/internal/infra/sqlite"
)

// Daemon is the assembled service.
type Daemon struct {
	cfg    Config
	log    *zap.Logger
	db     *sqlite.DB
	ledger *ledger.Ledger
	queue  *queue.Queue
	pool   *worker.Pool
	server *http.Server
}

// New builds the daemon from configuration. Nothing runs until Run.
func New(cfg Config) (*Daemon, error) {
	log, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	db, err := sqlite.Open(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	lg := ledger.New(ledger.Config{
		RetryAttempts: cfg.Ledger.RetryAttempts,
		RetryBackoff:  parseDuration(cfg.Ledger.RetryBackoff, 100*time.Millisecond),
	}, db, log.Named("ledger"))

	q := queue.New(queue.Config{
		Lease:           parseDuration(cfg.Queue.Lease, 6*time.Minute),
		MaxAttempts:     cfg.Queue.MaxAttempts,
		ReaperInterval:  parseDuration(cfg.Queue.ReaperInterval, 30*time.Second),
		ResultRetention: parseDuration(cfg.Queue.ResultRetention, time.Hour),
	}, db, log.Named("queue"))

	pool := worker.New(worker.Config{
		Workers:    cfg.Worker.Workers,
		JobTimeout: parseDuration(cfg.Worker.JobTimeout, 5*time.Minute),
	}, q, buildInferencer(cfg.Inference, log), log.Named("worker"))

	d := dispatch.New(dispatch.Config{
		DefaultDeadline: parseDuration(cfg.Dispatch.DefaultDeadline, 2*time.Minute),
		PollInterval:    parseDuration(cfg.Dispatch.PollInterval, 500*time.Millisecond),
	}, lg, q, db, log.Named("dispatch"))

	srv := api.NewServer(d, lg, db, log.Named("api"))
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}

	return &Daemon{
		cfg:    cfg,
		log:    log,
		db:     db,
		ledger: lg,
		queue:  q,
		pool:   pool,
		server: &http.Server{
			Addr:    cfg.API.Addr(),
			Handler: srv.Handler(),
		},
	}, nil
}

// buildInferencer selects the inference backend.
func buildInferencer(cfg InferenceConfig, log *zap.Logger) domain.Inferencer {
	if cfg.UseMock {
		log.Warn("using mock inference backend")
		return inference.NewMock(
			inference.WithResponse("This is a canned development response."),
			inference.WithLatency(2*time.Second),
		)
	}
	return inference.New(cfg.BaseURL, cfg.APIKey, cfg.Model)
}

// Run starts the pipeline and blocks until ctx is cancelled, then shuts
// everything down in dependency order: HTTP first so no new requests
// arrive, then workers, then the queue.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.queue.Run(runCtx)
	go d.runMaintenance(runCtx)
	d.pool.Start(runCtx)

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("api listening", zap.String("addr", d.server.Addr))
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		d.pool.Wait()
		d.close()
		return err
	case <-ctx.Done():
	}

	d.log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := d.server.Shutdown(shutCtx); err != nil {
		d.log.Warn("http shutdown", zap.Error(err))
	}

	cancel()
	d.pool.Wait()
	d.close()
	return nil
}

func (d *Daemon) close() {
	d.queue.Close()
	if err := d.db.Close(); err != nil {
		d.log.Warn("store close", zap.Error(err))
	}
	d.log.Sync()
}
