// Package observability contains logging setup and Prometheus metrics for
// the credit/dispatch pipeline.
package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ─── Logging ────────────────────────────────────────────────────────────────

// LogConfig controls logger construction.
type LogConfig struct {
	Level    string `toml:"level"`     // debug, info, warn, error
	JSON     bool   `toml:"json"`      // JSON encoding instead of console
	File     string `toml:"file"`      // optional log file path
	MaxSize  int    `toml:"max_size"`  // megabytes before rotation
	MaxAge   int    `toml:"max_age"`   // days to retain rotated files
	MaxFiles int    `toml:"max_files"` // rotated files to retain
}

// SetupLogger builds a zap.Logger from the provided configuration and sets
// it as the global logger. The caller should defer logger.Sync().
func SetupLogger(c LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.Level) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "warn":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	if !c.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	if c.File != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSize,
			MaxAge:     c.MaxAge,
			MaxBackups: c.MaxFiles,
		})
		var encoder zapcore.Encoder
		if c.JSON {
			encoder = zapcore.NewJSONEncoder(cfg.EncoderConfig)
		} else {
			encoder = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
		}
		logger := zap.New(zapcore.NewCore(encoder, sink, level))
		zap.ReplaceGlobals(logger)
		return logger, nil
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerReserves counts reserve attempts by outcome.
var LedgerReserves = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credence",
	Subsystem: "ledger",
	Name:      "reserves_total",
	Help:      "Total credit reserve attempts by outcome.",
}, []string{"outcome"})

// LedgerReconciliations counts commits and refunds, split by whether the
// call actually resolved the reservation or was an idempotent no-op.
var LedgerReconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credence",
	Subsystem: "ledger",
	Name:      "reconciliations_total",
	Help:      "Total reservation reconciliations by action and effect.",
}, []string{"action", "effect"})

// LedgerRetries counts internal retries of reconciliation writes.
var LedgerRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "credence",
	Subsystem: "ledger",
	Name:      "reconciliation_retries_total",
	Help:      "Total retried reconciliation writes after store errors.",
})

// LedgerDeposits counts deposit events by outcome (applied, duplicate).
var LedgerDeposits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credence",
	Subsystem: "ledger",
	Name:      "deposits_total",
	Help:      "Total deposit events by outcome.",
}, []string{"outcome"})

// ─── Queue Metrics ──────────────────────────────────────────────────────────

// QueueDepth tracks the number of PENDING jobs.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "credence",
	Subsystem: "queue",
	Name:      "depth",
	Help:      "Current number of jobs waiting for a worker.",
})

// QueueRequeues counts jobs returned to PENDING after a lease expired.
var QueueRequeues = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "credence",
	Subsystem: "queue",
	Name:      "requeues_total",
	Help:      "Total jobs re-delivered after a worker lease expired.",
})

// ─── Worker Metrics ─────────────────────────────────────────────────────────

// WorkerActive tracks currently executing jobs.
var WorkerActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "credence",
	Subsystem: "worker",
	Name:      "active",
	Help:      "Jobs currently being executed by the worker pool.",
})

// WorkerResults counts published terminal results by state.
var WorkerResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credence",
	Subsystem: "worker",
	Name:      "results_total",
	Help:      "Total terminal results published by the worker pool, by state.",
}, []string{"state"})

// InferenceDuration observes wall time of the opaque inference call.
var InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "credence",
	Subsystem: "worker",
	Name:      "inference_duration_seconds",
	Help:      "Duration of inference calls, including failed ones.",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
})

// ─── Dispatcher Metrics ─────────────────────────────────────────────────────

// DispatchRequests counts dispatcher invocations by outcome.
var DispatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credence",
	Subsystem: "dispatch",
	Name:      "requests_total",
	Help:      "Total dispatch requests by outcome.",
}, []string{"outcome"})

// DispatchWaitDuration observes how long callers waited for a result.
var DispatchWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "credence",
	Subsystem: "dispatch",
	Name:      "wait_duration_seconds",
	Help:      "Time spent waiting for a terminal result.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
})

// StreamClients tracks currently connected streaming clients.
var StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "credence",
	Subsystem: "dispatch",
	Name:      "stream_clients",
	Help:      "Currently connected streaming clients.",
})
