// Package daemon wires the full Credence pipeline: store, ledger, queue,
// worker pool, dispatcher, maintenance sweeps and the HTTP API.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/credence-ai/credence/internal/infra/observability"
)

// Config is the daemon configuration, loaded from TOML with environment
// overrides. Durations are strings ("5m", "500ms") so the file stays
// readable.
type Config struct {
	API         APIConfig               `toml:"api"`
	Data        DataConfig              `toml:"data"`
	Ledger      LedgerConfig            `toml:"ledger"`
	Queue       QueueConfig             `toml:"queue"`
	Worker      WorkerConfig            `toml:"worker"`
	Dispatch    DispatchConfig          `toml:"dispatch"`
	Inference   InferenceConfig         `toml:"inference"`
	Maintenance MaintenanceConfig       `toml:"maintenance"`
	Log         observability.LogConfig `toml:"log"`
}

type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

type DataConfig struct {
	Dir string `toml:"dir"`
}

type LedgerConfig struct {
	RetryAttempts int    `toml:"retry_attempts"`
	RetryBackoff  string `toml:"retry_backoff"`
}

type QueueConfig struct {
	Lease           string `toml:"lease"`
	MaxAttempts     int    `toml:"max_attempts"`
	ReaperInterval  string `toml:"reaper_interval"`
	ResultRetention string `toml:"result_retention"`
}

type WorkerConfig struct {
	Workers    int    `toml:"workers"`
	JobTimeout string `toml:"job_timeout"`
}

type DispatchConfig struct {
	DefaultDeadline string `toml:"default_deadline"`
	PollInterval    string `toml:"poll_interval"`
}

type InferenceConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	UseMock bool   `toml:"use_mock"` // canned responses for local development
}

type MaintenanceConfig struct {
	Interval              string `toml:"interval"`
	ChatRetention         string `toml:"chat_retention"`
	NotificationRetention string `toml:"notification_retention"`
	LowCreditThreshold    int64  `toml:"low_credit_threshold"`
	LowCreditNagInterval  string `toml:"low_credit_nag_interval"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    8090,
			Metrics: true,
		},
		Data: DataConfig{
			Dir: filepath.Join(home, ".credence"),
		},
		Ledger: LedgerConfig{
			RetryAttempts: 5,
			RetryBackoff:  "100ms",
		},
		Queue: QueueConfig{
			Lease:           "6m",
			MaxAttempts:     3,
			ReaperInterval:  "30s",
			ResultRetention: "1h",
		},
		Worker: WorkerConfig{
			Workers:    4,
			JobTimeout: "5m",
		},
		Dispatch: DispatchConfig{
			DefaultDeadline: "2m",
			PollInterval:    "500ms",
		},
		Inference: InferenceConfig{
			BaseURL: "http://127.0.0.1:11434/v1",
			Model:   "llama3.2",
		},
		Maintenance: MaintenanceConfig{
			Interval:              "1h",
			ChatRetention:         "720h",  // 30 days
			NotificationRetention: "1440h", // 60 days
			LowCreditThreshold:    2,
			LowCreditNagInterval:  "24h",
		},
		Log: observability.LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, falling back to defaults for a
// missing file, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment. Secrets in
// particular should come from the environment, not the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CREDENCE_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CREDENCE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = p
		}
	}
	if v := os.Getenv("CREDENCE_DATA_DIR"); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv("CREDENCE_INFERENCE_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := os.Getenv("CREDENCE_INFERENCE_API_KEY"); v != "" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("CREDENCE_INFERENCE_MODEL"); v != "" {
		cfg.Inference.Model = v
	}
}

// Addr returns the host:port the API listens on.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// parseDuration parses a duration string, returning fallback for empty or
// malformed values.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
