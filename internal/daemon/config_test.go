package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8090 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8090)
	}
	if cfg.Ledger.RetryAttempts != 5 {
		t.Errorf("Ledger.RetryAttempts = %d, want %d", cfg.Ledger.RetryAttempts, 5)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue.MaxAttempts = %d, want %d", cfg.Queue.MaxAttempts, 3)
	}
	if cfg.Worker.Workers != 4 {
		t.Errorf("Worker.Workers = %d, want %d", cfg.Worker.Workers, 4)
	}
	if cfg.Worker.JobTimeout != "5m" {
		t.Errorf("Worker.JobTimeout = %q, want %q", cfg.Worker.JobTimeout, "5m")
	}
	if cfg.Dispatch.PollInterval != "500ms" {
		t.Errorf("Dispatch.PollInterval = %q, want %q", cfg.Dispatch.PollInterval, "500ms")
	}
	if cfg.Maintenance.LowCreditThreshold != 2 {
		t.Errorf("Maintenance.LowCreditThreshold = %d, want %d", cfg.Maintenance.LowCreditThreshold, 2)
	}
	if cfg.Inference.UseMock {
		t.Error("Inference.UseMock should be false by default (opt-in)")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"500ms", 500 * time.Millisecond},
		{"1h", time.Hour},
		{"", 30 * time.Second},          // empty falls back
		{"not-a-dur", 30 * time.Second}, // malformed falls back
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseDuration(tt.input, 30*time.Second)
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[api]
host = "0.0.0.0"
port = 9999

[worker]
workers = 8
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CREDENCE_PORT", "7777")
	t.Setenv("CREDENCE_INFERENCE_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.Host != "0.0.0.0" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "0.0.0.0")
	}
	if cfg.API.Port != 7777 {
		t.Errorf("API.Port = %d, want %d (env overrides file)", cfg.API.Port, 7777)
	}
	if cfg.Worker.Workers != 8 {
		t.Errorf("Worker.Workers = %d, want %d", cfg.Worker.Workers, 8)
	}
	if cfg.Inference.APIKey != "sk-test" {
		t.Errorf("Inference.APIKey = %q, want %q", cfg.Inference.APIKey, "sk-test")
	}
	// Untouched sections keep defaults.
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue.MaxAttempts = %d, want %d", cfg.Queue.MaxAttempts, 3)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("missing file should yield defaults")
	}
}
