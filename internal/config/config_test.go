package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCLIDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POTTS_STATE_DIR", dir)
	t.Setenv("POTTS_API_BASE_URL", "")

	cfg, err := LoadCLI(filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != "http://127.0.0.1:8000/api" {
		t.Fatalf("unexpected base url %q", cfg.APIBaseURL)
	}
	if cfg.StateDir != dir {
		t.Fatalf("unexpected state dir %q", cfg.StateDir)
	}
	if cfg.RequestTimeout.Duration != 30*time.Second || cfg.WatchEvery.Duration != 15*time.Second {
		t.Fatalf("unexpected durations %+v", cfg)
	}
}

func TestLoadCLIFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `api_base_url = "https://markets.example.com/api/"
request_timeout = "5s"
watch_every = "1m"
log_level = "debug"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POTTS_STATE_DIR", dir)
	t.Setenv("POTTS_API_BASE_URL", "")
	t.Setenv("POTTS_WATCH_EVERY", "30s")

	cfg, err := LoadCLI(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != "https://markets.example.com/api" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.APIBaseURL)
	}
	if cfg.RequestTimeout.Duration != 5*time.Second {
		t.Fatalf("timeout from file not applied: %v", cfg.RequestTimeout)
	}
	if cfg.WatchEvery.Duration != 30*time.Second {
		t.Fatalf("env should override file: %v", cfg.WatchEvery)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadCLIRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POTTS_STATE_DIR", dir)

	t.Setenv("POTTS_API_BASE_URL", "ftp://nope")
	if _, err := LoadCLI(""); err == nil {
		t.Fatalf("expected scheme validation error")
	}

	t.Setenv("POTTS_API_BASE_URL", "")
	t.Setenv("POTTS_LOG_LEVEL", "loud")
	if _, err := LoadCLI(""); err == nil {
		t.Fatalf("expected log level validation error")
	}
}

func TestLoadSandboxFromEnv(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("POTTS_SANDBOX_SEED", "false")
	t.Setenv("POTTS_SANDBOX_STARTING_BALANCE", "250.50")
	t.Setenv("POTTS_SANDBOX_STAFF_USER", "")

	cfg, err := LoadSandboxFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9100" || cfg.Seed {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.StartingBalance.String() != "250.5" {
		t.Fatalf("balance = %s", cfg.StartingBalance)
	}

	t.Setenv("POTTS_SANDBOX_STAFF_USER", "admin")
	t.Setenv("POTTS_SANDBOX_STAFF_PASSWORD", "")
	if _, err := LoadSandboxFromEnv(); err == nil {
		t.Fatalf("staff user without password should fail")
	}
}
