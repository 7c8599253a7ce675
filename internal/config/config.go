package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/validator.v2"
)

type SandboxConfig struct {
	Addr            string
	Seed            bool
	StartingBalance decimal.Decimal
	StaffUser       string
	StaffPassword   string
}

type CLIConfig struct {
	APIBaseURL        string   `toml:"api_base_url" validate:"nonzero,regexp=^https?://"`
	StateDir          string   `toml:"state_dir" validate:"nonzero"`
	RequestTimeout    Duration `toml:"request_timeout"`
	LogLevel          string   `toml:"log_level" validate:"regexp=^(debug|info|warn|error)$"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WatchEvery        Duration `toml:"watch_every"`
	ShareBaseURL      string   `toml:"share_base_url"`
}

// Duration lets TOML carry "30s" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".potts"
	}
	return filepath.Join(home, ".potts")
}

func DefaultCLI() CLIConfig {
	return CLIConfig{
		APIBaseURL:     "http://127.0.0.1:8000/api",
		StateDir:       DefaultStateDir(),
		RequestTimeout: Duration{30 * time.Second},
		LogLevel:       "info",
		WatchEvery:     Duration{15 * time.Second},
		ShareBaseURL:   "http://127.0.0.1:5173/market",
	}
}

// LoadCLI layers defaults, the optional TOML file at path, .env and POTTS_*
// variables, then validates. An empty path means <state dir>/config.toml.
func LoadCLI(path string) (CLIConfig, error) {
	cfg := DefaultCLI()
	_ = godotenv.Load()

	if path == "" {
		path = filepath.Join(envDefault("POTTS_STATE_DIR", cfg.StateDir), "config.toml")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.APIBaseURL = envDefault("POTTS_API_BASE_URL", cfg.APIBaseURL)
	cfg.StateDir = envDefault("POTTS_STATE_DIR", cfg.StateDir)
	cfg.RequestTimeout.Duration = envDurationDefault("POTTS_REQUEST_TIMEOUT", cfg.RequestTimeout.Duration)
	cfg.LogLevel = strings.ToLower(envDefault("POTTS_LOG_LEVEL", cfg.LogLevel))
	cfg.DiscordWebhookURL = envDefault("POTTS_DISCORD_WEBHOOK_URL", cfg.DiscordWebhookURL)
	cfg.WatchEvery.Duration = envDurationDefault("POTTS_WATCH_EVERY", cfg.WatchEvery.Duration)
	cfg.ShareBaseURL = envDefault("POTTS_SHARE_BASE_URL", cfg.ShareBaseURL)

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	cfg.ShareBaseURL = strings.TrimRight(cfg.ShareBaseURL, "/")
	if strings.HasPrefix(cfg.StateDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, cfg.StateDir[2:])
		}
	}

	if err := validator.Validate(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RequestTimeout.Duration <= 0 {
		return cfg, fmt.Errorf("invalid config: request_timeout must be positive")
	}
	if cfg.WatchEvery.Duration < time.Second {
		return cfg, fmt.Errorf("invalid config: watch_every must be at least 1s")
	}
	return cfg, nil
}

func LoadSandboxFromEnv() (SandboxConfig, error) {
	_ = godotenv.Load()

	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("POTTS_SANDBOX_ADDR", ":8000")
	}

	balance, err := decimal.NewFromString(envDefault("POTTS_SANDBOX_STARTING_BALANCE", "1000"))
	if err != nil || balance.IsNegative() {
		return SandboxConfig{}, fmt.Errorf("POTTS_SANDBOX_STARTING_BALANCE must be a non-negative number")
	}

	cfg := SandboxConfig{
		Addr:            addr,
		Seed:            envBoolDefault("POTTS_SANDBOX_SEED", true),
		StartingBalance: balance,
		StaffUser:       strings.TrimSpace(os.Getenv("POTTS_SANDBOX_STAFF_USER")),
		StaffPassword:   os.Getenv("POTTS_SANDBOX_STAFF_PASSWORD"),
	}
	if cfg.StaffUser != "" && cfg.StaffPassword == "" {
		return cfg, fmt.Errorf("POTTS_SANDBOX_STAFF_PASSWORD is required when POTTS_SANDBOX_STAFF_USER is set")
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
