// Package config loads environment-based configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for convo-sync.
type Config struct {
	// Service endpoints.
	APIBaseURL string `env:"CONVO_API_URL"`
	WSURL      string `env:"CONVO_WS_URL"`

	// Bearer token for the API and the event stream (required).
	AuthToken string `env:"CONVO_AUTH_TOKEN"`

	// Identity of the account this replica belongs to (required).
	SelfUserID string `env:"CONVO_SELF_USER_ID"`

	// Team the account belongs to. Empty for personal accounts; access
	// mode changes are refused without one.
	TeamID string `env:"CONVO_TEAM_ID" envDefault:""`

	// Path of the local replica database. Defaults to
	// ~/.convo-sync/convo.db.
	DBPath string `env:"CONVO_DB_PATH"`

	// How old a user record may grow before it is refreshed on demand.
	UserStaleAfter time.Duration `env:"CONVO_USER_STALE_AFTER" envDefault:"24h"`

	// Optional YAML file overriding the access policy table.
	AccessPolicyFile string `env:"CONVO_ACCESS_POLICY_FILE" envDefault:""`

	// Listen address for the local admin API. Empty disables it.
	AdminListenAddr string `env:"CONVO_ADMIN_ADDR" envDefault:"127.0.0.1:7788"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DBPath == "" {
		path, err := defaultDBPath()
		if err != nil {
			return nil, err
		}

		cfg.DBPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CONVO_API_URL is required")
	}

	if c.WSURL == "" {
		return fmt.Errorf("CONVO_WS_URL is required")
	}

	if c.AuthToken == "" {
		return fmt.Errorf("CONVO_AUTH_TOKEN is required")
	}

	if c.SelfUserID == "" {
		return fmt.Errorf("CONVO_SELF_USER_ID is required")
	}

	if c.UserStaleAfter <= 0 {
		return fmt.Errorf("CONVO_USER_STALE_AFTER must be positive")
	}

	return nil
}

// defaultDBPath returns ~/.convo-sync/convo.db.
func defaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".convo-sync", "convo.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
