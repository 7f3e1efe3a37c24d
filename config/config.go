// Package config loads the engine configuration from a TOML file with
// environment overrides for deployment-specific secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   Server   `toml:"server"`
	Database Database `toml:"database"`
	Engine   Engine   `toml:"engine"`
	External External `toml:"external"`
	Auth     Auth     `toml:"auth"`
}

type Server struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

type Database struct {
	URL string `toml:"url"`
}

type Engine struct {
	RulesPath          string   `toml:"rules_path"`
	ProfilesPath       string   `toml:"profiles_path"`
	ViabilityThreshold float64  `toml:"viability_threshold"`
	MinAmount          int64    `toml:"min_amount"`
	Epsilon            int64    `toml:"epsilon"`
	MaxDepth           int      `toml:"max_depth"`
	MaxChains          int      `toml:"max_chains"`
	LockRetries        int      `toml:"lock_retries"`
	LockRetryDelay     duration `toml:"lock_retry_delay"`
	OperationalCost    int64    `toml:"operational_cost"`
	GovFees            int64    `toml:"gov_fees"`
}

type External struct {
	GovRegistryURL string   `toml:"gov_registry_url"`
	GovAPIKey      string   `toml:"gov_api_key"`
	AnchorURL      string   `toml:"anchor_url"`
	AnchorAPIKey   string   `toml:"anchor_api_key"`
	Timeout        duration `toml:"timeout"`
}

type Auth struct {
	JWTKey   string   `toml:"jwt_key"`
	TokenTTL duration `toml:"token_ttl"`
}

// duration lets TOML carry values like "10s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file is given. External
// endpoints are empty, which the daemon interprets as "use static doubles".
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: duration{10 * time.Second},
		},
		Engine: Engine{
			ViabilityThreshold: 0.5,
			MinAmount:          100_00, // R$ 100.00
			Epsilon:            1_00,
			MaxDepth:           4,
			MaxChains:          32,
			LockRetries:        3,
			LockRetryDelay:     duration{25 * time.Millisecond},
			OperationalCost:    50_00,
			GovFees:            25_00,
		},
		External: External{
			Timeout: duration{10 * time.Second},
		},
		Auth: Auth{
			TokenTTL: duration{8 * time.Hour},
		},
	}
}

// Load reads the TOML file at path on top of the defaults, then applies
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COMPENSA_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("COMPENSA_JWT_KEY"); v != "" {
		cfg.Auth.JWTKey = v
	}
	if v := os.Getenv("COMPENSA_GOV_API_KEY"); v != "" {
		cfg.External.GovAPIKey = v
	}
	if v := os.Getenv("COMPENSA_ANCHOR_API_KEY"); v != "" {
		cfg.External.AnchorAPIKey = v
	}
}

func (c Config) validate() error {
	if c.Engine.ViabilityThreshold < 0 || c.Engine.ViabilityThreshold > 1 {
		return fmt.Errorf("config: viability_threshold %v out of [0,1]", c.Engine.ViabilityThreshold)
	}
	if c.Engine.MinAmount < 0 {
		return fmt.Errorf("config: min_amount must be non-negative")
	}
	if c.Engine.MaxDepth < 2 {
		return fmt.Errorf("config: max_depth %d, chains need at least two steps", c.Engine.MaxDepth)
	}
	return nil
}
