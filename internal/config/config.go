package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Events   EventsConfig   `yaml:"events"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	// BotToken signs Telegram WebApp init data. Empty disables client
	// authentication entirely (development only).
	BotToken       string        `yaml:"bot_token"`
	MaxInitDataAge time.Duration `yaml:"max_init_data_age"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenDuration  time.Duration `yaml:"token_duration"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string  `yaml:"listen_addr"`
	HTTPPort   int     `yaml:"http_port"`
	RateLimit  float64 `yaml:"rate_limit"` // game requests per second per client IP
	RateBurst  int     `yaml:"rate_burst"`
}

// DatabaseConfig selects the SQL backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// LedgerConfig holds reconciliation policy switches
type LedgerConfig struct {
	AdoptUnfencedSessions    *bool `yaml:"adopt_unfenced_sessions,omitempty"`
	CreditReferrerCumulative *bool `yaml:"credit_referrer_cumulative,omitempty"`
	CommissionOnTop          bool  `yaml:"commission_on_top"`
	MaxCommitAttempts        int   `yaml:"max_commit_attempts"`
}

// EventsConfig controls ledger event publishing
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	EmbeddedNATS  bool   `yaml:"embedded_nats"`
	NATSPort      int    `yaml:"nats_port"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// AdoptsUnfencedSessions reports whether a first sync may adopt a token
// for accounts that never had one issued
func (c LedgerConfig) AdoptsUnfencedSessions() bool {
	return c.AdoptUnfencedSessions == nil || *c.AdoptUnfencedSessions
}

// CreditsReferrerCumulative reports whether commission also raises the
// referrer's cumulative earned counter
func (c LedgerConfig) CreditsReferrerCumulative() bool {
	return c.CreditReferrerCumulative == nil || *c.CreditReferrerCumulative
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 5
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 20
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/tapledger/tapledger.db"
	}

	// Auth defaults
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}

	if cfg.Ledger.MaxCommitAttempts == 0 {
		cfg.Ledger.MaxCommitAttempts = 3
	}
	if cfg.Events.NATSPort == 0 {
		cfg.Events.NATSPort = 4222
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "tapledger"
	}
}

func (cfg *Config) validate() error {
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.driver postgres requires database.dsn")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", cfg.Database.Driver)
	}
	if cfg.Ledger.MaxCommitAttempts < 1 {
		return fmt.Errorf("ledger.max_commit_attempts must be at least 1")
	}
	return nil
}

// Save writes configuration to a YAML file, creating its directory
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
