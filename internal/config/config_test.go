package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "auth:\n  bot_token: abc\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1" || cfg.Server.HTTPPort != 8080 {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path == "" {
		t.Errorf("database defaults = %+v", cfg.Database)
	}
	if cfg.Auth.TokenDuration != 24*time.Hour {
		t.Errorf("token duration = %v", cfg.Auth.TokenDuration)
	}
	if cfg.Ledger.MaxCommitAttempts != 3 {
		t.Errorf("max commit attempts = %d", cfg.Ledger.MaxCommitAttempts)
	}
	if !cfg.Ledger.AdoptsUnfencedSessions() || !cfg.Ledger.CreditsReferrerCumulative() {
		t.Error("ledger policy defaults should be enabled")
	}
	if cfg.Auth.BotToken != "abc" {
		t.Errorf("bot token = %q", cfg.Auth.BotToken)
	}
}

func TestLoadPolicyOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
ledger:
  adopt_unfenced_sessions: false
  credit_referrer_cumulative: false
  commission_on_top: true
auth:
  max_init_data_age: 1h
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.AdoptsUnfencedSessions() || cfg.Ledger.CreditsReferrerCumulative() {
		t.Error("explicit false policies were ignored")
	}
	if !cfg.Ledger.CommissionOnTop {
		t.Error("commission_on_top not parsed")
	}
	if cfg.Auth.MaxInitDataAge != time.Hour {
		t.Errorf("max init data age = %v", cfg.Auth.MaxInitDataAge)
	}
}

func TestLoadRejectsBadDatabase(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  driver: postgres\n"))
	if err == nil || !strings.Contains(err.Error(), "requires database.dsn") {
		t.Fatalf("expected dsn error, got %v", err)
	}
	_, err = Load(writeConfig(t, "database:\n  driver: mongo\n"))
	if err == nil || !strings.Contains(err.Error(), "unsupported database.driver") {
		t.Fatalf("expected driver error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yml")
	cfg := Default()
	cfg.Auth.JWTSecret = "s3cret"
	cfg.Events.EmbeddedNATS = true
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Auth.JWTSecret != "s3cret" || !got.Events.EmbeddedNATS {
		t.Errorf("round trip lost fields: %+v", got)
	}
}
