package config

import (
	"strings"
	"testing"
	"time"
)

const validKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SESSION_KEY", validKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if !cfg.Browser.Headless {
		t.Error("Browser.Headless should default to true")
	}
	if cfg.Browser.Locale != "it-IT" {
		t.Errorf("Browser.Locale = %q, want it-IT", cfg.Browser.Locale)
	}
	if cfg.Auth.Mode != "interactive" {
		t.Errorf("Auth.Mode = %q, want interactive", cfg.Auth.Mode)
	}
	if cfg.Auth.ManualLoginTimeout != 30*time.Second {
		t.Errorf("Auth.ManualLoginTimeout = %v, want 30s", cfg.Auth.ManualLoginTimeout)
	}
	if cfg.Auth.LoginPollInterval != 500*time.Millisecond {
		t.Errorf("Auth.LoginPollInterval = %v, want 500ms", cfg.Auth.LoginPollInterval)
	}
	if cfg.Auth.MaxLoginFailures != 3 {
		t.Errorf("Auth.MaxLoginFailures = %d, want 3", cfg.Auth.MaxLoginFailures)
	}
	if cfg.Scrape.MinQueryDelay != time.Second || cfg.Scrape.MaxQueryDelay != 3*time.Second {
		t.Errorf("Scrape pacing = %v..%v, want 1s..3s", cfg.Scrape.MinQueryDelay, cfg.Scrape.MaxQueryDelay)
	}
	if cfg.Redis.Channel != "auth.login_required" {
		t.Errorf("Redis.Channel = %q, want auth.login_required", cfg.Redis.Channel)
	}
	if len(cfg.SessionKey) != 32 {
		t.Errorf("SessionKey length = %d, want 32", len(cfg.SessionKey))
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SESSION_KEY", validKey)
	t.Setenv("AUTH_MODE", "batch")
	t.Setenv("AUTH_MANUAL_LOGIN_TIMEOUT", "45s")
	t.Setenv("BROWSER_HEADLESS", "false")
	t.Setenv("DB_MAX_CONNS", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.Mode != "batch" {
		t.Errorf("Auth.Mode = %q, want batch", cfg.Auth.Mode)
	}
	if cfg.Auth.ManualLoginTimeout != 45*time.Second {
		t.Errorf("Auth.ManualLoginTimeout = %v, want 45s", cfg.Auth.ManualLoginTimeout)
	}
	if cfg.Browser.Headless {
		t.Error("Browser.Headless should be overridden to false")
	}
	if cfg.Database.MaxConns != 25 {
		t.Errorf("Database.MaxConns = %d, want 25", cfg.Database.MaxConns)
	}
}

func TestLoadSessionKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"Missing", "", "SESSION_KEY is required"},
		{"Not hex", strings.Repeat("zz", 32), "hex-encoded"},
		{"Too short", "0011223344", "32 bytes"},
		{"Too long", validKey + "aa", "32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SESSION_KEY", tt.key)

			_, err := Load()
			if err == nil {
				t.Fatal("Load() should reject the key")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Auth: AuthConfig{
				Mode:               "interactive",
				LoginPollInterval:  500 * time.Millisecond,
				ManualLoginTimeout: 30 * time.Second,
				MaxLoginFailures:   3,
			},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	badMode := valid()
	badMode.Auth.Mode = "yolo"
	if err := badMode.Validate(); err == nil {
		t.Error("unknown AUTH_MODE accepted")
	}

	badPoll := valid()
	badPoll.Auth.LoginPollInterval = 0
	if err := badPoll.Validate(); err == nil {
		t.Error("zero poll interval accepted")
	}

	badTimeout := valid()
	badTimeout.Auth.ManualLoginTimeout = 100 * time.Millisecond
	if err := badTimeout.Validate(); err == nil {
		t.Error("timeout shorter than poll interval accepted")
	}

	badFailures := valid()
	badFailures.Auth.MaxLoginFailures = 0
	if err := badFailures.Validate(); err == nil {
		t.Error("zero failure limit accepted")
	}
}
