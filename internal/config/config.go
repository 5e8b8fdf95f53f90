package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Browser  BrowserConfig
	Auth     AuthConfig
	Scrape   ScrapeConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Logging  LoggingConfig

	// SessionKey encrypts session artifacts and credentials at rest.
	// Supplied as 64 hex characters (32 bytes) via SESSION_KEY.
	SessionKey []byte
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	UserAgent      string
}

type AuthConfig struct {
	Mode               string // "interactive" or "batch"
	LoginPollInterval  time.Duration
	ManualLoginTimeout time.Duration
	NetworkIdleTimeout time.Duration
	MaxLoginFailures   int
	LockoutDuration    time.Duration
}

type ScrapeConfig struct {
	// Jittered delay between successive queries on the same provider.
	MinQueryDelay time.Duration
	MaxQueryDelay time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "it-IT,it;q=0.9,en;q=0.8"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Europe/Rome"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "it-IT"),
			UserAgent:      getEnvOrDefault("BROWSER_USER_AGENT", defaultUserAgent),
		},
		Auth: AuthConfig{
			Mode:               getEnvOrDefault("AUTH_MODE", "interactive"),
			LoginPollInterval:  getDurationOrDefault("AUTH_LOGIN_POLL_INTERVAL", 500*time.Millisecond),
			ManualLoginTimeout: getDurationOrDefault("AUTH_MANUAL_LOGIN_TIMEOUT", 30*time.Second),
			NetworkIdleTimeout: getDurationOrDefault("AUTH_NETWORK_IDLE_TIMEOUT", 10*time.Second),
			MaxLoginFailures:   getIntOrDefault("AUTH_MAX_LOGIN_FAILURES", 3),
			LockoutDuration:    getDurationOrDefault("AUTH_LOCKOUT_DURATION", 15*time.Minute),
		},
		Scrape: ScrapeConfig{
			MinQueryDelay: getDurationOrDefault("SCRAPE_MIN_QUERY_DELAY", 1*time.Second),
			MaxQueryDelay: getDurationOrDefault("SCRAPE_MAX_QUERY_DELAY", 3*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "quotebot"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
			Channel:  getEnvOrDefault("REDIS_LOGIN_CHANNEL", "auth.login_required"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	key, err := loadSessionKey()
	if err != nil {
		return nil, err
	}
	cfg.SessionKey = key

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.Mode != "interactive" && c.Auth.Mode != "batch" {
		return fmt.Errorf("AUTH_MODE must be 'interactive' or 'batch', got %q", c.Auth.Mode)
	}

	if c.Auth.LoginPollInterval <= 0 {
		return fmt.Errorf("AUTH_LOGIN_POLL_INTERVAL must be positive")
	}

	if c.Auth.ManualLoginTimeout < c.Auth.LoginPollInterval {
		return fmt.Errorf("AUTH_MANUAL_LOGIN_TIMEOUT cannot be shorter than AUTH_LOGIN_POLL_INTERVAL")
	}

	if c.Auth.MaxLoginFailures < 1 {
		return fmt.Errorf("AUTH_MAX_LOGIN_FAILURES must be at least 1")
	}

	return nil
}

// loadSessionKey reads the mandatory encryption key. The process must not
// start without it: artifacts written under an ad-hoc key would be
// unreadable on the next boot.
func loadSessionKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv("SESSION_KEY"))
	if raw == "" {
		return nil, fmt.Errorf("SESSION_KEY is required")
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("SESSION_KEY must be hex-encoded: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("SESSION_KEY must decode to 32 bytes, got %d", len(key))
	}

	return key, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
