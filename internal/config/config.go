package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/strift/internal/tracker"
)

// Config holds all configuration for the Strift agent.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Polling   PollingConfig
	Mirror    MirrorConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ClientConfig is the subset the command-line client needs: it talks to the
// worker directly and keeps no database or cache.
type ClientConfig struct {
	Worker  WorkerConfig
	Polling PollingConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// BootstrapAdmin, when set, is the user ID given an admin key on a start with
	// no keys in the database.
	BootstrapAdmin string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type WorkerConfig struct {
	BaseURL       string
	APIKey        string
	UploadTimeout time.Duration
}

type PollingConfig struct {
	Interval    time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
	MaxFailures int
}

type MirrorConfig struct {
	TTL time.Duration
}

type RateLimitConfig struct {
	PerMinute int
}

type LogConfig struct {
	Level slog.Level
	File  string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	level, err := envLevel("LOG_LEVEL", slog.LevelInfo)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("STRIFT_PORT", 8080),
			Env:  envString("STRIFT_ENV", "development"),

			BootstrapAdmin: strings.TrimSpace(os.Getenv("STRIFT_BOOTSTRAP_ADMIN")),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker:  workerFromEnv(),
		Polling: pollingFromEnv(),
		Mirror: MirrorConfig{
			TTL: envDuration("STATE_MIRROR_TTL", 30*time.Minute),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Log: LogConfig{
			Level: level,
			File:  os.Getenv("LOG_FILE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadClient reads the worker, polling and logging settings only.
func LoadClient() (*ClientConfig, error) {
	level, err := envLevel("LOG_LEVEL", slog.LevelWarn)
	if err != nil {
		return nil, err
	}
	cfg := &ClientConfig{
		Worker:  workerFromEnv(),
		Polling: pollingFromEnv(),
		Log:     LogConfig{Level: level, File: os.Getenv("LOG_FILE")},
	}
	if err := cfg.Worker.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Polling.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func workerFromEnv() WorkerConfig {
	return WorkerConfig{
		BaseURL:       strings.TrimRight(os.Getenv("WORKER_BASE_URL"), "/"),
		APIKey:        os.Getenv("WORKER_API_KEY"),
		UploadTimeout: envDuration("WORKER_UPLOAD_TIMEOUT", 2*time.Minute),
	}
}

func pollingFromEnv() PollingConfig {
	return PollingConfig{
		Interval:    envDuration("POLL_INTERVAL", 2*time.Second),
		MaxBackoff:  envDuration("POLL_MAX_BACKOFF", 30*time.Second),
		Timeout:     envDuration("POLL_TIMEOUT", 10*time.Second),
		MaxFailures: envInt("POLL_MAX_FAILURES", 5),
	}
}

// TrackerConfig converts the polling settings for the tracker package.
func (p PollingConfig) TrackerConfig() tracker.Config {
	return tracker.Config{
		Interval:               p.Interval,
		MaxBackoff:             p.MaxBackoff,
		PollTimeout:            p.Timeout,
		MaxConsecutiveFailures: p.MaxFailures,
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}
	if err := c.Polling.validate(); err != nil {
		return err
	}

	if c.Mirror.TTL <= 0 {
		return fmt.Errorf("STATE_MIRROR_TTL must be positive, got %s", c.Mirror.TTL)
	}
	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive, got %d", c.RateLimit.PerMinute)
	}

	return nil
}

func (w WorkerConfig) validate() error {
	if w.BaseURL == "" {
		return fmt.Errorf("WORKER_BASE_URL is required")
	}
	if !strings.HasPrefix(w.BaseURL, "http://") && !strings.HasPrefix(w.BaseURL, "https://") {
		return fmt.Errorf("WORKER_BASE_URL must start with http:// or https://, got %q", w.BaseURL)
	}
	if w.UploadTimeout <= 0 {
		return fmt.Errorf("WORKER_UPLOAD_TIMEOUT must be positive, got %s", w.UploadTimeout)
	}
	return nil
}

func (p PollingConfig) validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", p.Interval)
	}
	if p.MaxBackoff < p.Interval {
		return fmt.Errorf("POLL_MAX_BACKOFF (%s) must not be shorter than POLL_INTERVAL (%s)", p.MaxBackoff, p.Interval)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be positive, got %s", p.Timeout)
	}
	if p.MaxFailures <= 0 {
		return fmt.Errorf("POLL_MAX_FAILURES must be positive, got %d", p.MaxFailures)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envLevel(key string, defaultVal slog.Level) (slog.Level, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal, fmt.Errorf("%s must be one of debug, info, warn, error; got %q", key, v)
	}
	return level, nil
}
