package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	storeMemory = "memory"
	storeLibSQL = "libsql"
	storeRedis  = "redis"
)

// duration reads "10s"-style strings from settings.json.
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds all dynsched process configuration.
// Priority: flags > env vars > .env > settings.json > defaults.
type Config struct {
	Store          string   `json:"store"`
	DBPath         string   `json:"db_path"`
	RedisAddr      string   `json:"redis_addr"`
	RedisPassword  string   `json:"redis_password"`
	RedisDB        int      `json:"redis_db"`
	LogLevel       string   `json:"log_level"`
	LogFormat      string   `json:"log_format"`
	PoolSize       int      `json:"pool_size"`
	StepTimeout    duration `json:"step_timeout"`
	ReconcileEvery duration `json:"reconcile_every"`
	PollEvery      duration `json:"poll_every"`
	PollTimeout    duration `json:"poll_timeout"`
	RuntimeURL     string   `json:"runtime_url"`
	RuntimeToken   string   `json:"runtime_token"`

	ShowVersion bool `json:"-"`
}

func defaultConfig() Config {
	return Config{
		Store:          storeMemory,
		DBPath:         filepath.Join(dynschedDir(), "dynsched.db"),
		RedisAddr:      "localhost:6379",
		LogLevel:       "info",
		LogFormat:      "text",
		PoolSize:       64,
		StepTimeout:    duration(30 * time.Second),
		ReconcileEvery: duration(10 * time.Second),
		PollEvery:      duration(5 * time.Second),
		PollTimeout:    duration(5 * time.Second),
	}
}

func dynschedDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dynsched"
	}
	return filepath.Join(home, ".dynsched")
}

func settingsPath() string {
	return filepath.Join(dynschedDir(), "settings.json")
}

// loadConfig layers every configuration source and parses args last.
// pflag.ErrHelp is returned as is when -h was given.
func loadConfig(args []string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: .env never overrides variables already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	// Layer 4: env vars.
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	// Layer 5: flags, defaulting to everything resolved so far.
	fs := pflag.NewFlagSet("dynsched", pflag.ContinueOnError)
	fs.StringVar(&cfg.Store, "store", cfg.Store, "store backend: memory, libsql, redis")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "libSQL database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text, json, tint")
	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "worker pool size")
	fs.DurationVar((*time.Duration)(&cfg.StepTimeout), "step-timeout", time.Duration(cfg.StepTimeout), "default step timeout")
	fs.DurationVar((*time.Duration)(&cfg.ReconcileEvery), "reconcile-every", time.Duration(cfg.ReconcileEvery), "reconciliation interval")
	fs.DurationVar((*time.Duration)(&cfg.PollEvery), "poll-every", time.Duration(cfg.PollEvery), "service status poll interval")
	fs.DurationVar((*time.Duration)(&cfg.PollTimeout), "poll-timeout", time.Duration(cfg.PollTimeout), "timeout of one status check")
	fs.StringVar(&cfg.RuntimeURL, "runtime-url", cfg.RuntimeURL, "service runtime base URL (in-memory runtime if empty)")
	fs.StringVar(&cfg.RuntimeToken, "runtime-token", cfg.RuntimeToken, "bearer token for the service runtime")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *duration) {
		if v := os.Getenv(name); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	str("DYNSCHED_STORE", &cfg.Store)
	str("DYNSCHED_DB_PATH", &cfg.DBPath)
	str("DYNSCHED_REDIS_ADDR", &cfg.RedisAddr)
	str("DYNSCHED_REDIS_PASSWORD", &cfg.RedisPassword)
	num("DYNSCHED_REDIS_DB", &cfg.RedisDB)
	str("DYNSCHED_LOG_LEVEL", &cfg.LogLevel)
	str("DYNSCHED_LOG_FORMAT", &cfg.LogFormat)
	num("DYNSCHED_POOL_SIZE", &cfg.PoolSize)
	dur("DYNSCHED_STEP_TIMEOUT", &cfg.StepTimeout)
	dur("DYNSCHED_RECONCILE_EVERY", &cfg.ReconcileEvery)
	dur("DYNSCHED_POLL_EVERY", &cfg.PollEvery)
	dur("DYNSCHED_POLL_TIMEOUT", &cfg.PollTimeout)
	str("DYNSCHED_RUNTIME_URL", &cfg.RuntimeURL)
	str("DYNSCHED_RUNTIME_TOKEN", &cfg.RuntimeToken)
	return errors.Join(errs...)
}

func (c Config) validate() error {
	switch c.Store {
	case storeMemory, storeLibSQL, storeRedis:
	default:
		return fmt.Errorf("unknown store %q (want memory, libsql or redis)", c.Store)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.StepTimeout <= 0 {
		return errors.New("step_timeout must be positive")
	}
	return nil
}
