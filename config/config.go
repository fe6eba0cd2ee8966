// Package config loads runtime settings from an optional YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the rentald process.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	LedgerRPCURL       string `yaml:"ledger_rpc_url"`
	LedgerArtifactsDir string `yaml:"ledger_artifacts_dir"`
	LedgerGasLimit     uint64 `yaml:"ledger_gas_limit"`

	DeployTimeout   time.Duration `yaml:"deploy_timeout"`
	PenaltyRatePct  int64         `yaml:"penalty_rate_pct"`
	GracePeriodDays int64         `yaml:"grace_period_days"`

	RedisAddr      string        `yaml:"redis_addr"`
	AMQPURL        string        `yaml:"amqp_url"`
	AMQPExchange   string        `yaml:"amqp_exchange"`
	OutboxInterval time.Duration `yaml:"outbox_interval"`

	OpsAddr   string `yaml:"ops_addr"`
	JWTSecret string `yaml:"jwt_secret"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		LedgerArtifactsDir: "artifacts",
		LedgerGasLimit:     6_000_000,
		DeployTimeout:      5 * time.Minute,
		PenaltyRatePct:     5,
		GracePeriodDays:    3,
		AMQPExchange:       "leasechain.events",
		OutboxInterval:     2 * time.Second,
		OpsAddr:            ":8081",
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load builds a Config. path names an optional YAML file; an empty path skips
// it. A .env file in the working directory is loaded when present and never
// overrides variables that are already set.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.DatabaseURL)
	str("LEDGER_RPC_URL", &c.LedgerRPCURL)
	str("LEDGER_ARTIFACTS_DIR", &c.LedgerArtifactsDir)
	str("REDIS_ADDR", &c.RedisAddr)
	str("AMQP_URL", &c.AMQPURL)
	str("AMQP_EXCHANGE", &c.AMQPExchange)
	str("OPS_ADDR", &c.OpsAddr)
	str("JWT_SECRET", &c.JWTSecret)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	var errs []error
	if v, ok := lookup("LEDGER_GAS_LIMIT"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: LEDGER_GAS_LIMIT: %w", err))
		}
		c.LedgerGasLimit = n
	}
	for key, dst := range map[string]*int64{
		"PENALTY_RATE_PCT":  &c.PenaltyRatePct,
		"GRACE_PERIOD_DAYS": &c.GracePeriodDays,
	} {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			}
			*dst = n
		}
	}
	for key, dst := range map[string]*time.Duration{
		"DEPLOY_TIMEOUT":  &c.DeployTimeout,
		"OUTBOX_INTERVAL": &c.OutboxInterval,
	} {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			}
			*dst = d
		}
	}
	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// Validate reports settings that can never work.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required"))
	}
	if c.DeployTimeout <= 0 {
		errs = append(errs, errors.New("config: DEPLOY_TIMEOUT must be positive"))
	}
	if c.OutboxInterval <= 0 {
		errs = append(errs, errors.New("config: OUTBOX_INTERVAL must be positive"))
	}
	if c.PenaltyRatePct < 0 || c.PenaltyRatePct > 100 {
		errs = append(errs, fmt.Errorf("config: PENALTY_RATE_PCT %d out of range 0..100", c.PenaltyRatePct))
	}
	if c.GracePeriodDays < 0 {
		errs = append(errs, errors.New("config: GRACE_PERIOD_DAYS must not be negative"))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("config: LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Logger builds the process logger.
func (c Config) Logger() *slog.Logger {
	lvl, err := c.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// LedgerEnabled reports whether a ledger endpoint is configured. Without one
// every agreement is created database-only.
func (c Config) LedgerEnabled() bool {
	return c.LedgerRPCURL != ""
}
