package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/tokenledger/pkg/models"
	"github.com/pario-ai/tokenledger/pkg/rules"
)

// Snapshot backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all tokenledger configuration.
type Config struct {
	Env      string         `yaml:"env"`
	LogLevel string         `yaml:"log_level"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Journal  JournalConfig  `yaml:"journal"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LedgerConfig sets up a fresh ledger and its analytics.
type LedgerConfig struct {
	InitialPool    int64               `yaml:"initial_pool"`
	Timezone       string              `yaml:"timezone"`
	TopAgents      int                 `yaml:"top_agents"`
	AlertThreshold float64             `yaml:"alert_threshold"`
	BlockThreshold float64             `yaml:"block_threshold"`
	Budgets        []models.BudgetSpec `yaml:"budgets"`
}

// SnapshotConfig selects and configures the durable snapshot store.
type SnapshotConfig struct {
	Backend       string        `yaml:"backend"`
	Key           string        `yaml:"key"`
	SQLitePath    string        `yaml:"sqlite_path"`
	Redis         RedisConfig   `yaml:"redis"`
	RetrySchedule string        `yaml:"retry_schedule"`
	SaveTimeout   time.Duration `yaml:"save_timeout"`
}

// RedisConfig holds connection parameters for the Redis backend.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

// JournalConfig controls the SQLite transaction journal.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// HTTPConfig controls the REST API server.
type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Env:      "local",
		LogLevel: "info",
		Ledger: LedgerConfig{
			InitialPool:    1_000_000,
			Timezone:       "Local",
			TopAgents:      5,
			AlertThreshold: rules.DefaultAlertThreshold,
			BlockThreshold: rules.DefaultBlockThreshold,
		},
		Snapshot: SnapshotConfig{
			Backend:       BackendSQLite,
			Key:           "tokenledger:snapshot",
			SQLitePath:    "tokenledger.db",
			RetrySchedule: "@every 30s",
			SaveTimeout:   5 * time.Second,
		},
		Journal: JournalConfig{
			Enabled: true,
			DBPath:  "tokenledger-journal.db",
		},
		HTTP: HTTPConfig{
			Listen:          ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path is
// empty or the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Ledger.InitialPool < 0 {
		errs = append(errs, fmt.Errorf("ledger.initial_pool must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("ledger.timezone: %w", err))
	}
	if !validThreshold(c.Ledger.AlertThreshold) || !validThreshold(c.Ledger.BlockThreshold) {
		errs = append(errs, fmt.Errorf("ledger thresholds must be within [0,1]"))
	}
	for i, b := range c.Ledger.Budgets {
		if b.Name == "" || !b.Scope.Valid() || !b.Period.Valid() || b.Total < 0 {
			errs = append(errs, fmt.Errorf("ledger.budgets[%d]: need name, valid scope and period, non-negative total", i))
		}
	}

	switch c.Snapshot.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Snapshot.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("snapshot.sqlite_path is required for the sqlite backend"))
		}
	case BackendRedis:
		if len(c.Snapshot.Redis.Addrs) == 0 {
			errs = append(errs, fmt.Errorf("snapshot.redis.addrs is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshot.backend %q is not one of memory, sqlite, redis", c.Snapshot.Backend))
	}

	if c.Journal.Enabled && c.Journal.DBPath == "" {
		errs = append(errs, fmt.Errorf("journal.db_path is required when the journal is enabled"))
	}

	return errors.Join(errs...)
}

// Location resolves ledger.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Ledger.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Ledger.Timezone)
}

// DefaultRules returns the rule factory for new budgets.
func (c *Config) DefaultRules() func() []models.Rule {
	alert, block := c.Ledger.AlertThreshold, c.Ledger.BlockThreshold
	return func() []models.Rule { return rules.DefaultSet(alert, block) }
}

func validThreshold(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
