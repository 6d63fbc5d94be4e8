// Package config loads worker configuration. Sources are applied in order:
// built-in defaults, an optional YAML file, a .env file, then the process
// environment using the Resque variable names (QUEUE, INTERVAL, BLOCKING,
// REDIS_BACKEND, ...).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/internal/logging"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	DriverRedigo  = "redigo"
	DriverGoRedis = "goredis"
	DriverMemory  = "memory"
)

// Execution strategies
const (
	StrategyInProcess = "inprocess"
	StrategyFork      = "fork"
	StrategyFastCGI   = "fastcgi"
)

// Failure backends
const (
	FailureRedis = "redis"
	FailureLog   = "log"
	FailureSQL   = "sql"
)

// Config is the complete worker configuration
type Config struct {
	Worker   WorkerConfig   `yaml:"worker"`
	Store    StoreConfig    `yaml:"store"`
	Strategy StrategyConfig `yaml:"strategy"`
	Failure  FailureConfig  `yaml:"failure"`
	Notify   NotifyConfig   `yaml:"notify"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  logging.Config `yaml:"logging"`
	Tracing  bool           `yaml:"tracing" env:"TRACING"`
}

// WorkerConfig controls the reservation loop
type WorkerConfig struct {
	Queues     []string `yaml:"queues" env:"QUEUE" envSeparator:","`
	Interval   Interval `yaml:"interval" env:"INTERVAL"`
	Blocking   bool     `yaml:"blocking" env:"BLOCKING"`
	GuardRatio float64  `yaml:"guard_ratio" env:"BLOCKING_GUARD_RATIO"`
}

// StoreConfig selects and addresses the queue store
type StoreConfig struct {
	Driver         string `yaml:"driver" env:"STORE_DRIVER"`
	URI            string `yaml:"uri" env:"REDIS_BACKEND"`
	Namespace      string `yaml:"namespace" env:"REDIS_NAMESPACE"`
	MaxConnections int    `yaml:"max_connections" env:"REDIS_MAX_CONNECTIONS"`
	TLSSkipVerify  bool   `yaml:"tls_skip_verify" env:"REDIS_TLS_SKIP_VERIFY"`
	TLSCertPath    string `yaml:"tls_cert_path" env:"REDIS_TLS_CERT"`
}

// StrategyConfig selects how jobs are executed
type StrategyConfig struct {
	Name    string        `yaml:"name" env:"JOB_STRATEGY"`
	FastCGI FastCGIConfig `yaml:"fastcgi"`
}

// FastCGIConfig addresses the remote executor
type FastCGIConfig struct {
	Location    string            `yaml:"location" env:"FASTCGI_LOCATION"`
	Script      string            `yaml:"script" env:"FASTCGI_SCRIPT"`
	MaxRetries  int               `yaml:"max_retries" env:"FASTCGI_MAX_RETRIES"`
	DialTimeout time.Duration     `yaml:"dial_timeout" env:"FASTCGI_DIAL_TIMEOUT"`
	Env         map[string]string `yaml:"env"`
}

// FailureConfig selects where failures are recorded
type FailureConfig struct {
	Backends []string `yaml:"backends" env:"FAILURE_BACKEND" envSeparator:","`
	DSN      string   `yaml:"dsn" env:"FAILURE_DSN"`
	Table    string   `yaml:"table" env:"FAILURE_TABLE"`
}

// NotifyConfig enables the AMQP event relay when URL is set
type NotifyConfig struct {
	URL      string `yaml:"url" env:"AMQP_URL"`
	Exchange string `yaml:"exchange" env:"AMQP_EXCHANGE"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR"`
}

// Interval is a duration that also accepts bare seconds ("5", "0.5")
type Interval time.Duration

// Duration returns the interval as a time.Duration
func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

// UnmarshalText implements encoding.TextUnmarshaler
func (i *Interval) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*i = Interval(secs * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid interval %q", s)
	}
	*i = Interval(d)
	return nil
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			Interval:   Interval(5 * time.Second),
			GuardRatio: 0.1,
		},
		Store: StoreConfig{
			Driver:         DriverRedigo,
			URI:            "redis://localhost:6379",
			Namespace:      "resque:",
			MaxConnections: 10,
		},
		Strategy: StrategyConfig{
			Name: StrategyFork,
			FastCGI: FastCGIConfig{
				Location:    "127.0.0.1:9000",
				MaxRetries:  3,
				DialTimeout: 5 * time.Second,
			},
		},
		Failure: FailureConfig{
			Backends: []string{FailureRedis},
			Table:    "failed_jobs",
		},
		Notify: NotifyConfig{
			Exchange: "goresque.events",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration. path names an optional YAML file; envFiles
// are loaded into the environment first, defaulting to .env. Missing env
// files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	_ = godotenv.Load(envFiles...)

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	// PREFIX is the older name for the namespace
	if prefix := os.Getenv("PREFIX"); prefix != "" && os.Getenv("REDIS_NAMESPACE") == "" {
		cfg.Store.Namespace = prefix
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	queues := c.Worker.Queues[:0]
	for _, q := range c.Worker.Queues {
		if q = strings.TrimSpace(q); q != "" {
			queues = append(queues, q)
		}
	}
	c.Worker.Queues = queues

	if c.Store.URI != "" && !strings.Contains(c.Store.URI, "://") {
		c.Store.URI = "redis://" + c.Store.URI
	}
	if c.Store.Namespace != "" && !strings.HasSuffix(c.Store.Namespace, ":") {
		c.Store.Namespace += ":"
	}
	c.Strategy.Name = strings.ToLower(c.Strategy.Name)
	for i, b := range c.Failure.Backends {
		c.Failure.Backends[i] = strings.ToLower(strings.TrimSpace(b))
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the configuration for values the worker cannot run
// with. An empty queue list is accepted here so administrative commands
// can load the same configuration; building a worker rejects it.
func (c *Config) Validate() error {
	if c.Worker.Interval < 0 {
		return invalid("interval must not be negative")
	}
	if c.Worker.GuardRatio < 0 || c.Worker.GuardRatio >= 1 {
		return invalid("guard ratio %v must be in [0, 1)", c.Worker.GuardRatio)
	}

	switch c.Store.Driver {
	case DriverRedigo, DriverGoRedis:
		if c.Store.URI == "" {
			return invalid("store URI is required for driver %s", c.Store.Driver)
		}
	case DriverMemory:
	default:
		return invalid("unknown store driver %q", c.Store.Driver)
	}

	switch c.Strategy.Name {
	case StrategyInProcess, StrategyFork:
	case StrategyFastCGI:
		if c.Strategy.FastCGI.Location == "" {
			return invalid("fastcgi location is required")
		}
		if c.Strategy.FastCGI.MaxRetries < 0 {
			return invalid("fastcgi max retries must not be negative")
		}
	default:
		return invalid("unknown job strategy %q", c.Strategy.Name)
	}
	// a forked child opens its own store, and a fresh memory store is empty
	if c.Store.Driver == DriverMemory && c.Strategy.Name == StrategyFork {
		return invalid("the memory store cannot be shared with forked children; use the inprocess strategy")
	}

	if len(c.Failure.Backends) == 0 {
		return invalid("at least one failure backend is required")
	}
	for _, b := range c.Failure.Backends {
		switch b {
		case FailureRedis, FailureLog:
		case FailureSQL:
			if c.Failure.DSN == "" {
				return invalid("FAILURE_DSN is required for the sql failure backend")
			}
		default:
			return invalid("unknown failure backend %q", b)
		}
	}
	return nil
}
