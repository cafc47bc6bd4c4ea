// Package config loads the berth server configuration. Sources are applied
// in order: defaults, YAML file, .env file and BERTH_* environment
// variables, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/me/berth/internal/logging"
	"github.com/me/berth/pkg/model"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Executors.
const (
	ExecutorLocal   = "local"
	ExecutorWebhook = "webhook"
)

// ServerConfig holds configuration for the berth server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	StoreDriver string `yaml:"store_driver"` // sqlite or postgres
	DBPath      string `yaml:"db_path"`      // SQLite path (default ~/.berth/berth.db, ":memory:" for testing)
	DatabaseURL string `yaml:"database_url"` // Postgres DSN

	Executor     string        `yaml:"executor"`      // local or webhook
	WebhookURL   string        `yaml:"webhook_url"`   // target of the webhook executor
	StartLatency time.Duration `yaml:"start_latency"` // simulated latency of the local executor
	StartTimeout time.Duration `yaml:"start_timeout"`

	RateLimitPerMinute  int           `yaml:"rate_limit_per_minute"` // deployment creations per client IP; 0 disables
	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	PreemptionThreshold string        `yaml:"preemption_threshold"`
	Quota               Quota         `yaml:"quota"`
}

// Quota is the per-organization cap on summed cluster limits.
type Quota struct {
	CPU      float64 `yaml:"cpu"`
	MemoryGB float64 `yaml:"memory_gb"`
	GPU      int64   `yaml:"gpu"`
}

// Resources converts the quota to a resource triple.
func (q Quota) Resources() model.Resources {
	return model.NewResources(q.CPU, q.MemoryGB, q.GPU)
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                ":8080",
		LogLevel:            "info",
		LogFormat:           "text",
		StoreDriver:         DriverSQLite,
		Executor:            ExecutorLocal,
		StartTimeout:        30 * time.Second,
		RateLimitPerMinute:  60,
		ReconcileInterval:   30 * time.Second,
		PreemptionThreshold: "HIGH",
		Quota:               Quota{CPU: 100, MemoryGB: 1024, GPU: 8},
	}
}

// Threshold returns the parsed preemption threshold.
func (c ServerConfig) Threshold() (model.Priority, error) {
	return model.ParsePriority(c.PreemptionThreshold)
}

// Validate reports every invalid field.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := logging.LookupLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := logging.CheckFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	switch c.StoreDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q (want sqlite or postgres)", c.StoreDriver))
	}
	switch c.Executor {
	case ExecutorLocal:
	case ExecutorWebhook:
		if c.WebhookURL == "" {
			errs = append(errs, errors.New("webhook_url is required for the webhook executor"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown executor %q (want local or webhook)", c.Executor))
	}
	if c.StartTimeout <= 0 {
		errs = append(errs, errors.New("start_timeout must be positive"))
	}
	if c.StartLatency < 0 {
		errs = append(errs, errors.New("start_latency cannot be negative"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("reconcile_interval must be positive"))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("rate_limit_per_minute cannot be negative"))
	}
	if _, err := c.Threshold(); err != nil {
		errs = append(errs, fmt.Errorf("preemption_threshold: %w", err))
	}
	for _, fe := range c.Quota.Resources().ValidateLimit() {
		errs = append(errs, fmt.Errorf("quota %s: %s", fe.Field, fe.Message))
	}
	return errors.Join(errs...)
}

// LoadFile merges the YAML file at path into c. Unknown keys are rejected.
func LoadFile(path string, c *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

// WithDotEnv returns a lookup that consults lookup first and then the given
// .env files. Missing files are skipped.
func WithDotEnv(lookup LookupFunc, files ...string) (LookupFunc, error) {
	vars := map[string]string{}
	for _, f := range files {
		m, err := godotenv.Read(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range m {
			if _, ok := vars[k]; !ok {
				vars[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides fields of c from BERTH_* variables.
func ApplyEnv(c *ServerConfig, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, set func(int64)) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			set(n)
		}
	}

	str("BERTH_ADDR", &c.Addr)
	str("BERTH_LOG_LEVEL", &c.LogLevel)
	str("BERTH_LOG_FORMAT", &c.LogFormat)
	str("BERTH_STORE", &c.StoreDriver)
	str("BERTH_DB_PATH", &c.DBPath)
	str("BERTH_DATABASE_URL", &c.DatabaseURL)
	str("BERTH_EXECUTOR", &c.Executor)
	str("BERTH_WEBHOOK_URL", &c.WebhookURL)
	str("BERTH_PREEMPTION_THRESHOLD", &c.PreemptionThreshold)
	dur("BERTH_START_TIMEOUT", &c.StartTimeout)
	dur("BERTH_START_LATENCY", &c.StartLatency)
	dur("BERTH_RECONCILE_INTERVAL", &c.ReconcileInterval)
	integer("BERTH_RATE_LIMIT", func(n int64) { c.RateLimitPerMinute = int(n) })
	num("BERTH_QUOTA_CPU", &c.Quota.CPU)
	num("BERTH_QUOTA_MEMORY_GB", &c.Quota.MemoryGB)
	integer("BERTH_QUOTA_GPU", func(n int64) { c.Quota.GPU = n })
	return errors.Join(errs...)
}

// Parse builds the configuration from command-line args, the config file
// and env files they name, and lookup.
func Parse(name string, args []string, lookup LookupFunc) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to YAML config file")
	envFile := fs.String("env-file", ".env", "Path to .env file (skipped if missing)")
	debug := fs.Bool("debug", false, "Shorthand for --log-level=debug")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Store driver (sqlite, postgres)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (default ~/.berth/berth.db)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string")
	fs.StringVar(&cfg.Executor, "executor", cfg.Executor, "Start executor (local, webhook)")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", cfg.WebhookURL, "URL the webhook executor posts to")
	fs.DurationVar(&cfg.StartLatency, "start-latency", cfg.StartLatency, "Simulated start latency of the local executor")
	fs.DurationVar(&cfg.StartTimeout, "start-timeout", cfg.StartTimeout, "Timeout of a single start")
	fs.IntVar(&cfg.RateLimitPerMinute, "rate-limit", cfg.RateLimitPerMinute, "Deployment creations per minute per client IP (0 disables)")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "How often pending deployments are retried")
	fs.StringVar(&cfg.PreemptionThreshold, "preemption-threshold", cfg.PreemptionThreshold, "Lowest priority allowed to preempt")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	// Flags win over file and environment: remember them and apply them again.
	set := map[string]string{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = f.Value.String() })

	if *configFile != "" {
		if err := LoadFile(*configFile, &cfg); err != nil {
			return cfg, err
		}
	}
	env, err := WithDotEnv(lookup, *envFile)
	if err != nil {
		return cfg, err
	}
	if err := ApplyEnv(&cfg, env); err != nil {
		return cfg, err
	}
	for name, v := range set {
		if err := fs.Set(name, v); err != nil {
			return cfg, fmt.Errorf("flag -%s: %w", name, err)
		}
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.Executor = strings.ToLower(cfg.Executor)

	return cfg, cfg.Validate()
}
