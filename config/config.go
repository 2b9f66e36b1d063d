// Package config loads service configuration from a YAML file with
// environment overrides. Every component receives its settings from a
// Config; nothing reads process-wide URLs or keys on its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Context   ContextConfig   `yaml:"context"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	SampleRate int    `yaml:"sample_rate"`
	OTEL       bool   `yaml:"otel"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRemote   = "remote"
)

// StoreConfig selects and configures the rule store.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RemoteURL   string `yaml:"remote_url"`
}

// EngineConfig configures the dispatch engine and lifecycle manager.
type EngineConfig struct {
	ExecutorTimeout       time.Duration `yaml:"executor_timeout"`
	ScheduleLookback      time.Duration `yaml:"schedule_lookback"`
	ConcurrencyPolicy     string        `yaml:"concurrency_policy"`
	CheckWriteBackVersion bool          `yaml:"check_write_back_version"`
	ProgramCacheSize      int           `yaml:"program_cache_size"`
}

// SchedulerConfig configures periodic passes.
type SchedulerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	MaxConcurrentUsers int           `yaml:"max_concurrent_users"`
	RetryAttempts      uint64        `yaml:"retry_attempts"`
	RetryInitial       time.Duration `yaml:"retry_initial"`
}

// Executor kinds.
const (
	ExecutorLog     = "log"
	ExecutorWebhook = "webhook"
	ExecutorNATS    = "nats"
)

// ExecutorConfig selects where resolved actions go. Kinds may be combined;
// every configured executor receives each firing.
type ExecutorConfig struct {
	Kinds          []string          `yaml:"kinds"`
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
	WebhookTimeout time.Duration     `yaml:"webhook_timeout"`
	NATSURL        string            `yaml:"nats_url"`
	SubjectPrefix  string            `yaml:"subject_prefix"`

	// Routes sends an action kind to a single executor kind instead of
	// every executor in Kinds.
	Routes map[string]string `yaml:"routes"`
}

// Context providers.
const (
	ContextMemory = "memory"
	ContextHTTP   = "http"
)

// ContextConfig selects the context provider.
type ContextConfig struct {
	Provider    string        `yaml:"provider"`
	ActivityURL string        `yaml:"activity_url"`
	Timeout     time.Duration `yaml:"timeout"`
	Location    string        `yaml:"location"`
}

// RateLimitConfig bounds on-demand pass requests per user.
type RateLimitConfig struct {
	PassesPerSecond float64 `yaml:"passes_per_second"`
	Burst           int     `yaml:"burst"`
}

// Default returns a complete, valid configuration: in-memory store,
// log executor, in-memory context provider, scheduler disabled.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:     StoreMemory,
			SQLitePath: "automations.db",
		},
		Engine: EngineConfig{
			ExecutorTimeout:       rules.DefaultExecutorTimeout,
			ScheduleLookback:      rules.DefaultScheduleLookback,
			ConcurrencyPolicy:     string(rules.PolicyLastWriteWins),
			CheckWriteBackVersion: true,
			ProgramCacheSize:      rules.DefaultCacheConfig().MaxEntries,
		},
		Scheduler: SchedulerConfig{
			Enabled:            false,
			Interval:           time.Minute,
			MaxConcurrentUsers: 8,
			RetryAttempts:      3,
			RetryInitial:       200 * time.Millisecond,
		},
		Executor: ExecutorConfig{
			Kinds:          []string{ExecutorLog},
			WebhookTimeout: 10 * time.Second,
			SubjectPrefix:  "automations.actions",
		},
		Context: ContextConfig{
			Provider: ContextMemory,
			Timeout:  5 * time.Second,
			Location: "UTC",
		},
		RateLimit: RateLimitConfig{
			PassesPerSecond: 1,
			Burst:           5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			SampleRate: 1,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with
// lookup (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
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

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		} else {
			c.Server.Port = port
		}
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DatabaseURL = v
		if _, set := lookup("AUTOMATIONS_STORE"); !set {
			c.Store.Driver = StorePostgres
		}
	}
	str("AUTOMATIONS_STORE", &c.Store.Driver)
	str("AUTOMATIONS_SQLITE_PATH", &c.Store.SQLitePath)
	str("AUTOMATIONS_REMOTE_URL", &c.Store.RemoteURL)
	str("AUTOMATIONS_CONCURRENCY_POLICY", &c.Engine.ConcurrencyPolicy)
	dur("AUTOMATIONS_EXECUTOR_TIMEOUT", &c.Engine.ExecutorTimeout)
	dur("AUTOMATIONS_PASS_INTERVAL", &c.Scheduler.Interval)
	if v, ok := lookup("AUTOMATIONS_SCHEDULER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("AUTOMATIONS_SCHEDULER_ENABLED: %w", err))
		} else {
			c.Scheduler.Enabled = b
		}
	}
	if v, ok := lookup("AUTOMATIONS_EXECUTORS"); ok && v != "" {
		c.Executor.Kinds = splitList(v)
	}
	str("AUTOMATIONS_WEBHOOK_URL", &c.Executor.WebhookURL)
	str("AUTOMATIONS_NATS_URL", &c.Executor.NATSURL)
	str("AUTOMATIONS_CONTEXT_PROVIDER", &c.Context.Provider)
	str("AUTOMATIONS_ACTIVITY_URL", &c.Context.ActivityURL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	if v, ok := lookup("OTEL_ENABLED"); ok && v != "" {
		c.Logging.OTEL = strings.EqualFold(v, "true")
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite driver")
		}
	case StoreRemote:
		if c.Store.RemoteURL == "" {
			add("store.remote_url is required for the remote driver")
		}
	default:
		add("unknown store driver %q", c.Store.Driver)
	}

	if c.Engine.ExecutorTimeout <= 0 {
		add("engine.executor_timeout must be positive")
	}
	if c.Engine.ScheduleLookback < 0 {
		add("engine.schedule_lookback must not be negative")
	}
	if _, err := rules.ParseConcurrencyPolicy(c.Engine.ConcurrencyPolicy); err != nil {
		add("engine.concurrency_policy: %v", err)
	}
	if c.Engine.ProgramCacheSize < 0 {
		add("engine.program_cache_size must not be negative")
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.Interval <= 0 {
			add("scheduler.interval must be positive")
		}
		if c.Scheduler.MaxConcurrentUsers < 1 {
			add("scheduler.max_concurrent_users must be at least 1")
		}
	}

	if len(c.Executor.Kinds) == 0 {
		add("executor.kinds must name at least one executor")
	}
	for _, k := range c.Executor.Kinds {
		switch k {
		case ExecutorLog:
		case ExecutorWebhook:
			if c.Executor.WebhookURL == "" {
				add("executor.webhook_url is required for the webhook executor")
			}
		case ExecutorNATS:
			if c.Executor.NATSURL == "" {
				add("executor.nats_url is required for the nats executor")
			}
		default:
			add("unknown executor kind %q", k)
		}
	}
	for action, k := range c.Executor.Routes {
		if _, err := rules.ParseActionKind(action); err != nil {
			add("executor.routes: %v", err)
		}
		if !contains(c.Executor.Kinds, k) {
			add("executor.routes: %s routes to %q, which is not in executor.kinds", action, k)
		}
	}

	switch c.Context.Provider {
	case ContextMemory:
	case ContextHTTP:
		if c.Context.ActivityURL == "" {
			add("context.activity_url is required for the http provider")
		}
	default:
		add("unknown context provider %q", c.Context.Provider)
	}
	if _, err := time.LoadLocation(c.Context.Location); err != nil {
		add("context.location: %v", err)
	}

	if c.RateLimit.PassesPerSecond <= 0 || c.RateLimit.Burst < 1 {
		add("ratelimit requires positive passes_per_second and burst")
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// Policy returns the parsed concurrency policy. Call after Validate.
func (c *Config) Policy() rules.ConcurrencyPolicy {
	p, _ := rules.ParseConcurrencyPolicy(c.Engine.ConcurrencyPolicy)
	return p
}

// LoggerOptions converts the logging section for logger.Setup.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		SampleRate: c.Logging.SampleRate,
		OTEL:       c.Logging.OTEL,
	}
}

// Location returns the context time zone, UTC when it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Context.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
