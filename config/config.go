// Package config holds the tunables the runtime consumes: per-call deadline,
// executor sizing, hook budgets, subscriber queue depth and retry caps.
// Configuration is loaded from YAML, completed with defaults and optionally
// overridden from SPELLBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Overflow policies for subscriber queues.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDropNewest = "drop_newest"
)

// Config is the root configuration document.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Hooks    HookConfig     `yaml:"hooks"`
	Events   EventConfig    `yaml:"events"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sinks    SinkConfig     `yaml:"sinks"`
}

// BridgeConfig sizes the native executor.
type BridgeConfig struct {
	// Workers is the number of goroutines executing native operations.
	Workers int `yaml:"workers"`
	// QueueSize bounds the jobs waiting for a worker.
	QueueSize int `yaml:"queue_size"`
	// DefaultDeadline applies to descriptors with a zero deadline. A zero
	// DefaultDeadline on a programmatic Config leaves such calls unbounded;
	// Parse fills an absent value with the default.
	DefaultDeadline time.Duration `yaml:"default_deadline"`
}

// HookConfig bounds hook handler execution.
type HookConfig struct {
	// DefaultBudget applies when neither the registration nor the enclosing
	// context provides a budget.
	DefaultBudget time.Duration `yaml:"default_budget"`
	// BudgetFraction of the remaining enclosing deadline given to each handler.
	BudgetFraction float64 `yaml:"budget_fraction"`
	// MinBudget floors the fraction-derived budget.
	MinBudget time.Duration `yaml:"min_budget"`
	// BreakerThreshold is the number of consecutive faults (timeouts,
	// panics, failures) after which a handler is skipped. Negative disables
	// the breaker.
	BreakerThreshold int `yaml:"breaker_threshold"`
	// BreakerCooldown is how long a tripped handler stays skipped before
	// one trial call is let through.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// EventConfig controls delivery to event subscribers.
type EventConfig struct {
	QueueDepth    int     `yaml:"queue_depth"`
	Overflow      string  `yaml:"overflow"`
	RatePerSecond float64 `yaml:"rate_per_second"` // 0 = unlimited
	Burst         int     `yaml:"burst"`
}

// WorkflowConfig provides defaults for retry-with-backoff step policies.
type WorkflowConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// LoggingConfig selects the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SinkConfig enables durable event sinks. A sink with an empty address is
// disabled.
type SinkConfig struct {
	Redis    RedisSinkConfig    `yaml:"redis"`
	RabbitMQ RabbitMQSinkConfig `yaml:"rabbitmq"`
}

// RedisSinkConfig appends events to a Redis stream.
type RedisSinkConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	// MaxLen approximately caps the stream; 0 keeps everything.
	MaxLen int64 `yaml:"max_len"`
}

// RabbitMQSinkConfig publishes events to a queue or exchange.
type RabbitMQSinkConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Bridge: BridgeConfig{
			Workers:         8,
			QueueSize:       256,
			DefaultDeadline: 30 * time.Second,
		},
		Hooks: HookConfig{
			DefaultBudget:  100 * time.Millisecond,
			BudgetFraction: 0.1,
			MinBudget:      5 * time.Millisecond,

			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Events: EventConfig{
			QueueDepth: 1024,
			Overflow:   OverflowDropOldest,
		},
		Workflow: WorkflowConfig{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file and completes it with defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, errors.New("config: path is empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(content)
}

// Parse decodes YAML and applies defaults to every zero field.
func Parse(content []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Bridge.Workers == 0 {
		c.Bridge.Workers = d.Bridge.Workers
	}
	if c.Bridge.QueueSize == 0 {
		c.Bridge.QueueSize = d.Bridge.QueueSize
	}
	if c.Bridge.DefaultDeadline == 0 {
		c.Bridge.DefaultDeadline = d.Bridge.DefaultDeadline
	}
	if c.Hooks.DefaultBudget == 0 {
		c.Hooks.DefaultBudget = d.Hooks.DefaultBudget
	}
	if c.Hooks.BudgetFraction == 0 {
		c.Hooks.BudgetFraction = d.Hooks.BudgetFraction
	}
	if c.Hooks.MinBudget == 0 {
		c.Hooks.MinBudget = d.Hooks.MinBudget
	}
	if c.Hooks.BreakerThreshold == 0 {
		c.Hooks.BreakerThreshold = d.Hooks.BreakerThreshold
	}
	if c.Hooks.BreakerCooldown == 0 {
		c.Hooks.BreakerCooldown = d.Hooks.BreakerCooldown
	}
	if c.Events.QueueDepth == 0 {
		c.Events.QueueDepth = d.Events.QueueDepth
	}
	if c.Events.Overflow == "" {
		c.Events.Overflow = d.Events.Overflow
	}
	if c.Workflow.MaxAttempts == 0 {
		c.Workflow.MaxAttempts = d.Workflow.MaxAttempts
	}
	if c.Workflow.InitialBackoff == 0 {
		c.Workflow.InitialBackoff = d.Workflow.InitialBackoff
	}
	if c.Workflow.MaxBackoff == 0 {
		c.Workflow.MaxBackoff = d.Workflow.MaxBackoff
	}
	if c.Workflow.Multiplier == 0 {
		c.Workflow.Multiplier = d.Workflow.Multiplier
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.Bridge.Workers < 1:
		return fmt.Errorf("config: bridge.workers must be >= 1, got %d", c.Bridge.Workers)
	case c.Bridge.QueueSize < 0:
		return fmt.Errorf("config: bridge.queue_size must be >= 0, got %d", c.Bridge.QueueSize)
	case c.Bridge.DefaultDeadline < 0:
		return fmt.Errorf("config: bridge.default_deadline must be >= 0, got %s", c.Bridge.DefaultDeadline)
	case c.Hooks.DefaultBudget <= 0:
		return fmt.Errorf("config: hooks.default_budget must be > 0, got %s", c.Hooks.DefaultBudget)
	case c.Hooks.BudgetFraction <= 0 || c.Hooks.BudgetFraction > 1:
		return fmt.Errorf("config: hooks.budget_fraction must be in (0, 1], got %v", c.Hooks.BudgetFraction)
	case c.Hooks.BreakerCooldown < 0:
		return fmt.Errorf("config: hooks.breaker_cooldown must be >= 0, got %s", c.Hooks.BreakerCooldown)
	case c.Hooks.BreakerThreshold > 0 && c.Hooks.BreakerCooldown == 0:
		return fmt.Errorf("config: hooks.breaker_cooldown must be > 0 when the breaker is enabled")
	case c.Events.QueueDepth < 1:
		return fmt.Errorf("config: events.queue_depth must be >= 1, got %d", c.Events.QueueDepth)
	case c.Events.Overflow != OverflowDropOldest && c.Events.Overflow != OverflowDropNewest:
		return fmt.Errorf("config: events.overflow must be %q or %q, got %q", OverflowDropOldest, OverflowDropNewest, c.Events.Overflow)
	case c.Events.RatePerSecond < 0:
		return fmt.Errorf("config: events.rate_per_second must be >= 0, got %v", c.Events.RatePerSecond)
	case c.Workflow.MaxAttempts < 1:
		return fmt.Errorf("config: workflow.max_attempts must be >= 1, got %d", c.Workflow.MaxAttempts)
	case c.Workflow.Multiplier < 1:
		return fmt.Errorf("config: workflow.multiplier must be >= 1, got %v", c.Workflow.Multiplier)
	case c.Sinks.Redis.MaxLen < 0:
		return fmt.Errorf("config: sinks.redis.max_len must be >= 0, got %d", c.Sinks.Redis.MaxLen)
	}
	return nil
}

// ApplyEnv overrides settings from SPELLBRIDGE_* environment variables and
// re-validates the result.
func (c *Config) ApplyEnv() error {
	if err := envInt("SPELLBRIDGE_BRIDGE_WORKERS", &c.Bridge.Workers); err != nil {
		return err
	}
	if err := envInt("SPELLBRIDGE_BRIDGE_QUEUE_SIZE", &c.Bridge.QueueSize); err != nil {
		return err
	}
	if err := envDuration("SPELLBRIDGE_DEFAULT_DEADLINE", &c.Bridge.DefaultDeadline); err != nil {
		return err
	}
	if err := envDuration("SPELLBRIDGE_HOOK_BUDGET", &c.Hooks.DefaultBudget); err != nil {
		return err
	}
	if err := envInt("SPELLBRIDGE_HOOK_BREAKER_THRESHOLD", &c.Hooks.BreakerThreshold); err != nil {
		return err
	}
	if err := envInt("SPELLBRIDGE_EVENT_QUEUE_DEPTH", &c.Events.QueueDepth); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("SPELLBRIDGE_EVENT_OVERFLOW"); ok {
		c.Events.Overflow = v
	}
	if err := envInt("SPELLBRIDGE_WORKFLOW_MAX_ATTEMPTS", &c.Workflow.MaxAttempts); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("SPELLBRIDGE_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := os.LookupEnv("SPELLBRIDGE_LOG_FORMAT"); ok {
		c.Logging.Format = v
	}
	if v, ok := os.LookupEnv("SPELLBRIDGE_REDIS_ADDR"); ok {
		c.Sinks.Redis.Address = v
	}
	if v, ok := os.LookupEnv("SPELLBRIDGE_RABBITMQ_URL"); ok {
		c.Sinks.RabbitMQ.URL = v
	}
	return c.Validate()
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
