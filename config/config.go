// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridianhq/orchestrator/store"
	"github.com/meridianhq/orchestrator/subscription"
)

// Config is the full server configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Engine        EngineConfig        `yaml:"engine" json:"engine"`
	Store         StoreConfig         `yaml:"store" json:"store"`
	Triggers      TriggerConfig       `yaml:"triggers" json:"triggers"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions" json:"subscriptions"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// CallbackURL is the externally reachable base URL handed to
	// event-driven actions for their completion callbacks.
	CallbackURL string `yaml:"callback_url" json:"callback_url"`
}

// EngineConfig tunes the scheduler.
type EngineConfig struct {
	MaxParallelSteps int           `yaml:"max_parallel_steps" json:"max_parallel_steps"`
	SweepInterval    time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	RetentionAge     time.Duration `yaml:"retention_age" json:"retention_age"`
	RetentionSweep   time.Duration `yaml:"retention_sweep" json:"retention_sweep"`
}

// StoreConfig selects and tunes the persistence backend. An empty
// PostgresURL selects the in-memory store.
type StoreConfig struct {
	PostgresURL string            `yaml:"postgres_url" json:"postgres_url"`
	MaxConns    int32             `yaml:"max_conns" json:"max_conns"`
	MinConns    int32             `yaml:"min_conns" json:"min_conns"`
	Retry       store.RetryConfig `yaml:"retry" json:"retry"`

	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold" json:"breaker_failure_threshold"`
	BreakerSuccessThreshold int           `yaml:"breaker_success_threshold" json:"breaker_success_threshold"`
	BreakerCooldown         time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

// TriggerConfig tunes the schedule poller.
type TriggerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// SubscriptionsConfig selects the delivery publisher.
type SubscriptionsConfig struct {
	// Publisher selects the transport: "nats", "http" or "log".
	Publisher string                  `yaml:"publisher" json:"publisher"`
	NATSURL   string                  `yaml:"nats_url" json:"nats_url"`
	HTTP      subscription.HTTPConfig `yaml:"http" json:"http"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Engine: EngineConfig{
			MaxParallelSteps: 8,
			SweepInterval:    30 * time.Second,
			RetentionAge:     30 * 24 * time.Hour,
			RetentionSweep:   time.Hour,
		},
		Store: StoreConfig{
			MaxConns:                10,
			MinConns:                2,
			Retry:                   store.DefaultRetryConfig(),
			BreakerFailureThreshold: 5,
			BreakerSuccessThreshold: 2,
			BreakerCooldown:         30 * time.Second,
		},
		Triggers: TriggerConfig{PollInterval: time.Minute},
		Subscriptions: SubscriptionsConfig{
			Publisher: "log",
			HTTP:      subscription.DefaultHTTPConfig(),
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Engine.MaxParallelSteps <= 0 {
		return fmt.Errorf("engine.max_parallel_steps must be positive")
	}
	if c.Triggers.PollInterval <= 0 {
		return fmt.Errorf("triggers.poll_interval must be positive")
	}
	switch c.Subscriptions.Publisher {
	case "nats":
		if c.Subscriptions.NATSURL == "" {
			return fmt.Errorf("subscriptions.nats_url is required for the nats publisher")
		}
	case "http", "log", "":
	default:
		return fmt.Errorf("unknown subscriptions.publisher %q", c.Subscriptions.Publisher)
	}
	return nil
}
