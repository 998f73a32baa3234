package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/dgnsrekt/courier-realtime/internal/notify"
	"github.com/dgnsrekt/courier-realtime/internal/queue"
)

// AgentConfig configures courier-agent, the offline queue and sync client.
type AgentConfig struct {
	Server  SyncServerConfig `mapstructure:"server"`
	Origin  OriginConfig     `mapstructure:"origin"`
	Queue   QueueConfig      `mapstructure:"queue"`
	Sync    SyncConfig       `mapstructure:"sync"`
	Notify  notify.Config    `mapstructure:"notify"`
	Logging LoggingConfig    `mapstructure:"logging"`
}

type SyncServerConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	HealthURL     string        `mapstructure:"health_url"`
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
}

// OriginConfig identifies who made the queued changes.
type OriginConfig struct {
	Role string `mapstructure:"role"`
	ID   string `mapstructure:"id"`
}

type QueueConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type SyncConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	Interval      time.Duration `mapstructure:"interval"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Policy        string        `mapstructure:"policy"`
}

func agentDefaults() map[string]any {
	return map[string]any{
		"server.base_url":        "http://localhost:3000/api",
		"server.health_url":      "",
		"server.token":           "",
		"server.timeout":         "30s",
		"server.rate_per_second": 10,
		"origin.role":            "driver",
		"origin.id":              "",
		"queue.backend":          "badger",
		"queue.path":             "~/.courier/queue",
		"queue.max_retries":      5,
		"sync.batch_size":        10,
		"sync.concurrency":       4,
		"sync.base_delay":        "1s",
		"sync.interval":          "30s",
		"sync.probe_interval":    "10s",
		"sync.policy":            "server-wins",
		"notify.enabled":         false,
		"notify.server":          "https://ntfy.sh",
		"notify.topic":           "",
		"notify.priority":        "default",
		"notify.tags":            "package",
		"notify.token":           "",
	}
}

// LoadAgent loads courier-agent configuration. configPath may be empty.
func LoadAgent(configPath string) (*AgentConfig, error) {
	v := newViper(agentDefaults())

	var cfg AgentConfig
	if err := load(v, configPath, "courier-agent", &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.HealthURL == "" {
		cfg.Server.HealthURL = defaultHealthURL(cfg.Server.BaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// defaultHealthURL is /healthz on the sync API's host.
func defaultHealthURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/healthz"
}

// Validate reports every problem in the configuration at once.
func (c *AgentConfig) Validate() error {
	errs := &ValidationErrors{}

	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs.add("server.base_url", fmt.Sprintf("%q is not an absolute URL", c.Server.BaseURL))
	}
	if c.Server.Timeout <= 0 {
		errs.add("server.timeout", "must be positive")
	}
	if c.Server.RatePerSecond < 0 {
		errs.add("server.rate_per_second", "must not be negative")
	}
	errs.oneOf("origin.role", c.Origin.Role, validRoles)
	if c.Origin.ID == "" {
		errs.add("origin.id", "is required (set COURIER_ORIGIN_ID)")
	}

	errs.oneOf("queue.backend", c.Queue.Backend, validBackends)
	if c.Queue.Backend != queue.BackendMemory && c.Queue.Path == "" {
		errs.add("queue.path", "is required for a durable backend")
	}
	if c.Queue.MaxRetries < 1 {
		errs.add("queue.max_retries", "must be >= 1")
	}

	if c.Sync.BatchSize < 1 {
		errs.add("sync.batch_size", "must be >= 1")
	}
	if c.Sync.Concurrency < 1 {
		errs.add("sync.concurrency", "must be >= 1")
	}
	if c.Sync.BaseDelay <= 0 {
		errs.add("sync.base_delay", "must be positive")
	}
	if c.Sync.Interval <= 0 {
		errs.add("sync.interval", "must be positive")
	}
	if c.Sync.ProbeInterval <= 0 {
		errs.add("sync.probe_interval", "must be positive")
	}
	errs.oneOf("sync.policy", c.Sync.Policy, validPolicies)
	errs.oneOf("logging.level", c.Logging.Level, validLevels)

	if err := c.Notify.Validate(); err != nil {
		errs.add("notify", err.Error())
	}

	return errs.err()
}
