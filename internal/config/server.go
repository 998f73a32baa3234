package config

import (
	"fmt"
	"time"
)

// ServerConfig configures courierd.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	InstanceID      string        `mapstructure:"instance_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Auth            AuthConfig    `mapstructure:"auth"`
	WS              WSConfig      `mapstructure:"ws"`
	Broker          BrokerConfig  `mapstructure:"broker"`
	Logging         LoggingConfig `mapstructure:"logging"`
}

type AuthConfig struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	Leeway time.Duration `mapstructure:"leeway"`
	// ServiceToken authorizes backend publishers on POST /events. Empty
	// disables the endpoint.
	ServiceToken string `mapstructure:"service_token"`
}

type WSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	InboundRate    float64  `mapstructure:"inbound_rate"`
	InboundBurst   int      `mapstructure:"inbound_burst"`
}

type BrokerConfig struct {
	Kind  string      `mapstructure:"kind"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	Namespace   string `mapstructure:"namespace"`
	Compression string `mapstructure:"compression"`
}

func serverDefaults() map[string]any {
	return map[string]any{
		"listen":                   ":8080",
		"instance_id":              "",
		"shutdown_timeout":         "10s",
		"auth.secret":              "",
		"auth.issuer":              "",
		"auth.leeway":              "30s",
		"auth.service_token":       "",
		"ws.allowed_origins":       []string{},
		"ws.inbound_rate":          20.0,
		"ws.inbound_burst":         40,
		"broker.kind":              BrokerMemory,
		"broker.redis.addr":        "localhost:6379",
		"broker.redis.password":    "",
		"broker.redis.db":          0,
		"broker.redis.namespace":   "courier:",
		"broker.redis.compression": "none",
	}
}

// LoadServer loads courierd configuration. configPath may be empty.
func LoadServer(configPath string) (*ServerConfig, error) {
	v := newViper(serverDefaults())

	var cfg ServerConfig
	if err := load(v, configPath, "courierd", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *ServerConfig) Validate() error {
	errs := &ValidationErrors{}

	if c.Listen == "" {
		errs.add("listen", "is required")
	}
	if c.Auth.Secret == "" {
		errs.add("auth.secret", "is required (set COURIER_AUTH_SECRET)")
	}
	if c.Auth.Leeway < 0 {
		errs.add("auth.leeway", "must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		errs.add("shutdown_timeout", "must be positive")
	}
	if c.WS.InboundRate < 0 {
		errs.add("ws.inbound_rate", "must not be negative")
	}
	if c.WS.InboundRate > 0 && c.WS.InboundBurst < 1 {
		errs.add("ws.inbound_burst", "must be >= 1 when inbound_rate is set")
	}

	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerRedis:
		if c.Broker.Redis.Addr == "" {
			errs.add("broker.redis.addr", "is required for the redis broker")
		}
		errs.oneOf("broker.redis.compression", c.Broker.Redis.Compression, validCompression)
	default:
		errs.add("broker.kind", fmt.Sprintf("%q must be %s or %s", c.Broker.Kind, BrokerMemory, BrokerRedis))
	}
	errs.oneOf("logging.level", c.Logging.Level, validLevels)

	return errs.err()
}
