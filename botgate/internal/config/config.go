package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/botgate/botgate/internal/apiclient"
	"github.com/telhawk-systems/botgate/botgate/internal/tokens"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Webhook    WebhookConfig    `mapstructure:"webhook" yaml:"webhook"`
	Gateway    GatewayConfig    `mapstructure:"gateway" yaml:"gateway"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`
	Dedupe     DedupeConfig     `mapstructure:"dedupe" yaml:"dedupe"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Outbound   OutboundConfig   `mapstructure:"outbound" yaml:"outbound"`
	Commands   CommandsConfig   `mapstructure:"commands" yaml:"commands"`
	DLQ        DLQConfig        `mapstructure:"dlq" yaml:"dlq"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Service    ServiceConfig    `mapstructure:"service" yaml:"service"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type WebhookConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Path         string        `mapstructure:"path" yaml:"path"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew" yaml:"max_clock_skew"`
}

type GatewayConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	URL               string        `mapstructure:"url" yaml:"url"`
	Intents           uint32        `mapstructure:"intents" yaml:"intents"`
	ShardID           int           `mapstructure:"shard_id" yaml:"shard_id"`
	ShardCount        int           `mapstructure:"shard_count" yaml:"shard_count"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxResumeAttempts int           `mapstructure:"max_resume_attempts" yaml:"max_resume_attempts"`
	OutboundQueueSize int           `mapstructure:"outbound_queue_size" yaml:"outbound_queue_size"`
	Backoff           BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial" yaml:"initial"`
	Max        time.Duration `mapstructure:"max" yaml:"max"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

type AuthConfig struct {
	AppID string `mapstructure:"app_id" yaml:"app_id"`
	// Secret derives the signing key pair and fetches access tokens.
	Secret string `mapstructure:"secret" yaml:"secret"`
	// Token, when set, is used as-is instead of fetching app tokens.
	Token    string        `mapstructure:"token" yaml:"token"`
	TokenURL string        `mapstructure:"token_url" yaml:"token_url"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// PublicKey is hex ed25519 key material overriding the secret-derived key.
	PublicKey string `mapstructure:"public_key" yaml:"public_key"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Sandbox bool          `mapstructure:"sandbox" yaml:"sandbox"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type DedupeConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`
	Capacity int    `mapstructure:"capacity" yaml:"capacity"`
	Key      string `mapstructure:"key" yaml:"key"`
}

type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type DispatcherConfig struct {
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxInFlight    int           `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

type OutboundConfig struct {
	GatewayViaAPI bool `mapstructure:"gateway_via_api" yaml:"gateway_via_api"`
}

type CommandsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// AllowedAuthors restricts commands to these author ids; empty allows all.
	AllowedAuthors []string `mapstructure:"allowed_authors" yaml:"allowed_authors"`
}

type DLQConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Backend  string `mapstructure:"backend" yaml:"backend"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
	NatsURL  string `mapstructure:"nats_url" yaml:"nats_url"`
	Stream   string `mapstructure:"stream" yaml:"stream"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type ServiceConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	RawBuffer int    `mapstructure:"raw_buffer" yaml:"raw_buffer"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.path", "/qqbot/callback")
	v.SetDefault("webhook.max_body_bytes", 65536)
	v.SetDefault("webhook.max_clock_skew", "0s")
	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.intents", 1<<30)
	v.SetDefault("gateway.shard_id", 0)
	v.SetDefault("gateway.shard_count", 1)
	v.SetDefault("gateway.handshake_timeout", "30s")
	v.SetDefault("gateway.max_retries", 0)
	v.SetDefault("gateway.max_resume_attempts", 3)
	v.SetDefault("gateway.outbound_queue_size", 256)
	v.SetDefault("gateway.backoff.initial", "1s")
	v.SetDefault("gateway.backoff.max", "60s")
	v.SetDefault("gateway.backoff.multiplier", 2.0)
	v.SetDefault("auth.app_id", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.token_url", tokens.DefaultTokenURL)
	v.SetDefault("auth.timeout", "10s")
	v.SetDefault("auth.public_key", "")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.sandbox", false)
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("dedupe.backend", "memory")
	v.SetDefault("dedupe.capacity", 10000)
	v.SetDefault("dedupe.key", "botgate:dedupe")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("dispatcher.queue_size", 1024)
	v.SetDefault("dispatcher.max_in_flight", 16)
	v.SetDefault("dispatcher.handler_timeout", "10s")
	v.SetDefault("dispatcher.shutdown_grace", "15s")
	v.SetDefault("outbound.gateway_via_api", false)
	v.SetDefault("commands.enabled", true)
	v.SetDefault("commands.allowed_authors", []string{})
	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.backend", "file")
	v.SetDefault("dlq.base_path", "/var/lib/botgate/dlq")
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")
	v.SetDefault("dlq.stream", "BOTGATE_DLQ")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("service.name", "botgate")
	v.SetDefault("service.raw_buffer", 256)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/botgate")
	}

	// Environment variables override, e.g. BOTGATE_AUTH_SECRET
	v.SetEnvPrefix("BOTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every problem that would make the service fail to start.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !c.Webhook.Enabled && !c.Gateway.Enabled {
		errs = append(errs, errors.New("at least one of webhook.enabled and gateway.enabled must be true"))
	}

	if c.Webhook.Enabled {
		if c.Auth.Secret == "" && c.Auth.PublicKey == "" {
			errs = append(errs, errors.New("webhook needs auth.secret or auth.public_key to verify callbacks"))
		}
		if !strings.HasPrefix(c.Webhook.Path, "/") {
			errs = append(errs, fmt.Errorf("webhook.path %q must start with /", c.Webhook.Path))
		}
		if c.Webhook.MaxBodyBytes <= 0 {
			errs = append(errs, errors.New("webhook.max_body_bytes must be positive"))
		}
	}

	if c.Gateway.Enabled {
		if c.Auth.Token == "" && (c.Auth.AppID == "" || c.Auth.Secret == "") {
			errs = append(errs, errors.New("gateway needs auth.token or auth.app_id with auth.secret"))
		}
		if c.Gateway.ShardCount < 1 || c.Gateway.ShardID < 0 || c.Gateway.ShardID >= c.Gateway.ShardCount {
			errs = append(errs, fmt.Errorf("gateway shard %d/%d is invalid", c.Gateway.ShardID, c.Gateway.ShardCount))
		}
		if c.Gateway.Backoff.Initial <= 0 || c.Gateway.Backoff.Max < c.Gateway.Backoff.Initial {
			errs = append(errs, errors.New("gateway.backoff requires 0 < initial <= max"))
		}
		if c.Gateway.Backoff.Multiplier < 1 {
			errs = append(errs, errors.New("gateway.backoff.multiplier must be at least 1"))
		}
		if c.Gateway.MaxRetries < 0 {
			errs = append(errs, errors.New("gateway.max_retries must not be negative"))
		}
	}

	switch c.Dedupe.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown dedupe.backend %q (supported: memory, redis)", c.Dedupe.Backend))
	}
	if c.Dedupe.Capacity <= 0 {
		errs = append(errs, errors.New("dedupe.capacity must be positive"))
	}

	if c.Dispatcher.QueueSize <= 0 || c.Dispatcher.MaxInFlight <= 0 {
		errs = append(errs, errors.New("dispatcher.queue_size and dispatcher.max_in_flight must be positive"))
	}
	if c.Dispatcher.HandlerTimeout <= 0 {
		errs = append(errs, errors.New("dispatcher.handler_timeout must be positive"))
	}

	if c.DLQ.Enabled {
		switch c.DLQ.Backend {
		case "file", "jetstream":
		default:
			errs = append(errs, fmt.Errorf("unknown dlq.backend %q (supported: file, jetstream)", c.DLQ.Backend))
		}
	}

	if c.Service.RawBuffer <= 0 {
		errs = append(errs, errors.New("service.raw_buffer must be positive"))
	}

	return errors.Join(errs...)
}

// APIBaseURL resolves the REST endpoint, honouring api.sandbox.
func (c *Config) APIBaseURL() string {
	if c.API.BaseURL != "" {
		return c.API.BaseURL
	}
	if c.API.Sandbox {
		return apiclient.SandboxURL
	}
	return apiclient.ProductionURL
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Auth.Secret = mask(c.Auth.Secret)
	c.Auth.Token = mask(c.Auth.Token)
	return c
}
