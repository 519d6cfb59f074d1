package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/telhawk-systems/botgate/botgate/internal/apiclient"
)

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	if !cfg.Webhook.Enabled {
		t.Error("Webhook.Enabled should be true by default")
	}
	if cfg.Webhook.Path != "/qqbot/callback" {
		t.Errorf("Webhook.Path = %q, want /qqbot/callback", cfg.Webhook.Path)
	}
	if cfg.Webhook.MaxBodyBytes != 65536 {
		t.Errorf("Webhook.MaxBodyBytes = %d, want 65536", cfg.Webhook.MaxBodyBytes)
	}
	if cfg.Gateway.Intents != 1<<30 {
		t.Errorf("Gateway.Intents = %d, want %d", cfg.Gateway.Intents, 1<<30)
	}
	if cfg.Gateway.ShardCount != 1 {
		t.Errorf("Gateway.ShardCount = %d, want 1", cfg.Gateway.ShardCount)
	}
	if cfg.Gateway.Backoff.Initial != time.Second {
		t.Errorf("Gateway.Backoff.Initial = %v, want 1s", cfg.Gateway.Backoff.Initial)
	}
	if cfg.Gateway.Backoff.Max != time.Minute {
		t.Errorf("Gateway.Backoff.Max = %v, want 1m", cfg.Gateway.Backoff.Max)
	}
	if cfg.Gateway.Backoff.Multiplier != 2 {
		t.Errorf("Gateway.Backoff.Multiplier = %v, want 2", cfg.Gateway.Backoff.Multiplier)
	}
	if cfg.Gateway.MaxRetries != 0 {
		t.Errorf("Gateway.MaxRetries = %d, want 0 (unbounded)", cfg.Gateway.MaxRetries)
	}
	if cfg.Dedupe.Backend != "memory" {
		t.Errorf("Dedupe.Backend = %q, want memory", cfg.Dedupe.Backend)
	}
	if cfg.Dedupe.Capacity != 10000 {
		t.Errorf("Dedupe.Capacity = %d, want 10000", cfg.Dedupe.Capacity)
	}
	if cfg.Dispatcher.QueueSize != 1024 {
		t.Errorf("Dispatcher.QueueSize = %d, want 1024", cfg.Dispatcher.QueueSize)
	}
	if cfg.Dispatcher.HandlerTimeout != 10*time.Second {
		t.Errorf("Dispatcher.HandlerTimeout = %v, want 10s", cfg.Dispatcher.HandlerTimeout)
	}
	if cfg.Outbound.GatewayViaAPI {
		t.Error("Outbound.GatewayViaAPI should be false by default")
	}
	if !cfg.Commands.Enabled || len(cfg.Commands.AllowedAuthors) != 0 {
		t.Errorf("Commands = %+v, want enabled with no allowlist", cfg.Commands)
	}
	if cfg.DLQ.Enabled {
		t.Error("DLQ.Enabled should be false by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Service.RawBuffer != 256 {
		t.Errorf("Service.RawBuffer = %d, want 256", cfg.Service.RawBuffer)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() with non-existent file path should return error")
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(path, []byte("invalid: yaml: : :"), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
gateway:
  enabled: false
  backoff:
    initial: 500ms
dispatcher:
  max_in_flight: 4
dedupe:
  backend: redis
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	t.Setenv("BOTGATE_AUTH_SECRET", "from-env")
	t.Setenv("BOTGATE_DISPATCHER_MAX_IN_FLIGHT", "8")
	t.Setenv("BOTGATE_COMMANDS_ALLOWED_AUTHORS", "u1,u2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Gateway.Enabled {
		t.Error("Gateway.Enabled should come from the file")
	}
	if cfg.Gateway.Backoff.Initial != 500*time.Millisecond {
		t.Errorf("Gateway.Backoff.Initial = %v, want 500ms", cfg.Gateway.Backoff.Initial)
	}
	if cfg.Dispatcher.MaxInFlight != 8 {
		t.Errorf("Dispatcher.MaxInFlight = %d, env should win over file", cfg.Dispatcher.MaxInFlight)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Errorf("Auth.Secret = %q, want from-env", cfg.Auth.Secret)
	}
	if len(cfg.Commands.AllowedAuthors) != 2 || cfg.Commands.AllowedAuthors[1] != "u2" {
		t.Errorf("Commands.AllowedAuthors = %v, want [u1 u2]", cfg.Commands.AllowedAuthors)
	}
	if cfg.Dedupe.Backend != "redis" {
		t.Errorf("Dedupe.Backend = %q, want redis", cfg.Dedupe.Backend)
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Auth.AppID = "102000001"
	cfg.Auth.Secret = "DG5g3B4j9X2KOErG"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults with credentials", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no transports", func(c *Config) { c.Webhook.Enabled = false; c.Gateway.Enabled = false }, "at least one"},
		{"webhook without key", func(c *Config) { c.Auth.Secret = ""; c.Auth.Token = "t"; c.Gateway.Enabled = false }, "auth.secret or auth.public_key"},
		{"webhook with public key only", func(c *Config) {
			c.Auth.Secret = ""
			c.Auth.PublicKey = strings.Repeat("ab", 32)
			c.Gateway.Enabled = false
		}, ""},
		{"webhook path", func(c *Config) { c.Webhook.Path = "callback" }, "webhook.path"},
		{"gateway without credentials", func(c *Config) { c.Auth.AppID = ""; c.Webhook.Enabled = false }, "auth.token or auth.app_id"},
		{"gateway with static token", func(c *Config) { c.Auth.AppID = ""; c.Auth.Token = "tok"; c.Webhook.Enabled = false }, ""},
		{"bad shard", func(c *Config) { c.Gateway.ShardID = 1 }, "shard"},
		{"backoff max below initial", func(c *Config) { c.Gateway.Backoff.Max = time.Millisecond }, "gateway.backoff"},
		{"backoff multiplier", func(c *Config) { c.Gateway.Backoff.Multiplier = 0.5 }, "multiplier"},
		{"negative retries", func(c *Config) { c.Gateway.MaxRetries = -1 }, "max_retries"},
		{"dedupe backend", func(c *Config) { c.Dedupe.Backend = "memcached" }, "dedupe.backend"},
		{"dedupe capacity", func(c *Config) { c.Dedupe.Capacity = 0 }, "dedupe.capacity"},
		{"dispatcher queue", func(c *Config) { c.Dispatcher.QueueSize = 0 }, "dispatcher.queue_size"},
		{"handler timeout", func(c *Config) { c.Dispatcher.HandlerTimeout = 0 }, "handler_timeout"},
		{"dlq backend", func(c *Config) { c.DLQ.Enabled = true; c.DLQ.Backend = "s3" }, "dlq.backend"},
		{"raw buffer", func(c *Config) { c.Service.RawBuffer = 0 }, "raw_buffer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestAPIBaseURL(t *testing.T) {
	cfg := validConfig(t)
	if got := cfg.APIBaseURL(); got != apiclient.ProductionURL {
		t.Errorf("APIBaseURL() = %q, want production", got)
	}

	cfg.API.Sandbox = true
	if got := cfg.APIBaseURL(); got != apiclient.SandboxURL {
		t.Errorf("APIBaseURL() = %q, want sandbox", got)
	}

	cfg.API.BaseURL = "http://127.0.0.1:9999"
	if got := cfg.APIBaseURL(); got != "http://127.0.0.1:9999" {
		t.Errorf("APIBaseURL() = %q, explicit base_url should win", got)
	}
}

func TestRedacted(t *testing.T) {
	cfg := validConfig(t)
	cfg.Auth.Token = "tok"

	red := cfg.Redacted()
	if red.Auth.Secret == cfg.Auth.Secret || red.Auth.Token == "tok" {
		t.Error("Redacted() left credentials visible")
	}
	if cfg.Auth.Secret != "DG5g3B4j9X2KOErG" {
		t.Error("Redacted() modified the original")
	}
	if red.Auth.AppID != cfg.Auth.AppID {
		t.Error("Redacted() should keep non-secret fields")
	}
}
