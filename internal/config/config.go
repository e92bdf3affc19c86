package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models switchyard.yml.
type Config struct {
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Relay struct {
		DefaultTTLSeconds     int `yaml:"default_ttl_seconds"`
		MaxDeliveryAttempts   int `yaml:"max_delivery_attempts"`
		SweepBatchSize        int `yaml:"sweep_batch_size"`
		IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds"`
	} `yaml:"relay"`
	Tasks struct {
		SweepBatchSize int `yaml:"sweep_batch_size"`
	} `yaml:"tasks"`
	Sprint struct {
		OrchestratorTarget  string `yaml:"orchestrator_target"`
		RetryBackoffSeconds int    `yaml:"retry_backoff_seconds"`
	} `yaml:"sprint"`
	Auth struct {
		PrivilegedCapabilities []string `yaml:"privileged_capabilities"`
		JWTIssuer              string   `yaml:"jwt_issuer"`
		// EncryptionKeys maps a tenant to a base64 AES key for field encryption.
		EncryptionKeys map[string]string `yaml:"encryption_keys"`
	} `yaml:"auth"`
	Sync struct {
		WebhookURL     string `yaml:"webhook_url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"sync"`
	Outbound struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"outbound"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Sweep struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"sweep"`
	Presence struct {
		WriteBack bool `yaml:"write_back"`
	} `yaml:"presence"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with syd config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Relay.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("config.relay.default_ttl_seconds must be positive")
	}
	if c.Relay.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("config.relay.max_delivery_attempts must be positive")
	}
	if c.Relay.SweepBatchSize <= 0 {
		return fmt.Errorf("config.relay.sweep_batch_size must be positive")
	}
	if c.Relay.IdempotencyTTLSeconds <= 0 {
		return fmt.Errorf("config.relay.idempotency_ttl_seconds must be positive")
	}
	if c.Tasks.SweepBatchSize <= 0 {
		return fmt.Errorf("config.tasks.sweep_batch_size must be positive")
	}
	if c.Sprint.OrchestratorTarget == "" {
		return fmt.Errorf("config.sprint.orchestrator_target is required")
	}
	if c.Sprint.RetryBackoffSeconds <= 0 {
		return fmt.Errorf("config.sprint.retry_backoff_seconds must be positive")
	}
	for _, capability := range c.Auth.PrivilegedCapabilities {
		if capability == "" {
			return fmt.Errorf("config.auth.privileged_capabilities contains an empty entry")
		}
	}
	for tenant, key := range c.Auth.EncryptionKeys {
		if tenant == "" || key == "" {
			return fmt.Errorf("config.auth.encryption_keys has an empty tenant or key")
		}
	}
	if c.Sync.WebhookURL != "" && c.Sync.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.sync.timeout_seconds must be positive when webhook_url is set")
	}
	if c.Outbound.Buffer <= 0 {
		return fmt.Errorf("config.outbound.buffer must be positive")
	}
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	if c.Sweep.IntervalSeconds <= 0 {
		return fmt.Errorf("config.sweep.interval_seconds must be positive")
	}
	return nil
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.Sync.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "switchyard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  path: ""

redis:
  addr: ""

relay:
  default_ttl_seconds: 3600
  max_delivery_attempts: 3
  sweep_batch_size: 100
  idempotency_ttl_seconds: 86400

tasks:
  sweep_batch_size: 100

sprint:
  orchestrator_target: orchestrator
  retry_backoff_seconds: 30

auth:
  privileged_capabilities: [admin, orchestrator]

sync:
  webhook_url: ""
  timeout_seconds: 5

outbound:
  buffer: 256

log:
  level: info

server:
  addr: ":8080"
  base_path: ""

sweep:
  interval_seconds: 60

presence:
  write_back: true
`
