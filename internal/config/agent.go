package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig represents the complete agent configuration
type AgentConfig struct {
	Agent   AgentOptions   `yaml:"agent"`
	Server  EndpointConfig `yaml:"server"`
	Redis   RedisOptions   `yaml:"redis"`
	Blob    BlobConfig     `yaml:"blob"`
	Cache   CacheConfig    `yaml:"cache"`
	Sync    SyncConfig     `yaml:"sync"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Logging LoggingConfig  `yaml:"logging"`
}

// AgentOptions holds the agent identity and managed tenants
type AgentOptions struct {
	Tenants  []string `yaml:"tenants"`
	HTTPHost string   `yaml:"http_host"`
	HTTPPort int      `yaml:"http_port"`
}

// EndpointConfig holds the authoritative server endpoint
type EndpointConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisOptions holds the change channel connection settings
type RedisOptions struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BlobConfig holds the snapshot blob source settings. Exactly one of
// base_url (HTTP object store) or root_dir (local filesystem) is set.
type BlobConfig struct {
	BaseURL string        `yaml:"base_url"`
	RootDir string        `yaml:"root_dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig holds the durable local replica settings
type CacheConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig tunes the state managers
type SyncConfig struct {
	ResyncInterval  time.Duration `yaml:"resync_interval"`
	RetryBackoffMin time.Duration `yaml:"retry_backoff_min"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	OpTimeout       time.Duration `yaml:"op_timeout"`
}

// LoadAgent loads the agent configuration from a YAML file
func LoadAgent(configPath string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyAgentEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyAgentEnvOverrides(cfg *AgentConfig) {
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}
	if baseURL := os.Getenv("SERVER_BASE_URL"); baseURL != "" {
		cfg.Server.BaseURL = baseURL
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// Validate validates the agent configuration
func (c *AgentConfig) Validate() error {
	if len(c.Agent.Tenants) == 0 {
		return fmt.Errorf("agent.tenants must list at least one tenant")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Blob.BaseURL == "" && c.Blob.RootDir == "" {
		return fmt.Errorf("one of blob.base_url or blob.root_dir is required")
	}
	if c.Blob.BaseURL != "" && c.Blob.RootDir != "" {
		return fmt.Errorf("blob.base_url and blob.root_dir are mutually exclusive")
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultAgentConfig returns default agent configuration values
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Agent: AgentOptions{
			HTTPHost: "127.0.0.1",
			HTTPPort: 8081,
		},
		Server: EndpointConfig{
			Timeout: 10 * time.Second,
		},
		Redis: RedisOptions{
			Host: "localhost",
			Port: 6379,
		},
		Blob: BlobConfig{
			Timeout: 60 * time.Second,
		},
		Cache: CacheConfig{
			Path: "./data/replica.db",
		},
		Sync: SyncConfig{
			ResyncInterval:  5 * time.Minute,
			RetryBackoffMin: 2 * time.Second,
			RetryBackoffMax: 2 * time.Minute,
			OpTimeout:       30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
