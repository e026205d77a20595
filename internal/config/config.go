package config

import (
	"fmt"
	"time"
)

// Config represents the complete control-plane configuration
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Bus        BusConfig        `mapstructure:"bus"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Node       NodeConfig       `mapstructure:"node"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// APIConfig represents the read-only inspection API configuration
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"` // Bind address (e.g., 0.0.0.0 for all interfaces)
	Port    int    `mapstructure:"port"`
}

// BusConfig represents message bus configuration
type BusConfig struct {
	Type     string `mapstructure:"type"`     // Bus type: nats (default), redis, kafka, memory
	URL      string `mapstructure:"url"`      // Bus server URL (e.g., nats://localhost:4222)
	Username string `mapstructure:"username"` // Optional authentication
	Password string `mapstructure:"password"` // Optional authentication

	// Redis-specific options
	RedisDB       int    `mapstructure:"redis_db"`       // Redis database number (default: 0)
	RedisStream   string `mapstructure:"redis_stream"`   // Redis stream prefix (default: "blockplane")
	RedisGroup    string `mapstructure:"redis_group"`    // Redis consumer group (default: "blockplane-group")
	RedisConsumer string `mapstructure:"redis_consumer"` // Redis consumer name (default: hostname)

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"`  // Kafka broker addresses
	KafkaGroupID string   `mapstructure:"kafka_group_id"` // Kafka consumer group ID
}

// EtcdConfig represents etcd configuration for the volume-spec store
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// AgentConfig represents data-plane agent RPC configuration
type AgentConfig struct {
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`       // Per-RPC timeout
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"` // Connection pool sweep interval
}

// NodeConfig represents node liveness configuration
type NodeConfig struct {
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`  // Full state dump interval
	OfflineThreshold int           `mapstructure:"offline_threshold"` // Consecutive failures before offline
}

// ReconcilerConfig represents reconciliation configuration
type ReconcilerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`    // Periodic pass interval
	MaxRetries int           `mapstructure:"max_retries"` // Bounded attempts per corrective action
}

// JournalConfig represents the event journal configuration
type JournalConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Dir            string `mapstructure:"dir"`
	MaxSegmentSize int64  `mapstructure:"max_segment_size"` // bytes before rotation
}

// AuthConfig represents inspection API authentication configuration
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`  // Enable/disable API key authentication
	APIKeys []string `mapstructure:"api_keys"` // List of valid API keys
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}

	if err := c.Etcd.Validate(); err != nil {
		return fmt.Errorf("etcd config: %w", err)
	}

	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}

	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}

	if err := c.Reconciler.Validate(); err != nil {
		return fmt.Errorf("reconciler config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates API configuration
func (c *APIConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	return nil
}

// Validate validates etcd configuration
func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}

	return nil
}

// Validate validates agent configuration
func (c *AgentConfig) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("agent.request_timeout must be positive")
	}

	return nil
}

// Validate validates node configuration
func (c *NodeConfig) Validate() error {
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("node.refresh_interval must be positive")
	}

	if c.OfflineThreshold < 1 {
		return fmt.Errorf("node.offline_threshold must be at least 1")
	}

	return nil
}

// Validate validates reconciler configuration
func (c *ReconcilerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be positive")
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("reconciler.max_retries must be at least 1")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}
