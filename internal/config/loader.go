package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")               // Current directory
		v.AddConfigPath("./configs")       // Project configs directory
		v.AddConfigPath("/etc/blockplane") // System-wide config
	}

	// Set defaults
	setDefaults(v)

	// Enable environment variable overrides
	v.SetEnvPrefix("BLOCKPLANE")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; use defaults
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 4011)

	// Bus defaults
	v.SetDefault("bus.type", "nats")
	v.SetDefault("bus.url", "nats://localhost:4222")

	// Etcd defaults
	v.SetDefault("etcd.endpoints", []string{"http://localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")

	// Agent defaults
	v.SetDefault("agent.request_timeout", "5s")
	v.SetDefault("agent.health_check_interval", "30s")

	// Node defaults
	v.SetDefault("node.refresh_interval", "10s")
	v.SetDefault("node.offline_threshold", 3)

	// Reconciler defaults
	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", "30s")
	v.SetDefault("reconciler.max_retries", 3)

	// Journal defaults
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.dir", "./journal")
	v.SetDefault("journal.max_segment_size", 16*1024*1024)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    4011,
		},
		Bus: BusConfig{
			Type: "nats",
			URL:  "nats://localhost:4222",
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"http://localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Agent: AgentConfig{
			RequestTimeout:      5 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Node: NodeConfig{
			RefreshInterval:  10 * time.Second,
			OfflineThreshold: 3,
		},
		Reconciler: ReconcilerConfig{
			Enabled:    true,
			Interval:   30 * time.Second,
			MaxRetries: 3,
		},
		Journal: JournalConfig{
			Enabled:        false,
			Dir:            "./journal",
			MaxSegmentSize: 16 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}
