package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration
type Config struct {
	// Application settings
	AppName   string `mapstructure:"app_name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Bus configuration
	Bus BusConfig `mapstructure:"bus"`

	// Store configuration
	Store StoreConfig `mapstructure:"store"`

	// Hive scheduler configuration
	Hive HiveConfig `mapstructure:"hive"`

	// Workflow engine configuration
	Workflow WorkflowConfig `mapstructure:"workflow"`

	// Agent defaults
	Agent AgentConfig `mapstructure:"agent"`
}

// ServerConfig holds the operational API server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	Enabled      bool   `mapstructure:"enabled"`
}

// DatabaseConfig holds ArangoDB connection configuration. With Type set to
// "memory" the runtime uses the in-memory repositories instead.
type DatabaseConfig struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// BusConfig holds message bus limits
type BusConfig struct {
	SoftLimit int `mapstructure:"soft_limit"`
	HardLimit int `mapstructure:"hard_limit"`
}

// StoreConfig holds event buffering configuration
type StoreConfig struct {
	EventBufferSize int           `mapstructure:"event_buffer_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
}

// HiveConfig holds scheduler configuration
type HiveConfig struct {
	HealthTick         time.Duration `mapstructure:"health_tick"`
	AnalysisTick       time.Duration `mapstructure:"analysis_tick"`
	StallThreshold     time.Duration `mapstructure:"stall_threshold"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	MaxRetries         int           `mapstructure:"max_retries"`
	ConsensusThreshold float64       `mapstructure:"consensus_threshold"`
	MaxAgents          int           `mapstructure:"max_agents"`
}

// WorkflowConfig holds workflow engine configuration
type WorkflowConfig struct {
	EnableSnapshots  bool          `mapstructure:"enable_snapshots"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
}

// AgentConfig holds per-agent defaults
type AgentConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		// Set defaults
		AppName:   "HiveCortex",
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			Enabled:      true,
		},
		Database: DatabaseConfig{
			Type:     "memory",
			Host:     "localhost",
			Port:     8529,
			Database: "hivecortex",
			Username: "root",
		},
		Bus: BusConfig{
			SoftLimit: 10000,
			HardLimit: 100000,
		},
		Store: StoreConfig{
			EventBufferSize: 100,
			FlushInterval:   5 * time.Second,
		},
		Hive: HiveConfig{
			HealthTick:         5 * time.Second,
			AnalysisTick:       60 * time.Second,
			StallThreshold:     10 * time.Minute,
			HeartbeatInterval:  10 * time.Second,
			MaxRetries:         3,
			ConsensusThreshold: 0.66,
			MaxAgents:          1000,
		},
		Workflow: WorkflowConfig{
			EnableSnapshots:  true,
			SnapshotInterval: 60 * time.Second,
			TaskTimeout:      30 * time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval: 10 * time.Second,
		},
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Add config paths
	if configPath != "" {
		if filepath.IsAbs(configPath) {
			viper.SetConfigFile(configPath)
		} else {
			viper.AddConfigPath(filepath.Dir(configPath))
			viper.SetConfigName(filepath.Base(configPath[:len(configPath)-len(filepath.Ext(configPath))]))
		}
	}

	// Add common config paths
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/hivecortex")

	// Environment variable support
	viper.SetEnvPrefix("HIVE")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found is acceptable, we'll use defaults and env vars
	}

	// Unmarshal into struct
	if err := viper.Unmarshal(config); err != nil {
		return nil, err
	}

	// Override with environment variables
	if password := os.Getenv("HIVE_DATABASE_PASSWORD"); password != "" {
		config.Database.Password = password
	}
	applyRuntimeEnv(config)

	return config, nil
}

// applyRuntimeEnv applies the RUNTIME_* environment variables the core
// recognizes; they win over file configuration
func applyRuntimeEnv(config *Config) {
	if ms, ok := envInt64("RUNTIME_SNAPSHOT_INTERVAL_MS"); ok {
		config.Workflow.SnapshotInterval = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt64("RUNTIME_EVENT_BUFFER_SIZE"); ok {
		config.Store.EventBufferSize = int(n)
	}
	if ms, ok := envInt64("RUNTIME_EVENT_FLUSH_MS"); ok {
		config.Store.FlushInterval = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt64("RUNTIME_MAX_AGENTS"); ok {
		config.Hive.MaxAgents = int(n)
	}
	if ms, ok := envInt64("RUNTIME_STALL_THRESHOLD_MS"); ok {
		config.Hive.StallThreshold = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := envInt64("RUNTIME_HEARTBEAT_MS"); ok {
		config.Hive.HeartbeatInterval = time.Duration(ms) * time.Millisecond
		config.Agent.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv("RUNTIME_CONSENSUS_THRESHOLD"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 && f <= 1 {
			config.Hive.ConsensusThreshold = f
		}
	}
}

// envInt64 reads an integer environment variable
func envInt64(name string) (int64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Reason: "must be in (0, 65535]"}
	}
	switch c.Database.Type {
	case "memory", "arangodb":
	default:
		return &ValidationError{Field: "database.type", Reason: "must be memory or arangodb"}
	}
	if c.Hive.ConsensusThreshold <= 0 || c.Hive.ConsensusThreshold > 1 {
		return &ValidationError{Field: "hive.consensus_threshold", Reason: "must be in (0, 1]"}
	}
	if c.Store.EventBufferSize <= 0 {
		return &ValidationError{Field: "store.event_buffer_size", Reason: "must be positive"}
	}
	return nil
}

// ValidationError describes one invalid configuration field
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return "invalid config: " + e.Field + " " + e.Reason
}
