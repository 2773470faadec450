// Package config provides configuration management for devmux.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the devmux hub.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects sqlite (default, Path) or postgres (Host and friends).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	// Enabled controls whether the Docker backend is available. When false
	// (or the daemon is unreachable) container reconciliation is skipped.
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// AgentConfig holds workspace agent coordination configuration.
type AgentConfig struct {
	// ExpectedVersion is the agent version this hub wants connected agents
	// to run. Agents reporting an older version are flagged for update.
	ExpectedVersion string `mapstructure:"expectedVersion"`

	// BundleURL is where agents download the expected version from.
	BundleURL string `mapstructure:"bundleUrl"`

	// HeartbeatInterval is how often agents are expected to heartbeat, in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`

	// OperationTimeout bounds correlated agent operations, in seconds.
	OperationTimeout int `mapstructure:"operationTimeout"`

	// StatsTimeout bounds stats polling requests, in seconds.
	StatsTimeout int `mapstructure:"statsTimeout"`
}

// SyncConfig holds container status reconciliation configuration.
type SyncConfig struct {
	Interval int `mapstructure:"interval"` // in seconds
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// DevToken is the browser token accepted in development mode.
	// Generated at startup when empty.
	DevToken string `mapstructure:"devToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (a *AgentConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(a.HeartbeatInterval) * time.Second
}

// OperationTimeoutDuration returns the operation timeout as a time.Duration.
func (a *AgentConfig) OperationTimeoutDuration() time.Duration {
	return time.Duration(a.OperationTimeout) * time.Second
}

// StatsTimeoutDuration returns the stats timeout as a time.Duration.
func (a *AgentConfig) StatsTimeoutDuration() time.Duration {
	return time.Duration(a.StatsTimeout) * time.Second
}

// IntervalDuration returns the sync interval as a time.Duration.
func (s *SyncConfig) IntervalDuration() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("DEVMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file next to the binary unless overridden
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "devmux.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "devmux")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "devmux")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devmux-hub")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	// Agent defaults
	v.SetDefault("agent.expectedVersion", "")
	v.SetDefault("agent.bundleUrl", "")
	v.SetDefault("agent.heartbeatInterval", 10)
	v.SetDefault("agent.operationTimeout", 30)
	v.SetDefault("agent.statsTimeout", 10)

	// Sync defaults
	v.SetDefault("sync.interval", 30)

	// Auth defaults
	v.SetDefault("auth.devToken", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVMUX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/devmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DEVMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.expectedVersion", "DEVMUX_AGENT_EXPECTED_VERSION")
	_ = v.BindEnv("agent.bundleUrl", "DEVMUX_AGENT_BUNDLE_URL")
	_ = v.BindEnv("agent.heartbeatInterval", "DEVMUX_AGENT_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("agent.operationTimeout", "DEVMUX_AGENT_OPERATION_TIMEOUT")
	_ = v.BindEnv("agent.statsTimeout", "DEVMUX_AGENT_STATS_TIMEOUT")
	_ = v.BindEnv("auth.devToken", "DEVMUX_AUTH_DEV_TOKEN")
	_ = v.BindEnv("database.dbName", "DEVMUX_DATABASE_DB_NAME")
	_ = v.BindEnv("database.sslMode", "DEVMUX_DATABASE_SSL_MODE")
	_ = v.BindEnv("docker.apiVersion", "DEVMUX_DOCKER_API_VERSION")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devmux/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// Docker validation - optional (reconciliation disabled if not available)

	// Agent validation
	if cfg.Agent.HeartbeatInterval <= 0 {
		errs = append(errs, "agent.heartbeatInterval must be positive")
	}
	if cfg.Agent.OperationTimeout <= 0 {
		errs = append(errs, "agent.operationTimeout must be positive")
	}
	if cfg.Agent.StatsTimeout <= 0 {
		errs = append(errs, "agent.statsTimeout must be positive")
	}

	// Sync validation
	if cfg.Sync.Interval <= 0 {
		errs = append(errs, "sync.interval must be positive")
	}

	// Auth validation - generate a dev token if not set (dev mode)
	if cfg.Auth.DevToken == "" {
		cfg.Auth.DevToken = generateDevToken()
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevToken generates a random token for development mode.
func generateDevToken() string {
	// Use a fixed dev token with a warning prefix
	// In production, users should set DEVMUX_AUTH_DEV_TOKEN
	return "dev-token-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
