// Package sidecar implements the devmux workspace agent. One agent process
// runs inside each workspace container, dials the hub's agent WebSocket,
// registers with the workspace token, and then serves terminal tabs and
// workspace operations (git, docker, stats, file upload) over the persistent
// connection.
package sidecar

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the agent build version reported in agent:register.
// Overridden at build time via -ldflags.
var Version = "dev"

// Config holds the agent configuration. Values merge in precedence order:
// flags > environment > config file > defaults.
type Config struct {
	// HubURL is the hub's agent WebSocket endpoint, e.g. ws://hub:8080/ws/agent.
	HubURL string `yaml:"hub_url"`

	// WorkspaceID and Token identify this workspace to the hub.
	WorkspaceID string `yaml:"workspace_id"`
	Token       string `yaml:"token"`

	// WorkDir is the workspace root. Tabs start here and file uploads land here.
	WorkDir string `yaml:"workdir"`

	// Shell overrides the tab shell (default: $SHELL, then /bin/bash).
	Shell string `yaml:"shell"`

	// Labels are free-form identity tags, logged at startup.
	Labels map[string]string `yaml:"labels"`

	// HeartbeatInterval is how often the agent reports tab statuses and
	// host metrics to the hub.
	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// LoadConfig builds a Config from defaults, an optional YAML file, and
// DEVMUX_AGENT_* environment variables. Validation is deferred to Validate so
// the caller can apply flag overrides first.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		WorkDir:           "/workspace",
		HeartbeatInterval: 10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if c.HeartbeatIntervalRaw != "" {
		d, err := time.ParseDuration(c.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", c.HeartbeatIntervalRaw, err)
		}
		c.HeartbeatInterval = d
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyEnv() {
	c.HubURL = getEnv("DEVMUX_AGENT_HUB_URL", c.HubURL)
	c.WorkspaceID = getEnv("DEVMUX_AGENT_WORKSPACE_ID", c.WorkspaceID)
	c.Token = getEnv("DEVMUX_AGENT_TOKEN", c.Token)
	c.WorkDir = getEnv("DEVMUX_AGENT_WORKDIR", c.WorkDir)
	c.Shell = getEnv("DEVMUX_AGENT_SHELL", c.Shell)
	c.LogLevel = getEnv("DEVMUX_AGENT_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("DEVMUX_AGENT_LOG_FORMAT", c.LogFormat)

	if v := os.Getenv("DEVMUX_AGENT_HEARTBEAT_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.HeartbeatInterval = time.Duration(secs) * time.Second
		}
	}
}

// Validate checks that the fields required to reach the hub are present.
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("hub_url is required")
	}
	if c.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
