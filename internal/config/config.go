// ABOUTME: Configuration loading and parsing for hivewire
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hivewire configuration
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Transports TransportsConfig `yaml:"transports"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BrokerConfig holds broker identity and timing configuration
type BrokerConfig struct {
	ID                string `yaml:"id"`
	DefaultMaxRetries int    `yaml:"default_max_retries"`

	RequestTimeout  time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`
	RetentionWindow time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw  string `yaml:"request_timeout"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
	RetentionWindowRaw string `yaml:"retention_window"`
}

// DiscoveryConfig holds connection manager configuration
type DiscoveryConfig struct {
	RosterPath   string `yaml:"roster_path"`
	HealthCheck  string `yaml:"health_check"` // "grpc" or "tcp"
	ProbeRetries int    `yaml:"probe_retries"`

	DiscoveryInterval   time.Duration `yaml:"-"`
	HealthCheckInterval time.Duration `yaml:"-"`
	HealthCheckTimeout  time.Duration `yaml:"-"`

	DiscoveryIntervalRaw   string `yaml:"discovery_interval"`
	HealthCheckIntervalRaw string `yaml:"health_check_interval"`
	HealthCheckTimeoutRaw  string `yaml:"health_check_timeout"`
}

// TransportsConfig holds transport registrations, in dispatch order
type TransportsConfig struct {
	WebSocket []WebSocketTransportConfig `yaml:"websocket"`
}

// WebSocketTransportConfig describes one outbound websocket peer
type WebSocketTransportConfig struct {
	Name          string `yaml:"name"`
	URL           string `yaml:"url"`
	BreakerPreset string `yaml:"breaker_preset"` // default / fast-fail / resilient / off
}

// ServerConfig holds the status HTTP listener address
type ServerConfig struct {
	HTTPAddr   string `yaml:"http_addr"`
	ListenPath string `yaml:"listen_path"` // websocket accept path, default /ws
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Discovery.HealthCheck {
	case "", "grpc", "tcp":
	default:
		return fmt.Errorf("discovery.health_check must be \"grpc\" or \"tcp\", got %q", c.Discovery.HealthCheck)
	}

	for i, ws := range c.Transports.WebSocket {
		if ws.Name == "" {
			return fmt.Errorf("transports.websocket[%d]: name is required", i)
		}
		if ws.URL == "" {
			return fmt.Errorf("transports.websocket[%d] (%s): url is required", i, ws.Name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Broker.RequestTimeoutRaw, "broker.request_timeout", &cfg.Broker.RequestTimeout},
		{cfg.Broker.CleanupIntervalRaw, "broker.cleanup_interval", &cfg.Broker.CleanupInterval},
		{cfg.Broker.RetentionWindowRaw, "broker.retention_window", &cfg.Broker.RetentionWindow},
		{cfg.Discovery.DiscoveryIntervalRaw, "discovery.discovery_interval", &cfg.Discovery.DiscoveryInterval},
		{cfg.Discovery.HealthCheckIntervalRaw, "discovery.health_check_interval", &cfg.Discovery.HealthCheckInterval},
		{cfg.Discovery.HealthCheckTimeoutRaw, "discovery.health_check_timeout", &cfg.Discovery.HealthCheckTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
