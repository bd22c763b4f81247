// Package config provides configuration management for Agentmesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agentmesh.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ReadTimeout   int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout  int    `mapstructure:"writeTimeout"` // in seconds
	CORSOrigin    string `mapstructure:"corsOrigin"`
	APICORSOrigin string `mapstructure:"apiCorsOrigin"`
	// ServerID is the identifier of the MessageServer this process owns.
	// Channels and message-scoped mutations are isolated to this server.
	ServerID string `mapstructure:"serverId"`
}

// DatabaseConfig holds database connection configuration.
// When PostgresURL is empty, SQLite at Path is used.
type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	PostgresURL string `mapstructure:"postgresUrl"`
	MaxConns    int    `mapstructure:"maxConns"`
	MinConns    int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// APIToken gates all /api routes when non-empty (X-API-KEY header).
	APIToken string `mapstructure:"apiToken"`
	// DataIsolation requires socket entities to be channel participants
	// before joining a room.
	DataIsolation bool `mapstructure:"dataIsolation"`
}

// SessionsConfig holds the global session timeout defaults.
// Per-agent and per-request timeout configs are merged on top of these.
type SessionsConfig struct {
	DefaultTimeoutMinutes   int  `mapstructure:"defaultTimeoutMinutes"`
	MinTimeoutMinutes       int  `mapstructure:"minTimeoutMinutes"`
	MaxTimeoutMinutes       int  `mapstructure:"maxTimeoutMinutes"`
	MaxDurationMinutes      int  `mapstructure:"maxDurationMinutes"`
	WarningThresholdMinutes int  `mapstructure:"warningThresholdMinutes"`
	CleanupIntervalMinutes  int  `mapstructure:"cleanupIntervalMinutes"`
	AutoRenew               bool `mapstructure:"autoRenew"`
	ClearOnShutdown         bool `mapstructure:"clearOnShutdown"`
}

// JobsConfig holds one-off job processing limits.
type JobsConfig struct {
	DefaultTimeoutMs int `mapstructure:"defaultTimeoutMs"`
	MinTimeoutMs     int `mapstructure:"minTimeoutMs"`
	MaxTimeoutMs     int `mapstructure:"maxTimeoutMs"`
	MaxInMemory      int `mapstructure:"maxInMemory"`
	RetentionMinutes int `mapstructure:"retentionMinutes"`
}

// AgentConfig holds agent connector and runtime configuration.
type AgentConfig struct {
	// CentralServerURL restricts the agent connector egress target.
	// Only localhost variants are accepted; anything else falls back.
	CentralServerURL string `mapstructure:"centralServerUrl"`
	// RuntimeURL points at the agent runtime service. Empty disables the
	// sync and stream transports.
	RuntimeURL string `mapstructure:"runtimeUrl"`
	// RuntimeAPIKey is sent as X-API-KEY on runtime calls.
	RuntimeAPIKey string `mapstructure:"runtimeApiKey"`
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

// CleanupInterval returns the session sweep interval as a time.Duration.
func (s *SessionsConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMinutes) * time.Minute
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
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.readTimeout", 30)
	// 0 disables the write deadline; SSE streams and long socket sessions
	// outlive any fixed response timeout.
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.corsOrigin", "*")
	v.SetDefault("server.apiCorsOrigin", "")
	v.SetDefault("server.serverId", "00000000-0000-0000-0000-000000000000")

	// Database defaults - empty postgresUrl means SQLite
	v.SetDefault("database.path", "./agentmesh.db")
	v.SetDefault("database.postgresUrl", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmesh")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.apiToken", "")
	v.SetDefault("auth.dataIsolation", false)

	// Session defaults
	v.SetDefault("sessions.defaultTimeoutMinutes", 30)
	v.SetDefault("sessions.minTimeoutMinutes", 5)
	v.SetDefault("sessions.maxTimeoutMinutes", 1440)
	v.SetDefault("sessions.maxDurationMinutes", 720)
	v.SetDefault("sessions.warningThresholdMinutes", 5)
	v.SetDefault("sessions.cleanupIntervalMinutes", 5)
	v.SetDefault("sessions.autoRenew", true)
	v.SetDefault("sessions.clearOnShutdown", false)

	// Job defaults
	v.SetDefault("jobs.defaultTimeoutMs", 30000)
	v.SetDefault("jobs.minTimeoutMs", 5000)
	v.SetDefault("jobs.maxTimeoutMs", 300000)
	v.SetDefault("jobs.maxInMemory", 10000)
	v.SetDefault("jobs.retentionMinutes", 10)

	// Agent connector defaults
	v.SetDefault("agent.centralServerUrl", "")
	v.SetDefault("agent.runtimeUrl", "")
	v.SetDefault("agent.runtimeApiKey", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMESH_ with snake_case naming; the
// well-known unprefixed variables below are also recognized.
// Config file should be named agentmesh.yaml and placed in the current directory
// or /etc/agentmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the conventional unprefixed env vars.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.host", "SERVER_HOST")
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.corsOrigin", "CORS_ORIGIN")
	_ = v.BindEnv("server.apiCorsOrigin", "API_CORS_ORIGIN")
	_ = v.BindEnv("server.serverId", "ELIZA_SERVER_ID")
	_ = v.BindEnv("database.postgresUrl", "POSTGRES_URL")
	_ = v.BindEnv("auth.apiToken", "SERVER_AUTH_TOKEN")
	_ = v.BindEnv("auth.dataIsolation", "ENABLE_DATA_ISOLATION")
	_ = v.BindEnv("sessions.defaultTimeoutMinutes", "SESSION_DEFAULT_TIMEOUT_MINUTES")
	_ = v.BindEnv("sessions.minTimeoutMinutes", "SESSION_MIN_TIMEOUT_MINUTES")
	_ = v.BindEnv("sessions.maxTimeoutMinutes", "SESSION_MAX_TIMEOUT_MINUTES")
	_ = v.BindEnv("sessions.maxDurationMinutes", "SESSION_MAX_DURATION_MINUTES")
	_ = v.BindEnv("sessions.warningThresholdMinutes", "SESSION_WARNING_THRESHOLD_MINUTES")
	_ = v.BindEnv("sessions.cleanupIntervalMinutes", "SESSION_CLEANUP_INTERVAL_MINUTES")
	_ = v.BindEnv("sessions.autoRenew", "SESSION_AUTO_RENEW")
	_ = v.BindEnv("sessions.clearOnShutdown", "CLEAR_SESSIONS_ON_SHUTDOWN")
	_ = v.BindEnv("agent.centralServerUrl", "CENTRAL_MESSAGE_SERVER_URL")
	_ = v.BindEnv("agent.runtimeUrl", "AGENT_RUNTIME_URL")
	_ = v.BindEnv("agent.runtimeApiKey", "AGENT_RUNTIME_API_KEY")
	_ = v.BindEnv("nats.url", "NATS_URL")

	// Configure config file
	v.SetConfigName("agentmesh")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Sessions.MinTimeoutMinutes < 1 {
		errs = append(errs, "sessions.minTimeoutMinutes must be at least 1")
	}
	if cfg.Sessions.MaxTimeoutMinutes < cfg.Sessions.MinTimeoutMinutes {
		errs = append(errs, "sessions.maxTimeoutMinutes must not be below sessions.minTimeoutMinutes")
	}
	if cfg.Sessions.MaxDurationMinutes < cfg.Sessions.MinTimeoutMinutes {
		errs = append(errs, "sessions.maxDurationMinutes must not be below sessions.minTimeoutMinutes")
	}
	if cfg.Sessions.WarningThresholdMinutes < 1 {
		errs = append(errs, "sessions.warningThresholdMinutes must be at least 1")
	}
	if cfg.Sessions.CleanupIntervalMinutes < 1 {
		errs = append(errs, "sessions.cleanupIntervalMinutes must be at least 1")
	}

	if cfg.Jobs.MinTimeoutMs < 1000 {
		errs = append(errs, "jobs.minTimeoutMs must be at least 1000")
	}
	if cfg.Jobs.MaxTimeoutMs < cfg.Jobs.MinTimeoutMs {
		errs = append(errs, "jobs.maxTimeoutMs must not be below jobs.minTimeoutMs")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
