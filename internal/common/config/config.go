// Package config provides configuration management for agentdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentdeck.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Claude   ClaudeConfig   `mapstructure:"claude"`
	Process  ProcessConfig  `mapstructure:"process"`
	Prices   PricesConfig   `mapstructure:"prices"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. The default engine is SQLite;
// Postgres is selected with driver=postgres and the connection fields below.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or postgres
	Path     string `mapstructure:"path"`   // SQLite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// JournalConfig holds journal directory watching configuration.
type JournalConfig struct {
	Root           string `mapstructure:"root"`           // root of per-project journal directories
	DebounceMs     int    `mapstructure:"debounceMs"`     // per-file event debounce window
	RescanSeconds  int    `mapstructure:"rescanSeconds"`  // periodic catch-up scan; 0 disables
	IngestWorkers  int    `mapstructure:"ingestWorkers"`  // concurrent sync jobs across sessions
	MaxLineBytes   int    `mapstructure:"maxLineBytes"`   // max journal line size
	SyncQueueDepth int    `mapstructure:"syncQueueDepth"` // buffered sync jobs before backpressure
}

// ClaudeConfig holds the coding-assistant CLI configuration.
type ClaudeConfig struct {
	Binary         string `mapstructure:"binary"`
	PermissionMode string `mapstructure:"permissionMode"`
	AskUserTool    string `mapstructure:"askUserTool"` // tool name treated as a clarifying question
}

// ProcessConfig holds agent process lifecycle configuration.
type ProcessConfig struct {
	IdleTimeoutMinutes     int `mapstructure:"idleTimeoutMinutes"`     // user-turn idle kill
	ThinkingTimeoutMinutes int `mapstructure:"thinkingTimeoutMinutes"` // assistant-turn kill
	CheckIntervalSeconds   int `mapstructure:"checkIntervalSeconds"`   // timeout monitor period
	ShutdownGraceSeconds   int `mapstructure:"shutdownGraceSeconds"`   // SIGTERM to SIGKILL window
}

// PricesConfig holds model price catalog sync configuration.
type PricesConfig struct {
	URL          string `mapstructure:"url"`
	RefreshHours int    `mapstructure:"refreshHours"`
	ModelPrefix  string `mapstructure:"modelPrefix"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
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

// Addr returns the host:port the HTTP server binds to.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Debounce returns the watcher debounce window as a time.Duration.
func (j *JournalConfig) Debounce() time.Duration {
	return time.Duration(j.DebounceMs) * time.Millisecond
}

// RescanInterval returns the periodic catch-up interval; zero disables it.
func (j *JournalConfig) RescanInterval() time.Duration {
	return time.Duration(j.RescanSeconds) * time.Second
}

// IdleTimeout returns the user-turn idle kill threshold.
func (p *ProcessConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutMinutes) * time.Minute
}

// ThinkingTimeout returns the assistant-turn kill threshold.
func (p *ProcessConfig) ThinkingTimeout() time.Duration {
	return time.Duration(p.ThinkingTimeoutMinutes) * time.Minute
}

// CheckInterval returns the timeout monitor period.
func (p *ProcessConfig) CheckInterval() time.Duration {
	return time.Duration(p.CheckIntervalSeconds) * time.Second
}

// ShutdownGrace returns the SIGTERM-to-SIGKILL window.
func (p *ProcessConfig) ShutdownGrace() time.Duration {
	return time.Duration(p.ShutdownGraceSeconds) * time.Second
}

// RefreshInterval returns the price catalog refresh period.
func (p *PricesConfig) RefreshInterval() time.Duration {
	return time.Duration(p.RefreshHours) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: bind loopback only, this is a single-user local service.
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "~/.agentdeck/agentdeck.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentdeck")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentdeck")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Journal defaults
	v.SetDefault("journal.root", "~/.claude/projects")
	v.SetDefault("journal.debounceMs", 200)
	v.SetDefault("journal.rescanSeconds", 300)
	v.SetDefault("journal.ingestWorkers", 4)
	v.SetDefault("journal.maxLineBytes", 10*1024*1024)
	v.SetDefault("journal.syncQueueDepth", 256)

	// Claude CLI defaults
	v.SetDefault("claude.binary", "claude")
	v.SetDefault("claude.permissionMode", "default")
	v.SetDefault("claude.askUserTool", "AskUserQuestion")

	// Process lifecycle defaults
	v.SetDefault("process.idleTimeoutMinutes", 15)
	v.SetDefault("process.thinkingTimeoutMinutes", 60)
	v.SetDefault("process.checkIntervalSeconds", 60)
	v.SetDefault("process.shutdownGraceSeconds", 5)

	// Price sync defaults
	v.SetDefault("prices.url", "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json")
	v.SetDefault("prices.refreshHours", 24)
	v.SetDefault("prices.modelPrefix", "claude")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.agentdeck/, or /etc/agentdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("journal.root", "AGENTDECK_JOURNAL_ROOT")
	_ = v.BindEnv("database.path", "AGENTDECK_DATABASE_PATH")
	_ = v.BindEnv("claude.binary", "AGENTDECK_CLAUDE_BINARY")
	_ = v.BindEnv("prices.url", "AGENTDECK_PRICES_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(expandHome("~/.agentdeck"))
	v.AddConfigPath("/etc/agentdeck/")

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

	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Journal.Root = expandHome(cfg.Journal.Root)

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

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, postgres")
	}

	if cfg.Journal.Root == "" {
		errs = append(errs, "journal.root is required")
	}
	if cfg.Journal.DebounceMs <= 0 {
		errs = append(errs, "journal.debounceMs must be positive")
	}
	if cfg.Journal.IngestWorkers <= 0 {
		errs = append(errs, "journal.ingestWorkers must be positive")
	}

	if cfg.Claude.Binary == "" {
		errs = append(errs, "claude.binary is required")
	}

	if cfg.Process.IdleTimeoutMinutes <= 0 {
		errs = append(errs, "process.idleTimeoutMinutes must be positive")
	}
	if cfg.Process.ThinkingTimeoutMinutes <= 0 {
		errs = append(errs, "process.thinkingTimeoutMinutes must be positive")
	}
	if cfg.Process.CheckIntervalSeconds <= 0 {
		errs = append(errs, "process.checkIntervalSeconds must be positive")
	}

	if cfg.Prices.RefreshHours <= 0 {
		errs = append(errs, "prices.refreshHours must be positive")
	}

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

// expandHome replaces a leading ~ with the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
