package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Relational drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Search backends
const (
	BackendBleve         = "bleve"
	BackendElasticsearch = "elasticsearch"
)

// Change capture transports. Auto picks notify for postgres and changelog
// for sqlite.
const (
	TransportAuto      = "auto"
	TransportNotify    = "notify"
	TransportChangelog = "changelog"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Search     SearchConfig     `mapstructure:"search"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Federation FederationConfig `mapstructure:"federation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig contains relational store connection settings
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SearchConfig contains search store settings
type SearchConfig struct {
	Backend   string `mapstructure:"backend"`
	IndexName string `mapstructure:"index_name"`
	IndexPath string `mapstructure:"index_path"` // bleve only; empty keeps the index in memory
	// Elasticsearch settings
	Addresses      []string      `mapstructure:"addresses"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	RefreshWait    bool          `mapstructure:"refresh_wait"` // Single-document writes wait until searchable
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SyncConfig contains bulk sync and change capture settings
type SyncConfig struct {
	WindowSize      int           `mapstructure:"window_size"`
	RetryCeiling    int           `mapstructure:"retry_ceiling"` // Total attempts per window
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	ChangeChannel   string        `mapstructure:"change_channel"`
	ChangeTransport string        `mapstructure:"change_transport"`
	ChangeBuffer    int           `mapstructure:"change_buffer"`
	PollInterval    time.Duration `mapstructure:"poll_interval"` // changelog transport only
	StatePath       string        `mapstructure:"state_path"`    // Path to store sync state for persistence
	OnStartup       bool          `mapstructure:"on_startup"`
	Verify          bool          `mapstructure:"verify"`
}

// FederationConfig contains query router settings
type FederationConfig struct {
	FallbackEnabled     bool `mapstructure:"fallback_enabled"`
	EmptyResultFallback bool `mapstructure:"empty_result_fallback"`
	MaxLimit            int  `mapstructure:"max_limit"`
	DefaultLimit        int  `mapstructure:"default_limit"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

// LoadConfig loads configuration from file and environment variables. A
// missing config file is not an error when no explicit path is given.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/compsync")
	}

	// Set environment variable prefix
	v.SetEnvPrefix("COMPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	// Relational store defaults
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	// Search store defaults
	v.SetDefault("search.backend", BackendBleve)
	v.SetDefault("search.index_name", "compensation")
	v.SetDefault("search.index_path", "./indexes")
	v.SetDefault("search.addresses", []string{"http://localhost:9200"})
	v.SetDefault("search.username", "")
	v.SetDefault("search.password", "")
	v.SetDefault("search.refresh_wait", true)
	v.SetDefault("search.request_timeout", 10*time.Second)
	// Sync defaults
	v.SetDefault("sync.window_size", 1000)
	v.SetDefault("sync.retry_ceiling", 3)
	v.SetDefault("sync.backoff_base", time.Second)
	v.SetDefault("sync.change_channel", "compensation_changes")
	v.SetDefault("sync.change_transport", TransportAuto)
	v.SetDefault("sync.change_buffer", 256)
	v.SetDefault("sync.poll_interval", 2*time.Second)
	v.SetDefault("sync.state_path", "./sync_state.json")
	v.SetDefault("sync.on_startup", true)
	v.SetDefault("sync.verify", true)
	// Federation defaults
	v.SetDefault("federation.fallback_enabled", true)
	v.SetDefault("federation.empty_result_fallback", true)
	v.SetDefault("federation.max_limit", 100)
	v.SetDefault("federation.default_limit", 20)
	// Logging defaults
	v.SetDefault("logging.env", "local")
	v.SetDefault("logging.level", "info")
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	switch c.Search.Backend {
	case BackendBleve:
	case BackendElasticsearch:
		if len(c.Search.Addresses) == 0 {
			return errors.New("search.addresses is required for the elasticsearch backend")
		}
	default:
		return fmt.Errorf("unsupported search backend %q", c.Search.Backend)
	}
	if c.Search.IndexName == "" {
		return errors.New("search.index_name is required")
	}

	if c.Sync.WindowSize <= 0 {
		return fmt.Errorf("sync.window_size must be positive, got %d", c.Sync.WindowSize)
	}
	if c.Sync.RetryCeiling <= 0 {
		return fmt.Errorf("sync.retry_ceiling must be positive, got %d", c.Sync.RetryCeiling)
	}
	if c.Sync.ChangeBuffer <= 0 {
		return fmt.Errorf("sync.change_buffer must be positive, got %d", c.Sync.ChangeBuffer)
	}
	switch c.Sync.ChangeTransport {
	case TransportAuto, TransportNotify, TransportChangelog:
	default:
		return fmt.Errorf("unsupported change transport %q", c.Sync.ChangeTransport)
	}
	if c.Sync.ChangeTransport == TransportNotify && c.Database.Driver != DriverPostgres {
		return errors.New("the notify change transport requires the postgres driver")
	}

	if c.Federation.MaxLimit <= 0 || c.Federation.DefaultLimit <= 0 {
		return errors.New("federation limits must be positive")
	}
	return nil
}

// Transport resolves the auto change transport for the configured driver.
func (c *Config) Transport() string {
	if c.Sync.ChangeTransport != TransportAuto {
		return c.Sync.ChangeTransport
	}
	if c.Database.Driver == DriverPostgres {
		return TransportNotify
	}
	return TransportChangelog
}

// Address returns the HTTP listen address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
