// Package config loads marketflow configuration from built-in defaults, an
// optional YAML file and environment variables, in that order of precedence.
package config

import (
	"time"
)

// Config is the root configuration shared by the server and the CLI.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Backend  BackendConfig  `koanf:"backend"`
	Health   HealthConfig   `koanf:"health"`
	Storage  StorageConfig  `koanf:"storage"`
	Events   EventsConfig   `koanf:"events"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the fulfillment HTTP server.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimit       int           `koanf:"rate_limit" validate:"gte=0"`
	RateWindow      time.Duration `koanf:"rate_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// DatabaseConfig configures the pgx pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns" validate:"gte=0"`
	MaxConnIdleTime time.Duration `koanf:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
	// AutoMigrate applies pending schema migrations at server start.
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// AuthConfig configures bearer verification on the server.
type AuthConfig struct {
	JWTSecret string   `koanf:"jwt_secret"`
	Roles     []string `koanf:"roles"`
}

// BackendConfig configures the API client's view of the remote backend.
type BackendConfig struct {
	BaseURL        string        `koanf:"base_url"`
	APIKey         string        `koanf:"api_key"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	RefreshHorizon time.Duration `koanf:"refresh_horizon"`
	GraceWindow    time.Duration `koanf:"grace_window"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`
}

// HealthConfig configures the client health monitor.
type HealthConfig struct {
	Interval   time.Duration `koanf:"interval"`
	LogEntries int           `koanf:"log_entries" validate:"gte=1,lte=500"`
}

// StorageConfig configures the client's local durable storage.
type StorageConfig struct {
	Path          string `koanf:"path"`
	EncryptionKey string `koanf:"encryption_key"`
	InMemory      bool   `koanf:"in_memory"`
}

// EventsConfig selects the fulfillment event transport.
type EventsConfig struct {
	Driver  string `koanf:"driver" validate:"oneof=gochannel nats"`
	NATSURL string `koanf:"nats_url"`
	Topic   string `koanf:"topic" validate:"required"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       120,
			RateWindow:      time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			MaxConns:        16,
			MaxConnIdleTime: 30 * time.Second,
			MaxConnLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Roles: []string{"service_role", "authenticated"},
		},
		Backend: BackendConfig{
			RequestTimeout: 15 * time.Second,
			RefreshHorizon: 5 * time.Minute,
			GraceWindow:    12 * time.Hour,
			CacheTTL:       5 * time.Minute,
		},
		Health: HealthConfig{
			Interval:   30 * time.Second,
			LogEntries: 50,
		},
		Storage: StorageConfig{
			Path: ".marketflow/store",
		},
		Events: EventsConfig{
			Driver: "gochannel",
			Topic:  "fulfillment.access_granted",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
