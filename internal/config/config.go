// Package config provides Viper-based configuration loading for the tabletop
// coordinator.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ServerConfig holds the websocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadLimit is the maximum size in bytes of one inbound frame.
	ReadLimit int64 `mapstructure:"read_limit"`
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins lists extra websocket origin patterns. Same-origin
	// requests are always accepted.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AdminConfig holds the gRPC health endpoint settings.
type AdminConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// StorageConfig selects the event log backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite", or "postgres".
	Driver string `mapstructure:"driver"`
	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RoomsConfig holds per-room execution limits.
type RoomsConfig struct {
	// QueueTimeout bounds how long a command waits for its room. Zero waits
	// for the caller's context only.
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`
	// IdempotencySize caps remembered (client_id, event_id) pairs per room.
	IdempotencySize int `mapstructure:"idempotency_size"`
	// IdempotencyTTL expires remembered pairs. A retry arriving later is a
	// new command.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	// SubscriberBuffer is the per-subscriber live queue depth.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// IdleEviction drops rooms with no subscribers after this long. Zero
	// disables eviction.
	IdleEviction time.Duration `mapstructure:"idle_eviction"`
	// EvictionInterval is how often idle rooms are swept.
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	// RulesFile is an optional YAML rule book. Empty uses built-in rules.
	RulesFile string `mapstructure:"rules_file"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Rooms    RoomsConfig    `mapstructure:"rooms"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants. Database settings are only
// checked when the postgres driver is selected.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAdmin(c.Admin); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStorage(c.Storage); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Storage.Driver == DriverPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateRooms(c.Rooms); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("server.read_limit must be >= 1, got %d", s.ReadLimit))
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if a.GRPCPort < 1 || a.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 1-65535, got %d", a.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch s.Driver {
	case DriverMemory, DriverPostgres:
		return nil
	case DriverSQLite:
		if strings.TrimSpace(s.SQLitePath) == "" {
			return errors.New("storage.sqlite_path must not be empty for the sqlite driver")
		}
		return nil
	default:
		return fmt.Errorf("storage.driver must be one of [memory, sqlite, postgres], got %q", s.Driver)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRooms(r RoomsConfig) error {
	var errs []string
	if r.QueueTimeout < 0 {
		errs = append(errs, "rooms.queue_timeout must not be negative")
	}
	if r.IdempotencySize < 0 {
		errs = append(errs, fmt.Sprintf("rooms.idempotency_size must be >= 0, got %d", r.IdempotencySize))
	}
	if r.IdempotencyTTL < 0 {
		errs = append(errs, "rooms.idempotency_ttl must not be negative")
	}
	if r.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Sprintf("rooms.subscriber_buffer must be >= 1, got %d", r.SubscriberBuffer))
	}
	if r.IdleEviction < 0 {
		errs = append(errs, "rooms.idle_eviction must not be negative")
	}
	if r.IdleEviction > 0 && r.EvictionInterval <= 0 {
		errs = append(errs, "rooms.eviction_interval must be positive when idle eviction is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with TABLETOP_ prefix
	v.SetEnvPrefix("TABLETOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit", 64*1024)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 50051)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.sqlite_path", "data/tabletop.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tabletop")
	v.SetDefault("database.password", "tabletop")
	v.SetDefault("database.name", "tabletop")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("rooms.queue_timeout", "5s")
	v.SetDefault("rooms.idempotency_size", 65536)
	v.SetDefault("rooms.idempotency_ttl", "24h")
	v.SetDefault("rooms.subscriber_buffer", 256)
	v.SetDefault("rooms.idle_eviction", "30m")
	v.SetDefault("rooms.eviction_interval", "1m")
	v.SetDefault("rooms.rules_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
