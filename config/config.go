/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads replica host configuration from flags, environment
// variables, an optional .env file and an optional YAML file, in ascending
// precedence: defaults < YAML < environment < flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/storage"
)

// Config holds all configuration for a replica host
type Config struct {
	// configFileUsed is the path to the config file that was loaded (empty if none)
	configFileUsed string

	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string `mapstructure:"log-level"`

	// Replica configuration
	Replica ReplicaConfig `mapstructure:"replica"`

	// Storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Cache configuration
	Cache CacheConfig `mapstructure:"cache"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`
}

// ReplicaConfig configures the manager embedded in this host
type ReplicaConfig struct {
	// ID identifies this replica in the fleet (empty generates one)
	ID string `mapstructure:"id" json:"id,omitempty"`

	// Enabled gates scheduling on this replica
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// WatchInterval is the watch-job tick in seconds (clamped to 1..5)
	WatchInterval int `mapstructure:"watch-interval" json:"watchInterval"`

	// QuerySecret enables the encryption envelope for query jobs
	// (omitted from JSON for security)
	QuerySecret string `mapstructure:"query-secret" json:"-"`

	// ReleaseLocksOnShutdown releases held locks during Destroy
	ReleaseLocksOnShutdown bool `mapstructure:"release-locks-on-shutdown" json:"releaseLocksOnShutdown"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	// Type is the storage backend type (memory, sqlite, postgres, mysql, postgres-sqlx)
	Type string `mapstructure:"type" json:"type"`

	// SQLite configuration
	SQLite SQLiteConfig `mapstructure:"sqlite" json:"sqlite,omitempty"`

	// PostgreSQL configuration
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres,omitempty"`

	// MySQL configuration
	MySQL MySQLConfig `mapstructure:"mysql" json:"mysql,omitempty"`

	// Pool tunes the connection pool for server-backed types
	Pool PoolConfig `mapstructure:"pool" json:"pool,omitempty"`
}

// SQLiteConfig configures SQLite storage
type SQLiteConfig struct {
	// Path to database file
	Path string `mapstructure:"path" json:"path"`
}

// PostgresConfig configures PostgreSQL storage
type PostgresConfig struct {
	// Host is the database host
	Host string `mapstructure:"host" json:"host,omitempty"`

	// Port is the database port
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Database name
	Database string `mapstructure:"database" json:"database,omitempty"`

	// Username for authentication
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for authentication (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`

	// SSLMode for connection
	SSLMode string `mapstructure:"ssl-mode" json:"sslMode,omitempty"`
}

// MySQLConfig configures MySQL/MariaDB storage
type MySQLConfig struct {
	// Host is the database host
	Host string `mapstructure:"host" json:"host,omitempty"`

	// Port is the database port
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Database name
	Database string `mapstructure:"database" json:"database,omitempty"`

	// Username for authentication
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for authentication (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`
}

// PoolConfig tunes the database connection pool (zero values keep driver defaults)
type PoolConfig struct {
	MaxIdleConns    int           `mapstructure:"max-idle-conns" json:"maxIdleConns,omitempty"`
	MaxOpenConns    int           `mapstructure:"max-open-conns" json:"maxOpenConns,omitempty"`
	ConnMaxLifetime time.Duration `mapstructure:"conn-max-lifetime" json:"connMaxLifetime,omitempty"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn-max-idle-time" json:"connMaxIdleTime,omitempty"`
}

// CacheConfig configures the coordination cache
type CacheConfig struct {
	// Type is the cache backend type (memory, redis)
	Type string `mapstructure:"type" json:"type"`

	// Redis configuration
	Redis RedisConfig `mapstructure:"redis" json:"redis,omitempty"`
}

// RedisConfig configures the redis cache backend
type RedisConfig struct {
	// Addr is the host:port of the redis server
	Addr string `mapstructure:"addr" json:"addr,omitempty"`

	// Username for authentication
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for authentication (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`

	// DB is the redis database number
	DB int `mapstructure:"db" json:"db"`

	// Prefix namespaces all keys written by this fleet
	Prefix string `mapstructure:"prefix" json:"prefix,omitempty"`
}

// HTTPConfig configures the management HTTP server
type HTTPConfig struct {
	// Enabled turns on the HTTP server
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// Port for the HTTP server
	Port int `mapstructure:"port" json:"port"`

	// AuthToken guards the API with bearer auth when set
	// (omitted from JSON for security)
	AuthToken string `mapstructure:"auth-token" json:"-"`

	// RateLimit is the sustained mutation rate in requests per second
	RateLimit float64 `mapstructure:"rate-limit" json:"rateLimit"`

	// RateBurst is the mutation burst allowance
	RateBurst int `mapstructure:"rate-burst" json:"rateBurst"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Replica: ReplicaConfig{
			Enabled:                true,
			WatchInterval:          5,
			ReleaseLocksOnShutdown: true,
		},
		Storage: StorageConfig{
			Type: "memory",
			SQLite: SQLiteConfig{
				Path: "ludari.db",
			},
			Postgres: PostgresConfig{
				Port:    5432,
				SSLMode: "require",
			},
			MySQL: MySQLConfig{
				Port: 3306,
			},
		},
		Cache: CacheConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "ludari",
			},
		},
		HTTP: HTTPConfig{
			Enabled:   true,
			Port:      8080,
			RateLimit: 10,
			RateBurst: 20,
		},
	}
}

// BindFlags binds configuration flags to pflags
func BindFlags(flags *pflag.FlagSet) {
	// Top-level
	flags.String("config", "", "Path to config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	// Replica
	flags.String("replica.id", "", "Replica identifier (empty generates one)")
	flags.Bool("replica.enabled", true, "Enable scheduling on this replica")
	flags.Int("replica.watch-interval", 5, "Watch-job tick in seconds (clamped to 1..5)")
	flags.String("replica.query-secret", "", "Secret for the query-job encryption envelope")
	flags.Bool("replica.release-locks-on-shutdown", true, "Release held job locks during shutdown")

	// Storage
	flags.String("storage.type", "memory", "Storage backend type (memory, sqlite, postgres, mysql, postgres-sqlx)")
	flags.String("storage.sqlite.path", "ludari.db", "Path to SQLite database file")
	flags.String("storage.postgres.host", "", "PostgreSQL host")
	flags.Int("storage.postgres.port", 5432, "PostgreSQL port")
	flags.String("storage.postgres.database", "", "PostgreSQL database name")
	flags.String("storage.postgres.username", "", "PostgreSQL username")
	flags.String("storage.postgres.password", "", "PostgreSQL password")
	flags.String("storage.postgres.ssl-mode", "require", "PostgreSQL SSL mode")
	flags.String("storage.mysql.host", "", "MySQL host")
	flags.Int("storage.mysql.port", 3306, "MySQL port")
	flags.String("storage.mysql.database", "", "MySQL database name")
	flags.String("storage.mysql.username", "", "MySQL username")
	flags.String("storage.mysql.password", "", "MySQL password")
	flags.Int("storage.pool.max-idle-conns", 0, "Max idle connections (0 uses driver default)")
	flags.Int("storage.pool.max-open-conns", 0, "Max open connections (0 uses driver default)")
	flags.Duration("storage.pool.conn-max-lifetime", 0, "Connection max lifetime (0 uses driver default)")
	flags.Duration("storage.pool.conn-max-idle-time", 0, "Connection max idle time (0 uses driver default)")

	// Cache
	flags.String("cache.type", "memory", "Cache backend type (memory, redis)")
	flags.String("cache.redis.addr", "localhost:6379", "Redis address (host:port)")
	flags.String("cache.redis.username", "", "Redis username")
	flags.String("cache.redis.password", "", "Redis password")
	flags.Int("cache.redis.db", 0, "Redis database number")
	flags.String("cache.redis.prefix", "ludari", "Key prefix for all cache entries")

	// HTTP
	flags.Bool("http.enabled", true, "Enable the management HTTP server")
	flags.Int("http.port", 8080, "HTTP server port")
	flags.String("http.auth-token", "", "Bearer token guarding the API (empty disables auth)")
	flags.Float64("http.rate-limit", 10, "Sustained mutation rate in requests per second")
	flags.Int("http.rate-burst", 20, "Mutation burst allowance")
}

// Load loads configuration from flags, environment, and config file
func Load(flags *pflag.FlagSet) (*Config, error) {
	// Best-effort .env bootstrap so container-style env files work locally.
	_ = godotenv.Load()

	v := viper.New()

	// Set defaults from DefaultConfig
	defaults := DefaultConfig()
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("replica.id", defaults.Replica.ID)
	v.SetDefault("replica.enabled", defaults.Replica.Enabled)
	v.SetDefault("replica.watch-interval", defaults.Replica.WatchInterval)
	v.SetDefault("replica.query-secret", defaults.Replica.QuerySecret)
	v.SetDefault("replica.release-locks-on-shutdown", defaults.Replica.ReleaseLocksOnShutdown)
	v.SetDefault("storage.type", defaults.Storage.Type)
	v.SetDefault("storage.sqlite.path", defaults.Storage.SQLite.Path)
	v.SetDefault("storage.postgres.port", defaults.Storage.Postgres.Port)
	v.SetDefault("storage.postgres.ssl-mode", defaults.Storage.Postgres.SSLMode)
	v.SetDefault("storage.mysql.port", defaults.Storage.MySQL.Port)
	v.SetDefault("cache.type", defaults.Cache.Type)
	v.SetDefault("cache.redis.addr", defaults.Cache.Redis.Addr)
	v.SetDefault("cache.redis.db", defaults.Cache.Redis.DB)
	v.SetDefault("cache.redis.prefix", defaults.Cache.Redis.Prefix)
	v.SetDefault("http.enabled", defaults.HTTP.Enabled)
	v.SetDefault("http.port", defaults.HTTP.Port)
	v.SetDefault("http.rate-limit", defaults.HTTP.RateLimit)
	v.SetDefault("http.rate-burst", defaults.HTTP.RateBurst)

	// Bind flags
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	// Environment variables
	v.SetEnvPrefix("LUDARI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// Config file
	var configFileUsed string
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		configFileUsed = v.ConfigFileUsed()
	} else {
		// Try default locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ludari")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			configFileUsed = v.ConfigFileUsed()
		}
		// Ignore error if no config file found - will use defaults
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Store which config file was used (empty string if none)
	cfg.configFileUsed = configFileUsed

	return cfg, nil
}

// ConfigFileUsed returns the path to the config file that was loaded (empty if none)
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}

// StorageFactoryConfig maps the storage section onto the backend factory.
func (c *Config) StorageFactoryConfig() storage.Config {
	return storage.Config{
		Type: c.Storage.Type,
		SQLite: storage.SQLiteConfig{
			Path: c.Storage.SQLite.Path,
		},
		Postgres: storage.PostgresConfig{
			Host:     c.Storage.Postgres.Host,
			Port:     c.Storage.Postgres.Port,
			Database: c.Storage.Postgres.Database,
			User:     c.Storage.Postgres.Username,
			Password: c.Storage.Postgres.Password,
			SSLMode:  c.Storage.Postgres.SSLMode,
		},
		MySQL: storage.MySQLConfig{
			Host:     c.Storage.MySQL.Host,
			Port:     c.Storage.MySQL.Port,
			Database: c.Storage.MySQL.Database,
			User:     c.Storage.MySQL.Username,
			Password: c.Storage.MySQL.Password,
		},
		Pool: storage.ConnectionPoolConfig{
			MaxIdleConns:    c.Storage.Pool.MaxIdleConns,
			MaxOpenConns:    c.Storage.Pool.MaxOpenConns,
			ConnMaxLifetime: c.Storage.Pool.ConnMaxLifetime,
			ConnMaxIdleTime: c.Storage.Pool.ConnMaxIdleTime,
		},
	}
}

// CacheFactoryConfig maps the cache section onto the backend factory. The
// logger receives degradation notices from the chosen backend.
func (c *Config) CacheFactoryConfig(logger cache.Logger) cache.Config {
	return cache.Config{
		Type: c.Cache.Type,
		Redis: cache.RedisConfig{
			Addr:     c.Cache.Redis.Addr,
			Username: c.Cache.Redis.Username,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
			Prefix:   c.Cache.Redis.Prefix,
		},
		Logger: logger,
	}
}
