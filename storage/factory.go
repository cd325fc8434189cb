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

package storage

import "fmt"

// Config selects and configures a storage backend.
type Config struct {
	// Type is one of "memory" (default), "sqlite", "postgres", "mysql" or
	// "postgres-sqlx". The first four use the GORM store; postgres-sqlx
	// selects the raw-SQL store.
	Type string

	// SQLite configures the sqlite backend. Ignored for other types.
	SQLite SQLiteConfig

	// Postgres configures the postgres and postgres-sqlx backends.
	Postgres PostgresConfig

	// MySQL configures the mysql backend.
	MySQL MySQLConfig

	// Pool tunes the connection pool for server-backed types.
	Pool ConnectionPoolConfig
}

// SQLiteConfig carries settings for the sqlite backend.
type SQLiteConfig struct {
	Path string
}

// PostgresConfig carries connection settings for the postgres backends.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// MySQLConfig carries connection settings for the mysql backend.
type MySQLConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Open builds a storage backend from the given configuration. The returned
// store still needs Init called on it.
func Open(cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil

	case "sqlite":
		path := cfg.SQLite.Path
		if path == "" {
			path = "ludari.db"
		}
		return NewGormStoreWithPool("sqlite", path, cfg.Pool)

	case "postgres":
		return NewGormStoreWithPool("postgres", postgresDSN(cfg.Postgres), cfg.Pool)

	case "mysql":
		return NewGormStoreWithPool("mysql", mysqlDSN(cfg.MySQL), cfg.Pool)

	case "postgres-sqlx":
		return NewSQLStore(postgresDSN(cfg.Postgres)), nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func postgresDSN(pg PostgresConfig) string {
	host := pg.Host
	if host == "" {
		host = "localhost"
	}
	port := pg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := pg.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, pg.User, pg.Password, pg.Database, sslMode,
	)
}

func mysqlDSN(my MySQLConfig) string {
	host := my.Host
	if host == "" {
		host = "localhost"
	}
	port := my.Port
	if port == 0 {
		port = 3306
	}
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?parseTime=true",
		my.User, my.Password, host, port, my.Database,
	)
}
