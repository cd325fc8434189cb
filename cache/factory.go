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

package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config selects and configures a cache backend.
type Config struct {
	// Type is one of "memory" (default) or "redis".
	Type string

	// Redis configures the redis backend. Ignored for other types.
	Redis RedisConfig

	// Logger receives degradation notices from the backend. Optional.
	Logger Logger
}

// RedisConfig carries connection settings for the redis backend.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// Open builds a cache backend from the given configuration.
func Open(cfg Config) (Cache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger()
	}

	switch cfg.Type {
	case "", "memory":
		return NewMemoryCache(WithMemoryLogger(logger)), nil

	case "redis":
		addr := cfg.Redis.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts := []RedisCacheOption{WithRedisLogger(logger)}
		if cfg.Redis.Prefix != "" {
			opts = append(opts, WithKeyPrefix(cfg.Redis.Prefix))
		}
		return NewRedisCache(client, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
