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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by a RedisCache so multiple
// deployments can share one Redis database.
const DefaultKeyPrefix = "ludari:"

// releaseScript deletes the lock only when the stored fencing value matches.
// Running as a script keeps the compare and the delete atomic.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript restarts the TTL only when the stored fencing value matches.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisCache coordinates replicas through a shared Redis instance. Lock
// acquisition maps to SET NX PX, release and extend run small Lua scripts so
// the fencing-value comparison is atomic, and batch counters map to INCR.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	logger Logger
}

// RedisCacheOption customizes a RedisCache.
type RedisCacheOption func(*RedisCache)

// WithRedisLogger sets the logger used for degradation notices.
func WithRedisLogger(l Logger) RedisCacheOption {
	return func(c *RedisCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) {
		c.prefix = prefix
	}
}

// NewRedisCache wraps an existing client. The cache takes ownership: Destroy
// closes the client.
func NewRedisCache(client redis.UniversalClient, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{
		client: client,
		prefix: DefaultKeyPrefix,
		logger: NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(kind, name string) string {
	return c.prefix + kind + name
}

// AcquireLock maps to SET NX PX. Contention and backend errors both come
// back as a non-acquired result; only the latter is logged.
func (c *RedisCache) AcquireLock(ctx context.Context, key string, opts LockOptions) LockResult {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	value := opts.Value
	if value == "" {
		value = uuid.NewString()
	}

	ok, err := c.client.SetNX(ctx, c.key(lockPrefix, key), value, ttl).Result()
	if err != nil {
		c.logger.Warn(fmt.Sprintf("cache: lock acquire failed for %s: %v", key, err))
		return LockResult{}
	}
	if !ok {
		return LockResult{}
	}
	return LockResult{Acquired: true, LockValue: value, ExpiresAt: time.Now().Add(ttl)}
}

// ReleaseLock runs the compare-and-delete script.
func (c *RedisCache) ReleaseLock(ctx context.Context, key, lockValue string) bool {
	n, err := releaseScript.Run(ctx, c.client, []string{c.key(lockPrefix, key)}, lockValue).Int64()
	if err != nil {
		c.logger.Warn(fmt.Sprintf("cache: lock release failed for %s: %v", key, err))
		return false
	}
	return n == 1
}

// ExtendLock runs the compare-and-pexpire script.
func (c *RedisCache) ExtendLock(ctx context.Context, key, lockValue string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	n, err := extendScript.Run(ctx, c.client, []string{c.key(lockPrefix, key)}, lockValue, ttl.Milliseconds()).Int64()
	if err != nil {
		c.logger.Warn(fmt.Sprintf("cache: lock extend failed for %s: %v", key, err))
		return false
	}
	return n == 1
}

// SetJobContext stores the context JSON-serialized, with native expiry when
// a TTL is given.
func (c *RedisCache) SetJobContext(ctx context.Context, jobName string, jobCtx map[string]any, ttl time.Duration) {
	data, err := json.Marshal(jobCtx)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("cache: dropping unserializable context for job %s: %v", jobName, err))
		return
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(contextPrefix, jobName), data, ttl).Err(); err != nil {
		c.logger.Warn(fmt.Sprintf("cache: context write failed for job %s: %v", jobName, err))
	}
}

// GetJobContext returns the stored context, or nil when absent or unreadable.
func (c *RedisCache) GetJobContext(ctx context.Context, jobName string) map[string]any {
	data, err := c.client.Get(ctx, c.key(contextPrefix, jobName)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn(fmt.Sprintf("cache: context read failed for job %s: %v", jobName, err))
		}
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		c.logger.Warn(fmt.Sprintf("cache: unreadable context for job %s: %v", jobName, err))
		return nil
	}
	return out
}

// DeleteJobContext removes the stored context.
func (c *RedisCache) DeleteJobContext(ctx context.Context, jobName string) {
	if err := c.client.Del(ctx, c.key(contextPrefix, jobName)).Err(); err != nil {
		c.logger.Warn(fmt.Sprintf("cache: context delete failed for job %s: %v", jobName, err))
	}
}

// IncrementBatch maps to INCR. The error fallback is 1 so callers always
// get a usable batch ordinal.
func (c *RedisCache) IncrementBatch(ctx context.Context, jobName string) int64 {
	n, err := c.client.Incr(ctx, c.key(batchPrefix, jobName)).Result()
	if err != nil {
		c.logger.Warn(fmt.Sprintf("cache: batch increment failed for job %s: %v", jobName, err))
		return 1
	}
	return n
}

// GetBatch returns the counter, 0 when absent or unreadable.
func (c *RedisCache) GetBatch(ctx context.Context, jobName string) int64 {
	raw, err := c.client.Get(ctx, c.key(batchPrefix, jobName)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn(fmt.Sprintf("cache: batch read failed for job %s: %v", jobName, err))
		}
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("cache: batch counter for job %s is not numeric: %v", jobName, err))
		return 0
	}
	return n
}

// ResetBatch removes the counter.
func (c *RedisCache) ResetBatch(ctx context.Context, jobName string) {
	if err := c.client.Del(ctx, c.key(batchPrefix, jobName)).Err(); err != nil {
		c.logger.Warn(fmt.Sprintf("cache: batch reset failed for job %s: %v", jobName, err))
	}
}

// IsHealthy round-trips a disposable lock through the backend.
func (c *RedisCache) IsHealthy(ctx context.Context) bool {
	key := "health:" + uuid.NewString()
	res := c.AcquireLock(ctx, key, LockOptions{TTL: time.Second})
	if !res.Acquired {
		return false
	}
	return c.ReleaseLock(ctx, key, res.LockValue)
}

// RegisterReplica refreshes the presence marker for replicaID.
func (c *RedisCache) RegisterReplica(ctx context.Context, replicaID string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	if err := c.client.Set(ctx, c.key(replicaPrefix, replicaID), "1", ttl).Err(); err != nil {
		c.logger.Warn(fmt.Sprintf("cache: replica marker write failed for %s: %v", replicaID, err))
		return false
	}
	return true
}

// PingReplica probes the presence marker TTL. Missing keys and keys
// without expiry report negative durations, which never clear the liveness
// floor.
func (c *RedisCache) PingReplica(ctx context.Context, replicaID string) bool {
	d, err := c.client.PTTL(ctx, c.key(replicaPrefix, replicaID)).Result()
	if err != nil {
		c.logger.Warn(fmt.Sprintf("cache: replica probe failed for %s: %v", replicaID, err))
		return false
	}
	return d > ReplicaLivenessFloor
}

// Destroy closes the underlying client. Expiry is native, so there is no
// sweep to cancel.
func (c *RedisCache) Destroy() {
	if err := c.client.Close(); err != nil {
		c.logger.Warn(fmt.Sprintf("cache: close failed: %v", err))
	}
}
