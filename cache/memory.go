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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryLock struct {
	value     string
	expiresAt time.Time
}

type memoryContext struct {
	data  []byte
	timer *time.Timer
	seq   uint64
}

// MemoryCache is an in-process Cache for single-replica deployments and
// tests. All operations are linearized through one mutex, so within a
// process it provides the same mutual-exclusion guarantees a shared backend
// provides across processes: between the existence check and the write of
// an acquisition no other acquisition can interleave.
type MemoryCache struct {
	mu        sync.Mutex
	logger    Logger
	locks     map[string]memoryLock
	contexts  map[string]*memoryContext
	batches   map[string]int64
	replicas  map[string]time.Time
	ctxSeq    uint64
	destroyed bool
}

// MemoryCacheOption customizes a MemoryCache.
type MemoryCacheOption func(*MemoryCache)

// WithMemoryLogger sets the logger used for degradation notices.
func WithMemoryLogger(l Logger) MemoryCacheOption {
	return func(c *MemoryCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		logger:   NopLogger(),
		locks:    make(map[string]memoryLock),
		contexts: make(map[string]*memoryContext),
		batches:  make(map[string]int64),
		replicas: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AcquireLock takes the lock for key unless a live lock already exists.
func (c *MemoryCache) AcquireLock(_ context.Context, key string, opts LockOptions) LockResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return LockResult{}
	}

	k := lockPrefix + key
	now := time.Now()
	if held, ok := c.locks[k]; ok && held.expiresAt.After(now) {
		return LockResult{}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	value := opts.Value
	if value == "" {
		value = uuid.NewString()
	}
	expiresAt := now.Add(ttl)
	c.locks[k] = memoryLock{value: value, expiresAt: expiresAt}
	return LockResult{Acquired: true, LockValue: value, ExpiresAt: expiresAt}
}

// ReleaseLock deletes the lock only when the fencing value matches.
func (c *MemoryCache) ReleaseLock(_ context.Context, key, lockValue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return false
	}

	k := lockPrefix + key
	held, ok := c.locks[k]
	if !ok {
		return false
	}
	if !held.expiresAt.After(time.Now()) {
		delete(c.locks, k)
		return false
	}
	if held.value != lockValue {
		return false
	}
	delete(c.locks, k)
	return true
}

// ExtendLock restarts the TTL only when the fencing value matches.
func (c *MemoryCache) ExtendLock(_ context.Context, key, lockValue string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return false
	}

	k := lockPrefix + key
	held, ok := c.locks[k]
	if !ok || !held.expiresAt.After(time.Now()) || held.value != lockValue {
		return false
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	held.expiresAt = time.Now().Add(ttl)
	c.locks[k] = held
	return true
}

// SetJobContext stores jobCtx serialized as JSON so every GetJobContext
// hands back a fresh copy.
func (c *MemoryCache) SetJobContext(_ context.Context, jobName string, jobCtx map[string]any, ttl time.Duration) {
	data, err := json.Marshal(jobCtx)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("cache: dropping unserializable context for job %s: %v", jobName, err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}

	k := contextPrefix + jobName
	if prior, ok := c.contexts[k]; ok && prior.timer != nil {
		prior.timer.Stop()
	}
	c.ctxSeq++
	entry := &memoryContext{data: data, seq: c.ctxSeq}
	if ttl > 0 {
		seq := entry.seq
		entry.timer = time.AfterFunc(ttl, func() {
			c.expireContext(k, seq)
		})
	}
	c.contexts[k] = entry
}

func (c *MemoryCache) expireContext(key string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.contexts[key]; ok && entry.seq == seq {
		delete(c.contexts, key)
	}
}

// GetJobContext returns a fresh copy of the stored context, or nil.
func (c *MemoryCache) GetJobContext(_ context.Context, jobName string) map[string]any {
	c.mu.Lock()
	entry, ok := c.contexts[contextPrefix+jobName]
	var data []byte
	if ok {
		data = entry.data
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		c.logger.Warn(fmt.Sprintf("cache: unreadable context for job %s: %v", jobName, err))
		return nil
	}
	return out
}

// DeleteJobContext removes the context entry and cancels its expiry timer.
func (c *MemoryCache) DeleteJobContext(_ context.Context, jobName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := contextPrefix + jobName
	if entry, ok := c.contexts[k]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(c.contexts, k)
	}
}

// IncrementBatch bumps the counter for jobName, creating it at 1.
func (c *MemoryCache) IncrementBatch(_ context.Context, jobName string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 1
	}

	k := batchPrefix + jobName
	c.batches[k]++
	return c.batches[k]
}

// GetBatch returns the counter for jobName, 0 when absent.
func (c *MemoryCache) GetBatch(_ context.Context, jobName string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[batchPrefix+jobName]
}

// ResetBatch removes the counter for jobName.
func (c *MemoryCache) ResetBatch(_ context.Context, jobName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.batches, batchPrefix+jobName)
}

// IsHealthy round-trips a disposable lock.
func (c *MemoryCache) IsHealthy(ctx context.Context) bool {
	key := "health:" + uuid.NewString()
	res := c.AcquireLock(ctx, key, LockOptions{TTL: time.Second})
	if !res.Acquired {
		return false
	}
	return c.ReleaseLock(ctx, key, res.LockValue)
}

// RegisterReplica refreshes the presence marker for replicaID.
func (c *MemoryCache) RegisterReplica(_ context.Context, replicaID string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return false
	}
	c.replicas[replicaPrefix+replicaID] = time.Now().Add(ttl)
	return true
}

// PingReplica reports whether replicaID has a live presence marker with
// strictly more than ReplicaLivenessFloor remaining.
func (c *MemoryCache) PingReplica(_ context.Context, replicaID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt, ok := c.replicas[replicaPrefix+replicaID]
	return ok && time.Until(expiresAt) > ReplicaLivenessFloor
}

// Cleanup sweeps expired locks and replica markers. Context entries carry
// their own timers and are swept here only as a backstop.
func (c *MemoryCache) Cleanup(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, held := range c.locks {
		if !held.expiresAt.After(now) {
			delete(c.locks, k)
		}
	}
	for k, expiresAt := range c.replicas {
		if !expiresAt.After(now) {
			delete(c.replicas, k)
		}
	}
}

// Destroy cancels every pending context timer and drops all state. The
// cache refuses new writes afterwards.
func (c *MemoryCache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.contexts {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	c.locks = make(map[string]memoryLock)
	c.contexts = make(map[string]*memoryContext)
	c.batches = make(map[string]int64)
	c.replicas = make(map[string]time.Time)
	c.destroyed = true
}
