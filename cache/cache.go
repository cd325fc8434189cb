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

// Package cache provides the shared coordination primitives used by the
// orchestrator: distributed locks with fencing values, per-job dynamic
// context, batch counters and replica liveness markers.
//
// Cache operations never fail loudly. A backend that loses connectivity or
// hits a serialization problem logs the condition internally and returns the
// documented fallback value, so a degraded cache can stall coordination but
// never crashes a replica.
package cache

import (
	"context"
	"time"
)

// DefaultLockTTL is applied when a lock is requested without an explicit TTL.
const DefaultLockTTL = 30 * time.Second

// ReplicaLivenessFloor is the minimum remaining TTL a replica presence
// marker must have for the replica to be considered alive. Markers at or
// below the floor are about to expire and are treated as dead.
const ReplicaLivenessFloor = 5 * time.Second

// Key prefixes shared by every backend so that replicas pointed at the same
// cache agree on the address space.
const (
	lockPrefix    = "lock:"
	contextPrefix = "context:"
	batchPrefix   = "batch:"
	replicaPrefix = "replica:"
)

// LockOptions configures a lock acquisition.
type LockOptions struct {
	// TTL is how long the lock survives without being extended.
	// Zero or negative falls back to DefaultLockTTL.
	TTL time.Duration

	// Value is the fencing value stored under the lock key. When empty the
	// backend generates a random one. Release and extend must present the
	// same value, which prevents a replica from releasing a lock it no
	// longer owns.
	Value string
}

// LockResult reports the outcome of an acquisition attempt.
type LockResult struct {
	Acquired  bool
	LockValue string
	ExpiresAt time.Time
}

// Cache is the coordination contract shared by replicas. Implementations
// must be safe for concurrent use.
//
// Every method degrades instead of failing: on any internal error the
// operation logs and returns its zero-effect fallback (a non-acquired
// LockResult, false, nil, or the documented counter fallback).
type Cache interface {
	// AcquireLock attempts to take the lock for key. The returned
	// LockResult carries the fencing value and expiry on success and
	// Acquired=false when the lock is held elsewhere or the backend
	// misbehaved.
	AcquireLock(ctx context.Context, key string, opts LockOptions) LockResult

	// ReleaseLock deletes the lock only if the stored fencing value equals
	// lockValue. Returns true when the lock was deleted by this call.
	ReleaseLock(ctx context.Context, key, lockValue string) bool

	// ExtendLock restarts the lock TTL only if the stored fencing value
	// equals lockValue. Returns true when the expiry was extended.
	ExtendLock(ctx context.Context, key, lockValue string, ttl time.Duration) bool

	// SetJobContext stores the dynamic execution context for a job. A zero
	// TTL keeps the entry until it is deleted; a positive TTL expires it
	// automatically. A repeat set replaces the prior value and its timer.
	SetJobContext(ctx context.Context, jobName string, jobCtx map[string]any, ttl time.Duration)

	// GetJobContext returns the stored dynamic context, or nil when absent,
	// expired or unreadable.
	GetJobContext(ctx context.Context, jobName string) map[string]any

	// DeleteJobContext removes the dynamic context for a job.
	DeleteJobContext(ctx context.Context, jobName string)

	// IncrementBatch bumps the batch counter for a job and returns the new
	// value. Counters start at zero, so the first increment returns 1. On
	// backend failure the fallback is 1, never 0, so callers can treat the
	// result as a usable batch ordinal.
	IncrementBatch(ctx context.Context, jobName string) int64

	// GetBatch returns the current batch counter, 0 when absent.
	GetBatch(ctx context.Context, jobName string) int64

	// ResetBatch removes the batch counter for a job.
	ResetBatch(ctx context.Context, jobName string)

	// IsHealthy reports whether the backend currently round-trips. A
	// conforming implementation acquires and releases a disposable lock.
	IsHealthy(ctx context.Context) bool
}

// Cleaner is implemented by backends that need a periodic sweep to evict
// expired entries. Backends with native expiry simply do not implement it.
type Cleaner interface {
	Cleanup(ctx context.Context)
}

// Destroyer is implemented by backends that hold resources (timers,
// connections) that must be torn down when the owning replica shuts down.
type Destroyer interface {
	Destroy()
}

// ReplicaTracker is implemented by backends that track replica liveness
// through presence markers. RegisterReplica refreshes the marker for the
// calling replica; PingReplica probes another replica's marker and returns
// true only when the marker exists with strictly more than
// ReplicaLivenessFloor remaining.
type ReplicaTracker interface {
	RegisterReplica(ctx context.Context, replicaID string, ttl time.Duration) bool
	PingReplica(ctx context.Context, replicaID string) bool
}

// Logger is the minimal logging surface a cache backend needs. It matches
// the orchestrator's logger contract so any host logger satisfies it.
type Logger interface {
	Error(msg string)
	Warn(msg string)
	Log(msg string)
	Debug(msg string)
}

type nopLogger struct{}

func (nopLogger) Error(string) {}
func (nopLogger) Warn(string)  {}
func (nopLogger) Log(string)   {}
func (nopLogger) Debug(string) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }
