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

package ludari

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/metrics"
)

const (
	// watchdogInterval paces the deadlock sweep and the replica heartbeat.
	watchdogInterval = 60 * time.Second

	// cleanupInterval paces the cache sweep for backends without native
	// expiry.
	cleanupInterval = 5 * time.Minute

	// replicaTTL is the liveness marker lifetime. Three heartbeat periods
	// of slack keep a replica alive through a missed tick without letting
	// dead replicas linger long.
	replicaTTL = 3 * watchdogInterval
)

// watchdogLoop sweeps stale locks and refreshes this replica's liveness
// marker until the stop channel closes.
func (m *Manager) watchdogLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			m.reapStaleLocks(ctx)
			m.heartbeat(ctx)
		case <-stop:
			return
		}
	}
}

// reapStaleLocks force-releases tracked locks that have outlived twice
// their TTL. A lock that old means its firing died without reaching the
// release path; the entry is dropped from tracking whether or not the cache
// release succeeds, so a broken cache cannot make the table grow without
// bound.
func (m *Manager) reapStaleLocks(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var expired []*activeLock
	for _, al := range m.activeLocks {
		if now.Sub(al.acquiredAt) > 2*al.ttl {
			expired = append(expired, al)
		}
	}
	m.mu.Unlock()

	for _, al := range expired {
		released := m.cache.ReleaseLock(ctx, al.jobName, al.lockValue)
		metrics.RecordLockRelease(released)
		metrics.RecordWatchdogRelease()
		age := int(now.Sub(al.acquiredAt).Seconds())
		if released {
			m.logWarn(fmt.Sprintf("watchdog released stale lock for job %s (age %ds)", al.jobName, age))
		} else {
			m.logDebug(fmt.Sprintf("watchdog could not release lock for job %s (age %ds); dropping it from tracking", al.jobName, age))
		}
		m.untrackLock(al.jobName)
	}

	m.mu.Lock()
	parts := make([]string, 0, len(m.activeLocks))
	for name, al := range m.activeLocks {
		parts = append(parts, fmt.Sprintf("%s:%d", name, int(now.Sub(al.acquiredAt).Seconds())))
	}
	m.mu.Unlock()

	if len(parts) > 0 {
		sort.Strings(parts)
		m.logDebug("active locks: " + strings.Join(parts, " "))
	}
}

// heartbeat refreshes this replica's liveness marker. Caches without
// replica tracking make prepare preserve the stored replica list instead,
// so a missing heartbeat is not an error.
func (m *Manager) heartbeat(ctx context.Context) {
	tracker, ok := m.cache.(cache.ReplicaTracker)
	if !ok {
		return
	}
	if !tracker.RegisterReplica(ctx, m.replicaID, replicaTTL) {
		m.logDebug("replica liveness marker refresh failed")
	}
}

// cleanupLoop periodically sweeps the cache when the backend wants one.
func (m *Manager) cleanupLoop(stop <-chan struct{}) {
	cleaner, ok := m.cache.(cache.Cleaner)
	if !ok {
		return
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cleaner.Cleanup(context.Background())
		case <-stop:
			return
		}
	}
}
