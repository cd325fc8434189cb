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
	"math/rand"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/metrics"
	"github.com/creativogee/ludari-sdk/storage"
)

const (
	// controlMaxRetries bounds the optimistic-concurrency retry loop.
	controlMaxRetries = 5

	// probeTimeout caps each replica liveness probe during prepare.
	probeTimeout = 5 * time.Second
)

// controlUpdate is a request against updateControlWithRetry. Replicas and
// Stale distinguish nil (leave unchanged) from a pointer to an empty slice
// (replace with nothing). Stale is always an exact replacement; Replicas is
// unioned with the stored set unless Exact is set or the requested set is
// empty, so concurrent registrations by other replicas are not lost.
type controlUpdate struct {
	Enabled       *bool
	LogLevel      *string
	Replicas      *[]string
	Stale         *[]string
	Exact         bool
	RotateVersion bool
}

// prepare synchronizes this replica into the Control record, ensures the
// reserved watch job exists, and installs all runnable schedules. It runs
// during Initialize and again after PurgeControl.
func (m *Manager) prepare(ctx context.Context) error {
	control, err := m.storage.GetControl(ctx)
	if err != nil {
		return fmt.Errorf("load control: %w", err)
	}
	if control == nil {
		control, err = m.storage.CreateControl(ctx, &storage.Control{
			Enabled:  true,
			LogLevel: storage.LogLevelInfo,
			Replicas: []string{m.replicaID},
			Stale:    []string{},
			Version:  uuid.NewString(),
		})
		if err != nil {
			if !storage.IsConflict(err) {
				return fmt.Errorf("create control: %w", err)
			}
			// Another replica created it between our read and write.
			control, err = m.storage.GetControl(ctx)
			if err != nil {
				return fmt.Errorf("reload control: %w", err)
			}
			if control == nil {
				return fmt.Errorf("control record vanished during creation race")
			}
		}
	}
	m.setLogLevel(control.LogLevel)

	desired := m.pruneReplicas(ctx, control.Replicas)
	if !slices.Equal(desired, control.Replicas) {
		keptStale := intersectStrings(control.Stale, desired)
		control, err = m.updateControlWithRetry(ctx, control.ID, controlUpdate{
			Replicas: &desired,
			Stale:    &keptStale,
			Exact:    true,
		}, controlMaxRetries)
		if err != nil {
			return fmt.Errorf("register replica: %w", err)
		}
	}

	// Starting up stale would trigger an immediate pointless self-reset.
	if slices.Contains(control.Stale, m.replicaID) {
		remaining := removeString(control.Stale, m.replicaID)
		control, err = m.updateControlWithRetry(ctx, control.ID, controlUpdate{
			Stale: &remaining,
		}, controlMaxRetries)
		if err != nil {
			return fmt.Errorf("clear stale flag: %w", err)
		}
	}

	if err := m.ensureWatchJob(ctx); err != nil {
		return err
	}

	return m.initializeJobs(ctx)
}

// pruneReplicas probes every registered replica other than self and keeps
// only the live ones, always including self. Without liveness support the
// stored list is preserved.
func (m *Manager) pruneReplicas(ctx context.Context, current []string) []string {
	tracker, ok := m.cache.(cache.ReplicaTracker)
	if !ok {
		out := append([]string(nil), current...)
		if !slices.Contains(out, m.replicaID) {
			out = append(out, m.replicaID)
		}
		return out
	}

	out := make([]string, 0, len(current)+1)
	for _, id := range current {
		if id == m.replicaID {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		alive := tracker.PingReplica(probeCtx, id)
		cancel()
		if alive {
			out = append(out, id)
		} else {
			m.logDebug(fmt.Sprintf("dropping unreachable replica %s", id))
		}
	}
	return append(out, m.replicaID)
}

// ensureWatchJob creates the reserved watch job when absent. Its cron fires
// every watchInterval seconds, giving every replica a periodic tick on
// which schedule resets are detected.
func (m *Manager) ensureWatchJob(ctx context.Context) error {
	watch, err := m.storage.FindJobByName(ctx, storage.WatchJobName)
	if err != nil {
		return fmt.Errorf("load watch job: %w", err)
	}
	if watch != nil {
		return nil
	}

	_, err = m.storage.CreateJob(ctx, &storage.Job{
		Name:    storage.WatchJobName,
		Type:    storage.JobTypeQuery,
		Enabled: true,
		Silent:  true,
		Persist: false,
		Cron:    fmt.Sprintf("*/%d * * * * *", m.watchInterval),
	})
	if err != nil && !storage.IsConflict(err) {
		return fmt.Errorf("create watch job: %w", err)
	}
	return nil
}

// updateControlWithRetry applies a controlUpdate under optimistic
// concurrency. Each attempt refetches the record, re-merges the request
// against fresh state, and writes with the refreshed version as the
// expected token. Conflicts back off exponentially with jitter; any other
// error fails immediately.
func (m *Manager) updateControlWithRetry(ctx context.Context, id string, req controlUpdate, maxRetries int) (*storage.Control, error) {
	if maxRetries <= 0 {
		maxRetries = controlMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, err := m.storage.GetControl(ctx)
		if err != nil {
			return nil, fmt.Errorf("refetch control: %w", err)
		}
		if current == nil {
			return nil, fmt.Errorf("control record no longer exists")
		}
		if current.ID != id {
			return nil, fmt.Errorf("control identity changed: expected %s, found %s", id, current.ID)
		}

		expected := current.Version
		patch := storage.ControlPatch{
			Enabled:  req.Enabled,
			LogLevel: req.LogLevel,
			Version:  &expected,
		}
		if req.Replicas != nil {
			merged := append([]string(nil), (*req.Replicas)...)
			if len(merged) > 0 && !req.Exact {
				merged = unionStrings(current.Replicas, merged)
			}
			patch.Replicas = &merged
		}
		if req.Stale != nil {
			stale := append([]string(nil), (*req.Stale)...)
			patch.Stale = &stale
		}
		if req.RotateVersion {
			fresh := uuid.NewString()
			patch.NewVersion = &fresh
		}

		updated, err := m.storage.UpdateControl(ctx, id, patch)
		if err == nil {
			return updated, nil
		}
		if !isConflictError(err) {
			return nil, err
		}

		lastErr = err
		metrics.RecordControlConflict()
		m.logDebug(fmt.Sprintf("control update conflicted (attempt %d/%d): %v", attempt+1, maxRetries, err))

		if attempt+1 < maxRetries {
			select {
			case <-time.After(backoffDelay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("control update failed after %d attempts: %w", maxRetries, lastErr)
}

// triggerReset marks every registered replica stale and rotates the
// Control version. Replicas notice their stale flag on the next watch tick
// and rebuild their schedules. Concurrent resets are benign: losing the
// race just means another replica already marked the fleet.
func (m *Manager) triggerReset(ctx context.Context) {
	control, err := m.storage.GetControl(ctx)
	if err != nil {
		m.logWarn(fmt.Sprintf("trigger reset: load control: %v", err))
		return
	}
	if control == nil {
		return
	}

	stale := append([]string(nil), control.Replicas...)
	_, err = m.updateControlWithRetry(ctx, control.ID, controlUpdate{
		Stale:         &stale,
		RotateVersion: true,
	}, controlMaxRetries)
	if err != nil {
		if isConflictError(err) {
			m.logDebug("another replica already triggered a reset")
		} else {
			m.logWarn(fmt.Sprintf("trigger reset failed: %v", err))
		}
	}
}

// resetJobs rebuilds this replica's schedules when the fleet marked it
// stale. The isResetting guard drops reentrant calls from overlapping watch
// ticks; the stale flag stays set in that case and the next tick retries.
func (m *Manager) resetJobs(ctx context.Context, control *storage.Control) {
	if !slices.Contains(control.Stale, m.replicaID) {
		return
	}
	if !m.isResetting.CompareAndSwap(false, true) {
		return
	}
	defer m.isResetting.Store(false)

	m.logInfo("Rebuilding job schedules")
	m.stopAllTimers()
	if err := m.initializeJobs(ctx); err != nil {
		m.logWarn(fmt.Sprintf("rebuild schedules: %v", err))
		return
	}
	metrics.RecordReset()

	fresh, err := m.storage.GetControl(ctx)
	if err != nil {
		m.logWarn(fmt.Sprintf("reload control after reset: %v", err))
		return
	}
	if fresh == nil || !slices.Contains(fresh.Stale, m.replicaID) {
		return
	}
	remaining := removeString(fresh.Stale, m.replicaID)
	if _, err := m.updateControlWithRetry(ctx, fresh.ID, controlUpdate{Stale: &remaining}, controlMaxRetries); err != nil {
		if isConflictError(err) {
			m.logDebug(fmt.Sprintf("stale flag cleanup conflicted: %v", err))
		} else {
			m.logWarn(fmt.Sprintf("clear stale flag after reset: %v", err))
		}
	}
}

// isConflictError recognizes optimistic-concurrency failures from any
// storage backend: the typed conflict error, or the conventional message
// markers used by backends that cannot surface typed errors.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	if storage.IsConflict(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"version mismatch", "optimistic lock", "concurrent modification"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoffDelay implements 2^attempt * 100ms with up to 10% jitter.
func backoffDelay(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base)/10 + 1))
	return base + jitter
}

func unionStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func intersectStrings(a, b []string) []string {
	out := []string{}
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}

func removeString(a []string, s string) []string {
	out := []string{}
	for _, v := range a {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
