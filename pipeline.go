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
	"time"

	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/lens"
	"github.com/creativogee/ludari-sdk/metrics"
	"github.com/creativogee/ludari-sdk/storage"
)

// defaultLockTTLSeconds applies when a distributed job's context does not
// carry a usable ttl.
const defaultLockTTLSeconds = 30

// handleJob runs one firing end to end: reload the job, open a run record
// if it persists, resolve the execution context, take the distributed lock
// when asked to, invoke the closure, and record the outcome. Errors from
// the closure are captured into the lens and the run record; errors
// returned here are plumbing failures and are logged by the caller, never
// thrown into the cron timer.
func (m *Manager) handleJob(ctx context.Context, name string, execution JobFunc) error {
	if m.isDestroyed() {
		return nil
	}
	if name == "" {
		return newValidation("name", "is required")
	}

	job, err := m.storage.FindJobByName(ctx, name)
	if err != nil {
		return fmt.Errorf("load job %s: %w", name, err)
	}
	if job == nil || !job.Enabled || job.IsDeleted() {
		return nil
	}

	l := lens.New()

	var run *storage.JobRun
	if job.Persist {
		run, err = m.storage.CreateJobRun(ctx, &storage.JobRun{
			JobID:   job.ID,
			Started: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("create run for %s: %w", name, err)
		}
	}

	execCtx := storage.DeepCopyMap(job.Context)
	if execCtx == nil {
		execCtx = map[string]any{}
	}
	if truthy(execCtx[ctxKeyDistributed]) {
		// Dynamic context wins over the static definition on overlap.
		for k, v := range m.cache.GetJobContext(ctx, name) {
			execCtx[k] = v
		}
	}

	var held *activeLock
	if truthy(execCtx[ctxKeyDistributed]) {
		ttl := time.Duration(coerceSeconds(execCtx[ctxKeyTTL], defaultLockTTLSeconds) * float64(time.Second))
		res := m.cache.AcquireLock(ctx, name, cache.LockOptions{TTL: ttl})
		metrics.RecordLockAcquisition(res.Acquired)
		if !res.Acquired {
			m.logDebug(fmt.Sprintf("job %s is locked by another replica; skipping", name))
			metrics.RecordFiring(name, "skipped")
			return nil
		}
		now := time.Now()
		held = &activeLock{
			jobName:    name,
			lockValue:  res.LockValue,
			acquiredAt: now,
			ttl:        res.ExpiresAt.Sub(now),
		}
		m.trackLock(name, held)
	}
	defer func() {
		if held == nil {
			return
		}
		released := m.cache.ReleaseLock(ctx, name, held.lockValue)
		metrics.RecordLockRelease(released)
		if !released {
			m.logWarn(fmt.Sprintf("failed to release lock for job %s; the watchdog will reclaim it", name))
		}
		m.untrackLock(name)
	}()

	if !job.Silent {
		m.logInfo("Job started: " + name)
	}

	value, execErr := m.invoke(ctx, execution, execCtx, l)
	if execErr != nil {
		_ = l.CaptureError(execErr, "Job execution failed")
		if run != nil {
			failed := time.Now().UTC()
			if _, err := m.storage.UpdateJobRun(ctx, run.ID, storage.JobRunPatch{
				Failed: &failed,
				Result: l.Frames(),
			}); err != nil {
				m.logWarn(fmt.Sprintf("record failed run for %s: %v", name, err))
			}
		}
		m.logWarn(fmt.Sprintf("Job failed: %s: %v", name, execErr))
		metrics.RecordFiring(name, "failed")
		return nil
	}

	if truthy(execCtx[ctxKeyRunOnce]) {
		disabled := false
		if _, err := m.storage.UpdateJob(ctx, job.ID, storage.JobPatch{Enabled: &disabled}); err != nil {
			m.logWarn(fmt.Sprintf("disable run-once job %s: %v", name, err))
		}
	}

	if run != nil {
		completed := time.Now().UTC()
		if _, err := m.storage.UpdateJobRun(ctx, run.ID, storage.JobRunPatch{
			Completed: &completed,
			Result:    serializeResult(value, l),
		}); err != nil {
			m.logWarn(fmt.Sprintf("record completed run for %s: %v", name, err))
		}
	}
	if !job.Silent {
		m.logInfo("Job completed: " + name)
	}
	metrics.RecordFiring(name, "completed")
	return nil
}

// invoke runs the execution closure with panic containment. A panicking
// handler fails its firing; the scheduler keeps running.
func (m *Manager) invoke(ctx context.Context, execution JobFunc, execCtx map[string]any, l *lens.Lens) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return execution(ctx, execCtx, l)
}

func (m *Manager) trackLock(name string, al *activeLock) {
	m.mu.Lock()
	m.activeLocks[name] = al
	n := len(m.activeLocks)
	m.mu.Unlock()
	metrics.SetActiveLocks(n)
}

func (m *Manager) untrackLock(name string) {
	m.mu.Lock()
	delete(m.activeLocks, name)
	n := len(m.activeLocks)
	m.mu.Unlock()
	metrics.SetActiveLocks(n)
}
