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
	"regexp"
	"strings"
	"time"

	"github.com/creativogee/ludari-sdk/storage"
)

// jobNamePattern is the allowed job name shape: filename-safe, at most 100
// characters.
var jobNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// isReservedJobName flags names operators may never use: the watch job,
// double-underscore names, and the system/internal prefixes.
func isReservedJobName(name string) bool {
	return name == storage.WatchJobName ||
		strings.HasPrefix(name, "__") ||
		strings.HasPrefix(name, "system:") ||
		strings.HasPrefix(name, "internal:")
}

func validateJobName(name string) error {
	if name == "" {
		return newValidation("name", "is required")
	}
	if isReservedJobName(name) {
		return newValidation("name", fmt.Sprintf("%q is reserved", name))
	}
	if !jobNamePattern.MatchString(name) {
		return newValidation("name", "must be 1-100 characters of [A-Za-z0-9_-]")
	}
	return nil
}

func validateJobType(t storage.JobType) error {
	switch t {
	case storage.JobTypeInline, storage.JobTypeMethod, storage.JobTypeQuery:
		return nil
	case "":
		return newValidation("type", "is required")
	default:
		return newValidation("type", fmt.Sprintf("%q is not one of inline, method, query", t))
	}
}

func validateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return newValidation("cron", fmt.Sprintf("%q does not parse: %v", expr, err))
	}
	return nil
}

// CreateJob validates and persists a new job definition. Query text is
// envelope-encrypted when a query secret is configured. Creating a
// scheduled query or method job marks the whole fleet stale so every
// replica picks the job up on its next watch tick.
func (m *Manager) CreateJob(ctx context.Context, data *storage.Job) (*storage.Job, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, newValidation("job", "is required")
	}
	if err := validateJobName(data.Name); err != nil {
		return nil, err
	}
	if err := validateJobType(data.Type); err != nil {
		return nil, err
	}
	if data.Cron != "" {
		if err := validateCron(data.Cron); err != nil {
			return nil, err
		}
	}
	if data.Type == storage.JobTypeQuery && data.Enabled && data.Cron != "" && data.Query == "" {
		return nil, newValidation("query", "is required for enabled scheduled query jobs")
	}
	if data.Type == storage.JobTypeMethod && data.Enabled && data.Cron != "" && m.handler == nil {
		return nil, newValidation("type", "method jobs require a configured handler")
	}

	job := data.Clone()
	if job.Query != "" && m.env != nil {
		encrypted, err := m.env.Encrypt(job.Query)
		if err != nil {
			return nil, fmt.Errorf("encrypt query: %w", err)
		}
		job.Query = encrypted
	}

	created, err := m.storage.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}

	if (created.Type == storage.JobTypeQuery || created.Type == storage.JobTypeMethod) && created.Cron != "" {
		m.triggerReset(ctx)
	}
	return created, nil
}

// UpdateJob validates and applies a patch. The rules match CreateJob with
// every field optional; the merged result must stay coherent. A context
// patch is additionally pushed to the cache as the job's dynamic context.
func (m *Manager) UpdateJob(ctx context.Context, id string, patch storage.JobPatch) (*storage.Job, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, newValidation("id", "is required")
	}

	job, err := m.storage.FindJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, storage.NewNotFound("job", id)
	}
	if isReservedJobName(job.Name) {
		return nil, newValidation("id", "refers to a system job")
	}

	if patch.Name != nil {
		if err := validateJobName(*patch.Name); err != nil {
			return nil, err
		}
	}
	if patch.Type != nil {
		if err := validateJobType(*patch.Type); err != nil {
			return nil, err
		}
	}
	if patch.Cron != nil && *patch.Cron != "" {
		if err := validateCron(*patch.Cron); err != nil {
			return nil, err
		}
	}

	resulting := job.Clone()
	if patch.Type != nil {
		resulting.Type = *patch.Type
	}
	if patch.Enabled != nil {
		resulting.Enabled = *patch.Enabled
	}
	if patch.Cron != nil {
		resulting.Cron = *patch.Cron
	}
	if patch.Query != nil {
		resulting.Query = *patch.Query
	}
	if resulting.Type == storage.JobTypeQuery && resulting.Enabled && resulting.Cron != "" && resulting.Query == "" {
		return nil, newValidation("query", "is required for enabled scheduled query jobs")
	}
	if resulting.Type == storage.JobTypeMethod && resulting.Enabled && resulting.Cron != "" && m.handler == nil {
		return nil, newValidation("type", "method jobs require a configured handler")
	}

	if patch.Query != nil && *patch.Query != "" && m.env != nil {
		encrypted, err := m.env.Encrypt(*patch.Query)
		if err != nil {
			return nil, fmt.Errorf("encrypt query: %w", err)
		}
		patch.Query = &encrypted
	}

	if patch.Context != nil {
		m.cache.SetJobContext(ctx, job.Name, patch.Context, 0)
	}

	updated, err := m.storage.UpdateJob(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	if resulting.Type == storage.JobTypeQuery || resulting.Type == storage.JobTypeMethod {
		m.triggerReset(ctx)
	}
	return updated, nil
}

// ToggleJob flips a job's enabled flag.
func (m *Manager) ToggleJob(ctx context.Context, id string) (*storage.Job, error) {
	job, err := m.fetchMutableJob(ctx, id)
	if err != nil {
		return nil, err
	}
	enabled := !job.Enabled
	return m.UpdateJob(ctx, id, storage.JobPatch{Enabled: &enabled})
}

// EnableJob enables a job, returning it unchanged when already enabled.
func (m *Manager) EnableJob(ctx context.Context, id string) (*storage.Job, error) {
	job, err := m.fetchMutableJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Enabled {
		return job, nil
	}
	enabled := true
	return m.UpdateJob(ctx, id, storage.JobPatch{Enabled: &enabled})
}

// DisableJob disables a job, returning it unchanged when already disabled.
func (m *Manager) DisableJob(ctx context.Context, id string) (*storage.Job, error) {
	job, err := m.fetchMutableJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return job, nil
	}
	enabled := false
	return m.UpdateJob(ctx, id, storage.JobPatch{Enabled: &enabled})
}

// fetchMutableJob loads a job for a state-toggling operation, rejecting
// system jobs.
func (m *Manager) fetchMutableJob(ctx context.Context, id string) (*storage.Job, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, newValidation("id", "is required")
	}
	job, err := m.storage.FindJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, storage.NewNotFound("job", id)
	}
	if isReservedJobName(job.Name) {
		return nil, newValidation("id", "refers to a system job")
	}
	return job, nil
}

// GetJob returns a job by id. System jobs are hidden: looking one up
// returns nil as if it did not exist.
func (m *Manager) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, newValidation("id", "is required")
	}
	job, err := m.storage.FindJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job != nil && job.Name == storage.WatchJobName {
		return nil, nil
	}
	return job, nil
}

// DeleteJob stops a job's timer on this replica and tombstones the record.
// Other replicas keep their timers until the next reset, but their firings
// see the tombstone and no-op.
func (m *Manager) DeleteJob(ctx context.Context, id string) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}
	if id == "" {
		return newValidation("id", "is required")
	}

	job, err := m.storage.FindJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return storage.NewNotFound("job", id)
	}
	if isReservedJobName(job.Name) {
		return newValidation("id", "refers to a system job")
	}

	m.unscheduleJob(job.Name)
	return m.storage.DeleteJob(ctx, id)
}

// ListJobs returns a filtered page of job definitions. The reserved watch
// job never appears, even if a storage backend leaks it.
func (m *Manager) ListJobs(ctx context.Context, filter storage.JobFilter) (*storage.PaginatedJobs, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	res, err := m.storage.FindJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	kept := res.Data[:0]
	for _, job := range res.Data {
		if job.Name != storage.WatchJobName {
			kept = append(kept, job)
		}
	}
	res.Data = kept
	return res, nil
}

// ListJobRuns returns a filtered page of run records, most recent first.
func (m *Manager) ListJobRuns(ctx context.Context, filter storage.JobRunFilter) (*storage.PaginatedJobRuns, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	return m.storage.FindJobRuns(ctx, filter)
}

// GetControl returns the fleet coordination record.
func (m *Manager) GetControl(ctx context.Context) (*storage.Control, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	return m.storage.GetControl(ctx)
}

// ToggleControl flips fleet-wide scheduling. The write carries no version
// token: an operator toggle wins over concurrent bookkeeping.
func (m *Manager) ToggleControl(ctx context.Context) (*storage.Control, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	control, err := m.storage.GetControl(ctx)
	if err != nil {
		return nil, err
	}
	if control == nil {
		return nil, storage.NewNotFound("control", "singleton")
	}
	enabled := !control.Enabled
	return m.storage.UpdateControl(ctx, control.ID, storage.ControlPatch{Enabled: &enabled})
}

// PurgeControl wipes the replica bookkeeping and re-registers this replica
// from scratch. An operations hatch for when the replica list has drifted
// from reality (crashed fleet, restored database, renamed replicas).
func (m *Manager) PurgeControl(ctx context.Context) (*storage.Control, error) {
	if err := m.ensureInitialized(); err != nil {
		return nil, err
	}
	control, err := m.storage.GetControl(ctx)
	if err != nil {
		return nil, err
	}
	if control == nil {
		return nil, storage.NewNotFound("control", "singleton")
	}

	empty := []string{}
	noStale := []string{}
	if _, err := m.updateControlWithRetry(ctx, control.ID, controlUpdate{
		Replicas: &empty,
		Stale:    &noStale,
		Exact:    true,
	}, controlMaxRetries); err != nil {
		return nil, fmt.Errorf("purge control: %w", err)
	}

	if err := m.prepare(ctx); err != nil {
		return nil, fmt.Errorf("re-register after purge: %w", err)
	}
	return m.storage.GetControl(ctx)
}

// TriggerJob fires a job by name immediately, outside its schedule. The
// firing runs the full pipeline, so distributed locking, persistence and
// run-once semantics all apply.
func (m *Manager) TriggerJob(ctx context.Context, name string) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}
	if name == "" {
		return newValidation("name", "is required")
	}
	if isReservedJobName(name) {
		return newValidation("name", fmt.Sprintf("%q is reserved", name))
	}

	job, err := m.storage.FindJobByName(ctx, name)
	if err != nil {
		return err
	}
	if job == nil {
		return storage.NewNotFound("job", name)
	}
	return m.handleJob(ctx, name, m.buildExecution(job))
}

// RegisterInlineHandler binds a function to an inline job name. Handlers
// may be registered before Initialize so schedules installed during prepare
// find them.
func (m *Manager) RegisterInlineHandler(name string, fn JobFunc) error {
	if name == "" {
		return newValidation("name", "is required")
	}
	if fn == nil {
		return newValidation("handler", "is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	m.inline[name] = fn
	return nil
}

// UnregisterInlineHandler removes an inline binding. Scheduled firings of
// the job become warn-and-skip no-ops.
func (m *Manager) UnregisterInlineHandler(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inline, name)
}

// SetJobContext stores dynamic context for a distributed job. It follows
// the cache contract: best-effort, no error surface.
func (m *Manager) SetJobContext(ctx context.Context, jobName string, jobCtx map[string]any, ttl time.Duration) {
	m.cache.SetJobContext(ctx, jobName, jobCtx, ttl)
}

// GetJobContext returns the dynamic context for a job, nil when absent.
func (m *Manager) GetJobContext(ctx context.Context, jobName string) map[string]any {
	return m.cache.GetJobContext(ctx, jobName)
}

// DeleteJobContext removes the dynamic context for a job.
func (m *Manager) DeleteJobContext(ctx context.Context, jobName string) {
	m.cache.DeleteJobContext(ctx, jobName)
}

// IncrementBatch advances the shared batch counter for a job. Handlers use
// it to carve work into fleet-wide batches.
func (m *Manager) IncrementBatch(ctx context.Context, jobName string) int64 {
	return m.cache.IncrementBatch(ctx, jobName)
}

// GetBatch returns the shared batch counter for a job.
func (m *Manager) GetBatch(ctx context.Context, jobName string) int64 {
	return m.cache.GetBatch(ctx, jobName)
}

// ResetBatch clears the shared batch counter for a job.
func (m *Manager) ResetBatch(ctx context.Context, jobName string) {
	m.cache.ResetBatch(ctx, jobName)
}
