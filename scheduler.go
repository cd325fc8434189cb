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

	"github.com/creativogee/ludari-sdk/envelope"
	"github.com/creativogee/ludari-sdk/lens"
	"github.com/creativogee/ludari-sdk/metrics"
	"github.com/creativogee/ludari-sdk/storage"
)

// initializePageSize sizes the pages used to walk the job table when
// installing schedules.
const initializePageSize = 200

// initializeJobs installs a cron timer for every runnable job. It returns
// early when scheduling is off fleet-wide (Control.enabled) or locally
// (Options.Enabled).
func (m *Manager) initializeJobs(ctx context.Context) error {
	control, err := m.storage.GetControl(ctx)
	if err != nil {
		return fmt.Errorf("load control: %w", err)
	}
	if control == nil || !control.Enabled || !m.enabled {
		m.logDebug("scheduling is disabled; no timers installed")
		return nil
	}
	m.setLogLevel(control.LogLevel)

	scheduled := 0
	page := 1
	for {
		res, err := m.storage.FindJobs(ctx, storage.JobFilter{
			Deleted:  storage.DeletedNull,
			Page:     page,
			PageSize: initializePageSize,
		})
		if err != nil {
			return fmt.Errorf("load jobs: %w", err)
		}
		for i := range res.Data {
			if m.scheduleJob(&res.Data[i]) {
				scheduled++
			}
		}
		if len(res.Data) == 0 || page >= res.LastPage {
			break
		}
		page++
	}

	// The watch job is excluded from listings, so it is scheduled
	// explicitly and kept out of the installed-timers count.
	watch, err := m.storage.FindJobByName(ctx, storage.WatchJobName)
	if err != nil {
		return fmt.Errorf("load watch job: %w", err)
	}
	if watch != nil {
		m.scheduleJob(watch)
	}

	m.logInfo(fmt.Sprintf("Scheduled %d jobs", scheduled))
	return nil
}

// scheduleJob installs or replaces the timer for a job. It reports whether
// a timer is installed when it returns.
func (m *Manager) scheduleJob(job *storage.Job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.entries[job.Name]; ok {
		m.cron.Remove(id)
		delete(m.entries, job.Name)
	}

	switch {
	case job.IsDeleted(), !job.Enabled, job.Cron == "":
		metrics.SetScheduledJobs(len(m.entries))
		return false
	case job.Type == storage.JobTypeQuery && job.Query == "" && job.Name != storage.WatchJobName:
		m.logDebug(fmt.Sprintf("job %s has no query; not scheduling", job.Name))
		metrics.SetScheduledJobs(len(m.entries))
		return false
	case job.Type == storage.JobTypeMethod && m.handler == nil:
		m.logWarn(fmt.Sprintf("job %s needs a handler but none is configured; not scheduling", job.Name))
		metrics.SetScheduledJobs(len(m.entries))
		return false
	}

	bound := job.Clone()
	id, err := m.cron.AddFunc(job.Cron, func() {
		m.executeJob(context.Background(), bound)
	})
	if err != nil {
		m.logWarn(fmt.Sprintf("job %s has an unusable cron %q: %v", job.Name, job.Cron, err))
		metrics.SetScheduledJobs(len(m.entries))
		return false
	}

	m.entries[job.Name] = id
	metrics.SetScheduledJobs(len(m.entries))

	if !job.Silent && job.Name != storage.WatchJobName {
		m.logInfo(fmt.Sprintf("Scheduled job %s (%s)", job.Name, job.Cron))
	}
	return true
}

// unscheduleJob removes the timer for a job name, if one exists.
func (m *Manager) unscheduleJob(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.entries[name]; ok {
		m.cron.Remove(id)
		delete(m.entries, name)
		metrics.SetScheduledJobs(len(m.entries))
	}
}

// stopAllTimers clears every installed timer. Used by resets and tests.
func (m *Manager) stopAllTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, id := range m.entries {
		m.cron.Remove(id)
		delete(m.entries, name)
	}
	metrics.SetScheduledJobs(0)
}

// scheduledJobNames returns the names with installed timers. Test helper.
func (m *Manager) scheduledJobNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	return out
}

// executeJob is the cron entry point for one firing. Every firing first
// refreshes the log level and checks for a pending fleet reset; the watch
// job stops there, real jobs continue into the pipeline.
func (m *Manager) executeJob(ctx context.Context, job *storage.Job) {
	control, err := m.storage.GetControl(ctx)
	if err != nil {
		m.logWarn(fmt.Sprintf("firing %s: load control: %v", job.Name, err))
	} else if control != nil {
		m.setLogLevel(control.LogLevel)
		if len(control.Stale) > 0 {
			m.resetJobs(ctx, control)
		}
	}

	if job.Name == storage.WatchJobName {
		return
	}

	if err := m.handleJob(ctx, job.Name, m.buildExecution(job)); err != nil {
		m.logWarn(fmt.Sprintf("firing %s: %v", job.Name, err))
	}
}

// buildExecution binds a job definition to its execution closure.
func (m *Manager) buildExecution(job *storage.Job) JobFunc {
	switch job.Type {
	case storage.JobTypeQuery:
		query := job.Query
		return func(ctx context.Context, _ map[string]any, _ *lens.Lens) (any, error) {
			executor, ok := m.storage.(storage.QueryExecutor)
			if !ok {
				return nil, storage.NewStorageError(
					"configured storage does not execute queries", storage.CodeNotSupported)
			}
			text := query
			if m.env != nil {
				var err error
				if text, err = m.env.Decrypt(text); err != nil {
					return nil, err
				}
			}
			sanitized, err := envelope.Sanitize(text)
			if err != nil {
				return nil, err
			}
			return executor.ExecuteQuery(ctx, sanitized)
		}

	case storage.JobTypeMethod:
		name := job.Name
		return func(ctx context.Context, jobCtx map[string]any, l *lens.Lens) (any, error) {
			if m.handler == nil {
				return nil, fmt.Errorf("no handler configured for method job %s", name)
			}
			return m.handler.ExecuteMethod(ctx, name, jobCtx, l)
		}

	case storage.JobTypeInline:
		name := job.Name
		return func(ctx context.Context, jobCtx map[string]any, l *lens.Lens) (any, error) {
			m.mu.Lock()
			fn := m.inline[name]
			m.mu.Unlock()
			if fn == nil {
				m.logWarn(fmt.Sprintf("no inline handler registered for job %s", name))
				return nil, nil
			}
			return fn(ctx, jobCtx, l)
		}

	default:
		jobType := job.Type
		return func(context.Context, map[string]any, *lens.Lens) (any, error) {
			return nil, fmt.Errorf("unknown job type %q", jobType)
		}
	}
}
