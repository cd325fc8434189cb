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

import (
	"context"
	"time"
)

// DefaultPageSize is used when a filter does not specify a page size.
const DefaultPageSize = 20

// ControlPatch mutates selected Control fields. Nil fields are left
// unchanged. Version is the expected current version; when set, a stored
// value that differs fails the update with a conflict. NewVersion rotates
// the stored version token.
type ControlPatch struct {
	Enabled    *bool
	LogLevel   *string
	Replicas   *[]string
	Stale      *[]string
	Version    *string
	NewVersion *string
}

// JobPatch mutates selected Job fields. Nil fields are left unchanged.
// A non-nil Context replaces the stored map wholesale.
type JobPatch struct {
	Name    *string
	Type    *JobType
	Enabled *bool
	Cron    *string
	Query   *string
	Context map[string]any
	Persist *bool
	Silent  *bool
}

// JobRunPatch terminates or annotates a run. A non-nil Result replaces the
// stored value.
type JobRunPatch struct {
	Completed *time.Time
	Failed    *time.Time
	Result    any
}

// DeletedFilter selects rows by tombstone state.
type DeletedFilter string

const (
	// DeletedAny returns live and tombstoned rows alike.
	DeletedAny DeletedFilter = ""
	// DeletedNull returns only live rows.
	DeletedNull DeletedFilter = "null"
	// DeletedNotNull returns only tombstoned rows.
	DeletedNotNull DeletedFilter = "not-null"
)

// JobFilter narrows and paginates FindJobs. Page is 1-based and clamped to
// the available range.
type JobFilter struct {
	Name     string
	Type     JobType
	Enabled  *bool
	Deleted  DeletedFilter
	Page     int
	PageSize int
}

// RunStatus selects job runs by terminal state.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusRunning   RunStatus = "running"
)

// JobRunFilter narrows and paginates FindJobRuns. The time bounds are
// strict inequalities on the run's start time.
type JobRunFilter struct {
	JobID         string
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Status        RunStatus
	Page          int
	PageSize      int
}

// PaginatedJobs is one page of job rows.
type PaginatedJobs struct {
	Data     []Job `json:"data"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	LastPage int   `json:"lastPage"`
}

// PaginatedJobRuns is one page of run rows.
type PaginatedJobRuns struct {
	Data     []JobRun `json:"data"`
	Total    int64    `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
	LastPage int      `json:"lastPage"`
}

// Storage defines the persistence contract for Control, Job and JobRun.
// Every read returns a deep copy of persisted state, and lookups of absent
// rows return (nil, nil) rather than an error.
type Storage interface {
	// Init initializes the store (creates tables, connections, etc.)
	Init() error

	// Close closes the store and releases resources
	Close() error

	// GetControl returns the singleton Control, or nil if none exists.
	GetControl(ctx context.Context) (*Control, error)

	// CreateControl creates the singleton Control. Fails with a conflict
	// if one already exists.
	CreateControl(ctx context.Context, data *Control) (*Control, error)

	// UpdateControl applies a patch to the Control identified by id,
	// honoring the optimistic version check described on ControlPatch.
	UpdateControl(ctx context.Context, id string, patch ControlPatch) (*Control, error)

	// FindJobs returns a filtered, paginated listing. The reserved watch
	// job is always excluded.
	FindJobs(ctx context.Context, filter JobFilter) (*PaginatedJobs, error)

	// FindJob returns the job with the given id, or nil if absent or
	// tombstoned.
	FindJob(ctx context.Context, id string) (*Job, error)

	// FindJobByName returns the live job with the given name, or nil.
	FindJobByName(ctx context.Context, name string) (*Job, error)

	// CreateJob persists a new job. Fails with a conflict when a live job
	// with the same name exists.
	CreateJob(ctx context.Context, data *Job) (*Job, error)

	// UpdateJob applies a patch to a live job. Renaming onto an existing
	// live name fails with a conflict.
	UpdateJob(ctx context.Context, id string, patch JobPatch) (*Job, error)

	// DeleteJob tombstones a live job.
	DeleteJob(ctx context.Context, id string) error

	// CreateJobRun persists a new run. An unknown JobID fails with a
	// storage error coded INVALID_REFERENCE.
	CreateJobRun(ctx context.Context, data *JobRun) (*JobRun, error)

	// UpdateJobRun applies a terminal patch to a run.
	UpdateJobRun(ctx context.Context, id string, patch JobRunPatch) (*JobRun, error)

	// FindJobRuns returns a filtered, paginated run listing, most recent
	// first.
	FindJobRuns(ctx context.Context, filter JobRunFilter) (*PaginatedJobRuns, error)

	// Health checks if the store is reachable
	Health(ctx context.Context) error
}

// QueryExecutor is implemented by storages that can execute raw statements
// on behalf of query-type jobs. Its absence signals that query jobs are not
// supported by the configured back end.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, query string) (any, error)
}

// Paginate clamps a 1-based page against the row total and returns the
// effective page plus the half-open slice bounds [start, end).
func Paginate(total int64, page, pageSize int) (effectivePage, lastPage, start, end int) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	lastPage = int((total + int64(pageSize) - 1) / int64(pageSize))
	if lastPage < 1 {
		lastPage = 1
	}
	effectivePage = page
	if effectivePage < 1 {
		effectivePage = 1
	}
	if effectivePage > lastPage {
		effectivePage = lastPage
	}
	start = (effectivePage - 1) * pageSize
	if int64(start) > total {
		start = int(total)
	}
	end = start + pageSize
	if int64(end) > total {
		end = int(total)
	}
	return effectivePage, lastPage, start, end
}

// NormalizePageSize applies the default when a filter leaves the size unset.
func NormalizePageSize(pageSize int) int {
	if pageSize <= 0 {
		return DefaultPageSize
	}
	return pageSize
}
