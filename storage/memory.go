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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Storage entirely in process memory. It is the
// default back end for single-replica deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	control  *Control
	jobs     map[string]*Job
	jobOrder []string
	jobNames map[string]string
	runs     map[string]*JobRun
	runOrder []string
	queries  []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		jobNames: make(map[string]string),
		runs:     make(map[string]*JobRun),
	}
}

// Init is a no-op for the in-memory store.
func (s *MemoryStore) Init() error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// GetControl returns a copy of the singleton Control, or nil if absent.
func (s *MemoryStore) GetControl(ctx context.Context) (*Control, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.control.Clone(), nil
}

// CreateControl creates the singleton Control.
func (s *MemoryStore) CreateControl(ctx context.Context, data *Control) (*Control, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control != nil {
		return nil, NewConflict("control already exists")
	}

	row := data.Clone()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Version == "" {
		row.Version = uuid.NewString()
	}
	if row.Replicas == nil {
		row.Replicas = []string{}
	}
	if row.Stale == nil {
		row.Stale = []string{}
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now

	s.control = row
	return row.Clone(), nil
}

// UpdateControl applies a patch to the singleton Control.
func (s *MemoryStore) UpdateControl(ctx context.Context, id string, patch ControlPatch) (*Control, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == nil || s.control.ID != id {
		return nil, NewNotFound("control", id)
	}
	if patch.Version != nil && *patch.Version != s.control.Version {
		return nil, NewConflict(fmt.Sprintf("control version mismatch: expected %s", *patch.Version))
	}

	if patch.Enabled != nil {
		s.control.Enabled = *patch.Enabled
	}
	if patch.LogLevel != nil {
		s.control.LogLevel = *patch.LogLevel
	}
	if patch.Replicas != nil {
		s.control.Replicas = append([]string{}, (*patch.Replicas)...)
	}
	if patch.Stale != nil {
		s.control.Stale = append([]string{}, (*patch.Stale)...)
	}
	if patch.NewVersion != nil {
		s.control.Version = *patch.NewVersion
	}
	s.control.UpdatedAt = time.Now().UTC()

	return s.control.Clone(), nil
}

// FindJobs returns a filtered, paginated listing in insertion order. The
// reserved watch job never appears.
func (s *MemoryStore) FindJobs(ctx context.Context, filter JobFilter) (*PaginatedJobs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Name == WatchJobName {
			continue
		}
		if !matchesJobFilter(j, filter) {
			continue
		}
		matched = append(matched, j)
	}

	pageSize := NormalizePageSize(filter.PageSize)
	total := int64(len(matched))
	page, lastPage, start, end := Paginate(total, filter.Page, pageSize)

	data := make([]Job, 0, end-start)
	for _, j := range matched[start:end] {
		data = append(data, *j.Clone())
	}

	return &PaginatedJobs{
		Data:     data,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		LastPage: lastPage,
	}, nil
}

func matchesJobFilter(j *Job, filter JobFilter) bool {
	if filter.Name != "" && j.Name != filter.Name {
		return false
	}
	if filter.Type != "" && j.Type != filter.Type {
		return false
	}
	if filter.Enabled != nil && j.Enabled != *filter.Enabled {
		return false
	}
	switch filter.Deleted {
	case DeletedNull:
		if j.Deleted != nil {
			return false
		}
	case DeletedNotNull:
		if j.Deleted == nil {
			return false
		}
	}
	return true
}

// FindJob returns the job with the given id, or nil if absent or tombstoned.
func (s *MemoryStore) FindJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok || j.Deleted != nil {
		return nil, nil
	}
	return j.Clone(), nil
}

// FindJobByName returns the live job with the given name, or nil.
func (s *MemoryStore) FindJobByName(ctx context.Context, name string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.jobNames[name]
	if !ok {
		return nil, nil
	}
	return s.jobs[id].Clone(), nil
}

// CreateJob persists a new job definition.
func (s *MemoryStore) CreateJob(ctx context.Context, data *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobNames[data.Name]; exists {
		return nil, NewConflict(fmt.Sprintf("job with name %q already exists", data.Name))
	}

	row := data.Clone()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.Deleted = nil
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now

	s.jobs[row.ID] = row
	s.jobOrder = append(s.jobOrder, row.ID)
	s.jobNames[row.Name] = row.ID

	return row.Clone(), nil
}

// UpdateJob applies a patch to a live job, maintaining the name index.
func (s *MemoryStore) UpdateJob(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Deleted != nil {
		return nil, NewNotFound("job", id)
	}

	if patch.Name != nil && *patch.Name != j.Name {
		if otherID, exists := s.jobNames[*patch.Name]; exists && otherID != id {
			return nil, NewConflict(fmt.Sprintf("job with name %q already exists", *patch.Name))
		}
		delete(s.jobNames, j.Name)
		j.Name = *patch.Name
		s.jobNames[j.Name] = id
	}
	if patch.Type != nil {
		j.Type = *patch.Type
	}
	if patch.Enabled != nil {
		j.Enabled = *patch.Enabled
	}
	if patch.Cron != nil {
		j.Cron = *patch.Cron
	}
	if patch.Query != nil {
		j.Query = *patch.Query
	}
	if patch.Context != nil {
		j.Context = DeepCopyMap(patch.Context)
	}
	if patch.Persist != nil {
		j.Persist = *patch.Persist
	}
	if patch.Silent != nil {
		j.Silent = *patch.Silent
	}
	j.UpdatedAt = time.Now().UTC()

	return j.Clone(), nil
}

// DeleteJob tombstones a live job and releases its name.
func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Deleted != nil {
		return NewNotFound("job", id)
	}

	now := time.Now().UTC()
	j.Deleted = &now
	j.UpdatedAt = now
	delete(s.jobNames, j.Name)
	return nil
}

// CreateJobRun persists a new run for an existing job.
func (s *MemoryStore) CreateJobRun(ctx context.Context, data *JobRun) (*JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[data.JobID]; !ok {
		return nil, NewStorageError(fmt.Sprintf("job %s does not exist", data.JobID), CodeInvalidReference)
	}

	row := data.Clone()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if row.Started.IsZero() {
		row.Started = now
	}
	row.CreatedAt = now
	row.UpdatedAt = now

	s.runs[row.ID] = row
	s.runOrder = append(s.runOrder, row.ID)

	return row.Clone(), nil
}

// UpdateJobRun applies a terminal patch to a run.
func (s *MemoryStore) UpdateJobRun(ctx context.Context, id string, patch JobRunPatch) (*JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, NewNotFound("job run", id)
	}

	if patch.Completed != nil {
		t := *patch.Completed
		r.Completed = &t
	}
	if patch.Failed != nil {
		t := *patch.Failed
		r.Failed = &t
	}
	if patch.Result != nil {
		r.Result = DeepCopyValue(patch.Result)
	}
	r.UpdatedAt = time.Now().UTC()

	return r.Clone(), nil
}

// FindJobRuns returns a filtered, paginated run listing, most recent first.
func (s *MemoryStore) FindJobRuns(ctx context.Context, filter JobRunFilter) (*PaginatedJobRuns, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*JobRun
	for _, id := range s.runOrder {
		r := s.runs[id]
		if !matchesRunFilter(r, filter) {
			continue
		}
		matched = append(matched, r)
	}
	sort.SliceStable(matched, func(i, k int) bool {
		return matched[i].Started.After(matched[k].Started)
	})

	pageSize := NormalizePageSize(filter.PageSize)
	total := int64(len(matched))
	page, lastPage, start, end := Paginate(total, filter.Page, pageSize)

	data := make([]JobRun, 0, end-start)
	for _, r := range matched[start:end] {
		data = append(data, *r.Clone())
	}

	return &PaginatedJobRuns{
		Data:     data,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		LastPage: lastPage,
	}, nil
}

func matchesRunFilter(r *JobRun, filter JobRunFilter) bool {
	if filter.JobID != "" && r.JobID != filter.JobID {
		return false
	}
	if filter.StartedAfter != nil && !r.Started.After(*filter.StartedAfter) {
		return false
	}
	if filter.StartedBefore != nil && !r.Started.Before(*filter.StartedBefore) {
		return false
	}
	switch filter.Status {
	case RunStatusCompleted:
		if r.Completed == nil {
			return false
		}
	case RunStatusFailed:
		if r.Failed == nil {
			return false
		}
	case RunStatusRunning:
		if r.Completed != nil || r.Failed != nil {
			return false
		}
	}
	return true
}

// ExecuteQuery records the statement and echoes it back. The in-memory
// store has no SQL engine; the echo keeps query-type jobs observable in
// tests and single-process deployments.
func (s *MemoryStore) ExecuteQuery(ctx context.Context, query string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, query)
	return map[string]any{"query": query}, nil
}

// ExecutedQueries returns the raw statements handed to ExecuteQuery.
func (s *MemoryStore) ExecutedQueries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.queries...)
}

// Health reports the in-memory store as always reachable.
func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}
