package storage

import (
	"time"
)

// WatchJobName is the reserved system job providing the periodic reset tick.
// It is never returned by FindJobs.
const WatchJobName = "__watch__"

// JobType selects the execution binding of a job.
type JobType string

const (
	JobTypeInline JobType = "inline"
	JobTypeMethod JobType = "method"
	JobTypeQuery  JobType = "query"
)

// Log levels stored on Control.
const (
	LogLevelError = "error"
	LogLevelWarn  = "warn"
	LogLevelInfo  = "info"
	LogLevelDebug = "debug"
)

// Control is the singleton fleet coordination record (GORM model)
type Control struct {
	ID        string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	Enabled   bool      `gorm:"column:enabled;not null;default:false" json:"enabled"`
	LogLevel  string    `gorm:"column:log_level;size:16" json:"logLevel"`
	Replicas  []string  `gorm:"column:replicas;serializer:json;type:text" json:"replicas"`
	Stale     []string  `gorm:"column:stale;serializer:json;type:text" json:"stale"`
	Version   string    `gorm:"column:version;size:64;not null" json:"version"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for Control
func (*Control) TableName() string {
	return "controls"
}

// Clone returns a deep copy of the record.
func (c *Control) Clone() *Control {
	if c == nil {
		return nil
	}
	out := *c
	out.Replicas = append([]string(nil), c.Replicas...)
	out.Stale = append([]string(nil), c.Stale...)
	return &out
}

// Job is a scheduled or ad-hoc job definition (GORM model)
type Job struct {
	ID        string         `gorm:"column:id;primaryKey;size:36" json:"id"`
	Name      string         `gorm:"column:name;size:100;not null;index:idx_jobs_name" json:"name"`
	Type      JobType        `gorm:"column:type;size:16;not null" json:"type"`
	Enabled   bool           `gorm:"column:enabled;not null;default:false" json:"enabled"`
	Cron      string         `gorm:"column:cron;size:100" json:"cron,omitempty"`
	Query     string         `gorm:"column:query;type:text" json:"query,omitempty"`
	Context   map[string]any `gorm:"column:context;serializer:json;type:text" json:"context,omitempty"`
	Persist   bool           `gorm:"column:persist;not null;default:false" json:"persist"`
	Silent    bool           `gorm:"column:silent;not null;default:false" json:"silent"`
	Deleted   *time.Time     `gorm:"column:deleted;index:idx_jobs_deleted" json:"deleted,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for Job
func (*Job) TableName() string {
	return "jobs"
}

// IsDeleted reports whether the job carries a tombstone.
func (j *Job) IsDeleted() bool {
	return j.Deleted != nil
}

// Clone returns a deep copy of the record.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Context = DeepCopyMap(j.Context)
	if j.Deleted != nil {
		t := *j.Deleted
		out.Deleted = &t
	}
	return &out
}

// JobRun is a single persisted execution record (GORM model)
type JobRun struct {
	ID        string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	JobID     string     `gorm:"column:job_id;size:36;not null;index:idx_job_runs_job,priority:1" json:"jobId"`
	Started   time.Time  `gorm:"column:started;not null;index:idx_job_runs_job,priority:2,sort:desc" json:"started"`
	Completed *time.Time `gorm:"column:completed" json:"completed,omitempty"`
	Failed    *time.Time `gorm:"column:failed" json:"failed,omitempty"`
	Result    any        `gorm:"column:result;serializer:json;type:text" json:"result,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for JobRun
func (*JobRun) TableName() string {
	return "job_runs"
}

// Clone returns a deep copy of the record.
func (r *JobRun) Clone() *JobRun {
	if r == nil {
		return nil
	}
	out := *r
	if r.Completed != nil {
		t := *r.Completed
		out.Completed = &t
	}
	if r.Failed != nil {
		t := *r.Failed
		out.Failed = &t
	}
	out.Result = DeepCopyValue(r.Result)
	return &out
}

// DeepCopyMap copies a context map recursively so callers cannot mutate
// persisted state through a reference obtained via a read.
func DeepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// DeepCopyValue copies nested maps and slices; scalars are returned as-is.
func DeepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
