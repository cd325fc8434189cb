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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"github.com/jmoiron/sqlx"
)

// sqlSchema is applied on Init. The partial unique index enforces name
// uniqueness among live jobs only; tombstoned rows release their name.
const sqlSchema = `
CREATE TABLE IF NOT EXISTS controls (
	id         VARCHAR(36) PRIMARY KEY,
	enabled    BOOLEAN NOT NULL DEFAULT FALSE,
	log_level  VARCHAR(16) NOT NULL DEFAULT '',
	replicas   TEXT NOT NULL DEFAULT '[]',
	stale      TEXT NOT NULL DEFAULT '[]',
	version    VARCHAR(64) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id         VARCHAR(36) PRIMARY KEY,
	name       VARCHAR(100) NOT NULL,
	type       VARCHAR(16) NOT NULL,
	enabled    BOOLEAN NOT NULL DEFAULT FALSE,
	cron       VARCHAR(100) NOT NULL DEFAULT '',
	query      TEXT NOT NULL DEFAULT '',
	context    TEXT,
	persist    BOOLEAN NOT NULL DEFAULT FALSE,
	silent     BOOLEAN NOT NULL DEFAULT FALSE,
	deleted    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_live_name ON jobs(name) WHERE deleted IS NULL;
CREATE INDEX IF NOT EXISTS idx_jobs_deleted ON jobs(deleted);

CREATE TABLE IF NOT EXISTS job_runs (
	id         VARCHAR(36) PRIMARY KEY,
	job_id     VARCHAR(36) NOT NULL REFERENCES jobs(id),
	started    TIMESTAMPTZ NOT NULL,
	completed  TIMESTAMPTZ,
	failed     TIMESTAMPTZ,
	result     TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job_id, started DESC);
`

// SQLStore implements Storage on raw PostgreSQL through sqlx and the pgx
// stdlib driver. It exists for deployments that want hand-tuned SQL and
// database-enforced constraints instead of the GORM layer.
type SQLStore struct {
	db  *sqlx.DB
	dsn string
}

// NewSQLStore creates a PostgreSQL store for the given DSN. The connection
// opens on Init.
func NewSQLStore(dsn string) *SQLStore {
	return &SQLStore{dsn: dsn}
}

// Init connects and applies the schema.
func (s *SQLStore) Init() error {
	db, err := sqlx.Connect("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s.db = db

	if _, err := s.db.Exec(sqlSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Health checks if the store is reachable
func (s *SQLStore) Health(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store is not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// translatePgError maps PostgreSQL constraint violations onto the storage
// error taxonomy.
func translatePgError(err error, conflictMsg, referenceMsg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return NewConflict(conflictMsg)
		case "23503":
			return NewStorageError(referenceMsg, CodeInvalidReference)
		}
	}
	return err
}

// -- row types ---------------------------------------------------------------

type controlRow struct {
	ID        string    `db:"id"`
	Enabled   bool      `db:"enabled"`
	LogLevel  string    `db:"log_level"`
	Replicas  string    `db:"replicas"`
	Stale     string    `db:"stale"`
	Version   string    `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *controlRow) toControl() (*Control, error) {
	out := &Control{
		ID:        r.ID,
		Enabled:   r.Enabled,
		LogLevel:  r.LogLevel,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Replicas), &out.Replicas); err != nil {
		return nil, fmt.Errorf("decode replicas: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Stale), &out.Stale); err != nil {
		return nil, fmt.Errorf("decode stale: %w", err)
	}
	return out, nil
}

func stringListJSON(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

type jobRow struct {
	ID        string     `db:"id"`
	Name      string     `db:"name"`
	Type      string     `db:"type"`
	Enabled   bool       `db:"enabled"`
	Cron      string     `db:"cron"`
	Query     string     `db:"query"`
	Context   *string    `db:"context"`
	Persist   bool       `db:"persist"`
	Silent    bool       `db:"silent"`
	Deleted   *time.Time `db:"deleted"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

func (r *jobRow) toJob() (*Job, error) {
	out := &Job{
		ID:        r.ID,
		Name:      r.Name,
		Type:      JobType(r.Type),
		Enabled:   r.Enabled,
		Cron:      r.Cron,
		Query:     r.Query,
		Persist:   r.Persist,
		Silent:    r.Silent,
		Deleted:   r.Deleted,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Context != nil {
		if err := json.Unmarshal([]byte(*r.Context), &out.Context); err != nil {
			return nil, fmt.Errorf("decode job context: %w", err)
		}
	}
	return out, nil
}

func jobToRow(j *Job) (*jobRow, error) {
	row := &jobRow{
		ID:        j.ID,
		Name:      j.Name,
		Type:      string(j.Type),
		Enabled:   j.Enabled,
		Cron:      j.Cron,
		Query:     j.Query,
		Persist:   j.Persist,
		Silent:    j.Silent,
		Deleted:   j.Deleted,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Context != nil {
		b, err := json.Marshal(j.Context)
		if err != nil {
			return nil, fmt.Errorf("encode job context: %w", err)
		}
		s := string(b)
		row.Context = &s
	}
	return row, nil
}

type jobRunRow struct {
	ID        string     `db:"id"`
	JobID     string     `db:"job_id"`
	Started   time.Time  `db:"started"`
	Completed *time.Time `db:"completed"`
	Failed    *time.Time `db:"failed"`
	Result    *string    `db:"result"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

func (r *jobRunRow) toJobRun() (*JobRun, error) {
	out := &JobRun{
		ID:        r.ID,
		JobID:     r.JobID,
		Started:   r.Started,
		Completed: r.Completed,
		Failed:    r.Failed,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Result != nil {
		if err := json.Unmarshal([]byte(*r.Result), &out.Result); err != nil {
			return nil, fmt.Errorf("decode run result: %w", err)
		}
	}
	return out, nil
}

func resultJSON(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode run result: %w", err)
	}
	s := string(b)
	return &s, nil
}

// -- control -----------------------------------------------------------------

// GetControl returns the singleton Control, or nil if none exists.
func (s *SQLStore) GetControl(ctx context.Context) (*Control, error) {
	var row controlRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM controls LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toControl()
}

// CreateControl creates the singleton Control.
func (s *SQLStore) CreateControl(ctx context.Context, data *Control) (*Control, error) {
	row := data.Clone()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Version == "" {
		row.Version = uuid.NewString()
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	if row.Replicas == nil {
		row.Replicas = []string{}
	}
	if row.Stale == nil {
		row.Stale = []string{}
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM controls`); err != nil {
			return err
		}
		if count > 0 {
			return NewConflict("control already exists")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO controls (id, enabled, log_level, replicas, stale, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			row.ID, row.Enabled, row.LogLevel,
			stringListJSON(row.Replicas), stringListJSON(row.Stale),
			row.Version, row.CreatedAt, row.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

// UpdateControl applies a patch under SELECT FOR UPDATE, honoring the
// optimistic version check described on ControlPatch.
func (s *SQLStore) UpdateControl(ctx context.Context, id string, patch ControlPatch) (*Control, error) {
	var out *Control
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row controlRow
		err := tx.GetContext(ctx, &row, `SELECT * FROM controls WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return NewNotFound("control", id)
		}
		if err != nil {
			return err
		}
		if patch.Version != nil && *patch.Version != row.Version {
			return NewConflict(fmt.Sprintf("control version mismatch: expected %s", *patch.Version))
		}

		current, err := row.toControl()
		if err != nil {
			return err
		}
		if patch.Enabled != nil {
			current.Enabled = *patch.Enabled
		}
		if patch.LogLevel != nil {
			current.LogLevel = *patch.LogLevel
		}
		if patch.Replicas != nil {
			current.Replicas = append([]string{}, (*patch.Replicas)...)
		}
		if patch.Stale != nil {
			current.Stale = append([]string{}, (*patch.Stale)...)
		}
		if patch.NewVersion != nil {
			current.Version = *patch.NewVersion
		}
		current.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE controls
			SET enabled = $1, log_level = $2, replicas = $3, stale = $4, version = $5, updated_at = $6
			WHERE id = $7`,
			current.Enabled, current.LogLevel,
			stringListJSON(current.Replicas), stringListJSON(current.Stale),
			current.Version, current.UpdatedAt, id,
		)
		if err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// -- jobs --------------------------------------------------------------------

// FindJobs returns a filtered, paginated listing. The reserved watch job is
// excluded in the query itself.
func (s *SQLStore) FindJobs(ctx context.Context, filter JobFilter) (*PaginatedJobs, error) {
	where := []string{"name <> $1"}
	args := []any{WatchJobName}

	if filter.Name != "" {
		args = append(args, filter.Name)
		where = append(where, fmt.Sprintf("name = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Enabled != nil {
		args = append(args, *filter.Enabled)
		where = append(where, fmt.Sprintf("enabled = $%d", len(args)))
	}
	switch filter.Deleted {
	case DeletedNull:
		where = append(where, "deleted IS NULL")
	case DeletedNotNull:
		where = append(where, "deleted IS NOT NULL")
	}
	cond := "WHERE " + strings.Join(where, " AND ")

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs `+cond, args...); err != nil {
		return nil, err
	}

	pageSize := NormalizePageSize(filter.PageSize)
	page, lastPage, start, _ := Paginate(total, filter.Page, pageSize)

	args = append(args, pageSize, start)
	listQuery := fmt.Sprintf(`SELECT * FROM jobs %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		cond, len(args)-1, len(args))

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, listQuery, args...); err != nil {
		return nil, err
	}

	data := make([]Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		data = append(data, *job)
	}

	return &PaginatedJobs{
		Data:     data,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		LastPage: lastPage,
	}, nil
}

// FindJob returns the job with the given id, or nil if absent or tombstoned.
func (s *SQLStore) FindJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if row.Deleted != nil {
		return nil, nil
	}
	return row.toJob()
}

// FindJobByName returns the live job with the given name, or nil.
func (s *SQLStore) FindJobByName(ctx context.Context, name string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE name = $1 AND deleted IS NULL`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

// CreateJob persists a new job. The partial unique index turns a live-name
// collision into a conflict.
func (s *SQLStore) CreateJob(ctx context.Context, data *Job) (*Job, error) {
	job := data.Clone()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Deleted = nil
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	row, err := jobToRow(job)
	if err != nil {
		return nil, err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, name, type, enabled, cron, query, context, persist, silent, deleted, created_at, updated_at)
		VALUES (:id, :name, :type, :enabled, :cron, :query, :context, :persist, :silent, :deleted, :created_at, :updated_at)`,
		row,
	)
	if err != nil {
		return nil, translatePgError(err,
			fmt.Sprintf("job with name %q already exists", job.Name),
			fmt.Sprintf("job %s references a missing row", job.ID),
		)
	}
	return job.Clone(), nil
}

// UpdateJob applies a patch to a live job.
func (s *SQLStore) UpdateJob(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	var out *Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row jobRow
		err := tx.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return NewNotFound("job", id)
		}
		if err != nil {
			return err
		}
		if row.Deleted != nil {
			return NewNotFound("job", id)
		}

		current, err := row.toJob()
		if err != nil {
			return err
		}
		newName := current.Name
		if patch.Name != nil {
			newName = *patch.Name
		}
		if patch.Type != nil {
			current.Type = *patch.Type
		}
		if patch.Enabled != nil {
			current.Enabled = *patch.Enabled
		}
		if patch.Cron != nil {
			current.Cron = *patch.Cron
		}
		if patch.Query != nil {
			current.Query = *patch.Query
		}
		if patch.Context != nil {
			current.Context = DeepCopyMap(patch.Context)
		}
		if patch.Persist != nil {
			current.Persist = *patch.Persist
		}
		if patch.Silent != nil {
			current.Silent = *patch.Silent
		}
		current.Name = newName
		current.UpdatedAt = time.Now().UTC()

		updated, err := jobToRow(current)
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `
			UPDATE jobs
			SET name = :name, type = :type, enabled = :enabled, cron = :cron, query = :query,
			    context = :context, persist = :persist, silent = :silent, updated_at = :updated_at
			WHERE id = :id`,
			updated,
		)
		if err != nil {
			return translatePgError(err,
				fmt.Sprintf("job with name %q already exists", newName),
				fmt.Sprintf("job %s references a missing row", id),
			)
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteJob tombstones a live job.
func (s *SQLStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET deleted = $1, updated_at = $1 WHERE id = $2 AND deleted IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return NewNotFound("job", id)
	}
	return nil
}

// -- job runs ----------------------------------------------------------------

// CreateJobRun persists a new run. The foreign key turns an unknown JobID
// into an INVALID_REFERENCE storage error.
func (s *SQLStore) CreateJobRun(ctx context.Context, data *JobRun) (*JobRun, error) {
	run := data.Clone()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if run.Started.IsZero() {
		run.Started = now
	}
	run.CreatedAt = now
	run.UpdatedAt = now

	result, err := resultJSON(run.Result)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_id, started, completed, failed, result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.JobID, run.Started, run.Completed, run.Failed, result, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, translatePgError(err,
			fmt.Sprintf("job run %s already exists", run.ID),
			fmt.Sprintf("job %s does not exist", run.JobID),
		)
	}
	return run.Clone(), nil
}

// UpdateJobRun applies a terminal patch to a run.
func (s *SQLStore) UpdateJobRun(ctx context.Context, id string, patch JobRunPatch) (*JobRun, error) {
	var out *JobRun
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row jobRunRow
		err := tx.GetContext(ctx, &row, `SELECT * FROM job_runs WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return NewNotFound("job run", id)
		}
		if err != nil {
			return err
		}

		current, err := row.toJobRun()
		if err != nil {
			return err
		}
		if patch.Completed != nil {
			t := *patch.Completed
			current.Completed = &t
		}
		if patch.Failed != nil {
			t := *patch.Failed
			current.Failed = &t
		}
		if patch.Result != nil {
			current.Result = DeepCopyValue(patch.Result)
		}
		current.UpdatedAt = time.Now().UTC()

		result, err := resultJSON(current.Result)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE job_runs
			SET completed = $1, failed = $2, result = $3, updated_at = $4
			WHERE id = $5`,
			current.Completed, current.Failed, result, current.UpdatedAt, id,
		)
		if err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindJobRuns returns a filtered, paginated run listing, most recent first.
func (s *SQLStore) FindJobRuns(ctx context.Context, filter JobRunFilter) (*PaginatedJobRuns, error) {
	where := []string{"TRUE"}
	args := []any{}

	if filter.JobID != "" {
		args = append(args, filter.JobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if filter.StartedAfter != nil {
		args = append(args, *filter.StartedAfter)
		where = append(where, fmt.Sprintf("started > $%d", len(args)))
	}
	if filter.StartedBefore != nil {
		args = append(args, *filter.StartedBefore)
		where = append(where, fmt.Sprintf("started < $%d", len(args)))
	}
	switch filter.Status {
	case RunStatusCompleted:
		where = append(where, "completed IS NOT NULL")
	case RunStatusFailed:
		where = append(where, "failed IS NOT NULL")
	case RunStatusRunning:
		where = append(where, "completed IS NULL AND failed IS NULL")
	}
	cond := "WHERE " + strings.Join(where, " AND ")

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM job_runs `+cond, args...); err != nil {
		return nil, err
	}

	pageSize := NormalizePageSize(filter.PageSize)
	page, lastPage, start, _ := Paginate(total, filter.Page, pageSize)

	args = append(args, pageSize, start)
	listQuery := fmt.Sprintf(`SELECT * FROM job_runs %s ORDER BY started DESC LIMIT $%d OFFSET $%d`,
		cond, len(args)-1, len(args))

	var rows []jobRunRow
	if err := s.db.SelectContext(ctx, &rows, listQuery, args...); err != nil {
		return nil, err
	}

	data := make([]JobRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toJobRun()
		if err != nil {
			return nil, err
		}
		data = append(data, *run)
	}

	return &PaginatedJobRuns{
		Data:     data,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		LastPage: lastPage,
	}, nil
}

// -- raw queries ---------------------------------------------------------

// ExecuteQuery runs a sanitized statement. Row-returning statements come
// back as []map[string]any; everything else reports the affected row count.
func (s *SQLStore) ExecuteQuery(ctx context.Context, query string) (any, error) {
	if isRowQuery(query) {
		rows, err := s.db.QueryxContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []map[string]any
		for rows.Next() {
			row := map[string]any{}
			if err := rows.MapScan(row); err != nil {
				return nil, err
			}
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
			out = append(out, row)
		}
		return out, rows.Err()
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return map[string]any{"rowsAffected": affected}, nil
}
