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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (no CGO required)
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore implements Storage using GORM
type GormStore struct {
	db      *gorm.DB
	dialect string
}

// ConnectionPoolConfig holds connection pool settings
type ConnectionPoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewGormStore creates a new GORM-based store
func NewGormStore(dialect string, dsn string) (*GormStore, error) {
	return NewGormStoreWithPool(dialect, dsn, ConnectionPoolConfig{})
}

// NewGormStoreWithPool creates a new GORM-based store with connection pool settings
func NewGormStoreWithPool(dialect string, dsn string, pool ConnectionPoolConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for non-SQLite databases
	if dialect != "sqlite" && (pool.MaxIdleConns > 0 || pool.MaxOpenConns > 0 || pool.ConnMaxLifetime > 0 || pool.ConnMaxIdleTime > 0) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB for pool config: %w", err)
		}

		if pool.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
		if pool.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		}
	}

	return &GormStore{db: db, dialect: dialect}, nil
}

// Init initializes the store (creates tables via auto-migration)
func (s *GormStore) Init() error {
	return s.db.AutoMigrate(&Control{}, &Job{}, &JobRun{})
}

// Close closes the store and releases resources
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// lockedForUpdate adds a row lock on dialects that support SELECT FOR UPDATE.
// SQLite serializes writers on its own.
func (s *GormStore) lockedForUpdate(tx *gorm.DB) *gorm.DB {
	if s.dialect == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// GetControl returns the singleton Control, or nil if none exists.
func (s *GormStore) GetControl(ctx context.Context) (*Control, error) {
	var row Control
	err := s.db.WithContext(ctx).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

// CreateControl creates the singleton Control. Fails with a conflict if one
// already exists.
func (s *GormStore) CreateControl(ctx context.Context, data *Control) (*Control, error) {
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

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Control{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return NewConflict("control already exists")
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

// UpdateControl applies a patch to the singleton Control under a row lock,
// honoring the optimistic version check described on ControlPatch.
func (s *GormStore) UpdateControl(ctx context.Context, id string, patch ControlPatch) (*Control, error) {
	var out *Control
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Control
		err := s.lockedForUpdate(tx).Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFound("control", id)
		}
		if err != nil {
			return err
		}
		if patch.Version != nil && *patch.Version != row.Version {
			return NewConflict(fmt.Sprintf("control version mismatch: expected %s", *patch.Version))
		}

		if patch.Enabled != nil {
			row.Enabled = *patch.Enabled
		}
		if patch.LogLevel != nil {
			row.LogLevel = *patch.LogLevel
		}
		if patch.Replicas != nil {
			row.Replicas = append([]string{}, (*patch.Replicas)...)
		}
		if patch.Stale != nil {
			row.Stale = append([]string{}, (*patch.Stale)...)
		}
		if patch.NewVersion != nil {
			row.Version = *patch.NewVersion
		}

		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindJobs returns a filtered, paginated listing. The reserved watch job is
// excluded in the query itself.
func (s *GormStore) FindJobs(ctx context.Context, filter JobFilter) (*PaginatedJobs, error) {
	query := s.db.WithContext(ctx).Model(&Job{}).Where("name <> ?", WatchJobName)

	if filter.Name != "" {
		query = query.Where("name = ?", filter.Name)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}
	switch filter.Deleted {
	case DeletedNull:
		query = query.Where("deleted IS NULL")
	case DeletedNotNull:
		query = query.Where("deleted IS NOT NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	pageSize := NormalizePageSize(filter.PageSize)
	page, lastPage, start, _ := Paginate(total, filter.Page, pageSize)

	var rows []Job
	if err := query.Order("created_at, id").Limit(pageSize).Offset(start).Find(&rows).Error; err != nil {
		return nil, err
	}

	return &PaginatedJobs{
		Data:     rows,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		LastPage: lastPage,
	}, nil
}

// FindJob returns the job with the given id, or nil if absent or tombstoned.
func (s *GormStore) FindJob(ctx context.Context, id string) (*Job, error) {
	var row Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if row.Deleted != nil {
		return nil, nil
	}
	return &row, nil
}

// FindJobByName returns the live job with the given name, or nil.
func (s *GormStore) FindJobByName(ctx context.Context, name string) (*Job, error) {
	var row Job
	err := s.db.WithContext(ctx).
		Where("name = ? AND deleted IS NULL", name).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CreateJob persists a new job. Fails with a conflict when a live job with
// the same name exists; tombstoned rows do not block the name.
func (s *GormStore) CreateJob(ctx context.Context, data *Job) (*Job, error) {
	row := data.Clone()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.Deleted = nil

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Job{}).
			Where("name = ? AND deleted IS NULL", row.Name).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return NewConflict(fmt.Sprintf("job with name %q already exists", row.Name))
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

// UpdateJob applies a patch to a live job. Renaming onto an existing live
// name fails with a conflict.
func (s *GormStore) UpdateJob(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	var out *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Job
		err := s.lockedForUpdate(tx).Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && row.Deleted != nil) {
			return NewNotFound("job", id)
		}
		if err != nil {
			return err
		}

		if patch.Name != nil && *patch.Name != row.Name {
			var count int64
			if err := tx.Model(&Job{}).
				Where("name = ? AND deleted IS NULL AND id <> ?", *patch.Name, id).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return NewConflict(fmt.Sprintf("job with name %q already exists", *patch.Name))
			}
			row.Name = *patch.Name
		}
		if patch.Type != nil {
			row.Type = *patch.Type
		}
		if patch.Enabled != nil {
			row.Enabled = *patch.Enabled
		}
		if patch.Cron != nil {
			row.Cron = *patch.Cron
		}
		if patch.Query != nil {
			row.Query = *patch.Query
		}
		if patch.Context != nil {
			row.Context = DeepCopyMap(patch.Context)
		}
		if patch.Persist != nil {
			row.Persist = *patch.Persist
		}
		if patch.Silent != nil {
			row.Silent = *patch.Silent
		}

		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteJob tombstones a live job. The name becomes reusable immediately.
func (s *GormStore) DeleteJob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Job
		err := s.lockedForUpdate(tx).Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && row.Deleted != nil) {
			return NewNotFound("job", id)
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		row.Deleted = &now
		return tx.Save(&row).Error
	})
}

// CreateJobRun persists a new run for an existing job.
func (s *GormStore) CreateJobRun(ctx context.Context, data *JobRun) (*JobRun, error) {
	row := data.Clone()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Started.IsZero() {
		row.Started = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Job{}).Where("id = ?", row.JobID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return NewStorageError(fmt.Sprintf("job %s does not exist", row.JobID), CodeInvalidReference)
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

// UpdateJobRun applies a terminal patch to a run.
func (s *GormStore) UpdateJobRun(ctx context.Context, id string, patch JobRunPatch) (*JobRun, error) {
	var out *JobRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row JobRun
		err := s.lockedForUpdate(tx).Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFound("job run", id)
		}
		if err != nil {
			return err
		}

		if patch.Completed != nil {
			t := *patch.Completed
			row.Completed = &t
		}
		if patch.Failed != nil {
			t := *patch.Failed
			row.Failed = &t
		}
		if patch.Result != nil {
			row.Result = DeepCopyValue(patch.Result)
		}

		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindJobRuns returns a filtered, paginated run listing, most recent first.
func (s *GormStore) FindJobRuns(ctx context.Context, filter JobRunFilter) (*PaginatedJobRuns, error) {
	query := s.db.WithContext(ctx).Model(&JobRun{})

	if filter.JobID != "" {
		query = query.Where("job_id = ?", filter.JobID)
	}
	if filter.StartedAfter != nil {
		query = query.Where("started > ?", *filter.StartedAfter)
	}
	if filter.StartedBefore != nil {
		query = query.Where("started < ?", *filter.StartedBefore)
	}
	switch filter.Status {
	case RunStatusCompleted:
		query = query.Where("completed IS NOT NULL")
	case RunStatusFailed:
		query = query.Where("failed IS NOT NULL")
	case RunStatusRunning:
		query = query.Where("completed IS NULL AND failed IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	pageSize := NormalizePageSize(filter.PageSize)
	page, lastPage, start, _ := Paginate(total, filter.Page, pageSize)

	var rows []JobRun
	if err := query.Order("started DESC").Limit(pageSize).Offset(start).Find(&rows).Error; err != nil {
		return nil, err
	}

	return &PaginatedJobRuns{
		Data:     rows,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		LastPage: lastPage,
	}, nil
}

// ExecuteQuery runs a sanitized statement. Row-returning statements come
// back as []map[string]any; everything else reports the affected row count.
func (s *GormStore) ExecuteQuery(ctx context.Context, query string) (any, error) {
	if isRowQuery(query) {
		rows, err := s.db.WithContext(ctx).Raw(query).Rows()
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return rowsToMaps(rows)
	}

	res := s.db.WithContext(ctx).Exec(query)
	if res.Error != nil {
		return nil, res.Error
	}
	return map[string]any{"rowsAffected": res.RowsAffected}, nil
}

// Health checks if the store is reachable
func (s *GormStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// isRowQuery reports whether a statement returns rows.
func isRowQuery(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}

// rowsToMaps drains a result set into one map per row. Byte slices become
// strings so text columns stay readable after JSON serialization.
func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
