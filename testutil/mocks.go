// Package testutil provides shared test utilities and mock implementations
// for use across the ludari test suites.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/lens"
	"github.com/creativogee/ludari-sdk/storage"
)

// ============================================================================
// Mock Storage Implementation
// ============================================================================

// MockStorage wraps a real storage backend and injects failures around it.
// All fields are optional - set only what your test needs; the zero value of
// every injection field passes the call through to Inner untouched.
// Thread-safe for concurrent access in scheduler tests.
type MockStorage struct {
	mu sync.Mutex

	// Inner handles every call that is not intercepted. Usually a
	// *storage.MemoryStore.
	Inner storage.Storage

	// Error injection - set these to simulate errors
	HealthError        error
	GetControlError    error
	CreateControlError error
	UpdateControlError error
	FindJobsError      error
	FindJobError       error
	FindJobByNameError error
	CreateJobError     error
	UpdateJobError     error
	DeleteJobError     error
	CreateJobRunError  error
	UpdateJobRunError  error
	FindJobRunsError   error

	// UpdateControlErrors is a queue consumed one error per call before
	// UpdateControlError is consulted. A nil entry lets that call through.
	// Lets tests script conflict-then-success sequences.
	UpdateControlErrors []error

	// Query execution
	QueryError      error
	ExecutedQueries []string

	// Call tracking - these record what was called for verification
	GetControlCalls    int
	UpdateControlCalls int
	CreateJobRunCalls  int
	UpdateJobRunCalls  int
	UpdatedControls    []storage.ControlPatch
	UpdatedJobs        []storage.JobPatch
	UpdatedJobIDs      []string
	CreatedRuns        []storage.JobRun
	UpdatedRuns        []storage.JobRunPatch
	DeletedJobIDs      []string
}

// NewMockStorage wraps inner, which handles all non-intercepted calls.
func NewMockStorage(inner storage.Storage) *MockStorage {
	return &MockStorage{Inner: inner}
}

// Init implements storage.Storage
func (m *MockStorage) Init() error {
	return m.Inner.Init()
}

// Close implements storage.Storage
func (m *MockStorage) Close() error {
	return m.Inner.Close()
}

// Health implements storage.Storage
func (m *MockStorage) Health(ctx context.Context) error {
	m.mu.Lock()
	err := m.HealthError
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Inner.Health(ctx)
}

// GetControl implements storage.Storage
func (m *MockStorage) GetControl(ctx context.Context) (*storage.Control, error) {
	m.mu.Lock()
	m.GetControlCalls++
	err := m.GetControlError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.GetControl(ctx)
}

// CreateControl implements storage.Storage
func (m *MockStorage) CreateControl(ctx context.Context, data *storage.Control) (*storage.Control, error) {
	m.mu.Lock()
	err := m.CreateControlError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.CreateControl(ctx, data)
}

// UpdateControl implements storage.Storage
func (m *MockStorage) UpdateControl(ctx context.Context, id string, patch storage.ControlPatch) (*storage.Control, error) {
	m.mu.Lock()
	m.UpdateControlCalls++
	m.UpdatedControls = append(m.UpdatedControls, patch)
	var err error
	if len(m.UpdateControlErrors) > 0 {
		err = m.UpdateControlErrors[0]
		m.UpdateControlErrors = m.UpdateControlErrors[1:]
	} else {
		err = m.UpdateControlError
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.UpdateControl(ctx, id, patch)
}

// FindJobs implements storage.Storage
func (m *MockStorage) FindJobs(ctx context.Context, filter storage.JobFilter) (*storage.PaginatedJobs, error) {
	m.mu.Lock()
	err := m.FindJobsError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.FindJobs(ctx, filter)
}

// FindJob implements storage.Storage
func (m *MockStorage) FindJob(ctx context.Context, id string) (*storage.Job, error) {
	m.mu.Lock()
	err := m.FindJobError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.FindJob(ctx, id)
}

// FindJobByName implements storage.Storage
func (m *MockStorage) FindJobByName(ctx context.Context, name string) (*storage.Job, error) {
	m.mu.Lock()
	err := m.FindJobByNameError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.FindJobByName(ctx, name)
}

// CreateJob implements storage.Storage
func (m *MockStorage) CreateJob(ctx context.Context, data *storage.Job) (*storage.Job, error) {
	m.mu.Lock()
	err := m.CreateJobError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.CreateJob(ctx, data)
}

// UpdateJob implements storage.Storage
func (m *MockStorage) UpdateJob(ctx context.Context, id string, patch storage.JobPatch) (*storage.Job, error) {
	m.mu.Lock()
	m.UpdatedJobs = append(m.UpdatedJobs, patch)
	m.UpdatedJobIDs = append(m.UpdatedJobIDs, id)
	err := m.UpdateJobError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.UpdateJob(ctx, id, patch)
}

// DeleteJob implements storage.Storage
func (m *MockStorage) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	m.DeletedJobIDs = append(m.DeletedJobIDs, id)
	err := m.DeleteJobError
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Inner.DeleteJob(ctx, id)
}

// CreateJobRun implements storage.Storage
func (m *MockStorage) CreateJobRun(ctx context.Context, data *storage.JobRun) (*storage.JobRun, error) {
	m.mu.Lock()
	m.CreateJobRunCalls++
	if data != nil {
		m.CreatedRuns = append(m.CreatedRuns, *data)
	}
	err := m.CreateJobRunError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.CreateJobRun(ctx, data)
}

// UpdateJobRun implements storage.Storage
func (m *MockStorage) UpdateJobRun(ctx context.Context, id string, patch storage.JobRunPatch) (*storage.JobRun, error) {
	m.mu.Lock()
	m.UpdateJobRunCalls++
	m.UpdatedRuns = append(m.UpdatedRuns, patch)
	err := m.UpdateJobRunError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.UpdateJobRun(ctx, id, patch)
}

// FindJobRuns implements storage.Storage
func (m *MockStorage) FindJobRuns(ctx context.Context, filter storage.JobRunFilter) (*storage.PaginatedJobRuns, error) {
	m.mu.Lock()
	err := m.FindJobRunsError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Inner.FindJobRuns(ctx, filter)
}

// ExecuteQuery implements storage.QueryExecutor, delegating to Inner when
// it supports query execution.
func (m *MockStorage) ExecuteQuery(ctx context.Context, query string) (any, error) {
	m.mu.Lock()
	m.ExecutedQueries = append(m.ExecutedQueries, query)
	err := m.QueryError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	executor, ok := m.Inner.(storage.QueryExecutor)
	if !ok {
		return nil, storage.NewStorageError("wrapped storage does not execute queries", storage.CodeNotSupported)
	}
	return executor.ExecuteQuery(ctx, query)
}

// Lock acquires the mutex for external synchronization in tests
func (m *MockStorage) Lock() {
	m.mu.Lock()
}

// Unlock releases the mutex for external synchronization in tests
func (m *MockStorage) Unlock() {
	m.mu.Unlock()
}

// ============================================================================
// Mock Cache Implementation
// ============================================================================

// MockCache wraps a real cache backend and records or overrides lock and
// context traffic. All fields are optional - set only what your test needs.
// Thread-safe for concurrent access in scheduler tests.
type MockCache struct {
	mu sync.Mutex

	// Inner handles every call that is not intercepted. Usually a
	// *cache.MemoryCache.
	Inner cache.Cache

	// Behavior overrides
	ForceAcquireFailure bool  // every AcquireLock reports not acquired
	ReleaseResult       *bool // fixed ReleaseLock outcome when set
	ExtendResult        *bool // fixed ExtendLock outcome when set
	Unhealthy           bool  // IsHealthy reports false when set

	// Call tracking - these record what was called for verification
	AcquiredKeys       []string
	ReleasedKeys       []string
	ExtendedKeys       []string
	SetContexts        map[string]map[string]any
	SetContextTTLs     map[string]time.Duration
	DeletedNames       []string
	IncrementCalls     int
	ResetCalls         int
	RegisteredReplicas []string
	PingedReplicas     []string
	CleanupCalls       int
	DestroyCalls       int
}

// NewMockCache wraps inner, which handles all non-intercepted calls.
func NewMockCache(inner cache.Cache) *MockCache {
	return &MockCache{
		Inner:          inner,
		SetContexts:    make(map[string]map[string]any),
		SetContextTTLs: make(map[string]time.Duration),
	}
}

// AcquireLock implements cache.Cache
func (m *MockCache) AcquireLock(ctx context.Context, key string, opts cache.LockOptions) cache.LockResult {
	m.mu.Lock()
	m.AcquiredKeys = append(m.AcquiredKeys, key)
	forced := m.ForceAcquireFailure
	m.mu.Unlock()
	if forced {
		return cache.LockResult{Acquired: false}
	}
	return m.Inner.AcquireLock(ctx, key, opts)
}

// ReleaseLock implements cache.Cache
func (m *MockCache) ReleaseLock(ctx context.Context, key, lockValue string) bool {
	m.mu.Lock()
	m.ReleasedKeys = append(m.ReleasedKeys, key)
	fixed := m.ReleaseResult
	m.mu.Unlock()
	if fixed != nil {
		return *fixed
	}
	return m.Inner.ReleaseLock(ctx, key, lockValue)
}

// ExtendLock implements cache.Cache
func (m *MockCache) ExtendLock(ctx context.Context, key, lockValue string, ttl time.Duration) bool {
	m.mu.Lock()
	m.ExtendedKeys = append(m.ExtendedKeys, key)
	fixed := m.ExtendResult
	m.mu.Unlock()
	if fixed != nil {
		return *fixed
	}
	return m.Inner.ExtendLock(ctx, key, lockValue, ttl)
}

// SetJobContext implements cache.Cache
func (m *MockCache) SetJobContext(ctx context.Context, jobName string, jobCtx map[string]any, ttl time.Duration) {
	m.mu.Lock()
	if m.SetContexts == nil {
		m.SetContexts = make(map[string]map[string]any)
	}
	if m.SetContextTTLs == nil {
		m.SetContextTTLs = make(map[string]time.Duration)
	}
	m.SetContexts[jobName] = jobCtx
	m.SetContextTTLs[jobName] = ttl
	m.mu.Unlock()
	m.Inner.SetJobContext(ctx, jobName, jobCtx, ttl)
}

// GetJobContext implements cache.Cache
func (m *MockCache) GetJobContext(ctx context.Context, jobName string) map[string]any {
	return m.Inner.GetJobContext(ctx, jobName)
}

// DeleteJobContext implements cache.Cache
func (m *MockCache) DeleteJobContext(ctx context.Context, jobName string) {
	m.mu.Lock()
	m.DeletedNames = append(m.DeletedNames, jobName)
	m.mu.Unlock()
	m.Inner.DeleteJobContext(ctx, jobName)
}

// IncrementBatch implements cache.Cache
func (m *MockCache) IncrementBatch(ctx context.Context, jobName string) int64 {
	m.mu.Lock()
	m.IncrementCalls++
	m.mu.Unlock()
	return m.Inner.IncrementBatch(ctx, jobName)
}

// GetBatch implements cache.Cache
func (m *MockCache) GetBatch(ctx context.Context, jobName string) int64 {
	return m.Inner.GetBatch(ctx, jobName)
}

// ResetBatch implements cache.Cache
func (m *MockCache) ResetBatch(ctx context.Context, jobName string) {
	m.mu.Lock()
	m.ResetCalls++
	m.mu.Unlock()
	m.Inner.ResetBatch(ctx, jobName)
}

// IsHealthy implements cache.Cache
func (m *MockCache) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	unhealthy := m.Unhealthy
	m.mu.Unlock()
	if unhealthy {
		return false
	}
	return m.Inner.IsHealthy(ctx)
}

// RegisterReplica implements cache.ReplicaTracker
func (m *MockCache) RegisterReplica(ctx context.Context, replicaID string, ttl time.Duration) bool {
	m.mu.Lock()
	m.RegisteredReplicas = append(m.RegisteredReplicas, replicaID)
	m.mu.Unlock()
	if tracker, ok := m.Inner.(cache.ReplicaTracker); ok {
		return tracker.RegisterReplica(ctx, replicaID, ttl)
	}
	return false
}

// PingReplica implements cache.ReplicaTracker
func (m *MockCache) PingReplica(ctx context.Context, replicaID string) bool {
	m.mu.Lock()
	m.PingedReplicas = append(m.PingedReplicas, replicaID)
	m.mu.Unlock()
	if tracker, ok := m.Inner.(cache.ReplicaTracker); ok {
		return tracker.PingReplica(ctx, replicaID)
	}
	return false
}

// Cleanup implements cache.Cleaner
func (m *MockCache) Cleanup(ctx context.Context) {
	m.mu.Lock()
	m.CleanupCalls++
	m.mu.Unlock()
	if cleaner, ok := m.Inner.(cache.Cleaner); ok {
		cleaner.Cleanup(ctx)
	}
}

// Destroy implements cache.Destroyer
func (m *MockCache) Destroy() {
	m.mu.Lock()
	m.DestroyCalls++
	m.mu.Unlock()
	if destroyer, ok := m.Inner.(cache.Destroyer); ok {
		destroyer.Destroy()
	}
}

// Lock acquires the mutex for external synchronization in tests
func (m *MockCache) Lock() {
	m.mu.Lock()
}

// Unlock releases the mutex for external synchronization in tests
func (m *MockCache) Unlock() {
	m.mu.Unlock()
}

// ============================================================================
// Mock Handler Implementation
// ============================================================================

// MockHandler is a configurable method-job handler for testing. All fields
// are optional - set only what your test needs.
type MockHandler struct {
	mu sync.Mutex

	// Results
	ReturnValue any
	Methods     []string

	// Error injection
	ExecuteError error
	PanicWith    any // ExecuteMethod panics with this value when set

	// Call tracking - these record what was called for verification
	ExecutedMethods  []string
	ReceivedContexts []map[string]any
}

// ExecuteMethod records the call and returns the configured result.
func (m *MockHandler) ExecuteMethod(_ context.Context, method string, jobCtx map[string]any, _ *lens.Lens) (any, error) {
	m.mu.Lock()
	m.ExecutedMethods = append(m.ExecutedMethods, method)
	m.ReceivedContexts = append(m.ReceivedContexts, jobCtx)
	panicWith := m.PanicWith
	err := m.ExecuteError
	value := m.ReturnValue
	m.mu.Unlock()
	if panicWith != nil {
		panic(panicWith)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// HasMethod reports whether method is in Methods. An empty Methods list
// accepts everything.
func (m *MockHandler) HasMethod(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Methods) == 0 {
		return true
	}
	for _, name := range m.Methods {
		if name == method {
			return true
		}
	}
	return false
}

// AvailableMethods returns the configured method list.
func (m *MockHandler) AvailableMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Methods...)
}

// Calls returns how many times ExecuteMethod ran.
func (m *MockHandler) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ExecutedMethods)
}

// ============================================================================
// Recording Logger
// ============================================================================

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
}

// RecordingLogger captures log output for assertions. It satisfies both the
// manager's and the cache package's logger contracts.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewRecordingLogger returns an empty recording logger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg})
}

// Error records an error-level message.
func (l *RecordingLogger) Error(msg string) { l.record("error", msg) }

// Warn records a warn-level message.
func (l *RecordingLogger) Warn(msg string) { l.record("warn", msg) }

// Log records an info-level message.
func (l *RecordingLogger) Log(msg string) { l.record("info", msg) }

// Debug records a debug-level message.
func (l *RecordingLogger) Debug(msg string) { l.record("debug", msg) }

// Entries returns a copy of everything recorded so far.
func (l *RecordingLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// Contains reports whether any captured entry at the given level contains
// substr. An empty level matches every level.
func (l *RecordingLogger) Contains(level, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if level != "" && e.Level != level {
			continue
		}
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// Reset discards everything recorded so far.
func (l *RecordingLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
