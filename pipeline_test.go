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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/lens"
	"github.com/creativogee/ludari-sdk/metrics"
	"github.com/creativogee/ludari-sdk/storage"
)

// PipelineTestSuite covers handleJob end to end against the in-memory
// backends: persistence, context resolution, locking and result recording.
type PipelineTestSuite struct {
	suite.Suite
	ctx context.Context
	env *testEnv
}

func (s *PipelineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.env = newTestEnv(s.T(), func(o *Options) { o.Enabled = false })
	s.env.init(s.T())
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

// seedJob persists a job definition directly, bypassing API validation.
func (s *PipelineTestSuite) seedJob(job *storage.Job) *storage.Job {
	created, err := s.env.inner.CreateJob(s.ctx, job)
	require.NoError(s.T(), err)
	return created
}

func (s *PipelineTestSuite) runs(jobID string) []storage.JobRun {
	res, err := s.env.inner.FindJobRuns(s.ctx, storage.JobRunFilter{JobID: jobID})
	require.NoError(s.T(), err)
	return res.Data
}

func staticResult(value any) JobFunc {
	return func(context.Context, map[string]any, *lens.Lens) (any, error) {
		return value, nil
	}
}

// =============================================================================
// Run Record Tests
// =============================================================================

func (s *PipelineTestSuite) TestHandleJob_PersistedRunCompletes() {
	job := s.seedJob(&storage.Job{Name: "nightly-sync", Type: storage.JobTypeInline, Enabled: true, Persist: true})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "nightly-sync", staticResult("all good")))

	runs := s.runs(job.ID)
	require.Len(s.T(), runs, 1)
	assert.NotNil(s.T(), runs[0].Completed)
	assert.Nil(s.T(), runs[0].Failed)
	assert.Equal(s.T(), "all good", runs[0].Result)
	assert.False(s.T(), runs[0].Started.IsZero())
}

func (s *PipelineTestSuite) TestHandleJob_UnpersistedJobLeavesNoRun() {
	job := s.seedJob(&storage.Job{Name: "fire-and-forget", Type: storage.JobTypeInline, Enabled: true})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "fire-and-forget", staticResult("ignored")))

	assert.Empty(s.T(), s.runs(job.ID))
}

func (s *PipelineTestSuite) TestHandleJob_FailureRecordsFrames() {
	job := s.seedJob(&storage.Job{Name: "flaky-export", Type: storage.JobTypeInline, Enabled: true, Persist: true})

	err := s.env.mgr.handleJob(s.ctx, "flaky-export", func(context.Context, map[string]any, *lens.Lens) (any, error) {
		return nil, errors.New("upstream timed out")
	})
	require.NoError(s.T(), err, "handler failures must not bubble into the scheduler")

	runs := s.runs(job.ID)
	require.Len(s.T(), runs, 1)
	assert.Nil(s.T(), runs[0].Completed)
	assert.NotNil(s.T(), runs[0].Failed)

	frames, ok := runs[0].Result.(string)
	require.True(s.T(), ok)
	assert.Contains(s.T(), frames, "Job execution failed")
	assert.Contains(s.T(), frames, "upstream timed out")

	assert.True(s.T(), s.env.logger.Contains("warn", "Job failed: flaky-export"))
}

func (s *PipelineTestSuite) TestHandleJob_PanicIsContained() {
	job := s.seedJob(&storage.Job{Name: "panicky", Type: storage.JobTypeInline, Enabled: true, Persist: true})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "panicky", func(context.Context, map[string]any, *lens.Lens) (any, error) {
		panic("kaboom")
	}))

	runs := s.runs(job.ID)
	require.Len(s.T(), runs, 1)
	assert.NotNil(s.T(), runs[0].Failed)
	frames, ok := runs[0].Result.(string)
	require.True(s.T(), ok)
	assert.Contains(s.T(), frames, "panic: kaboom")
}

func (s *PipelineTestSuite) TestHandleJob_RunRecordFailureAbortsFiring() {
	s.seedJob(&storage.Job{Name: "unrecordable", Type: storage.JobTypeInline, Enabled: true, Persist: true})
	s.env.store.CreateJobRunError = errors.New("runs table is gone")

	var fired atomic.Int32
	err := s.env.mgr.handleJob(s.ctx, "unrecordable", func(context.Context, map[string]any, *lens.Lens) (any, error) {
		fired.Add(1)
		return nil, nil
	})

	require.Error(s.T(), err)
	assert.Zero(s.T(), fired.Load(), "execution must not run without its run record")
}

// =============================================================================
// Skip Rule Tests
// =============================================================================

func (s *PipelineTestSuite) TestHandleJob_SkipsMissingDisabledAndDeletedJobs() {
	var fired atomic.Int32
	count := func(context.Context, map[string]any, *lens.Lens) (any, error) {
		fired.Add(1)
		return nil, nil
	}

	// Missing.
	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "never-created", count))

	// Disabled.
	s.seedJob(&storage.Job{Name: "switched-off", Type: storage.JobTypeInline, Enabled: false})
	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "switched-off", count))

	// Tombstoned.
	gone := s.seedJob(&storage.Job{Name: "tombstoned", Type: storage.JobTypeInline, Enabled: true})
	require.NoError(s.T(), s.env.inner.DeleteJob(s.ctx, gone.ID))
	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "tombstoned", count))

	assert.Zero(s.T(), fired.Load())
}

func (s *PipelineTestSuite) TestHandleJob_RequiresName() {
	err := s.env.mgr.handleJob(s.ctx, "", staticResult(nil))
	require.Error(s.T(), err)
	assert.True(s.T(), IsValidation(err))
}

// =============================================================================
// Context Resolution Tests
// =============================================================================

func (s *PipelineTestSuite) TestHandleJob_DynamicContextWinsForDistributedJobs() {
	s.seedJob(&storage.Job{
		Name: "regional-sync", Type: storage.JobTypeInline, Enabled: true,
		Context: map[string]any{"distributed": true, "region": "default", "retries": 3},
	})
	s.env.memory.SetJobContext(s.ctx, "regional-sync", map[string]any{"region": "eu-west"}, 0)

	var seen map[string]any
	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "regional-sync", func(_ context.Context, jobCtx map[string]any, _ *lens.Lens) (any, error) {
		seen = jobCtx
		return nil, nil
	}))

	require.NotNil(s.T(), seen)
	assert.Equal(s.T(), "eu-west", seen["region"], "dynamic value wins on overlap")
	assert.Equal(s.T(), 3, seen["retries"], "static values without overrides survive")
}

func (s *PipelineTestSuite) TestHandleJob_NonDistributedJobIgnoresDynamicContext() {
	s.seedJob(&storage.Job{
		Name: "local-only", Type: storage.JobTypeInline, Enabled: true,
		Context: map[string]any{"region": "default"},
	})
	s.env.memory.SetJobContext(s.ctx, "local-only", map[string]any{"region": "eu-west"}, 0)

	var seen map[string]any
	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "local-only", func(_ context.Context, jobCtx map[string]any, _ *lens.Lens) (any, error) {
		seen = jobCtx
		return nil, nil
	}))

	assert.Equal(s.T(), "default", seen["region"])
}

func (s *PipelineTestSuite) TestHandleJob_ExecutionContextIsACopy() {
	created := s.seedJob(&storage.Job{
		Name: "mutating-handler", Type: storage.JobTypeInline, Enabled: true,
		Context: map[string]any{"counter": 1},
	})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "mutating-handler", func(_ context.Context, jobCtx map[string]any, _ *lens.Lens) (any, error) {
		jobCtx["counter"] = 99
		return nil, nil
	}))

	reloaded, err := s.env.inner.FindJob(s.ctx, created.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, reloaded.Context["counter"], "handler mutations must not leak into the definition")
}

// =============================================================================
// Distributed Lock Tests
// =============================================================================

func (s *PipelineTestSuite) TestHandleJob_SkipsWhenAnotherReplicaHoldsTheLock() {
	job := s.seedJob(&storage.Job{
		Name: "contended-job", Type: storage.JobTypeInline, Enabled: true, Persist: true,
		Context: map[string]any{"distributed": true},
	})
	held := s.env.memory.AcquireLock(s.ctx, "contended-job", cache.LockOptions{TTL: time.Minute, Value: "other-holder"})
	require.True(s.T(), held.Acquired)

	var fired atomic.Int32
	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "contended-job", func(context.Context, map[string]any, *lens.Lens) (any, error) {
		fired.Add(1)
		return nil, nil
	}))

	assert.Zero(s.T(), fired.Load())
	assert.Equal(s.T(), float64(1), promtestutil.ToFloat64(metrics.FiringsTotal.WithLabelValues("contended-job", "skipped")))

	// The run record opened before the lock attempt stays running forever;
	// operators spot these as firings that never terminated.
	runs := s.runs(job.ID)
	require.Len(s.T(), runs, 1)
	assert.Nil(s.T(), runs[0].Completed)
	assert.Nil(s.T(), runs[0].Failed)
}

func (s *PipelineTestSuite) TestHandleJob_HoldsLockDuringExecutionAndReleasesAfter() {
	s.seedJob(&storage.Job{
		Name: "exclusive-job", Type: storage.JobTypeInline, Enabled: true,
		Context: map[string]any{"distributed": true},
	})

	var duringRun cache.LockResult
	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "exclusive-job", func(ctx context.Context, _ map[string]any, _ *lens.Lens) (any, error) {
		duringRun = s.env.memory.AcquireLock(ctx, "exclusive-job", cache.LockOptions{TTL: time.Minute})
		return nil, nil
	}))

	assert.False(s.T(), duringRun.Acquired, "the lock must be held while the handler runs")

	after := s.env.memory.AcquireLock(s.ctx, "exclusive-job", cache.LockOptions{TTL: time.Minute})
	assert.True(s.T(), after.Acquired, "the lock must be released once the firing ends")

	s.env.mgr.mu.Lock()
	tracked := len(s.env.mgr.activeLocks)
	s.env.mgr.mu.Unlock()
	assert.Zero(s.T(), tracked)
}

func (s *PipelineTestSuite) TestHandleJob_ReleasesLockEvenWhenHandlerFails() {
	s.seedJob(&storage.Job{
		Name: "failing-exclusive", Type: storage.JobTypeInline, Enabled: true,
		Context: map[string]any{"distributed": true},
	})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "failing-exclusive", func(context.Context, map[string]any, *lens.Lens) (any, error) {
		return nil, errors.New("boom")
	}))

	after := s.env.memory.AcquireLock(s.ctx, "failing-exclusive", cache.LockOptions{TTL: time.Minute})
	assert.True(s.T(), after.Acquired)
}

func (s *PipelineTestSuite) TestHandleJob_NonDistributedJobNeverTouchesLocks() {
	s.seedJob(&storage.Job{Name: "local-job", Type: storage.JobTypeInline, Enabled: true})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "local-job", staticResult(nil)))

	s.env.cache.Lock()
	acquired := append([]string(nil), s.env.cache.AcquiredKeys...)
	s.env.cache.Unlock()
	assert.NotContains(s.T(), acquired, "local-job")
}

// =============================================================================
// Run-Once Tests
// =============================================================================

func (s *PipelineTestSuite) TestHandleJob_RunOnceDisablesJobAfterSuccess() {
	created := s.seedJob(&storage.Job{
		Name: "one-shot", Type: storage.JobTypeInline, Enabled: true,
		Context: map[string]any{"runOnce": true},
	})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "one-shot", staticResult("done")))

	reloaded, err := s.env.inner.FindJob(s.ctx, created.ID)
	require.NoError(s.T(), err)
	assert.False(s.T(), reloaded.Enabled)
}

func (s *PipelineTestSuite) TestHandleJob_RunOnceStaysEnabledAfterFailure() {
	created := s.seedJob(&storage.Job{
		Name: "one-shot-retry", Type: storage.JobTypeInline, Enabled: true,
		Context: map[string]any{"runOnce": true},
	})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "one-shot-retry", func(context.Context, map[string]any, *lens.Lens) (any, error) {
		return nil, errors.New("try again later")
	}))

	reloaded, err := s.env.inner.FindJob(s.ctx, created.ID)
	require.NoError(s.T(), err)
	assert.True(s.T(), reloaded.Enabled, "a failed run-once firing keeps its next chance")
}

// =============================================================================
// Logging Tests
// =============================================================================

func (s *PipelineTestSuite) TestHandleJob_LogsStartAndCompletion() {
	s.seedJob(&storage.Job{Name: "chatty-job", Type: storage.JobTypeInline, Enabled: true})
	s.env.logger.Reset()

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "chatty-job", staticResult(nil)))

	assert.True(s.T(), s.env.logger.Contains("info", "Job started: chatty-job"))
	assert.True(s.T(), s.env.logger.Contains("info", "Job completed: chatty-job"))
}

func (s *PipelineTestSuite) TestHandleJob_SilentJobSuppressesLifecycleLogs() {
	s.seedJob(&storage.Job{Name: "quiet-job", Type: storage.JobTypeInline, Enabled: true, Silent: true})
	s.env.logger.Reset()

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "quiet-job", staticResult(nil)))

	assert.False(s.T(), s.env.logger.Contains("info", "Job started"))
	assert.False(s.T(), s.env.logger.Contains("info", "Job completed"))
}

// =============================================================================
// Result Serialization Tests
// =============================================================================

func (s *PipelineTestSuite) TestHandleJob_LensReturnValueSerializesToFrames() {
	job := s.seedJob(&storage.Job{Name: "lens-return", Type: storage.JobTypeInline, Enabled: true, Persist: true})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "lens-return", func(_ context.Context, _ map[string]any, l *lens.Lens) (any, error) {
		_ = l.CaptureInfo("processed 42 rows", "summary")
		return l, nil
	}))

	runs := s.runs(job.ID)
	require.Len(s.T(), runs, 1)
	frames, ok := runs[0].Result.(string)
	require.True(s.T(), ok)
	assert.Contains(s.T(), frames, "processed 42 rows")
}

func (s *PipelineTestSuite) TestHandleJob_FalsyResultFallsBackToLensFrames() {
	job := s.seedJob(&storage.Job{Name: "falsy-return", Type: storage.JobTypeInline, Enabled: true, Persist: true})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "falsy-return", func(_ context.Context, _ map[string]any, l *lens.Lens) (any, error) {
		_ = l.CaptureWarn("nothing to do", "noop")
		return nil, nil
	}))

	runs := s.runs(job.ID)
	require.Len(s.T(), runs, 1)
	frames, ok := runs[0].Result.(string)
	require.True(s.T(), ok)
	assert.Contains(s.T(), frames, "nothing to do")
}

func (s *PipelineTestSuite) TestHandleJob_TruthyResultIsStoredVerbatim() {
	job := s.seedJob(&storage.Job{Name: "verbatim-return", Type: storage.JobTypeInline, Enabled: true, Persist: true})

	require.NoError(s.T(), s.env.mgr.handleJob(s.ctx, "verbatim-return", func(_ context.Context, _ map[string]any, l *lens.Lens) (any, error) {
		_ = l.CaptureInfo("ignored because the return value wins", "noise")
		return map[string]any{"rows": 42}, nil
	}))

	runs := s.runs(job.ID)
	require.Len(s.T(), runs, 1)
	assert.Equal(s.T(), map[string]any{"rows": 42}, runs[0].Result)
}

// =============================================================================
// serializeResult Unit Tests
// =============================================================================

func TestSerializeResult_LensValue(t *testing.T) {
	l := lens.New()
	require.NoError(t, l.CaptureInfo("hello", "greeting"))

	returned := lens.New()
	require.NoError(t, returned.CaptureInfo("from the handler", "report"))

	out := serializeResult(returned, l)
	frames, ok := out.(string)
	require.True(t, ok)
	assert.Contains(t, frames, "from the handler")
	assert.NotContains(t, frames, "hello", "the returned lens wins over the pipeline lens")
}

func TestSerializeResult_NilLensValue(t *testing.T) {
	l := lens.New()
	require.NoError(t, l.CaptureInfo("fallback frame", "report"))

	out := serializeResult((*lens.Lens)(nil), l)
	frames, ok := out.(string)
	require.True(t, ok)
	assert.Contains(t, frames, "fallback frame")

	assert.Nil(t, serializeResult((*lens.Lens)(nil), lens.New()))
}

func TestSerializeResult_FalsyValues(t *testing.T) {
	l := lens.New()
	require.NoError(t, l.CaptureInfo("captured", "report"))

	for _, falsyValue := range []any{nil, false, 0, 0.0, ""} {
		out := serializeResult(falsyValue, l)
		frames, ok := out.(string)
		require.True(t, ok, "value %#v should fall back to frames", falsyValue)
		assert.Contains(t, frames, "captured")
	}

	// With an empty lens the falsy value passes through untouched.
	assert.Equal(t, false, serializeResult(false, lens.New()))
	assert.Nil(t, serializeResult(nil, lens.New()))
}

func TestSerializeResult_TruthyValuesPassThrough(t *testing.T) {
	l := lens.New()
	require.NoError(t, l.CaptureInfo("captured", "report"))

	assert.Equal(t, "report text", serializeResult("report text", l))
	assert.Equal(t, 7, serializeResult(7, l))
	// Empty-but-non-nil collections are truthy and stored verbatim.
	assert.Equal(t, map[string]any{}, serializeResult(map[string]any{}, l))
}
