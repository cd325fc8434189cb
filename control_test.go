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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/storage"
	"github.com/creativogee/ludari-sdk/testutil"
)

// flatCache hides the optional capabilities of the cache it wraps, leaving
// only the core contract visible to type switches.
type flatCache struct {
	cache.Cache
}

// ControlTestSuite covers fleet registration, the optimistic retry helper
// and reset propagation. Managers here run with scheduling disabled so no
// background timers interleave with the assertions; resets are driven by
// hand where needed.
type ControlTestSuite struct {
	suite.Suite
	ctx context.Context
}

func (s *ControlTestSuite) SetupTest() {
	s.ctx = context.Background()
}

func TestControlSuite(t *testing.T) {
	suite.Run(t, new(ControlTestSuite))
}

func newControlEnv(t *testing.T, mutators ...func(*Options)) *testEnv {
	t.Helper()
	all := append([]func(*Options){func(o *Options) { o.Enabled = false }}, mutators...)
	return newTestEnv(t, all...)
}

// =============================================================================
// Prepare Tests
// =============================================================================

func (s *ControlTestSuite) TestPrepare_CreatesControlWhenAbsent() {
	env := newControlEnv(s.T())
	env.init(s.T())

	control := env.control(s.T())
	assert.True(s.T(), control.Enabled)
	assert.Equal(s.T(), storage.LogLevelInfo, control.LogLevel)
	assert.Equal(s.T(), []string{"test-replica-01"}, control.Replicas)
	assert.Empty(s.T(), control.Stale)
	assert.NotEmpty(s.T(), control.Version)
}

func (s *ControlTestSuite) TestPrepare_JoinsExistingControl() {
	env := newControlEnv(s.T())
	require.True(s.T(), env.memory.RegisterReplica(s.ctx, "live-replica-01", time.Minute))
	_, err := env.inner.CreateControl(s.ctx, &storage.Control{
		Enabled:  true,
		LogLevel: storage.LogLevelWarn,
		Replicas: []string{"live-replica-01"},
		Stale:    []string{},
		Version:  "seed-version",
	})
	require.NoError(s.T(), err)

	env.init(s.T())

	control := env.control(s.T())
	assert.ElementsMatch(s.T(), []string{"live-replica-01", "test-replica-01"}, control.Replicas)

	// The stored log level is live immediately.
	env.logger.Reset()
	env.mgr.logInfo("should be gated")
	env.mgr.logWarn("should pass")
	assert.False(s.T(), env.logger.Contains("info", "should be gated"))
	assert.True(s.T(), env.logger.Contains("warn", "should pass"))
}

func (s *ControlTestSuite) TestPrepare_PrunesDeadReplicas() {
	env := newControlEnv(s.T())
	require.True(s.T(), env.memory.RegisterReplica(s.ctx, "live-replica-01", time.Minute))
	_, err := env.inner.CreateControl(s.ctx, &storage.Control{
		Enabled:  true,
		LogLevel: storage.LogLevelInfo,
		Replicas: []string{"live-replica-01", "ghost-replica-09"},
		Stale:    []string{"live-replica-01", "ghost-replica-09"},
		Version:  "seed-version",
	})
	require.NoError(s.T(), err)

	env.init(s.T())

	control := env.control(s.T())
	assert.ElementsMatch(s.T(), []string{"live-replica-01", "test-replica-01"}, control.Replicas)
	// Stale flags for pruned replicas go with them.
	assert.Equal(s.T(), []string{"live-replica-01"}, control.Stale)
}

func (s *ControlTestSuite) TestPrepare_WithoutLivenessSupportPreservesReplicas() {
	inner := storage.NewMemoryStore()
	_, err := inner.CreateControl(s.ctx, &storage.Control{
		Enabled:  true,
		LogLevel: storage.LogLevelInfo,
		Replicas: []string{"ghost-replica-09"},
		Stale:    []string{},
		Version:  "seed-version",
	})
	require.NoError(s.T(), err)

	mgr, err := New(Options{
		Storage:   inner,
		Cache:     flatCache{cache.NewMemoryCache()},
		Logger:    testutil.NewRecordingLogger(),
		ReplicaID: "test-replica-01",
		Enabled:   false,
	})
	require.NoError(s.T(), err)
	defer func() { _ = mgr.Destroy(s.ctx) }()
	require.NoError(s.T(), mgr.Initialize(s.ctx))

	control, err := inner.GetControl(s.ctx)
	require.NoError(s.T(), err)
	assert.ElementsMatch(s.T(), []string{"ghost-replica-09", "test-replica-01"}, control.Replicas)
}

func (s *ControlTestSuite) TestPrepare_ClearsOwnStaleFlag() {
	env := newControlEnv(s.T())
	_, err := env.inner.CreateControl(s.ctx, &storage.Control{
		Enabled:  true,
		LogLevel: storage.LogLevelInfo,
		Replicas: []string{"test-replica-01"},
		Stale:    []string{"test-replica-01"},
		Version:  "seed-version",
	})
	require.NoError(s.T(), err)

	env.init(s.T())

	assert.Empty(s.T(), env.control(s.T()).Stale)
}

func (s *ControlTestSuite) TestPrepare_SurvivesCreationRace() {
	env := newControlEnv(s.T())
	env.store.CreateControlError = storage.NewConflict("control already exists")

	// GetControl keeps returning nil, so the conflict cannot be resolved.
	err := env.mgr.Initialize(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "vanished")
}

func (s *ControlTestSuite) TestPrepare_ReusesExistingWatchJob() {
	env := newControlEnv(s.T())
	env.init(s.T())
	first := env.watchJob(s.T())

	// A second replica joining must not duplicate or replace the watch job.
	otherMgr, err := New(Options{
		Storage:   env.store,
		Cache:     env.cache,
		Logger:    env.logger,
		ReplicaID: "test-replica-02",
		Enabled:   false,
	})
	require.NoError(s.T(), err)
	defer func() { _ = otherMgr.Destroy(s.ctx) }()
	require.NoError(s.T(), otherMgr.Initialize(s.ctx))

	again := env.watchJob(s.T())
	assert.Equal(s.T(), first.ID, again.ID)
}

// =============================================================================
// Optimistic Retry Tests
// =============================================================================

func (s *ControlTestSuite) TestUpdateControlWithRetry_RecoversFromConflict() {
	env := newControlEnv(s.T())
	env.init(s.T())
	control := env.control(s.T())

	env.store.Lock()
	env.store.UpdateControlErrors = []error{storage.NewConflict("control version mismatch: expected stale-token")}
	before := env.store.UpdateControlCalls
	env.store.Unlock()

	lvl := storage.LogLevelDebug
	updated, err := env.mgr.updateControlWithRetry(s.ctx, control.ID, controlUpdate{LogLevel: &lvl}, 3)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), storage.LogLevelDebug, updated.LogLevel)

	env.store.Lock()
	attempts := env.store.UpdateControlCalls - before
	env.store.Unlock()
	assert.Equal(s.T(), 2, attempts)
}

func (s *ControlTestSuite) TestUpdateControlWithRetry_GivesUpAfterMaxRetries() {
	env := newControlEnv(s.T())
	env.init(s.T())
	control := env.control(s.T())

	env.store.Lock()
	env.store.UpdateControlErrors = []error{
		storage.NewConflict("control version mismatch: expected a"),
		storage.NewConflict("control version mismatch: expected b"),
	}
	env.store.Unlock()

	lvl := storage.LogLevelDebug
	_, err := env.mgr.updateControlWithRetry(s.ctx, control.ID, controlUpdate{LogLevel: &lvl}, 2)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "after 2 attempts")
	assert.True(s.T(), isConflictError(err))
}

func (s *ControlTestSuite) TestUpdateControlWithRetry_NonConflictFailsFast() {
	env := newControlEnv(s.T())
	env.init(s.T())
	control := env.control(s.T())

	env.store.Lock()
	env.store.UpdateControlError = errors.New("disk full")
	before := env.store.UpdateControlCalls
	env.store.Unlock()

	enabled := false
	_, err := env.mgr.updateControlWithRetry(s.ctx, control.ID, controlUpdate{Enabled: &enabled}, 5)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "disk full")

	env.store.Lock()
	attempts := env.store.UpdateControlCalls - before
	env.store.Unlock()
	assert.Equal(s.T(), 1, attempts)
}

func (s *ControlTestSuite) TestUpdateControlWithRetry_UnionsReplicasByDefault() {
	env := newControlEnv(s.T())
	env.init(s.T())
	control := env.control(s.T())

	requested := []string{"test-replica-02"}
	updated, err := env.mgr.updateControlWithRetry(s.ctx, control.ID, controlUpdate{Replicas: &requested}, 1)
	require.NoError(s.T(), err)
	assert.ElementsMatch(s.T(), []string{"test-replica-01", "test-replica-02"}, updated.Replicas)
}

func (s *ControlTestSuite) TestUpdateControlWithRetry_ExactReplacesReplicas() {
	env := newControlEnv(s.T())
	env.init(s.T())
	control := env.control(s.T())

	requested := []string{"test-replica-02"}
	updated, err := env.mgr.updateControlWithRetry(s.ctx, control.ID, controlUpdate{
		Replicas: &requested,
		Exact:    true,
	}, 1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"test-replica-02"}, updated.Replicas)
}

func (s *ControlTestSuite) TestUpdateControlWithRetry_EmptyReplicasClears() {
	env := newControlEnv(s.T())
	env.init(s.T())
	control := env.control(s.T())

	empty := []string{}
	updated, err := env.mgr.updateControlWithRetry(s.ctx, control.ID, controlUpdate{Replicas: &empty}, 1)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), updated.Replicas)
}

func (s *ControlTestSuite) TestUpdateControlWithRetry_RotatesVersionOnRequest() {
	env := newControlEnv(s.T())
	env.init(s.T())
	control := env.control(s.T())

	stale := []string{"test-replica-01"}
	updated, err := env.mgr.updateControlWithRetry(s.ctx, control.ID, controlUpdate{
		Stale:         &stale,
		RotateVersion: true,
	}, 1)
	require.NoError(s.T(), err)
	assert.NotEqual(s.T(), control.Version, updated.Version)
}

func (s *ControlTestSuite) TestUpdateControlWithRetry_RejectsIdentityChange() {
	env := newControlEnv(s.T())
	env.init(s.T())

	enabled := true
	_, err := env.mgr.updateControlWithRetry(s.ctx, "some-other-id", controlUpdate{Enabled: &enabled}, 1)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "identity changed")
}

// =============================================================================
// Reset Propagation Tests
// =============================================================================

func (s *ControlTestSuite) TestTriggerReset_MarksFleetStaleAndRotatesVersion() {
	env := newControlEnv(s.T())
	env.init(s.T())
	control := env.control(s.T())

	replicas := []string{"test-replica-01", "test-replica-02"}
	_, err := env.inner.UpdateControl(s.ctx, control.ID, storage.ControlPatch{Replicas: &replicas})
	require.NoError(s.T(), err)

	env.mgr.triggerReset(s.ctx)

	after := env.control(s.T())
	assert.ElementsMatch(s.T(), replicas, after.Stale)
	assert.NotEqual(s.T(), control.Version, after.Version)
}

func (s *ControlTestSuite) TestTriggerReset_ToleratesLoadFailure() {
	env := newControlEnv(s.T())
	env.init(s.T())

	env.store.Lock()
	env.store.GetControlError = assert.AnError
	env.store.Unlock()
	env.logger.Reset()

	env.mgr.triggerReset(s.ctx)

	env.store.Lock()
	env.store.GetControlError = nil
	env.store.Unlock()
	assert.True(s.T(), env.logger.Contains("warn", "trigger reset"))
}

func (s *ControlTestSuite) TestResetJobs_RebuildsSchedulesAndClearsFlag() {
	env := newTestEnv(s.T()) // scheduling enabled: timers matter here
	env.init(s.T())

	// A job created behind the manager's back is unknown until a reset.
	_, err := env.inner.CreateJob(s.ctx, &storage.Job{
		Name:    "rebuild-me",
		Type:    storage.JobTypeInline,
		Enabled: true,
		Cron:    "@hourly",
	})
	require.NoError(s.T(), err)
	assert.NotContains(s.T(), env.mgr.scheduledJobNames(), "rebuild-me")

	control := env.control(s.T())
	stale := []string{"test-replica-01"}
	_, err = env.inner.UpdateControl(s.ctx, control.ID, storage.ControlPatch{Stale: &stale})
	require.NoError(s.T(), err)

	env.fireWatch(s.T())

	assert.Contains(s.T(), env.mgr.scheduledJobNames(), "rebuild-me")
	assert.NotContains(s.T(), env.control(s.T()).Stale, "test-replica-01")
}

func (s *ControlTestSuite) TestResetJobs_IgnoresOtherReplicasFlags() {
	env := newControlEnv(s.T())
	env.init(s.T())
	control := env.control(s.T())

	stale := []string{"test-replica-02"}
	_, err := env.inner.UpdateControl(s.ctx, control.ID, storage.ControlPatch{Stale: &stale})
	require.NoError(s.T(), err)

	env.fireWatch(s.T())

	// The flag belongs to another replica and must stay.
	assert.Equal(s.T(), []string{"test-replica-02"}, env.control(s.T()).Stale)
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestIsConflictError(t *testing.T) {
	assert.False(t, isConflictError(nil))
	assert.False(t, isConflictError(errors.New("disk full")))
	assert.True(t, isConflictError(storage.NewConflict("anything")))
	assert.True(t, isConflictError(errors.New("control version mismatch: expected abc")))
	assert.True(t, isConflictError(errors.New("row hit an OPTIMISTIC LOCK failure")))
	assert.True(t, isConflictError(fmt.Errorf("update failed: %w", storage.NewConflict("x"))))
}

func TestBackoffDelay(t *testing.T) {
	for attempt := 0; attempt < 4; attempt++ {
		base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, base+base/10)
		}
	}
}

func TestStringSetHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, unionStrings([]string{"a", "b"}, []string{"b", "c"}))
	assert.Equal(t, []string{"b"}, intersectStrings([]string{"a", "b"}, []string{"b", "c"}))
	assert.Equal(t, []string{"a", "c"}, removeString([]string{"a", "b", "c"}, "b"))
	assert.Empty(t, intersectStrings(nil, []string{"a"}))
	assert.Empty(t, removeString([]string{"a"}, "a"))
}
