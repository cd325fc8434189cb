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

// Package ludari implements a multi-replica cron job orchestrator. Each
// replica owns its local cron timers; replicas agree on what should run
// through a shared storage record (Control) and coordinate execution of
// distributed jobs through shared cache locks. A reserved watch job ticks
// every few seconds on every replica and doubles as the channel through
// which schedule resets propagate across the fleet.
package ludari

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/envelope"
	"github.com/creativogee/ludari-sdk/metrics"
	"github.com/creativogee/ludari-sdk/storage"
)

// cronParser accepts both classic 5-field expressions and 6-field
// expressions with a leading seconds column (the watch job uses one).
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// activeLock tracks a distributed lock held by this replica so shutdown and
// the deadlock watchdog can release it.
type activeLock struct {
	jobName    string
	lockValue  string
	acquiredAt time.Time
	ttl        time.Duration
}

// Manager is the orchestration engine run by each replica. Create one with
// New, call Initialize to join the fleet, and Destroy on shutdown.
type Manager struct {
	storage storage.Storage
	cache   cache.Cache
	logger  Logger
	handler Handler
	env     *envelope.Envelope

	replicaID              string
	enabled                bool
	watchInterval          int
	releaseLocksOnShutdown bool

	cron *cron.Cron

	// logRank caches Control.log_level as a rank so every log call does
	// not need a storage read.
	logRank atomic.Int32

	// isResetting prevents reentrant schedule resets while one is running.
	isResetting atomic.Bool

	// lifeMu serializes Initialize and Destroy against each other.
	lifeMu sync.Mutex

	// mu guards the fields below.
	mu          sync.Mutex
	initialized bool
	destroyed   bool
	entries     map[string]cron.EntryID
	inline      map[string]JobFunc
	activeLocks map[string]*activeLock
	stop        chan struct{}
}

// New validates the options and builds a Manager. The Manager is inert
// until Initialize is called.
func New(opts Options) (*Manager, error) {
	replicaFromEnv, err := opts.validate()
	if err != nil {
		return nil, err
	}

	var env *envelope.Envelope
	if opts.QuerySecret != "" {
		env, err = envelope.New(opts.QuerySecret)
		if err != nil {
			return nil, newValidation("querySecret", err.Error())
		}
	}

	c := opts.Cache
	if c == nil {
		c = cache.NewMemoryCache(cache.WithMemoryLogger(opts.Logger))
	}

	m := &Manager{
		storage:                opts.Storage,
		cache:                  c,
		logger:                 opts.Logger,
		handler:                opts.Handler,
		env:                    env,
		replicaID:              opts.ReplicaID,
		enabled:                opts.Enabled,
		watchInterval:          opts.WatchInterval,
		releaseLocksOnShutdown: opts.releaseLocksOnShutdown(),
		cron:                   cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		entries:                make(map[string]cron.EntryID),
		inline:                 make(map[string]JobFunc),
		activeLocks:            make(map[string]*activeLock),
	}
	m.logRank.Store(rankInfo)

	if replicaFromEnv {
		msg := fmt.Sprintf("replica identifier %s taken from %s", m.replicaID, EnvReplicaID)
		if os.Getenv(EnvDeployment) == "production" {
			m.logger.Warn(msg)
		} else {
			m.logger.Debug(msg)
		}
	}

	return m, nil
}

// Initialize joins the fleet: it synchronizes the Control record, ensures
// the watch job, schedules everything runnable, and starts the background
// watchdog. Calling it again after success is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.prepare(ctx); err != nil {
		return err
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.initialized = true
	m.stop = stop
	m.mu.Unlock()

	m.cron.Start()
	m.heartbeat(ctx)
	go m.watchdogLoop(stop)
	go m.cleanupLoop(stop)

	m.logInfo(fmt.Sprintf("Replica %s initialized", m.replicaID))
	return nil
}

// Destroy shuts the replica down: timers stop, background loops end,
// tracked locks are released (unless configured otherwise), the inline
// registry empties, and the cache gets a chance to tear down. It never
// waits for in-flight firings and is safe to call more than once.
func (m *Manager) Destroy(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	stop := m.stop
	m.stop = nil
	for name, id := range m.entries {
		m.cron.Remove(id)
		delete(m.entries, name)
	}
	locks := make([]*activeLock, 0, len(m.activeLocks))
	for _, al := range m.activeLocks {
		locks = append(locks, al)
	}
	m.activeLocks = make(map[string]*activeLock)
	m.inline = make(map[string]JobFunc)
	m.mu.Unlock()

	m.cron.Stop()
	if stop != nil {
		close(stop)
	}
	metrics.SetScheduledJobs(0)
	metrics.SetActiveLocks(0)

	if m.releaseLocksOnShutdown {
		for _, al := range locks {
			released := m.cache.ReleaseLock(ctx, al.jobName, al.lockValue)
			metrics.RecordLockRelease(released)
			if !released {
				m.logWarn(fmt.Sprintf("failed to release lock for job %s during shutdown", al.jobName))
			}
		}
	}

	switch c := m.cache.(type) {
	case cache.Destroyer:
		c.Destroy()
	case cache.Cleaner:
		c.Cleanup(ctx)
	}

	m.logInfo(fmt.Sprintf("Replica %s destroyed", m.replicaID))
	return nil
}

// ensureInitialized gates every public mutation or listing API.
func (m *Manager) ensureInitialized() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (m *Manager) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// ReplicaID returns the identifier this replica registers in
// Control.replicas.
func (m *Manager) ReplicaID() string {
	return m.replicaID
}

// Enabled reports whether this replica schedules jobs. It reflects the
// construction option, not the fleet-wide Control.enabled flag.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Initialized reports whether Initialize has completed and Destroy has not
// run.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized && !m.destroyed
}

// Health reports storage reachability.
func (m *Manager) Health(ctx context.Context) error {
	return m.storage.Health(ctx)
}

// CacheHealthy reports whether the coordination cache round-trips.
func (m *Manager) CacheHealthy(ctx context.Context) bool {
	return m.cache.IsHealthy(ctx)
}

// setLogLevel refreshes the emission gate from Control.log_level.
func (m *Manager) setLogLevel(level string) {
	m.logRank.Store(int32(levelRank(level)))
}

func (m *Manager) allows(rank int32) bool {
	return rank <= m.logRank.Load()
}

func (m *Manager) logError(msg string) {
	if m.allows(rankError) {
		m.logger.Error(msg)
	}
}

func (m *Manager) logWarn(msg string) {
	if m.allows(rankWarn) {
		m.logger.Warn(msg)
	}
}

func (m *Manager) logInfo(msg string) {
	if m.allows(rankInfo) {
		m.logger.Log(msg)
	}
}

func (m *Manager) logDebug(msg string) {
	if m.allows(rankDebug) {
		m.logger.Debug(msg)
	}
}
