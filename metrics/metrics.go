package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FiringsTotal tracks cron firings per job and outcome
	FiringsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ludari_firings_total",
			Help: "Total number of job firings by outcome (completed, failed, skipped)",
		},
		[]string{"job", "outcome"},
	)

	// LockAcquisitionsTotal tracks distributed lock acquisition attempts
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ludari_lock_acquisitions_total",
			Help: "Total number of distributed lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LockReleasesTotal tracks distributed lock releases
	LockReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ludari_lock_releases_total",
			Help: "Total number of distributed lock releases by outcome",
		},
		[]string{"outcome"},
	)

	// ControlConflictsTotal tracks optimistic-concurrency conflicts on the
	// control record
	ControlConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ludari_control_conflicts_total",
			Help: "Total number of optimistic-concurrency conflicts while updating control",
		},
	)

	// ResetsTotal tracks fleet-wide schedule resets observed by this replica
	ResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ludari_resets_total",
			Help: "Total number of schedule resets performed by this replica",
		},
	)

	// WatchdogReleasesTotal tracks locks force-released by the deadlock
	// watchdog
	WatchdogReleasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ludari_watchdog_releases_total",
			Help: "Total number of stale locks released by the deadlock watchdog",
		},
	)

	// ScheduledJobs tracks the number of cron timers currently installed
	ScheduledJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ludari_scheduled_jobs",
			Help: "Number of cron timers currently installed on this replica",
		},
	)

	// ActiveLocks tracks the number of locks this replica currently holds
	ActiveLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ludari_active_locks",
			Help: "Number of distributed locks currently tracked by this replica",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FiringsTotal,
		LockAcquisitionsTotal,
		LockReleasesTotal,
		ControlConflictsTotal,
		ResetsTotal,
		WatchdogReleasesTotal,
		ScheduledJobs,
		ActiveLocks,
	)
}

// RecordFiring records the outcome of a single job firing
func RecordFiring(job, outcome string) {
	FiringsTotal.WithLabelValues(job, outcome).Inc()
}

// RecordLockAcquisition records a lock acquisition attempt
func RecordLockAcquisition(acquired bool) {
	outcome := "acquired"
	if !acquired {
		outcome = "contended"
	}
	LockAcquisitionsTotal.WithLabelValues(outcome).Inc()
}

// RecordLockRelease records a lock release attempt
func RecordLockRelease(released bool) {
	outcome := "released"
	if !released {
		outcome = "lost"
	}
	LockReleasesTotal.WithLabelValues(outcome).Inc()
}

// RecordControlConflict records an optimistic-concurrency conflict
func RecordControlConflict() {
	ControlConflictsTotal.Inc()
}

// RecordReset records a schedule reset performed by this replica
func RecordReset() {
	ResetsTotal.Inc()
}

// RecordWatchdogRelease records a stale lock released by the watchdog
func RecordWatchdogRelease() {
	WatchdogReleasesTotal.Inc()
}

// SetScheduledJobs updates the scheduled-timers gauge
func SetScheduledJobs(count int) {
	ScheduledJobs.Set(float64(count))
}

// SetActiveLocks updates the held-locks gauge
func SetActiveLocks(count int) {
	ActiveLocks.Set(float64(count))
}
