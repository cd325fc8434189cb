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
	"os"
	"regexp"

	"github.com/google/uuid"

	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/storage"
)

const (
	// EnvReplicaID names the environment variable consulted when
	// Options.ReplicaID is empty.
	EnvReplicaID = "LUDARI_REPLICA_ID"

	// EnvDeployment names the environment variable describing the
	// deployment stage. Only "production" is meaningful: it upgrades the
	// notice emitted when the replica identifier was taken from the
	// environment.
	EnvDeployment = "LUDARI_ENV"

	// DefaultWatchInterval is the watch-job tick in seconds. The interval
	// bounds how long a replica can miss a fleet reset.
	DefaultWatchInterval = 5

	minWatchInterval = 1
	maxWatchInterval = 5
)

// replicaIDPattern accepts opaque identifiers of at least 8 filename-safe
// characters. Canonical UUIDs pass it too; uuid.Validate additionally
// admits the urn and braced UUID forms.
var replicaIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,}$`)

// Options configures a Manager. Storage and Logger are required; everything
// else has a workable default.
type Options struct {
	// Storage persists Control, Job and JobRun records. Required.
	Storage storage.Storage

	// Logger receives the Manager's leveled output. Required. Emission is
	// gated by Control.log_level, not by the logger.
	Logger Logger

	// Cache coordinates replicas. Defaults to the in-process
	// implementation, which is correct for single-replica deployments.
	Cache cache.Cache

	// Handler dispatches method jobs. Without one, method jobs are not
	// scheduled.
	Handler Handler

	// QuerySecret enables the encryption envelope for query-type jobs.
	// When set it must satisfy the secret strength rules.
	QuerySecret string

	// ReplicaID identifies this replica in Control.replicas. Defaults to
	// LUDARI_REPLICA_ID, then to a fresh random identifier. Must match a
	// UUID or [A-Za-z0-9_-]{8,}.
	ReplicaID string

	// Enabled gates scheduling on this replica. Disabled replicas still
	// serve the public API and participate in Control bookkeeping.
	Enabled bool

	// WatchInterval is the watch-job tick in seconds, clamped to [1, 5].
	// Zero selects DefaultWatchInterval.
	WatchInterval int

	// ReleaseLocksOnShutdown releases all tracked locks during Destroy.
	// Nil defaults to true; set to a false pointer to leave locks to their
	// TTLs on shutdown.
	ReleaseLocksOnShutdown *bool
}

// validate normalizes the options in place and reports the first problem.
// It returns whether the replica identifier was taken from the environment.
func (o *Options) validate() (replicaFromEnv bool, err error) {
	if o.Storage == nil {
		return false, newValidation("storage", "is required")
	}
	if o.Logger == nil {
		return false, newValidation("logger", "is required")
	}

	if o.ReplicaID == "" {
		if fromEnv := os.Getenv(EnvReplicaID); fromEnv != "" {
			o.ReplicaID = fromEnv
			replicaFromEnv = true
		} else {
			o.ReplicaID = uuid.NewString()
		}
	}
	if uuid.Validate(o.ReplicaID) != nil && !replicaIDPattern.MatchString(o.ReplicaID) {
		return replicaFromEnv, newValidation("replicaId",
			"must be a UUID or at least 8 characters of [A-Za-z0-9_-]")
	}

	if o.WatchInterval == 0 {
		o.WatchInterval = DefaultWatchInterval
	}
	if o.WatchInterval < minWatchInterval {
		o.WatchInterval = minWatchInterval
	}
	if o.WatchInterval > maxWatchInterval {
		o.WatchInterval = maxWatchInterval
	}

	return replicaFromEnv, nil
}

func (o *Options) releaseLocksOnShutdown() bool {
	if o.ReleaseLocksOnShutdown == nil {
		return true
	}
	return *o.ReleaseLocksOnShutdown
}
