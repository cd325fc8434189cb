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

package e2e

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/go-logr/zerologr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	ludari "github.com/creativogee/ludari-sdk"
	"github.com/creativogee/ludari-sdk/cache"
	"github.com/creativogee/ludari-sdk/lens"
	"github.com/creativogee/ludari-sdk/storage"
)

// newTestLogger bridges zerolog through logr into the SDK's logger
// contract, writing to the ginkgo stream so output folds into spec
// reports.
func newTestLogger() ludari.Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: GinkgoWriter}).With().Timestamp().Logger()
	return ludari.NewLogrLogger(zerologr.New(&zl))
}

// fleet is a group of replicas over one shared storage and cache, the way
// independent processes would share a database and a Redis.
type fleet struct {
	store    *storage.MemoryStore
	cache    *cache.MemoryCache
	replicas []*ludari.Manager
}

// newFleet builds the managers without initializing them. Mutators adjust
// per-replica options. Destroy is deferred onto the current spec.
func newFleet(ids []string, mutators ...func(i int, o *ludari.Options)) *fleet {
	f := &fleet{
		store: storage.NewMemoryStore(),
		cache: cache.NewMemoryCache(),
	}
	for i, id := range ids {
		opts := ludari.Options{
			Storage:       f.store,
			Cache:         f.cache,
			Logger:        newTestLogger(),
			ReplicaID:     id,
			Enabled:       true,
			WatchInterval: 1,
		}
		for _, mutate := range mutators {
			mutate(i, &opts)
		}
		mgr, err := ludari.New(opts)
		Expect(err).NotTo(HaveOccurred())
		f.replicas = append(f.replicas, mgr)
	}
	DeferCleanup(f.destroy)
	return f
}

func (f *fleet) start(ctx context.Context) {
	for _, mgr := range f.replicas {
		Expect(mgr.Initialize(ctx)).To(Succeed())
	}
}

func (f *fleet) destroy() {
	for _, mgr := range f.replicas {
		_ = mgr.Destroy(context.Background())
	}
}

func (f *fleet) control(ctx context.Context) *storage.Control {
	control, err := f.store.GetControl(ctx)
	Expect(err).NotTo(HaveOccurred())
	Expect(control).NotTo(BeNil())
	return control
}

var _ = Describe("Distributed locking", func() {
	It("grants a contended lock to exactly one caller", func() {
		ctx := context.Background()
		shared := cache.NewMemoryCache()

		results := make(chan cache.LockResult, 2)
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			go func() {
				defer GinkgoRecover()
				<-start
				results <- shared.AcquireLock(ctx, "job/x", cache.LockOptions{TTL: 5 * time.Second})
			}()
		}
		close(start)

		first, second := <-results, <-results
		Expect(first.Acquired).NotTo(Equal(second.Acquired), "exactly one acquisition must win")

		winner := first
		if second.Acquired {
			winner = second
		}
		Expect(winner.LockValue).NotTo(BeEmpty())

		By("releasing with the fencing value")
		Expect(shared.ReleaseLock(ctx, "job/x", winner.LockValue)).To(BeTrue())
		Expect(shared.ReleaseLock(ctx, "job/x", winner.LockValue)).To(BeFalse(), "a second release must report false")
	})

	It("recovers when a lock holder dies without releasing", func() {
		ctx := context.Background()
		shared := cache.NewMemoryCache()

		crashed := shared.AcquireLock(ctx, "slow-job", cache.LockOptions{TTL: time.Second})
		Expect(crashed.Acquired).To(BeTrue())

		// While the lock lives, nobody else gets in.
		blocked := shared.AcquireLock(ctx, "slow-job", cache.LockOptions{TTL: time.Second})
		Expect(blocked.Acquired).To(BeFalse())

		// The holder never releases; the TTL is the recovery path.
		Eventually(func() bool {
			return shared.AcquireLock(ctx, "slow-job", cache.LockOptions{TTL: time.Second}).Acquired
		}, "5s", "100ms").Should(BeTrue())
	})
})

var _ = Describe("Fleet bootstrap", func() {
	It("registers every replica and hides the watch job from reads", func() {
		ctx := context.Background()
		f := newFleet([]string{"replica-alpha-001", "replica-beta-0002"})
		f.start(ctx)

		By("checking the control roster")
		control := f.control(ctx)
		Expect(control.Replicas).To(ConsistOf("replica-alpha-001", "replica-beta-0002"))
		Expect(control.Enabled).To(BeTrue())

		By("listing jobs on a fresh fleet")
		page, err := f.replicas[0].ListJobs(ctx, storage.JobFilter{})
		Expect(err).NotTo(HaveOccurred())
		Expect(page.Data).To(BeEmpty())

		By("looking the watch row up by id")
		watch, err := f.store.FindJobByName(ctx, storage.WatchJobName)
		Expect(err).NotTo(HaveOccurred())
		Expect(watch).NotTo(BeNil(), "the storage row itself must exist")

		hidden, err := f.replicas[1].GetJob(ctx, watch.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(hidden).To(BeNil())
	})
})

var _ = Describe("Reset propagation", func() {
	It("schedules a job created on one replica across the whole fleet", func() {
		ctx := context.Background()

		var fired [2]atomic.Int32
		handlers := [2]*ludari.MethodHandler{ludari.NewMethodHandler(), ludari.NewMethodHandler()}
		for i := range handlers {
			i := i
			Expect(handlers[i].Register("sync-inventory", func(context.Context, map[string]any, *lens.Lens) (any, error) {
				fired[i].Add(1)
				return nil, nil
			})).To(Succeed())
		}

		f := newFleet([]string{"replica-alpha-001", "replica-beta-0002"}, func(i int, o *ludari.Options) {
			o.Handler = handlers[i]
		})
		f.start(ctx)

		By("creating an enabled method job on the first replica")
		_, err := f.replicas[0].CreateJob(ctx, &storage.Job{
			Name:    "sync-inventory",
			Type:    storage.JobTypeMethod,
			Enabled: true,
			Cron:    "*/2 * * * * *",
		})
		Expect(err).NotTo(HaveOccurred())

		By("waiting for the second replica to rebuild and fire")
		Eventually(func() int32 { return fired[1].Load() }, "15s", "200ms").Should(BeNumerically(">", 0),
			"the creating replica is not the one that must learn about the job")
		Eventually(func() int32 { return fired[0].Load() }, "15s", "200ms").Should(BeNumerically(">", 0))

		By("draining the stale set")
		Eventually(func() []string { return f.control(ctx).Stale }, "15s", "200ms").Should(BeEmpty())
	})
})

var _ = Describe("Query jobs", func() {
	It("stores queries encrypted and executes them in the clear", func() {
		ctx := context.Background()
		const secret = "Aa1!Aa1!Aa1!Aa1!Aa1!Aa1!Aa1!Aa1!"

		f := newFleet([]string{"replica-alpha-001"}, func(_ int, o *ludari.Options) {
			o.QuerySecret = secret
		})
		f.start(ctx)

		_, err := f.replicas[0].CreateJob(ctx, &storage.Job{
			Name:    "reconcile-orders",
			Type:    storage.JobTypeQuery,
			Enabled: true,
			Cron:    "0 * * * *",
			Query:   "SELECT 1",
		})
		Expect(err).NotTo(HaveOccurred())

		By("checking the persisted row is an opaque envelope")
		row, err := f.store.FindJobByName(ctx, "reconcile-orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(row).NotTo(BeNil())
		Expect(row.Query).NotTo(ContainSubstring("SELECT 1"))
		raw, err := base64.StdEncoding.DecodeString(row.Query)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(raw)).To(BeNumerically(">=", 49), "IV and salt plus at least one ciphertext byte")

		By("firing the job and watching the decrypted text reach storage")
		Expect(f.replicas[0].TriggerJob(ctx, "reconcile-orders")).To(Succeed())
		Expect(f.store.ExecutedQueries()).To(ContainElement("SELECT 1"))
	})
})

var _ = Describe("Shared job state", func() {
	It("propagates dynamic context and batch counters between replicas", func() {
		ctx := context.Background()
		f := newFleet([]string{"replica-alpha-001", "replica-beta-0002"})
		f.start(ctx)
		r1, r2 := f.replicas[0], f.replicas[1]

		By("dynamic context set on one replica, read on the other")
		r1.SetJobContext(ctx, "etl", map[string]any{"cursor": "2025-06-01"}, 0)
		Expect(r2.GetJobContext(ctx, "etl")).To(HaveKeyWithValue("cursor", "2025-06-01"))

		By("batch counters increment fleet-wide")
		Expect(r1.IncrementBatch(ctx, "etl")).To(Equal(int64(1)))
		Expect(r2.IncrementBatch(ctx, "etl")).To(Equal(int64(2)))
		Expect(r1.GetBatch(ctx, "etl")).To(Equal(int64(2)))

		By("reset clears the counter for everyone")
		r2.ResetBatch(ctx, "etl")
		Expect(r1.GetBatch(ctx, "etl")).To(BeZero())
	})
})

var _ = Describe("Lens frames", func() {
	It("round-trips captured frames as JSON", func() {
		l := lens.New()
		Expect(l.CaptureInfo("hello", "Greeting")).To(Succeed())
		Expect(l.CaptureMetric("lat", 42, "ms")).To(Succeed())

		var frames []map[string]any
		Expect(json.Unmarshal([]byte(l.Frames()), &frames)).To(Succeed())
		Expect(frames).To(HaveLen(2))

		Expect(frames[0]).To(HaveKeyWithValue("title", "Greeting"))
		Expect(frames[0]).To(HaveKeyWithValue("level", "info"))
		Expect(frames[0]).To(HaveKeyWithValue("message", "hello"))

		Expect(frames[1]).To(HaveKeyWithValue("title", "Metric: lat"))
		Expect(frames[1]).To(HaveKeyWithValue("metricValue", 42.0))
		Expect(frames[1]).To(HaveKeyWithValue("metricUnit", "ms"))
	})
})
