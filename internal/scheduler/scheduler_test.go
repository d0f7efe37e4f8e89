package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/stargraph-broker/internal/admission"
	"github.com/taskmgr818/stargraph-broker/internal/apperr"
	"github.com/taskmgr818/stargraph-broker/internal/compensation"
	"github.com/taskmgr818/stargraph-broker/internal/model"
	"github.com/taskmgr818/stargraph-broker/internal/queue"
	"github.com/taskmgr818/stargraph-broker/internal/tracker"
)

type fakeWorker struct {
	promptID string
	err      error
	onSubmit func()
	payloads []json.RawMessage
}

func (w *fakeWorker) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	w.payloads = append(w.payloads, payload)
	if w.onSubmit != nil {
		w.onSubmit()
	}
	return w.promptID, w.err
}

type refund struct {
	ownerID int64
	amount  int64
	jobID   string
	reason  string
}

type fakeRefunder struct {
	mu      sync.Mutex
	refunds []refund
}

func (f *fakeRefunder) SafeRefund(ctx context.Context, ownerID int64, amount int64, jobID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, refund{ownerID, amount, jobID, reason})
	return true
}

type fixture struct {
	sched    *Scheduler
	queue    *queue.Queue
	tracker  *tracker.Tracker
	sem      *admission.Semaphore
	worker   *fakeWorker
	refunder *fakeRefunder
	mr       *miniredis.Miniredis
}

func TestTick_LockBusy(t *testing.T) {
	withScheduler(t, 1, func(f *fixture) {
		require.NoError(t, f.mr.Set(model.SchedulerLockKey, "other-instance"))
		enqueue(t, f, "a")

		result, err := f.sched.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TickLockBusy, result)
		assert.Empty(t, f.worker.payloads)
	})
}

func TestTick_QueueEmptyKeepsPermit(t *testing.T) {
	withScheduler(t, 1, func(f *fixture) {
		result, err := f.sched.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TickQueueEmpty, result)
		assertPermits(t, f, 1)
	})
}

func TestTick_AdmitsJob(t *testing.T) {
	withScheduler(t, 1, func(f *fixture) {
		ctx := context.Background()
		enqueue(t, f, "a")

		f.worker.onSubmit = func() {
			assert.Equal(t, StateSubmitting, f.sched.State())
			n, err := f.tracker.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n, "placeholder must be counted while submitting")
		}

		result, err := f.sched.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, TickAdmitted, result)
		assert.Equal(t, StateIdle, f.sched.State())

		job, err := f.tracker.Lookup(ctx, "prompt-1")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "a", job.ID)
		assert.False(t, f.mr.Exists(model.PlaceholderKey("a")))
		assertPermits(t, f, 0)
		assertRunning(t, f, 1)
		assert.False(t, f.mr.Exists(model.SchedulerLockKey), "tick lock released")
	})
}

func TestTick_NoPermitLeavesQueue(t *testing.T) {
	withScheduler(t, 1, func(f *fixture) {
		ctx := context.Background()
		enqueue(t, f, "a", "b")

		result, err := f.sched.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, TickAdmitted, result)

		result, err = f.sched.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, TickNoPermit, result)

		_, queued, err := f.queue.Position(ctx, "b")
		require.NoError(t, err)
		assert.True(t, queued)
		assertRunning(t, f, 1)
	})
}

func TestTick_SubmitFailureCompensates(t *testing.T) {
	withScheduler(t, 1, func(f *fixture) {
		ctx := context.Background()
		enqueue(t, f, "a")
		f.worker.err = apperr.Wrap(apperr.KindWorkerSubmissionFailed, "post /prompt", errors.New("status 500"))

		result, err := f.sched.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, TickSubmitFailed, result)

		assertPermits(t, f, 1)
		assertRunning(t, f, 0)
		assert.False(t, f.mr.Exists(model.PlaceholderKey("a")))
		assert.Equal(t, []refund{{7, 3, "a", compensation.ReasonSubmitFailed}}, f.refunder.refunds)
	})
}

func TestTick_DrainedReleasesPermit(t *testing.T) {
	withScheduler(t, 1, func(f *fixture) {
		// An index entry whose blob vanished: HasAny sees it, Pop finds nothing.
		_, err := f.mr.ZAdd(model.QueueKey, 1, "ghost")
		require.NoError(t, err)

		result, err := f.sched.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TickDrained, result)
		assertPermits(t, f, 1)
	})
}

func TestTick_CorruptJobIsRefunded(t *testing.T) {
	withScheduler(t, 1, func(f *fixture) {
		ctx := context.Background()
		enqueue(t, f, "a")
		require.NoError(t, f.mr.Set(model.TaskKey("a"), `{"id":"a","owner_id":7,"unit_count":3,"payload":{},"created_at":"yesterday"}`))

		result, err := f.sched.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, TickCorruptJob, result)
		assert.Empty(t, f.worker.payloads)
		assertPermits(t, f, 1)
		assertRunning(t, f, 0)
		assert.Equal(t, []refund{{7, 3, "a", compensation.ReasonCorruptJob}}, f.refunder.refunds)

		has, err := f.queue.HasAny(ctx)
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestTick_UnsalvageableJobReleasesPermit(t *testing.T) {
	withScheduler(t, 1, func(f *fixture) {
		enqueue(t, f, "a")
		require.NoError(t, f.mr.Set(model.TaskKey("a"), `{"id":"a","own`))

		result, err := f.sched.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TickCorruptJob, result)
		assertPermits(t, f, 1)
		assert.Empty(t, f.refunder.refunds)
	})
}

func TestTick_PermitBoundHolds(t *testing.T) {
	withScheduler(t, 2, func(f *fixture) {
		ctx := context.Background()
		enqueue(t, f, "a", "b", "c", "d")

		for i := 0; i < 6; i++ {
			f.worker.promptID = "prompt-" + string(rune('a'+i))
			_, err := f.sched.Tick(ctx)
			require.NoError(t, err)

			running, err := f.tracker.Count(ctx)
			require.NoError(t, err)
			permits, err := f.sem.Available(ctx)
			require.NoError(t, err)
			assert.LessOrEqual(t, running, int64(2))
			assert.GreaterOrEqual(t, permits, int64(0))
			assert.Equal(t, int64(2), running+permits)
		}
	})
}

func TestRank_Formula(t *testing.T) {
	withScheduler(t, 2, func(f *fixture) {
		ctx := context.Background()
		enqueue(t, f, "a", "b")

		assertRank(t, f, "a", 1)
		assertRank(t, f, "b", 2)

		// another owner's job is running
		require.NoError(t, f.tracker.PromoteToRunning(ctx, "other", &model.Job{ID: "x"}, time.Hour))
		assertRank(t, f, "a", 2)
		assertRank(t, f, "b", 3)

		// a placeholder reports rank 1
		require.NoError(t, f.tracker.RecordPlaceholder(ctx, &model.Job{ID: "p"}, time.Minute))
		assertRank(t, f, "p", 1)
		assertRank(t, f, "x", 1)

		_, found, err := f.sched.Rank(ctx, "unknown")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func assertRank(t *testing.T, f *fixture, jobID string, want int64) {
	t.Helper()
	rank, found, err := f.sched.Rank(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, rank, "rank of %s", jobID)
}

func assertPermits(t *testing.T, f *fixture, want int64) {
	t.Helper()
	n, err := f.sem.Available(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, n)
}

func assertRunning(t *testing.T, f *fixture, want int64) {
	t.Helper()
	n, err := f.tracker.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, n)
}

func enqueue(t *testing.T, f *fixture, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.queue.Enqueue(context.Background(), &model.Job{
			ID:        id,
			OwnerID:   7,
			Payload:   json.RawMessage(`{"prompt":"` + id + `"}`),
			UnitCount: 3,
		})
		require.NoError(t, err)
	}
}

func withScheduler(t *testing.T, capacity int, action func(f *fixture)) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sem := admission.NewSemaphore(rdb)
	_, err := sem.Init(context.Background(), capacity)
	require.NoError(t, err)

	f := &fixture{
		queue:    queue.New(rdb),
		tracker:  tracker.New(rdb),
		sem:      sem,
		worker:   &fakeWorker{promptID: "prompt-1"},
		refunder: &fakeRefunder{},
		mr:       mr,
	}
	f.sched = New(f.queue, f.tracker, admission.NewLocker(rdb), sem, f.worker, f.refunder, nil, nil, Options{
		TickInterval:   time.Second,
		TickLockTTL:    time.Minute,
		PlaceholderTTL: 10 * time.Minute,
		RunningTTL:     time.Hour,
		SubmitTimeout:  time.Second,
	})
	action(f)
}
