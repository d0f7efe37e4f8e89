package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/stargraph-broker/internal/admission"
	"github.com/taskmgr818/stargraph-broker/internal/apperr"
	"github.com/taskmgr818/stargraph-broker/internal/comfyui"
	"github.com/taskmgr818/stargraph-broker/internal/compensation"
	"github.com/taskmgr818/stargraph-broker/internal/dispatcher"
	"github.com/taskmgr818/stargraph-broker/internal/ledger"
	"github.com/taskmgr818/stargraph-broker/internal/model"
	"github.com/taskmgr818/stargraph-broker/internal/queue"
	"github.com/taskmgr818/stargraph-broker/internal/scheduler"
	"github.com/taskmgr818/stargraph-broker/internal/tracker"
)

const owner int64 = 7

type fakeWorker struct {
	mu           sync.Mutex
	promptID     string
	interruptErr error
	interrupts   int
	onInterrupt  func() // runs after a successful interrupt, before it returns
}

func (w *fakeWorker) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.promptID, nil
}

func (w *fakeWorker) Interrupt(ctx context.Context) error {
	w.mu.Lock()
	w.interrupts++
	err, hook := w.interruptErr, w.onInterrupt
	w.mu.Unlock()

	if err == nil && hook != nil {
		hook()
	}
	return err
}

type nopArtifacts struct{}

func (nopArtifacts) SaveArtifacts(ctx context.Context, urls []string, ownerID int64) error {
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []*model.Notice
}

func (n *recordingNotifier) Send(ownerID int64, notice *model.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

// boostLedger runs afterDebit once the boost fee has been taken.
type boostLedger struct {
	ledger.Ledger
	afterDebit func()
}

func (l *boostLedger) DirectDebit(ctx context.Context, ownerID int64, amount int64, jobID, remark string) error {
	if err := l.Ledger.DirectDebit(ctx, ownerID, amount, jobID, remark); err != nil {
		return err
	}
	l.afterDebit()
	return nil
}

type env struct {
	svc      *JobService
	deps     Deps
	opts     Options
	sched    *scheduler.Scheduler
	disp     *dispatcher.Dispatcher
	ledger   ledger.Ledger
	queue    *queue.Queue
	tracker  *tracker.Tracker
	sem      *admission.Semaphore
	worker   *fakeWorker
	notifier *recordingNotifier
	mr       *miniredis.Miniredis
}

func TestScenario_AdmitCancelComplete(t *testing.T) {
	withEnv(t, 10, func(e *env) {
		ctx := context.Background()

		a := submit(t, e, 3)
		b := submit(t, e, 2)
		assert.Equal(t, int64(1), a.Rank)
		assert.Equal(t, int64(2), b.Rank)
		assertBalance(t, e, owner, 5, 5)

		e.worker.promptID = "prompt-A"
		result, err := e.sched.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, scheduler.TickAdmitted, result)
		assertRunning(t, e, 1)

		rank, err := e.svc.Rank(ctx, b.JobID)
		require.NoError(t, err)
		assert.True(t, rank.Found)
		assert.Equal(t, int64(2), rank.Rank)

		cancelled, err := e.svc.Cancel(ctx, owner, b.JobID)
		require.NoError(t, err)
		assert.False(t, cancelled.RefundPending)
		_, queued, err := e.queue.Position(ctx, b.JobID)
		require.NoError(t, err)
		assert.False(t, queued)
		assertBalance(t, e, owner, 7, 3)

		e.disp.HandleEvent(ctx, comfyui.ExecutedEvent{
			PromptID: "prompt-A",
			Node:     "9",
			Images:   []comfyui.Image{{Filename: "out.png", Type: "output"}},
		})

		assertBalance(t, e, owner, 7, 0)
		assertBalance(t, e, model.PlatformOwnerID, 3, 0)
		assertPermits(t, e, 1)
		assertRunning(t, e, 0)
	})
}

func TestSubmit_Validation(t *testing.T) {
	withEnv(t, 10, func(e *env) {
		ctx := context.Background()

		_, err := e.svc.Submit(ctx, owner, &model.SubmitRequest{Payload: json.RawMessage(`{}`), UnitCount: 0})
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

		_, err = e.svc.Submit(ctx, owner, &model.SubmitRequest{Payload: json.RawMessage(`{}`), UnitCount: 11})
		assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

		n, err := e.queue.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assertBalance(t, e, owner, 10, 0)
	})
}

func TestCancel_TwiceRefundsOnce(t *testing.T) {
	withEnv(t, 10, func(e *env) {
		ctx := context.Background()
		job := submit(t, e, 4)

		_, err := e.svc.Cancel(ctx, owner, job.JobID)
		require.NoError(t, err)
		_, err = e.svc.Cancel(ctx, owner, job.JobID)
		assert.ErrorIs(t, err, apperr.ErrTaskNotFoundOrCompleted)

		assertBalance(t, e, owner, 10, 0)
	})
}

func TestCancel_OtherOwnerDenied(t *testing.T) {
	withEnv(t, 10, func(e *env) {
		job := submit(t, e, 4)

		_, err := e.svc.Cancel(context.Background(), owner+1, job.JobID)
		assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
		assertBalance(t, e, owner, 6, 4)
	})
}

func TestCancel_LockBusy(t *testing.T) {
	withEnv(t, 10, func(e *env) {
		job := submit(t, e, 4)
		require.NoError(t, e.mr.Set(model.JobLockKey(job.JobID), "other-request"))

		_, err := e.svc.Cancel(context.Background(), owner, job.JobID)
		assert.ErrorIs(t, err, apperr.ErrLockBusy)
		assertBalance(t, e, owner, 6, 4)
	})
}

func TestCancel_PlaceholderIsBusy(t *testing.T) {
	withEnv(t, 10, func(e *env) {
		ctx := context.Background()
		job := submit(t, e, 4)

		// popped, submission in flight
		popped, err := e.queue.Pop(ctx)
		require.NoError(t, err)
		require.NoError(t, e.tracker.RecordPlaceholder(ctx, popped, time.Minute))

		_, err = e.svc.Cancel(ctx, owner, job.JobID)
		assert.ErrorIs(t, err, apperr.ErrLockBusy)
		assert.Zero(t, e.worker.interrupts)
	})
}

func TestCancel_RunningInterruptsAndRefunds(t *testing.T) {
	withEnv(t, 10, func(e *env) {
		ctx := context.Background()
		job := submit(t, e, 4)
		admit(t, e, "prompt-1")

		res, err := e.svc.Cancel(ctx, owner, job.JobID)
		require.NoError(t, err)
		assert.False(t, res.RefundPending)
		assert.Equal(t, 1, e.worker.interrupts)
		assertBalance(t, e, owner, 10, 0)
		assertRunning(t, e, 0)
		require.Len(t, e.notifier.notices, 1)
		assert.Equal(t, model.NoticeInterrupted, e.notifier.notices[0].Type)

		// the worker's late callback only returns the permit
		e.disp.HandleEvent(ctx, comfyui.ExecutionInterruptedEvent{PromptID: "prompt-1"})
		assertBalance(t, e, owner, 10, 0)
		assertPermits(t, e, 1)
	})
}

func TestCancel_CallbackBeforeInterruptReturns(t *testing.T) {
	withEnv(t, 10, func(e *env) {
		ctx := context.Background()
		job := submit(t, e, 4)
		admit(t, e, "prompt-1")
		e.worker.onInterrupt = func() {
			e.disp.HandleEvent(ctx, comfyui.ExecutionInterruptedEvent{PromptID: "prompt-1"})
		}

		res, err := e.svc.Cancel(ctx, owner, job.JobID)
		require.NoError(t, err)
		assert.False(t, res.RefundPending)
		assertBalance(t, e, owner, 10, 0)
		assertPermits(t, e, 1)
		assertRunning(t, e, 0)
		require.Len(t, e.notifier.notices, 1)
		assert.Equal(t, model.NoticeInterrupted, e.notifier.notices[0].Type)
		assert.False(t, e.mr.Exists(model.CancellingKey("prompt-1")))
	})
}

func TestCancel_InterruptFailureKeepsFundsFrozen(t *testing.T) {
	withEnv(t, 10, func(e *env) {
		ctx := context.Background()
		job := submit(t, e, 4)
		admit(t, e, "prompt-1")
		e.worker.interruptErr = errors.New("connection refused")

		_, err := e.svc.Cancel(ctx, owner, job.JobID)
		assert.ErrorIs(t, err, apperr.ErrInterruptFailed)
		assert.Equal(t, 3, e.worker.interrupts)
		assertBalance(t, e, owner, 6, 4)
		assertRunning(t, e, 1)
		assert.False(t, e.mr.Exists(model.CancellingKey("prompt-1")))

		// an interrupt from elsewhere is still settled by the callback
		e.disp.HandleEvent(ctx, comfyui.ExecutionInterruptedEvent{PromptID: "prompt-1"})
		assertBalance(t, e, owner, 10, 0)
		assertRunning(t, e, 0)
	})
}

func TestBoost_AlreadyFirstChangesNothing(t *testing.T) {
	withEnv(t, 20, func(e *env) {
		ctx := context.Background()
		job := submit(t, e, 2)

		err := e.svc.Boost(ctx, owner, job.JobID)
		assert.ErrorIs(t, err, apperr.ErrAlreadyFirst)
		assertBalance(t, e, owner, 18, 2)

		idx, _, err := e.queue.Position(ctx, job.JobID)
		require.NoError(t, err)
		assert.Zero(t, idx)
	})
}

func TestBoost_ChargesFeeAndMovesAhead(t *testing.T) {
	withEnv(t, 20, func(e *env) {
		ctx := context.Background()
		submit(t, e, 1)
		submit(t, e, 1)
		c := submit(t, e, 1)

		require.NoError(t, e.svc.Boost(ctx, owner, c.JobID))

		idx, _, err := e.queue.Position(ctx, c.JobID)
		require.NoError(t, err)
		assert.Zero(t, idx)
		assertBalance(t, e, owner, 12, 3)
		assertBalance(t, e, model.PlatformOwnerID, 5, 0)
	})
}

func TestBoost_InsufficientBalanceLeavesScore(t *testing.T) {
	withEnv(t, 3, func(e *env) {
		ctx := context.Background()
		submit(t, e, 1)
		b := submit(t, e, 1)

		err := e.svc.Boost(ctx, owner, b.JobID)
		assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

		idx, _, err := e.queue.Position(ctx, b.JobID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), idx)
	})
}

func TestBoost_QueueFailureReturnsFee(t *testing.T) {
	withEnv(t, 20, func(e *env) {
		ctx := context.Background()
		submit(t, e, 1)
		b := submit(t, e, 1)

		svc := e.serviceWith(&boostLedger{Ledger: e.ledger, afterDebit: func() {
			e.mr.SetError("LOADING Redis is loading the dataset in memory")
		}})
		err := svc.Boost(ctx, owner, b.JobID)
		e.mr.SetError("")

		assert.ErrorIs(t, err, apperr.ErrBoostFailed)
		assertBoostRolledBack(t, e, b.JobID)
	})
}

func TestBoost_JobPoppedAfterDebitReturnsFee(t *testing.T) {
	withEnv(t, 20, func(e *env) {
		ctx := context.Background()
		submit(t, e, 1)
		b := submit(t, e, 1)

		svc := e.serviceWith(&boostLedger{Ledger: e.ledger, afterDebit: func() {
			_, err := e.queue.Remove(ctx, b.JobID)
			require.NoError(t, err)
		}})
		err := svc.Boost(ctx, owner, b.JobID)

		assert.ErrorIs(t, err, apperr.ErrBoostFailed)
		assertBalance(t, e, owner, 18, 2)
		assertBalance(t, e, model.PlatformOwnerID, 0, 0)
	})
}

func TestBoost_RunningJobRejected(t *testing.T) {
	withEnv(t, 20, func(e *env) {
		job := submit(t, e, 1)
		admit(t, e, "prompt-1")

		err := e.svc.Boost(context.Background(), owner, job.JobID)
		assert.ErrorIs(t, err, apperr.ErrTaskNotFoundOrCompleted)
		assertBalance(t, e, owner, 19, 1)
	})
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func submit(t *testing.T, e *env, units int64) *model.SubmitResponse {
	t.Helper()
	res, err := e.svc.Submit(context.Background(), owner, &model.SubmitRequest{
		ClientID:  "client-1",
		Payload:   json.RawMessage(`{"3":{"class_type":"KSampler"}}`),
		UnitCount: units,
	})
	require.NoError(t, err)
	return res
}

func admit(t *testing.T, e *env, promptID string) {
	t.Helper()
	e.worker.promptID = promptID
	result, err := e.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.TickAdmitted, result)
}

func assertBalance(t *testing.T, e *env, ownerID, available, frozen int64) {
	t.Helper()
	acc, err := e.ledger.GetAccount(context.Background(), ownerID)
	require.NoError(t, err)
	assert.Equal(t, available, acc.Available, "available of %d", ownerID)
	assert.Equal(t, frozen, acc.Frozen, "frozen of %d", ownerID)
}

func assertBoostRolledBack(t *testing.T, e *env, jobID string) {
	t.Helper()
	ctx := context.Background()
	assertBalance(t, e, owner, 18, 2)
	assertBalance(t, e, model.PlatformOwnerID, 0, 0)

	idx, queued, err := e.queue.Position(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, int64(1), idx)

	txns, err := e.ledger.Transactions(ctx, owner, 10)
	require.NoError(t, err)
	var types []ledger.TransactionType
	for _, tx := range txns {
		if tx.JobID == jobID && tx.Type != ledger.TxFreeze {
			types = append(types, tx.Type)
		}
	}
	assert.Equal(t, []ledger.TransactionType{ledger.TxDirectCredit, ledger.TxDirectDebit}, types)
}

func (e *env) serviceWith(l ledger.Ledger) *JobService {
	deps := e.deps
	deps.Ledger = l
	return NewJobService(deps, e.opts)
}

func assertPermits(t *testing.T, e *env, want int64) {
	t.Helper()
	n, err := e.sem.Available(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, n)
}

func assertRunning(t *testing.T, e *env, want int64) {
	t.Helper()
	n, err := e.tracker.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, n)
}

func withEnv(t *testing.T, balance int64, action func(e *env)) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "broker.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()
	require.NoError(t, db.AutoMigrate(&ledger.Account{}, &ledger.Transaction{}))

	led := ledger.NewLedger(db, 3)
	_, err = led.Deposit(ctx, owner, balance, "test deposit")
	require.NoError(t, err)

	sem := admission.NewSemaphore(rdb)
	_, err = sem.Init(ctx, 1)
	require.NoError(t, err)

	locker := admission.NewLocker(rdb)
	q := queue.New(rdb)
	tr := tracker.New(rdb)
	worker := &fakeWorker{promptID: "prompt-1"}
	notifier := &recordingNotifier{}
	comp := compensation.NewService(rdb, led, locker, nil, 10)

	sched := scheduler.New(q, tr, locker, sem, worker, comp, nil, nil, scheduler.Options{
		TickInterval:   time.Second,
		TickLockTTL:    time.Minute,
		PlaceholderTTL: 10 * time.Minute,
		RunningTTL:     time.Hour,
		SubmitTimeout:  time.Second,
	})
	disp := dispatcher.New(dispatcher.Deps{
		Redis:       rdb,
		Tracker:     tr,
		Semaphore:   sem,
		Charger:     led,
		Refunder:    comp,
		Artifacts:   nopArtifacts{},
		Notifier:    notifier,
		URLs:        comfyui.NewClient("http://worker:8188", "broker", time.Second),
		TerminalTTL: time.Hour,
	})
	deps := Deps{
		Ledger:   led,
		Queue:    q,
		Tracker:  tr,
		Locker:   locker,
		Ranker:   sched,
		Refunder: comp,
		Worker:   worker,
		Notifier: notifier,
	}
	opts := Options{
		BoostFee:          5,
		BoostIncrement:    10,
		JobLockTTL:        10 * time.Second,
		InterruptAttempts: 3,
		InterruptDelay:    time.Millisecond,
	}

	action(&env{
		svc:      NewJobService(deps, opts),
		deps:     deps,
		opts:     opts,
		sched:    sched,
		disp:     disp,
		ledger:   led,
		queue:    q,
		tracker:  tr,
		sem:      sem,
		worker:   worker,
		notifier: notifier,
		mr:       mr,
	})
}
