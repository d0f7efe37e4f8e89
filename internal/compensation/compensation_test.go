package compensation

import (
	"context"
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
	"github.com/taskmgr818/stargraph-broker/internal/ledger"
	"github.com/taskmgr818/stargraph-broker/internal/model"
)

type refundCall struct {
	ownerID int64
	amount  int64
	jobID   string
}

// fakeRefunder fails the first failures calls, then succeeds.
type fakeRefunder struct {
	mu       sync.Mutex
	failures int
	calls    []refundCall
}

func (f *fakeRefunder) Refund(ctx context.Context, ownerID int64, amount int64, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refundCall{ownerID, amount, jobID})
	if f.failures > 0 {
		f.failures--
		return errors.New("database unavailable")
	}
	return nil
}

func (f *fakeRefunder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSafeRefund_SuccessRecordsNothing(t *testing.T) {
	withService(t, &fakeRefunder{}, func(s *Service, mr *miniredis.Miniredis) {
		ok := s.SafeRefund(context.Background(), 1, 3, "job-1", ReasonCancelled)
		assert.True(t, ok)

		pending, err := s.Pending(context.Background())
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestSafeRefund_FailureRecordsCompensation(t *testing.T) {
	withService(t, &fakeRefunder{failures: 1}, func(s *Service, mr *miniredis.Miniredis) {
		ok := s.SafeRefund(context.Background(), 1, 3, "job-1", ReasonSubmitFailed)
		assert.False(t, ok)

		pending, err := s.Pending(context.Background())
		require.NoError(t, err)
		require.Len(t, pending, 1)
		rec := pending[0]
		assert.Equal(t, int64(1), rec.OwnerID)
		assert.Equal(t, int64(3), rec.Amount)
		assert.Equal(t, "job-1", rec.JobID)
		assert.Equal(t, ReasonSubmitFailed, rec.Reason)
		assert.Zero(t, rec.RetryCount)
		assert.True(t, rec.LastRetryAt.IsZero())
	})
}

func TestSweep_SettlesAndDeletes(t *testing.T) {
	refunder := &fakeRefunder{}
	withService(t, refunder, func(s *Service, mr *miniredis.Miniredis) {
		ctx := context.Background()
		id, err := s.Record(ctx, 1, 3, "job-1", ReasonExecutionError)
		require.NoError(t, err)

		report, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Scanned)
		assert.Equal(t, 1, report.Settled)
		assert.False(t, mr.Exists(model.CompensationKey(id)))
		assert.Equal(t, []refundCall{{1, 3, "job-1"}}, refunder.calls)

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestSweep_FailureIncrementsRetryCount(t *testing.T) {
	withService(t, &fakeRefunder{failures: 1}, func(s *Service, mr *miniredis.Miniredis) {
		ctx := context.Background()
		_, err := s.Record(ctx, 1, 3, "job-1", ReasonCancelled)
		require.NoError(t, err)

		report, err := s.Sweep(ctx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "database unavailable")
		assert.Equal(t, 1, report.Failed)

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].RetryCount)
		assert.False(t, pending[0].LastRetryAt.IsZero())

		report, err = s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Settled)
	})
}

func TestSweep_StalledRecordLeftUntouched(t *testing.T) {
	refunder := &fakeRefunder{}
	withService(t, refunder, func(s *Service, mr *miniredis.Miniredis) {
		ctx := context.Background()
		id, err := s.Record(ctx, 1, 3, "job-1", ReasonCancelled)
		require.NoError(t, err)
		mr.HSet(model.CompensationKey(id), "retryCount", "10")

		report, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Stalled)
		assert.Zero(t, refunder.callCount())
		assert.True(t, mr.Exists(model.CompensationKey(id)))

		ok, err := s.ResetRetries(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		report, err = s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Settled)
	})
}

func TestSweep_SkippedWhileAnotherInstanceHoldsLock(t *testing.T) {
	refunder := &fakeRefunder{}
	withService(t, refunder, func(s *Service, mr *miniredis.Miniredis) {
		ctx := context.Background()
		_, err := s.Record(ctx, 1, 3, "job-1", ReasonCancelled)
		require.NoError(t, err)
		require.NoError(t, mr.Set(sweepLockKey, "other-instance"))

		report, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.True(t, report.Skipped)
		assert.Zero(t, refunder.callCount())
	})
}

// redisBlipAfterRefund fails every Redis command once the first refund has
// committed, so the record delete that follows it is lost.
type redisBlipAfterRefund struct {
	ledger.Ledger
	mr      *miniredis.Miniredis
	tripped bool
}

func (r *redisBlipAfterRefund) Refund(ctx context.Context, ownerID int64, amount int64, jobID string) error {
	err := r.Ledger.Refund(ctx, ownerID, amount, jobID)
	if err == nil && !r.tripped {
		r.tripped = true
		r.mr.SetError("LOADING Redis is loading the dataset in memory")
	}
	return err
}

func TestSweep_LostDeleteDoesNotRefundTwice(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	_, err := l.Deposit(ctx, 1, 10, "seed")
	require.NoError(t, err)
	require.NoError(t, l.Freeze(ctx, 1, 2, "job-1"))
	require.NoError(t, l.Freeze(ctx, 1, 3, "job-2"))

	refunder := &redisBlipAfterRefund{Ledger: l}
	withService(t, refunder, func(s *Service, mr *miniredis.Miniredis) {
		refunder.mr = mr
		id, err := s.Record(ctx, 1, 2, "job-1", ReasonCancelled)
		require.NoError(t, err)

		_, err = s.Sweep(ctx)
		assert.Error(t, err)
		assert.True(t, mr.Exists(model.CompensationKey(id)))

		mr.SetError("")
		mr.FastForward(5 * time.Minute) // sweep lock was never released

		report, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Settled)
		assert.False(t, mr.Exists(model.CompensationKey(id)))
	})

	acc, err := l.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), acc.Available)
	assert.Equal(t, int64(3), acc.Frozen)
	require.NoError(t, l.Charge(ctx, 1, 3, "job-2"))
}

func TestSafeRefund_AlreadyRefundedJobIsNoop(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	_, err := l.Deposit(ctx, 1, 10, "seed")
	require.NoError(t, err)
	require.NoError(t, l.Freeze(ctx, 1, 4, "job-1"))

	withService(t, l, func(s *Service, mr *miniredis.Miniredis) {
		assert.True(t, s.SafeRefund(ctx, 1, 4, "job-1", ReasonCancelled))
		assert.True(t, s.SafeRefund(ctx, 1, 4, "job-1", ReasonCancelled))

		pending, err := s.Pending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	acc, err := l.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.Available)
	assert.Zero(t, acc.Frozen)
}

func TestResetRetries_Missing(t *testing.T) {
	withService(t, &fakeRefunder{}, func(s *Service, mr *miniredis.Miniredis) {
		ok, err := s.ResetRetries(context.Background(), "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func withService(t *testing.T, refunder Refunder, action func(s *Service, mr *miniredis.Miniredis)) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewService(rdb, refunder, admission.NewLocker(rdb), nil, 10)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	action(s, mr)
}

func openLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&ledger.Account{}, &ledger.Transaction{}))
	return ledger.NewLedger(db, 3)
}
