package compensation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/taskmgr818/stargraph-broker/internal/admission"
	"github.com/taskmgr818/stargraph-broker/internal/metrics"
	"github.com/taskmgr818/stargraph-broker/internal/model"
)

// Refund reasons.
const (
	ReasonCreateTaskFailed = "create_task_failed"
	ReasonSubmitFailed     = "submit_failed"
	ReasonCancelled        = "cancelled"
	ReasonExecutionError   = "execution_error"
	ReasonInterrupted      = "interrupted"
	ReasonUntracked        = "untracked"
	ReasonCorruptJob       = "corrupt_job"
)

const sweepLockKey = "refund_compensation:sweep_lock"

// Refunder is the ledger operation retried by compensation.
type Refunder interface {
	Refund(ctx context.Context, ownerID int64, amount int64, jobID string) error
}

// Record is a refund that failed and awaits retry.
type Record struct {
	ID          string    `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Amount      int64     `json:"amount"`
	JobID       string    `json:"job_id"`
	Reason      string    `json:"reason"`
	RetryCount  int       `json:"retry_count"`
	LastRetryAt time.Time `json:"last_retry_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stalled reports whether the record reached the retry cap.
func (r *Record) Stalled(maxRetries int) bool {
	return r.RetryCount >= maxRetries
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Scanned int  `json:"scanned"`
	Settled int  `json:"settled"`
	Failed  int  `json:"failed"`
	Stalled int  `json:"stalled"`
	Skipped bool `json:"skipped"` // another instance held the sweep lock
}

// Service issues failure-tolerant refunds and retries the failed ones.
type Service struct {
	rdb        *redis.Client
	refunder   Refunder
	locker     *admission.Locker
	metrics    *metrics.Collector
	maxRetries int
	lockTTL    time.Duration
	now        func() time.Time
}

// NewService creates a compensation service.
func NewService(rdb *redis.Client, refunder Refunder, locker *admission.Locker, m *metrics.Collector, maxRetries int) *Service {
	return &Service{
		rdb:        rdb,
		refunder:   refunder,
		locker:     locker,
		metrics:    m,
		maxRetries: maxRetries,
		lockTTL:    4 * time.Minute,
		now:        time.Now,
	}
}

// SafeRefund refunds frozen funds. On any failure it records a compensation
// record instead of returning the error. false means the refund is deferred.
func (s *Service) SafeRefund(ctx context.Context, ownerID int64, amount int64, jobID, reason string) bool {
	err := s.refunder.Refund(ctx, ownerID, amount, jobID)
	if err == nil {
		return true
	}

	fields := log.Fields{"owner_id": ownerID, "job_id": jobID, "amount": amount, "reason": reason}
	log.WithFields(fields).WithError(err).Warn("[compensation] refund failed, recording for retry")

	if _, recErr := s.Record(ctx, ownerID, amount, jobID, reason); recErr != nil {
		log.WithFields(fields).WithError(recErr).
			Error("[compensation] could not record failed refund, manual intervention required")
	}
	return false
}

// Record stores a compensation record and returns its id.
func (s *Service) Record(ctx context.Context, ownerID int64, amount int64, jobID, reason string) (string, error) {
	now := s.now()
	id := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.New().String())

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, model.CompensationKey(id), map[string]interface{}{
		"ownerId":       ownerID,
		"amount":        amount,
		"jobId":         jobID,
		"reason":        reason,
		"retryCount":    0,
		"lastRetryTime": 0,
		"createdAt":     now.UnixMilli(),
	})
	pipe.ZAdd(ctx, model.CompensationIndexKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("record compensation: %w", err)
	}

	s.metrics.IncCompensationsRecorded()
	return id, nil
}

// Pending lists every compensation record, oldest first.
func (s *Service) Pending(ctx context.Context) ([]*Record, error) {
	ids, err := s.rdb.ZRange(ctx, model.CompensationIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list compensations: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ResetRetries sets a record's retry count back to zero so the sweep picks
// it up again. Returns false if the record does not exist.
func (s *Service) ResetRetries(ctx context.Context, id string) (bool, error) {
	key := model.CompensationKey(id)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check compensation %s: %w", id, err)
	}
	if exists == 0 {
		return false, nil
	}
	if err := s.rdb.HSet(ctx, key, "retryCount", 0).Err(); err != nil {
		return false, fmt.Errorf("reset compensation %s: %w", id, err)
	}
	return true, nil
}

// Sweep retries every pending record once. Records at the retry cap are
// left untouched and logged. Per-record failures are aggregated in the
// returned error; the report is always returned.
func (s *Service) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	lease, err := s.locker.TryAcquire(ctx, sweepLockKey, s.lockTTL)
	if err != nil {
		return report, err
	}
	if lease == nil {
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if _, err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("[compensation] release sweep lock")
		}
	}()

	ids, err := s.rdb.ZRange(ctx, model.CompensationIndexKey, 0, -1).Result()
	if err != nil {
		return report, fmt.Errorf("list compensations: %w", err)
	}

	var result *multierror.Error
	for _, id := range ids {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}

		rec, err := s.load(ctx, id)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if rec == nil {
			s.rdb.ZRem(ctx, model.CompensationIndexKey, id)
			continue
		}
		report.Scanned++

		fields := log.Fields{
			"compensation_id": rec.ID,
			"owner_id":        rec.OwnerID,
			"job_id":          rec.JobID,
			"amount":          rec.Amount,
			"reason":          rec.Reason,
			"retry_count":     rec.RetryCount,
		}

		if rec.Stalled(s.maxRetries) {
			report.Stalled++
			log.WithFields(fields).Error("[compensation] retry cap reached, manual intervention required")
			continue
		}

		if err := s.refunder.Refund(ctx, rec.OwnerID, rec.Amount, rec.JobID); err != nil {
			report.Failed++
			result = multierror.Append(result, fmt.Errorf("compensation %s: %w", rec.ID, err))
			s.markAttempt(ctx, rec.ID)
			log.WithFields(fields).WithError(err).Warn("[compensation] retry failed")
			continue
		}

		if err := s.delete(ctx, rec.ID); err != nil {
			result = multierror.Append(result, err)
			log.WithFields(fields).WithError(err).
				Warn("[compensation] refunded but record not deleted, next sweep finds the job settled")
		}
		report.Settled++
		log.WithFields(fields).Info("[compensation] refund settled")
	}

	s.metrics.AddCompensationsSettled(report.Settled)
	s.metrics.SetCompensationsStalled(report.Stalled)
	return report, result.ErrorOrNil()
}

// Start runs Sweep every interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context, interval time.Duration) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log.StandardLogger())),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.runSweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	log.WithField("interval", interval).Info("[compensation] sweeper started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("[compensation] sweeper stopped")
	return nil
}

func (s *Service) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.Sweep(ctx)
	fields := log.Fields{
		"scanned": report.Scanned,
		"settled": report.Settled,
		"failed":  report.Failed,
		"stalled": report.Stalled,
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("[compensation] sweep finished with errors")
		return
	}
	if report.Scanned > 0 {
		log.WithFields(fields).Info("[compensation] sweep finished")
	}
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func (s *Service) markAttempt(ctx context.Context, id string) {
	key := model.CompensationKey(id)
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "retryCount", 1)
	pipe.HSet(ctx, key, "lastRetryTime", s.now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithField("compensation_id", id).WithError(err).Warn("[compensation] record retry attempt")
	}
}

func (s *Service) delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, model.CompensationKey(id))
	pipe.ZRem(ctx, model.CompensationIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete compensation %s: %w", id, err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*Record, error) {
	vals, err := s.rdb.HGetAll(ctx, model.CompensationKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load compensation %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	rec := &Record{
		ID:     id,
		JobID:  vals["jobId"],
		Reason: vals["reason"],
	}
	var parseErr error
	parse := func(field string) int64 {
		n, err := strconv.ParseInt(vals[field], 10, 64)
		if err != nil && vals[field] != "" {
			parseErr = errors.Join(parseErr, fmt.Errorf("field %s: %w", field, err))
		}
		return n
	}
	rec.OwnerID = parse("ownerId")
	rec.Amount = parse("amount")
	rec.RetryCount = int(parse("retryCount"))
	if ms := parse("lastRetryTime"); ms > 0 {
		rec.LastRetryAt = time.UnixMilli(ms)
	}
	rec.CreatedAt = time.UnixMilli(parse("createdAt"))

	if parseErr != nil {
		return nil, fmt.Errorf("decode compensation %s: %w", id, parseErr)
	}
	return rec, nil
}
