package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/taskmgr818/stargraph-broker/internal/admission"
	"github.com/taskmgr818/stargraph-broker/internal/apperr"
	"github.com/taskmgr818/stargraph-broker/internal/compensation"
	"github.com/taskmgr818/stargraph-broker/internal/ledger"
	"github.com/taskmgr818/stargraph-broker/internal/metrics"
	"github.com/taskmgr818/stargraph-broker/internal/model"
	"github.com/taskmgr818/stargraph-broker/internal/queue"
	"github.com/taskmgr818/stargraph-broker/internal/tracker"
)

// Refunder returns frozen funds without failing.
type Refunder interface {
	SafeRefund(ctx context.Context, ownerID int64, amount int64, jobID, reason string) bool
}

// Interrupter stops whatever the worker is currently executing.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

// Ranker reports external ranks.
type Ranker interface {
	Rank(ctx context.Context, jobID string) (int64, bool, error)
	RankAt(ctx context.Context, idx int64) (int64, error)
}

// JobLogger records job lifecycle transitions.
type JobLogger interface {
	LogTaskCreated(job *model.Job)
	LogJobFinished(jobID string, status model.JobStatus)
}

// Notifier pushes a notice to an owner.
type Notifier interface {
	Send(ownerID int64, notice *model.Notice)
}

// Options are the job service's tunables.
type Options struct {
	BoostFee          int64
	BoostIncrement    float64
	JobLockTTL        time.Duration
	InterruptAttempts int
	InterruptDelay    time.Duration
}

// JobService orchestrates the caller-facing job lifecycle:
//
//	submit → freeze → enqueue
//	cancel → (queued) remove + refund | (running) interrupt + refund
//	boost  → fee → score decrease | fee rollback
//
// ownerID is injected by the API key middleware (not from the request body).
type JobService struct {
	ledger   ledger.Ledger
	queue    *queue.Queue
	tracker  *tracker.Tracker
	locker   *admission.Locker
	ranker   Ranker
	refunder Refunder
	worker   Interrupter
	jobLog   JobLogger
	notifier Notifier
	metrics  *metrics.Collector
	opts     Options
}

// Deps groups the JobService's collaborators.
type Deps struct {
	Ledger   ledger.Ledger
	Queue    *queue.Queue
	Tracker  *tracker.Tracker
	Locker   *admission.Locker
	Ranker   Ranker
	Refunder Refunder
	Worker   Interrupter
	JobLog   JobLogger
	Notifier Notifier
	Metrics  *metrics.Collector
}

// NewJobService creates the service.
func NewJobService(d Deps, opts Options) *JobService {
	if opts.InterruptAttempts < 1 {
		opts.InterruptAttempts = 1
	}
	return &JobService{
		ledger:   d.Ledger,
		queue:    d.Queue,
		tracker:  d.Tracker,
		locker:   d.Locker,
		ranker:   d.Ranker,
		refunder: d.Refunder,
		worker:   d.Worker,
		jobLog:   d.JobLog,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		opts:     opts,
	}
}

// ─────────────────────────────────────────────
// Submit
// ─────────────────────────────────────────────

// Submit freezes the job's units and queues it. The returned rank counts
// running jobs ahead of the queue.
func (s *JobService) Submit(ctx context.Context, ownerID int64, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	if req.UnitCount < 1 {
		return nil, apperr.New(apperr.KindInvalidArgument, "unit_count must be >= 1")
	}
	if len(req.Payload) == 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "payload is required")
	}

	job := &model.Job{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		ClientID:  req.ClientID,
		Payload:   req.Payload,
		UnitCount: req.UnitCount,
		CreatedAt: time.Now(),
	}
	fields := log.Fields{"job_id": job.ID, "owner_id": ownerID, "units": job.UnitCount}

	if err := s.ledger.Freeze(ctx, ownerID, job.UnitCount, job.ID); err != nil {
		return nil, err
	}

	// Logged before the job becomes visible to the scheduler so the
	// admission update always lands on an existing row.
	s.logCreated(job)

	idx, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		log.WithFields(fields).WithError(err).Error("[service] enqueue failed, returning frozen funds")
		s.refunder.SafeRefund(ctx, ownerID, job.UnitCount, job.ID, compensation.ReasonCreateTaskFailed)
		s.logFinished(job.ID, model.JobStatusRejected)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	s.metrics.IncEnqueued()

	rank, err := s.ranker.RankAt(ctx, idx)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("[service] rank after enqueue")
		rank = idx + 1
	}
	log.WithFields(fields).WithField("rank", rank).Info("[service] job queued")
	return &model.SubmitResponse{JobID: job.ID, Rank: rank}, nil
}

// ─────────────────────────────────────────────
// Cancel
// ─────────────────────────────────────────────

// Cancel removes a queued job or interrupts a running one, then refunds its
// frozen units. A running job whose interrupt never succeeds keeps running
// and is not refunded.
func (s *JobService) Cancel(ctx context.Context, ownerID int64, jobID string) (*model.CancelResponse, error) {
	lease, err := s.lockJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer s.unlock(ctx, lease)

	fields := log.Fields{"job_id": jobID, "owner_id": ownerID}

	// Queued
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		if job.OwnerID != ownerID {
			return nil, apperr.ErrPermissionDenied
		}
		removed, err := s.queue.Remove(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !removed {
			// popped by the scheduler after Get
			return nil, apperr.ErrLockBusy
		}
		refunded := s.refunder.SafeRefund(ctx, job.OwnerID, job.UnitCount, job.ID, compensation.ReasonCancelled)
		s.logFinished(job.ID, model.JobStatusCancelled)
		log.WithFields(fields).WithField("refunded", refunded).Info("[service] queued job cancelled")
		return &model.CancelResponse{JobID: jobID, RefundPending: !refunded}, nil
	}

	// Placeholder or running
	job, err = s.tracker.LookupByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.ErrTaskNotFoundOrCompleted
	}
	if job.OwnerID != ownerID {
		return nil, apperr.ErrPermissionDenied
	}
	if !job.Running() {
		return nil, apperr.New(apperr.KindLockBusy, "task is being submitted, try again later")
	}

	// The interrupted callback can arrive before Interrupt returns. The
	// marker tells the dispatcher to leave settlement to this cancel.
	promptID := job.ExternalJobID
	if err := s.tracker.MarkCancelling(ctx, promptID, s.cancelMarkerTTL()); err != nil {
		return nil, err
	}
	if err := s.interrupt(ctx, fields); err != nil {
		s.clearCancelling(ctx, promptID, fields)
		return nil, apperr.Wrap(apperr.KindInterruptFailed, apperr.ErrInterruptFailed.Message, err)
	}

	// A completion or execution error may still have settled the job first;
	// whoever takes the record settles it.
	taken, err := s.tracker.Take(ctx, promptID)
	s.clearCancelling(ctx, promptID, fields)
	if err != nil {
		return nil, err
	}
	if taken == nil {
		return nil, apperr.ErrTaskNotFoundOrCompleted
	}

	refunded := s.refunder.SafeRefund(ctx, taken.OwnerID, taken.UnitCount, taken.ID, compensation.ReasonCancelled)
	s.logFinished(taken.ID, model.JobStatusCancelled)
	if s.notifier != nil {
		s.notifier.Send(taken.OwnerID, &model.Notice{
			Type:     model.NoticeInterrupted,
			JobID:    taken.ID,
			PromptID: taken.ExternalJobID,
		})
	}
	log.WithFields(fields).WithFields(log.Fields{
		"prompt_id": taken.ExternalJobID,
		"refunded":  refunded,
	}).Info("[service] running job cancelled")
	return &model.CancelResponse{JobID: jobID, RefundPending: !refunded}, nil
}

// cancelMarkerTTL covers every interrupt attempt plus the job lock.
func (s *JobService) cancelMarkerTTL() time.Duration {
	ttl := s.opts.JobLockTTL + time.Duration(s.opts.InterruptAttempts)*s.opts.InterruptDelay
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *JobService) clearCancelling(ctx context.Context, promptID string, fields log.Fields) {
	if err := s.tracker.ClearCancelling(context.WithoutCancel(ctx), promptID); err != nil {
		log.WithFields(fields).WithError(err).Warn("[service] clear cancel marker")
	}
}

func (s *JobService) interrupt(ctx context.Context, fields log.Fields) error {
	return retry.Do(
		func() error { return s.worker.Interrupt(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(s.opts.InterruptAttempts)),
		retry.Delay(s.opts.InterruptDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithFields(fields).WithError(err).WithField("attempt", n+1).Warn("[service] interrupt failed, retrying")
		}),
	)
}

// ─────────────────────────────────────────────
// Boost
// ─────────────────────────────────────────────

// Boost charges the boost fee and moves a queued job ahead. The fee is
// returned if the queue update fails.
func (s *JobService) Boost(ctx context.Context, ownerID int64, jobID string) error {
	lease, err := s.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	defer s.unlock(ctx, lease)

	fields := log.Fields{"job_id": jobID, "owner_id": ownerID, "fee": s.opts.BoostFee}

	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		// running, placeholder or gone: none can be boosted
		return apperr.ErrTaskNotFoundOrCompleted
	}
	if job.OwnerID != ownerID {
		return apperr.ErrPermissionDenied
	}

	idx, queued, err := s.queue.Position(ctx, jobID)
	if err != nil {
		return err
	}
	if !queued {
		return apperr.ErrTaskNotFoundOrCompleted
	}
	if idx == 0 {
		return apperr.ErrAlreadyFirst
	}

	if err := s.ledger.DirectDebit(ctx, ownerID, s.opts.BoostFee, jobID, "priority boost"); err != nil {
		return err
	}

	boosted, err := s.queue.Boost(ctx, jobID, s.opts.BoostIncrement)
	if err == nil && boosted {
		log.WithFields(fields).Info("[service] job boosted")
		return nil
	}

	if err != nil {
		log.WithFields(fields).WithError(err).Warn("[service] boost failed, returning fee")
	} else {
		log.WithFields(fields).Warn("[service] job left the queue before boost, returning fee")
	}
	if creditErr := s.ledger.DirectCredit(ctx, ownerID, s.opts.BoostFee, jobID, "priority boost rollback"); creditErr != nil {
		log.WithFields(fields).WithError(creditErr).
			Error("[service] boost fee rollback failed, manual intervention required")
		return apperr.Wrap(apperr.KindBoostFailed, "priority boost failed, fee not returned", errors.Join(err, creditErr))
	}
	return apperr.Wrap(apperr.KindBoostFailed, apperr.ErrBoostFailed.Message, err)
}

// ─────────────────────────────────────────────
// Rank
// ─────────────────────────────────────────────

// Rank reports a job's external rank. Found is false once it is terminal.
func (s *JobService) Rank(ctx context.Context, jobID string) (*model.RankResponse, error) {
	rank, found, err := s.ranker.Rank(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.RankResponse{JobID: jobID, Rank: rank, Found: found}, nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func (s *JobService) lockJob(ctx context.Context, jobID string) (*admission.Lease, error) {
	lease, err := s.locker.TryAcquire(ctx, model.JobLockKey(jobID), s.opts.JobLockTTL)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, apperr.ErrLockBusy
	}
	return lease, nil
}

func (s *JobService) unlock(ctx context.Context, lease *admission.Lease) {
	if _, err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		log.WithField("key", lease.Key()).WithError(err).Warn("[service] release job lock")
	}
}

func (s *JobService) logCreated(job *model.Job) {
	if s.jobLog != nil {
		s.jobLog.LogTaskCreated(job)
	}
}

func (s *JobService) logFinished(jobID string, status model.JobStatus) {
	if s.jobLog != nil {
		s.jobLog.LogJobFinished(jobID, status)
	}
}
