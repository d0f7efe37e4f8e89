package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/taskmgr818/stargraph-broker/internal/admission"
	"github.com/taskmgr818/stargraph-broker/internal/compensation"
	"github.com/taskmgr818/stargraph-broker/internal/metrics"
	"github.com/taskmgr818/stargraph-broker/internal/model"
	"github.com/taskmgr818/stargraph-broker/internal/queue"
	"github.com/taskmgr818/stargraph-broker/internal/tracker"
)

// Submitter sends a job payload to the worker and returns its prompt id.
type Submitter interface {
	Submit(ctx context.Context, payload json.RawMessage) (string, error)
}

// Refunder returns frozen funds without failing.
type Refunder interface {
	SafeRefund(ctx context.Context, ownerID int64, amount int64, jobID, reason string) bool
}

// JobLogger records job lifecycle transitions.
type JobLogger interface {
	LogJobAdmitted(jobID, promptID string)
	LogJobFinished(jobID string, status model.JobStatus)
}

// State is the scheduler loop's state.
type State int32

const (
	StateIdle State = iota
	StateSubmitting
)

func (s State) String() string {
	if s == StateSubmitting {
		return "submitting"
	}
	return "idle"
}

// TickResult tells what a tick did.
type TickResult string

const (
	TickLockBusy     TickResult = "lock_busy"     // another instance is ticking
	TickQueueEmpty   TickResult = "queue_empty"   // nothing to admit
	TickNoPermit     TickResult = "no_permit"     // concurrency cap reached
	TickDrained      TickResult = "drained"       // queue emptied between check and pop
	TickSubmitFailed TickResult = "submit_failed" // worker refused, job compensated
	TickCorruptJob   TickResult = "corrupt_job"   // popped blob undecodable, job dropped
	TickAdmitted     TickResult = "admitted"      // job running on the worker
)

// Options are the scheduler's timing settings.
type Options struct {
	TickInterval   time.Duration
	TickLockTTL    time.Duration
	PlaceholderTTL time.Duration
	RunningTTL     time.Duration
	SubmitTimeout  time.Duration
}

// Scheduler admits queued jobs to the worker, at most one per tick.
type Scheduler struct {
	queue    *queue.Queue
	tracker  *tracker.Tracker
	locker   *admission.Locker
	sem      *admission.Semaphore
	worker   Submitter
	refunder Refunder
	jobLog   JobLogger
	metrics  *metrics.Collector
	opts     Options

	state atomic.Int32
}

// New creates a Scheduler.
func New(
	q *queue.Queue,
	tr *tracker.Tracker,
	locker *admission.Locker,
	sem *admission.Semaphore,
	worker Submitter,
	refunder Refunder,
	jobLog JobLogger,
	m *metrics.Collector,
	opts Options,
) *Scheduler {
	return &Scheduler{
		queue:    q,
		tracker:  tr,
		locker:   locker,
		sem:      sem,
		worker:   worker,
		refunder: refunder,
		jobLog:   jobLog,
		metrics:  m,
		opts:     opts,
	}
}

// State returns the loop's current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// ─────────────────────────────────────────────
// Tick
// ─────────────────────────────────────────────

// Tick runs one admission attempt. Worker failures are absorbed (the job is
// compensated and TickSubmitFailed returned); only infrastructure errors
// are returned.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	// 1. Single-flight across instances
	lease, err := s.locker.TryAcquire(ctx, model.SchedulerLockKey, s.opts.TickLockTTL)
	if err != nil {
		return "", err
	}
	if lease == nil {
		return TickLockBusy, nil
	}
	defer func() {
		if _, err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("[scheduler] release tick lock")
		}
	}()

	// 2. Cheap existence check before probing permits
	has, err := s.queue.HasAny(ctx)
	if err != nil {
		return "", err
	}
	if !has {
		return TickQueueEmpty, nil
	}

	// 3. Concurrency cap
	ok, err := s.sem.TryAcquire(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return TickNoPermit, nil
	}

	s.state.Store(int32(StateSubmitting))
	defer s.state.Store(int32(StateIdle))

	// 4. Pop
	job, err := s.queue.Pop(ctx)
	if err != nil {
		s.releasePermit(ctx, metrics.ReleaseDrained)
		var corrupt *queue.CorruptJobError
		if errors.As(err, &corrupt) {
			s.dropCorrupt(ctx, corrupt)
			return TickCorruptJob, nil
		}
		return "", err
	}
	if job == nil {
		s.releasePermit(ctx, metrics.ReleaseDrained)
		return TickDrained, nil
	}

	fields := log.Fields{"job_id": job.ID, "owner_id": job.OwnerID, "units": job.UnitCount}

	// 5. Placeholder covers the pop→submit window in the running count
	if err := s.tracker.RecordPlaceholder(ctx, job, s.opts.PlaceholderTTL); err != nil {
		log.WithFields(fields).WithError(err).Error("[scheduler] record placeholder failed")
		s.reject(ctx, job, compensation.ReasonSubmitFailed)
		return TickSubmitFailed, nil
	}

	// 6. Submit
	submitCtx, cancel := context.WithTimeout(ctx, s.opts.SubmitTimeout)
	promptID, err := s.worker.Submit(submitCtx, job.Payload)
	cancel()
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("[scheduler] worker submission failed")
		s.metrics.IncSubmissionFailures()
		s.reject(ctx, job, compensation.ReasonSubmitFailed)
		return TickSubmitFailed, nil
	}

	fields["prompt_id"] = promptID
	if err := s.promote(ctx, promptID, job); err != nil {
		// The worker runs the job but nothing tracks it: its callback will
		// only release the permit, so the frozen funds are returned here.
		log.WithFields(fields).WithError(err).Error("[scheduler] promote failed, job runs untracked")
		if !s.refunder.SafeRefund(ctx, job.OwnerID, job.UnitCount, job.ID, compensation.ReasonUntracked) {
			log.WithFields(fields).Warn("[scheduler] refund deferred to compensation")
		}
		return TickAdmitted, nil
	}

	s.metrics.IncAdmitted()
	if s.jobLog != nil {
		s.jobLog.LogJobAdmitted(job.ID, promptID)
	}
	log.WithFields(fields).Info("[scheduler] job admitted")
	return TickAdmitted, nil
}

// dropCorrupt returns what it can of a job whose blob was popped but could
// not be decoded. The blob is gone from Redis, so it is logged in full.
func (s *Scheduler) dropCorrupt(ctx context.Context, e *queue.CorruptJobError) {
	fields := log.Fields{"job_id": e.JobID, "blob": e.Blob}
	ownerID, units, ok := e.Salvage()
	if !ok {
		log.WithFields(fields).WithError(e.Err).Error("[scheduler] undecodable job dropped, frozen funds need manual intervention")
		return
	}
	fields["owner_id"], fields["units"] = ownerID, units
	log.WithFields(fields).WithError(e.Err).Error("[scheduler] undecodable job dropped, refunding")
	if !s.refunder.SafeRefund(ctx, ownerID, units, e.JobID, compensation.ReasonCorruptJob) {
		log.WithFields(fields).Warn("[scheduler] refund deferred to compensation")
	}
	if s.jobLog != nil {
		s.jobLog.LogJobFinished(e.JobID, model.JobStatusRejected)
	}
}

// reject undoes an admission that never reached the worker.
func (s *Scheduler) reject(ctx context.Context, job *model.Job, reason string) {
	s.releasePermit(ctx, metrics.ReleaseSubmitError)
	if !s.refunder.SafeRefund(ctx, job.OwnerID, job.UnitCount, job.ID, reason) {
		log.WithField("job_id", job.ID).Warn("[scheduler] refund deferred to compensation")
	}
	if err := s.tracker.RemovePlaceholder(ctx, job.ID); err != nil {
		log.WithField("job_id", job.ID).WithError(err).Warn("[scheduler] remove placeholder")
	}
	if s.jobLog != nil {
		s.jobLog.LogJobFinished(job.ID, model.JobStatusRejected)
	}
}

func (s *Scheduler) promote(ctx context.Context, promptID string, job *model.Job) error {
	return retry.Do(
		func() error { return s.tracker.PromoteToRunning(ctx, promptID, job, s.opts.RunningTTL) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (s *Scheduler) releasePermit(ctx context.Context, reason string) {
	released, err := s.sem.Release(context.WithoutCancel(ctx))
	if err != nil {
		log.WithError(err).WithField("reason", reason).Error("[scheduler] release permit failed")
		return
	}
	if released {
		s.metrics.IncPermitReleases(reason)
	}
}

// ─────────────────────────────────────────────
// Rank
// ─────────────────────────────────────────────

// Rank returns the job's external rank: 1 if it is placeholder or running,
// otherwise runningCount + queueIndex + 1. found is false once the job has
// left both the queue and the tracker.
func (s *Scheduler) Rank(ctx context.Context, jobID string) (rank int64, found bool, err error) {
	tracked, err := s.tracker.LookupByJobID(ctx, jobID)
	if err != nil {
		return 0, false, err
	}
	if tracked != nil {
		return 1, true, nil
	}

	idx, queued, err := s.queue.Position(ctx, jobID)
	if err != nil || !queued {
		return 0, false, err
	}
	rank, err = s.RankAt(ctx, idx)
	return rank, err == nil, err
}

// RankAt converts a zero-based queue index into an external rank.
func (s *Scheduler) RankAt(ctx context.Context, idx int64) (int64, error) {
	running, err := s.tracker.Count(ctx)
	if err != nil {
		return 0, err
	}
	return running + idx + 1, nil
}

// ─────────────────────────────────────────────
// Loop
// ─────────────────────────────────────────────

// Start runs Tick every TickInterval until ctx is cancelled. A tick never
// starts while the previous one is still running.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log.StandardLogger())),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	spec := fmt.Sprintf("@every %s", s.opts.TickInterval)
	if _, err := c.AddFunc(spec, func() { s.runTick(ctx) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}

	log.WithField("interval", s.opts.TickInterval).Info("[scheduler] admission loop started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("[scheduler] admission loop stopped")
	return nil
}

func (s *Scheduler) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result, err := s.Tick(ctx)
	if err != nil {
		log.WithError(err).Error("[scheduler] tick failed")
	} else if result != TickQueueEmpty && result != TickLockBusy {
		log.WithField("result", result).Debug("[scheduler] tick")
	}
	s.observe(ctx)
}

// observe refreshes the admission gauges.
func (s *Scheduler) observe(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	permits, err1 := s.sem.Available(ctx)
	running, err2 := s.tracker.Count(ctx)
	queued, err3 := s.queue.Len(ctx)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	s.metrics.SetAdmission(permits, running, queued)
}
