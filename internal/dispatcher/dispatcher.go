package dispatcher

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/taskmgr818/stargraph-broker/internal/admission"
	"github.com/taskmgr818/stargraph-broker/internal/comfyui"
	"github.com/taskmgr818/stargraph-broker/internal/compensation"
	"github.com/taskmgr818/stargraph-broker/internal/metrics"
	"github.com/taskmgr818/stargraph-broker/internal/model"
	"github.com/taskmgr818/stargraph-broker/internal/tracker"
)

// Notifier pushes a notice to an owner.
type Notifier interface {
	Send(ownerID int64, notice *model.Notice)
}

// Charger moves frozen funds to the platform account.
type Charger interface {
	Charge(ctx context.Context, ownerID int64, amount int64, jobID string) error
}

// Refunder returns frozen funds without failing.
type Refunder interface {
	SafeRefund(ctx context.Context, ownerID int64, amount int64, jobID, reason string) bool
}

// ArtifactStore persists generated image URLs for an owner.
type ArtifactStore interface {
	SaveArtifacts(ctx context.Context, urls []string, ownerID int64) error
}

// URLBuilder turns a worker image reference into a public URL.
type URLBuilder interface {
	ArtifactURL(img comfyui.Image) string
}

// JobLogger records terminal job outcomes.
type JobLogger interface {
	LogJobFinished(jobID string, status model.JobStatus)
}

// Dispatcher drives running jobs to a terminal state from worker callbacks.
// The caller that atomically takes a running record is the only one that
// settles its funds, so settlement happens exactly once.
type Dispatcher struct {
	rdb         *redis.Client
	tracker     *tracker.Tracker
	sem         *admission.Semaphore
	charger     Charger
	refunder    Refunder
	artifacts   ArtifactStore
	notifier    Notifier
	urls        URLBuilder
	jobLog      JobLogger
	metrics     *metrics.Collector
	terminalTTL time.Duration
}

// Deps groups the Dispatcher's collaborators.
type Deps struct {
	Redis       *redis.Client
	Tracker     *tracker.Tracker
	Semaphore   *admission.Semaphore
	Charger     Charger
	Refunder    Refunder
	Artifacts   ArtifactStore
	Notifier    Notifier
	URLs        URLBuilder
	JobLog      JobLogger
	Metrics     *metrics.Collector
	TerminalTTL time.Duration
}

// New creates a Dispatcher.
func New(d Deps) *Dispatcher {
	return &Dispatcher{
		rdb:         d.Redis,
		tracker:     d.Tracker,
		sem:         d.Semaphore,
		charger:     d.Charger,
		refunder:    d.Refunder,
		artifacts:   d.Artifacts,
		notifier:    d.Notifier,
		urls:        d.URLs,
		jobLog:      d.JobLog,
		metrics:     d.Metrics,
		terminalTTL: d.TerminalTTL,
	}
}

// HandleEvent implements comfyui.Handler.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev comfyui.Event) {
	switch e := ev.(type) {
	case comfyui.ProgressEvent:
		d.handleProgress(ctx, e)
	case comfyui.StatusEvent:
		log.WithField("queue_remaining", e.QueueRemaining).Debug("[dispatcher] worker status")
		d.metrics.SetWorkerQueueRemaining(e.QueueRemaining)
	case comfyui.ExecutedEvent:
		if len(e.Images) == 0 {
			log.WithFields(log.Fields{"prompt_id": e.PromptID, "node": e.Node}).
				Debug("[dispatcher] executed without images, intermediate output")
			return
		}
		d.handleExecuted(ctx, e)
	case comfyui.ExecutionErrorEvent:
		d.handleExecutionError(ctx, e)
	case comfyui.ExecutionInterruptedEvent:
		d.handleInterrupted(ctx, e)
	default:
		log.WithField("type", ev.Type()).Warn("[dispatcher] unhandled event")
	}
}

// ─────────────────────────────────────────────
// Event handlers
// ─────────────────────────────────────────────

func (d *Dispatcher) handleProgress(ctx context.Context, e comfyui.ProgressEvent) {
	job, err := d.tracker.Lookup(ctx, e.PromptID)
	if err != nil {
		log.WithField("prompt_id", e.PromptID).WithError(err).Warn("[dispatcher] progress lookup")
		return
	}
	if job == nil {
		return
	}
	d.notifier.Send(job.OwnerID, &model.Notice{
		Type:     model.NoticeProgress,
		JobID:    job.ID,
		PromptID: e.PromptID,
		Value:    e.Value,
		Max:      e.Max,
	})
}

func (d *Dispatcher) handleExecuted(ctx context.Context, e comfyui.ExecutedEvent) {
	job := d.settle(ctx, e)
	if job == nil {
		return
	}
	fields := jobFields(job)

	if err := d.charger.Charge(ctx, job.OwnerID, job.UnitCount, job.ID); err != nil {
		log.WithFields(fields).WithError(err).
			Error("[dispatcher] charge failed, funds remain frozen, manual intervention required")
	}

	urls := make([]string, 0, len(e.Images))
	for _, img := range e.Images {
		urls = append(urls, d.urls.ArtifactURL(img))
	}
	if err := d.artifacts.SaveArtifacts(ctx, urls, job.OwnerID); err != nil {
		log.WithFields(fields).WithError(err).Error("[dispatcher] save artifacts")
	}

	d.finish(job, model.JobStatusCompleted)
	d.metrics.IncCompleted()
	d.notifier.Send(job.OwnerID, &model.Notice{
		Type:     model.NoticeImageResult,
		JobID:    job.ID,
		PromptID: e.PromptID,
		URLs:     urls,
	})
	log.WithFields(fields).WithField("images", len(urls)).Info("[dispatcher] job completed")
}

func (d *Dispatcher) handleExecutionError(ctx context.Context, e comfyui.ExecutionErrorEvent) {
	job := d.settle(ctx, e)
	if job == nil {
		return
	}
	fields := jobFields(job)

	if !d.refunder.SafeRefund(ctx, job.OwnerID, job.UnitCount, job.ID, compensation.ReasonExecutionError) {
		log.WithFields(fields).Warn("[dispatcher] refund deferred to compensation")
	}

	d.finish(job, model.JobStatusFailed)
	d.metrics.IncFailed()
	d.notifier.Send(job.OwnerID, &model.Notice{
		Type:     model.NoticeExecutionError,
		JobID:    job.ID,
		PromptID: e.PromptID,
		Error:    e.ExceptionMessage,
	})
	log.WithFields(fields).WithField("exception", e.ExceptionType).Warn("[dispatcher] job failed")
}

// handleInterrupted settles a job interrupted outside the cancel path.
// While a cancel is in flight it only releases the permit and leaves the
// record to the cancel, which settles and reports it.
func (d *Dispatcher) handleInterrupted(ctx context.Context, e comfyui.ExecutionInterruptedEvent) {
	if e.PromptID != "" {
		cancelling, err := d.tracker.Cancelling(ctx, e.PromptID)
		if err != nil {
			log.WithField("prompt_id", e.PromptID).WithError(err).Warn("[dispatcher] cancel marker lookup")
		}
		if cancelling {
			d.releasePermit(ctx, e.PromptID, e.Type())
			log.WithField("prompt_id", e.PromptID).Info("[dispatcher] interrupted by cancel, settlement left to it")
			return
		}
	}

	job := d.settle(ctx, e)
	if job == nil {
		return
	}
	fields := jobFields(job)

	if !d.refunder.SafeRefund(ctx, job.OwnerID, job.UnitCount, job.ID, compensation.ReasonInterrupted) {
		log.WithFields(fields).Warn("[dispatcher] refund deferred to compensation")
	}

	d.finish(job, model.JobStatusInterrupted)
	d.metrics.IncInterrupted()
	d.notifier.Send(job.OwnerID, &model.Notice{
		Type:     model.NoticeInterrupted,
		JobID:    job.ID,
		PromptID: e.PromptID,
	})
	log.WithFields(fields).Info("[dispatcher] job interrupted")
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// settle releases the job's permit and takes its running record.
// Returns nil when there is nothing left to settle.
func (d *Dispatcher) settle(ctx context.Context, e comfyui.TerminalEvent) *model.Job {
	promptID := e.Prompt()
	if promptID == "" {
		log.WithField("type", e.Type()).Error("[dispatcher] terminal event without prompt_id, dropped")
		return nil
	}

	d.releasePermit(ctx, promptID, e.Type())

	job, err := d.tracker.Take(ctx, promptID)
	if err != nil {
		log.WithField("prompt_id", promptID).WithError(err).Error("[dispatcher] take running record")
		return nil
	}
	if job == nil {
		log.WithFields(log.Fields{"prompt_id": promptID, "type": e.Type()}).
			Info("[dispatcher] no running record (expired, cancelled or duplicate)")
	}
	return job
}

// releasePermit returns one permit per prompt. The first terminal event for
// a prompt creates a marker; later ones see it and release nothing.
func (d *Dispatcher) releasePermit(ctx context.Context, promptID, eventType string) {
	fields := log.Fields{"prompt_id": promptID, "type": eventType}

	first, err := d.rdb.SetNX(ctx, model.TerminalMarkerKey(promptID), eventType, d.terminalTTL).Result()
	if err != nil {
		// Release is clamped at capacity.
		log.WithFields(fields).WithError(err).Warn("[dispatcher] terminal marker unavailable, releasing anyway")
		first = true
	}
	if !first {
		log.WithFields(fields).Info("[dispatcher] duplicate terminal event, permit already released")
		return
	}

	released, err := d.sem.Release(ctx)
	if err != nil {
		log.WithFields(fields).WithError(err).Error("[dispatcher] release permit failed")
		return
	}
	if released {
		d.metrics.IncPermitReleases(metrics.ReleaseTerminal)
	}
}

func (d *Dispatcher) finish(job *model.Job, status model.JobStatus) {
	if d.jobLog != nil {
		d.jobLog.LogJobFinished(job.ID, status)
	}
}

func jobFields(job *model.Job) log.Fields {
	return log.Fields{
		"job_id":    job.ID,
		"owner_id":  job.OwnerID,
		"prompt_id": job.ExternalJobID,
		"units":     job.UnitCount,
	}
}
