package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Permit release reasons.
const (
	ReleaseTerminal    = "terminal"     // worker reported a terminal outcome
	ReleaseDrained     = "drained"      // queue emptied between check and pop
	ReleaseSubmitError = "submit_error" // worker refused the submission
)

// Collector holds the broker's Prometheus metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry prometheus.Gatherer

	jobsEnqueued          prometheus.Counter
	jobsAdmitted          prometheus.Counter
	submissionFailures    prometheus.Counter
	jobsCompleted         prometheus.Counter
	jobsFailed            prometheus.Counter
	jobsInterrupted       prometheus.Counter
	permitReleases        *prometheus.CounterVec
	compensationsRecorded prometheus.Counter
	compensationsSettled  prometheus.Counter

	permitsAvailable      prometheus.Gauge
	jobsRunning           prometheus.Gauge
	queueLength           prometheus.Gauge
	workerQueueRemaining  prometheus.Gauge
	compensationsStalled  prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg.
// gatherer is what Handler serves; pass the same registry for both.
func NewCollector(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		registry: gatherer,
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_jobs_enqueued_total",
			Help: "Jobs accepted into the queue",
		}),
		jobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_jobs_admitted_total",
			Help: "Jobs accepted by the worker",
		}),
		submissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_submission_failures_total",
			Help: "Worker submissions that failed and were compensated",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_jobs_completed_total",
			Help: "Jobs settled after an executed callback",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_jobs_failed_total",
			Help: "Jobs settled after an execution_error callback",
		}),
		jobsInterrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_jobs_interrupted_total",
			Help: "Jobs removed after an execution_interrupted callback",
		}),
		permitReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_permit_releases_total",
			Help: "Admission permits returned, by reason",
		}, []string{"reason"}),
		compensationsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_compensations_recorded_total",
			Help: "Refunds deferred to the compensation sweep",
		}),
		compensationsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_compensations_settled_total",
			Help: "Compensation records refunded by the sweep",
		}),
		permitsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_permits_available",
			Help: "Free admission permits at the last tick",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_jobs_running",
			Help: "Placeholder and running records at the last tick",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_queue_length",
			Help: "Jobs waiting in the queue at the last tick",
		}),
		workerQueueRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_worker_queue_remaining",
			Help: "queue_remaining reported by the worker's last status event",
		}),
		compensationsStalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_compensations_stalled",
			Help: "Compensation records at the retry cap awaiting manual resolution",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsAdmitted,
		c.submissionFailures,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsInterrupted,
		c.permitReleases,
		c.compensationsRecorded,
		c.compensationsSettled,
		c.permitsAvailable,
		c.jobsRunning,
		c.queueLength,
		c.workerQueueRemaining,
		c.compensationsStalled,
	)
	return c
}

// Handler serves the registered metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) IncEnqueued() {
	if c != nil {
		c.jobsEnqueued.Inc()
	}
}

func (c *Collector) IncAdmitted() {
	if c != nil {
		c.jobsAdmitted.Inc()
	}
}

func (c *Collector) IncSubmissionFailures() {
	if c != nil {
		c.submissionFailures.Inc()
	}
}

func (c *Collector) IncCompleted() {
	if c != nil {
		c.jobsCompleted.Inc()
	}
}

func (c *Collector) IncFailed() {
	if c != nil {
		c.jobsFailed.Inc()
	}
}

func (c *Collector) IncInterrupted() {
	if c != nil {
		c.jobsInterrupted.Inc()
	}
}

// IncPermitReleases counts one permit returned for reason.
func (c *Collector) IncPermitReleases(reason string) {
	if c != nil {
		c.permitReleases.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) IncCompensationsRecorded() {
	if c != nil {
		c.compensationsRecorded.Inc()
	}
}

func (c *Collector) AddCompensationsSettled(n int) {
	if c != nil {
		c.compensationsSettled.Add(float64(n))
	}
}

// SetAdmission records the tick's view of permits, running jobs and queue length.
func (c *Collector) SetAdmission(permits, running, queued int64) {
	if c == nil {
		return
	}
	c.permitsAvailable.Set(float64(permits))
	c.jobsRunning.Set(float64(running))
	c.queueLength.Set(float64(queued))
}

func (c *Collector) SetWorkerQueueRemaining(n int) {
	if c != nil {
		c.workerQueueRemaining.Set(float64(n))
	}
}

func (c *Collector) SetCompensationsStalled(n int) {
	if c != nil {
		c.compensationsStalled.Set(float64(n))
	}
}
