// Package metrics exposes Prometheus instrumentation for task processing.
//
// The Recorder is a constructor-injected dependency rather than a package-level
// singleton, so tests can register against their own registry without touching
// global state. Recording is best-effort: no method returns an error and none
// may panic during normal operation, because a metrics outage must never fail
// task processing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agilefinance/taskengine/pkg/tasks"
)

// durationBuckets spans sub-second email sends through multi-minute
// tax-authority round trips.
var durationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60, 120, 300}

// Recorder tracks task lifecycle counters, the pending gauge, and the
// processing-duration histogram, all labeled by task type.
type Recorder struct {
	created   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	pending   *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// NewRecorder creates a Recorder registered against the given registerer.
// Label series for all known task types are pre-initialized so dashboards
// see zeroes instead of missing series.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		created: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "taskengine_tasks_created_total",
			Help: "The total number of tasks created",
		}, []string{"type"}),
		completed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "taskengine_tasks_completed_total",
			Help: "The total number of tasks completed successfully",
		}, []string{"type"}),
		failed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "taskengine_tasks_failed_total",
			Help: "The total number of tasks finalized as failed",
		}, []string{"type"}),
		pending: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskengine_tasks_pending",
			Help: "Number of tasks currently pending",
		}, []string{"type"}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskengine_task_duration_seconds",
			Help:    "Duration of task processing",
			Buckets: durationBuckets,
		}, []string{"type"}),
	}

	for _, typ := range tasks.Types() {
		r.created.WithLabelValues(typ.String())
		r.completed.WithLabelValues(typ.String())
		r.failed.WithLabelValues(typ.String())
		r.pending.WithLabelValues(typ.String())
	}

	return r
}

// TaskCreated increments the created counter for the given type.
func (r *Recorder) TaskCreated(typ tasks.Type) {
	r.created.WithLabelValues(typ.String()).Inc()
}

// TaskCompleted increments the completed counter for the given type.
func (r *Recorder) TaskCompleted(typ tasks.Type) {
	r.completed.WithLabelValues(typ.String()).Inc()
}

// TaskFailed increments the failed counter for the given type.
func (r *Recorder) TaskFailed(typ tasks.Type) {
	r.failed.WithLabelValues(typ.String()).Inc()
}

// SetPending updates the pending gauge for the given type.
// Fed by the worker's periodic store poll.
func (r *Recorder) SetPending(typ tasks.Type, count float64) {
	r.pending.WithLabelValues(typ.String()).Set(count)
}

// ObserveDuration records the processing duration of one attempt.
func (r *Recorder) ObserveDuration(typ tasks.Type, d time.Duration) {
	r.duration.WithLabelValues(typ.String()).Observe(d.Seconds())
}
