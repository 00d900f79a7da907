// Package dispatch orchestrates task attempts: it selects a processor by task
// type, invokes it, applies the classification and retry policy on failure,
// and persists the resulting state transition.
//
// The dispatcher is the sole writer of task state. It never swallows an
// error: every attempt ends in a persisted status change, and non-retryable
// failures propagate to the caller so a synchronous trigger can surface them.
// Retryable failures are absorbed (the task stays pending for a future
// attempt) and show up only in the task record and the metrics trail.
package dispatch

import (
	"context"
	"time"

	"github.com/agilefinance/taskengine/pkg/classify"
	"github.com/agilefinance/taskengine/pkg/logger"
	"github.com/agilefinance/taskengine/pkg/processor"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

// TaskStore is the slice of the store the dispatcher writes through.
type TaskStore interface {
	SaveTask(ctx context.Context, task tasks.Task) error
}

// Metrics is the recording port consumed by the dispatcher. Implementations
// must be best-effort: recording never fails task processing.
type Metrics interface {
	TaskCompleted(typ tasks.Type)
	TaskFailed(typ tasks.Type)
	ObserveDuration(typ tasks.Type, d time.Duration)
}

// NopMetrics discards all recordings.
type NopMetrics struct{}

func (NopMetrics) TaskCompleted(tasks.Type) {}

func (NopMetrics) TaskFailed(tasks.Type) {}

func (NopMetrics) ObserveDuration(tasks.Type, time.Duration) {}

// Dispatcher runs the per-attempt state machine.
type Dispatcher struct {
	store    TaskStore
	registry *processor.Registry
	metrics  Metrics
}

// NewDispatcher wires a dispatcher. A nil metrics port falls back to NopMetrics.
func NewDispatcher(store TaskStore, registry *processor.Registry, metrics Metrics) *Dispatcher {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Dispatcher{store: store, registry: registry, metrics: metrics}
}

// Dispatch runs one attempt of a pending task and returns the task's state
// after the attempt.
//
// The returned error is non-nil only for failures the caller should see:
// unknown task type, payload validation, or a final (non-retryable or
// budget-exhausted) processing failure. A retryable failure returns nil with
// the task back in pending.
func (d *Dispatcher) Dispatch(ctx context.Context, task tasks.Task) (tasks.Task, error) {
	proc, err := d.registry.Resolve(task.Type)
	if err != nil {
		logger.Log.Error().
			Err(err).
			Str("task_id", task.ID).
			Str("type", task.Type.String()).
			Msg("No processor registered for task")
		return d.finalize(ctx, task, err)
	}

	if err := proc.ValidatePayload(task.Payload); err != nil {
		// Payload errors indicate a caller bug, never a transient
		// condition: fail immediately without consulting the retry policy.
		logger.Log.Error().
			Err(err).
			Str("task_id", task.ID).
			Str("type", task.Type.String()).
			Msg("Task payload rejected")
		return d.finalize(ctx, task, err)
	}

	inFlight := tasks.MarkProcessing(task)
	if err := d.store.SaveTask(ctx, inFlight); err != nil {
		return task, err
	}

	start := time.Now()
	procErr := proc.Process(ctx, &inFlight)
	d.metrics.ObserveDuration(task.Type, time.Since(start))

	if procErr == nil {
		completed := tasks.Apply(inFlight, tasks.OutcomeCompleted, "")
		if err := d.store.SaveTask(ctx, completed); err != nil {
			return completed, err
		}
		d.metrics.TaskCompleted(task.Type)

		logger.Log.Info().
			Str("task_id", task.ID).
			Str("type", task.Type.String()).
			Int("retries", completed.Retries).
			Msg("Task completed")
		return completed, nil
	}

	proc.HandleFailure(ctx, &inFlight, procErr)

	if proc.CanRetry(&inFlight, procErr) {
		retried := tasks.Apply(inFlight, tasks.OutcomeRetry, procErr.Error())
		if err := d.store.SaveTask(ctx, retried); err != nil {
			return retried, err
		}

		logger.Log.Warn().
			Err(procErr).
			Str("task_id", task.ID).
			Str("type", task.Type.String()).
			Str("classification", classify.Classify(procErr).String()).
			Int("retries", retried.Retries).
			Int("max_retries", retried.MaxRetries).
			Msg("Task attempt failed, left pending for retry")
		return retried, nil
	}

	return d.finalize(ctx, inFlight, procErr)
}

// finalize marks the task failed, persists it, records the failure metric and
// propagates the originating error.
func (d *Dispatcher) finalize(ctx context.Context, task tasks.Task, cause error) (tasks.Task, error) {
	failed := tasks.Apply(task, tasks.OutcomeFailed, cause.Error())
	if err := d.store.SaveTask(ctx, failed); err != nil {
		return failed, err
	}
	d.metrics.TaskFailed(task.Type)

	logger.Log.Error().
		Err(cause).
		Str("task_id", task.ID).
		Str("type", task.Type.String()).
		Str("classification", classify.Classify(cause).String()).
		Int("retries", failed.Retries).
		Msg("Task failed permanently")

	return failed, cause
}
