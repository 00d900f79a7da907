package tasks

import (
	"time"
)

// Outcome is the dispatcher's verdict on a single task attempt.
type Outcome string

const (
	// OutcomeCompleted means the processor performed the side effect.
	OutcomeCompleted Outcome = "completed"

	// OutcomeRetry means the attempt failed but the retry policy allows
	// another one. The task returns to pending with retries incremented.
	OutcomeRetry Outcome = "retry"

	// OutcomeFailed means the attempt failed and no further attempts are
	// allowed. Terminal.
	OutcomeFailed Outcome = "failed"
)

// Apply computes the task state resulting from an attempt outcome.
//
// It is a pure function: the input task is not mutated, and the result is
// persisted by the dispatcher through a single store call. Legal transitions:
//
//	pending/processing + completed → completed
//	pending/processing + retry     → pending, retries+1, error recorded
//	pending/processing + failed    → failed, error recorded
//
// Terminal tasks are returned unchanged: a task never leaves completed or
// failed regardless of outcome.
func Apply(t Task, outcome Outcome, errMsg string) Task {
	if t.Status.IsTerminal() {
		return t
	}

	t.UpdatedAt = time.Now()

	switch outcome {
	case OutcomeCompleted:
		t.Status = StatusCompleted
		t.ErrorMessage = ""
	case OutcomeRetry:
		t.Status = StatusPending
		t.Retries++
		t.ErrorMessage = errMsg
	case OutcomeFailed:
		t.Status = StatusFailed
		t.ErrorMessage = errMsg
	}

	return t
}

// MarkProcessing returns a copy of the task in the processing state.
// Held only while an attempt is in flight; every attempt ends with Apply.
func MarkProcessing(t Task) Task {
	if t.Status.IsTerminal() {
		return t
	}
	t.Status = StatusProcessing
	t.UpdatedAt = time.Now()
	return t
}
