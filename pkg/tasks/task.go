// Package tasks defines the core data structures for task representation in the
// task engine. Tasks are persisted units of work that are picked up by the worker,
// routed to a processor by type, and retried on failure according to the shared
// retry policy.
package tasks

import (
	"time"
)

// Type is the discriminator that selects a processor for a task.
// The set of valid types is closed: the registry refuses to register a
// processor for anything else, and the store refuses to create tasks
// with an unknown type.
type Type string

const (
	// TypeNFSe emits an NFSe tax document through the tax-authority integration.
	TypeNFSe Type = "NFSE"

	// TypeMessage delivers an outbound chat message through a channel provider.
	TypeMessage Type = "MESSAGE"

	// TypeBillingMessage renders a billing template and delivers it to a person.
	TypeBillingMessage Type = "BILLING_MESSAGE"

	// TypeEmail sends a transactional email through the mail provider.
	TypeEmail Type = "EMAIL"
)

// Types lists every known task type. Used for startup checks and metrics
// pre-registration.
func Types() []Type {
	return []Type{TypeNFSe, TypeMessage, TypeBillingMessage, TypeEmail}
}

// Valid reports whether t is one of the known task types.
func (t Type) Valid() bool {
	switch t {
	case TypeNFSe, TypeMessage, TypeBillingMessage, TypeEmail:
		return true
	default:
		return false
	}
}

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// Status is the persisted lifecycle state of a task.
//
// Lifecycle:
//
//	pending → processing → completed
//	                     ↘ pending (retryable failure, retries incremented)
//	                     ↘ failed  (terminal)
type Status string

const (
	// StatusPending means the task is waiting for an attempt.
	StatusPending Status = "pending"

	// StatusProcessing is held only while an attempt is in flight.
	StatusProcessing Status = "processing"

	// StatusCompleted means the side effect was performed successfully. Terminal.
	StatusCompleted Status = "completed"

	// StatusFailed means the task was abandoned after a non-retryable error
	// or an exhausted retry budget. Terminal.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultMaxRetries is the retry budget assigned to tasks created without an
// explicit budget.
const DefaultMaxRetries = 3

// Task represents a persisted unit of work.
//
// The Type field routes the task to a processor, while Payload carries the
// type-specific data; each processor owns its own payload schema and the
// framework treats it as opaque. Retries is incremented by the dispatcher
// (never by processors) when an attempt fails and the retry policy allows
// another one.
type Task struct {
	// ID is a unique identifier for the task (UUID), immutable once created.
	ID string `json:"id"`

	// Type routes the task to a processor and labels its metrics.
	Type Type `json:"type"`

	// Payload contains the job-specific data. Processors validate and
	// interpret it; the framework never looks inside.
	Payload map[string]any `json:"payload"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Retries counts the attempts already made.
	Retries int `json:"retries"`

	// MaxRetries is the retry budget for this task. The classifier may
	// extend the effective budget for temporary failures.
	MaxRetries int `json:"max_retries"`

	// ErrorMessage holds the most recent failure reason. Empty unless the
	// last attempt failed.
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedAt is the timestamp when the task was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the timestamp of the last status change.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished reports whether the task reached a terminal status.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}
