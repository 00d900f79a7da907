// Package processor defines the polymorphic contract for task execution and
// the concrete processors for each task type (NFSe emission, message delivery,
// billing notifications, transactional email).
//
// Processors perform the side effect for one task type. They never touch task
// status or retry counters directly: the dispatcher owns all persisted state
// transitions, and processors signal outcome through return values. Because
// retries re-invoke Process for the same task, every processor must be safe to
// run more than once, either by checking downstream state first or by leaning
// on the downstream system's own de-duplication.
package processor

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/agilefinance/taskengine/pkg/classify"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

// Processor is the unit that knows how to validate and execute one task type.
type Processor interface {
	// TaskType returns the type tag this processor handles. Constant.
	TaskType() tasks.Type

	// ValidatePayload rejects missing or malformed payload fields before
	// execution. Returns a *classify.ValidationError on rejection.
	ValidatePayload(payload map[string]any) error

	// Process performs the side effect. Safe to invoke more than once for
	// the same task.
	Process(ctx context.Context, task *tasks.Task) error

	// HandleFailure runs compensating actions after a failed attempt, such
	// as marking an owned downstream record failed or notifying on critical
	// errors. It must not return an error: compensation is best-effort and
	// is logged, never propagated.
	HandleFailure(ctx context.Context, task *tasks.Task, procErr error)

	// CanRetry reports whether the task may be attempted again after
	// failing with procErr. The default policy is DefaultCanRetry;
	// processors override it to pin certain error categories as final.
	CanRetry(task *tasks.Task, procErr error) bool
}

// DefaultCanRetry delegates to the shared classification and retry policy.
func DefaultCanRetry(task *tasks.Task, procErr error) bool {
	class := classify.Classify(procErr)
	return classify.CanRetry(task.Retries, task.MaxRetries, class)
}

// Registry is the closed, type-keyed dispatch table mapping each task type to
// exactly one processor. Registration happens at startup so an unregistered or
// duplicated type fails fast rather than at dispatch time.
type Registry struct {
	processors map[tasks.Type]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[tasks.Type]Processor)}
}

// Register adds a processor to the registry. It rejects unknown type tags and
// duplicate registrations.
func (r *Registry) Register(p Processor) error {
	typ := p.TaskType()
	if !typ.Valid() {
		return fmt.Errorf("cannot register processor for unknown task type %q", typ)
	}
	if _, exists := r.processors[typ]; exists {
		return fmt.Errorf("processor already registered for task type %q", typ)
	}
	r.processors[typ] = p
	return nil
}

// MustRegister is Register for wiring code, panicking on startup mistakes.
func (r *Registry) MustRegister(p Processor) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Resolve returns the processor for a task type, or UnknownTaskTypeError if
// none is registered.
func (r *Registry) Resolve(typ tasks.Type) (Processor, error) {
	p, ok := r.processors[typ]
	if !ok {
		return nil, &classify.UnknownTaskTypeError{Type: typ.String()}
	}
	return p, nil
}

// Types returns the registered task types in stable order.
func (r *Registry) Types() []tasks.Type {
	out := make([]tasks.Type, 0, len(r.processors))
	for typ := range r.processors {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// stringField extracts a required non-empty string field from a payload.
func stringField(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		return "", classify.NewValidationError(key, "is required")
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", classify.NewValidationError(key, "must be a non-empty string")
	}
	return s, nil
}

// idField extracts a required identifier that may arrive as a string or a
// JSON number, normalized to its string form.
func idField(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		return "", classify.NewValidationError(key, "is required")
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", classify.NewValidationError(key, "must not be empty")
		}
		return id, nil
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	case int:
		return strconv.Itoa(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	default:
		return "", classify.NewValidationError(key, "must be a string or number")
	}
}
