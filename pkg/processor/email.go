package processor

import (
	"context"
	"fmt"

	"github.com/agilefinance/taskengine/pkg/classify"
	"github.com/agilefinance/taskengine/pkg/logger"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

// Mailer is the outbound mail provider. The metadata carries the task ID so
// the provider's own de-duplication absorbs re-sends of a retried task.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, content string, metadata map[string]string) error
}

// EmailProcessor sends transactional email. Payload: to, subject, content.
type EmailProcessor struct {
	mailer Mailer
}

// NewEmailProcessor creates the processor for EMAIL tasks.
func NewEmailProcessor(mailer Mailer) *EmailProcessor {
	return &EmailProcessor{mailer: mailer}
}

func (p *EmailProcessor) TaskType() tasks.Type {
	return tasks.TypeEmail
}

func (p *EmailProcessor) ValidatePayload(payload map[string]any) error {
	if _, err := recipients(payload); err != nil {
		return err
	}
	if _, err := stringField(payload, "subject"); err != nil {
		return err
	}
	if _, err := stringField(payload, "content"); err != nil {
		return err
	}
	return nil
}

func (p *EmailProcessor) Process(ctx context.Context, task *tasks.Task) error {
	to, _ := recipients(task.Payload)
	subject, _ := stringField(task.Payload, "subject")
	content, _ := stringField(task.Payload, "content")

	metadata := map[string]string{
		"task_id": task.ID,
		"source":  "taskengine",
	}

	if err := p.mailer.Send(ctx, to, subject, content, metadata); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}

	logger.Log.Info().
		Str("task_id", task.ID).
		Strs("to", to).
		Str("subject", subject).
		Msg("Email sent successfully")

	return nil
}

// HandleFailure logs the failure. There is no owned record to compensate
// for email; the task's error message is the trail.
func (p *EmailProcessor) HandleFailure(ctx context.Context, task *tasks.Task, procErr error) {
	logger.Log.Error().
		Err(procErr).
		Str("task_id", task.ID).
		Msg("Email delivery failed")
}

// CanRetry follows the shared policy: access-denied and authentication errors
// from the provider classify as critical and are never retried.
func (p *EmailProcessor) CanRetry(task *tasks.Task, procErr error) bool {
	return DefaultCanRetry(task, procErr)
}

// recipients extracts the "to" field, accepting a single address or a list.
func recipients(payload map[string]any) ([]string, error) {
	v, ok := payload["to"]
	if !ok || v == nil {
		return nil, errRequiredTo()
	}
	switch to := v.(type) {
	case string:
		if to == "" {
			return nil, errRequiredTo()
		}
		return []string{to}, nil
	case []string:
		if len(to) == 0 {
			return nil, errRequiredTo()
		}
		return to, nil
	case []any:
		if len(to) == 0 {
			return nil, errRequiredTo()
		}
		out := make([]string, 0, len(to))
		for _, item := range to {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, errRequiredTo()
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errRequiredTo()
	}
}

func errRequiredTo() error {
	return classify.NewValidationError("to", "must be a non-empty address or list of addresses")
}
