package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/agilefinance/taskengine/pkg/classify"
	"github.com/agilefinance/taskengine/pkg/logger"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

// MessageStatusSent marks a message that has already been delivered.
const MessageStatusSent = "sent"

// Message is an outbound message owned by the messages module.
type Message struct {
	ID      string
	ChatID  string
	Content string
	Status  string
}

// ErrorNotification is the out-of-band alert emitted when message delivery
// fails with a critical error.
type ErrorNotification struct {
	Type      string
	MessageID string
	Channel   string
	Error     string
}

// MessageService is the slice of the messages module the processor depends on.
type MessageService interface {
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	IsChannelAvailable(channel string) bool
	Send(ctx context.Context, msg *Message, channel string) error
	MarkFailed(ctx context.Context, messageID, reason string) error
	NotifyError(ctx context.Context, notification ErrorNotification) error
}

// MessageProcessor delivers outbound messages. Payload: message_id, channel.
type MessageProcessor struct {
	service MessageService
}

// NewMessageProcessor creates the processor for MESSAGE tasks.
func NewMessageProcessor(service MessageService) *MessageProcessor {
	return &MessageProcessor{service: service}
}

func (p *MessageProcessor) TaskType() tasks.Type {
	return tasks.TypeMessage
}

func (p *MessageProcessor) ValidatePayload(payload map[string]any) error {
	if _, err := idField(payload, "message_id"); err != nil {
		return err
	}
	if _, err := stringField(payload, "channel"); err != nil {
		return err
	}
	return nil
}

func (p *MessageProcessor) Process(ctx context.Context, task *tasks.Task) error {
	messageID, _ := idField(task.Payload, "message_id")
	channel, _ := stringField(task.Payload, "channel")

	msg, err := p.service.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("fetching message %s: %w", messageID, err)
	}
	if msg == nil {
		return fmt.Errorf("Mensagem %s não encontrada", messageID)
	}

	// A retried task whose message already went out must not send twice.
	if msg.Status == MessageStatusSent {
		logger.Log.Info().
			Str("task_id", task.ID).
			Str("message_id", messageID).
			Msg("Message already sent, skipping delivery")
		return nil
	}

	if !p.service.IsChannelAvailable(channel) {
		return fmt.Errorf("Canal %s não disponível", channel)
	}

	if err := p.service.Send(ctx, msg, channel); err != nil {
		return fmt.Errorf("sending message %s via %s: %w", messageID, channel, err)
	}

	logger.Log.Info().
		Str("task_id", task.ID).
		Str("message_id", messageID).
		Str("channel", channel).
		Msg("Message delivered successfully")

	return nil
}

// HandleFailure marks the message failed and, for critical errors, emits an
// out-of-band delivery-failure notification.
func (p *MessageProcessor) HandleFailure(ctx context.Context, task *tasks.Task, procErr error) {
	messageID, err := idField(task.Payload, "message_id")
	if err != nil {
		return
	}
	channel, _ := stringField(task.Payload, "channel")

	logger.Log.Error().
		Err(procErr).
		Str("task_id", task.ID).
		Str("message_id", messageID).
		Str("channel", channel).
		Msg("Message delivery failed")

	if err := p.service.MarkFailed(ctx, messageID, procErr.Error()); err != nil {
		logger.Log.Error().
			Err(err).
			Str("message_id", messageID).
			Msg("Failed to mark message as failed")
	}

	if classify.Classify(procErr) == classify.Critical {
		notification := ErrorNotification{
			Type:      "MESSAGE_DELIVERY_FAILED",
			MessageID: messageID,
			Channel:   channel,
			Error:     procErr.Error(),
		}
		if err := p.service.NotifyError(ctx, notification); err != nil {
			logger.Log.Error().
				Err(err).
				Str("message_id", messageID).
				Msg("Failed to send critical error notification")
		}
	}
}

// CanRetry pins missing-message and unavailable-channel failures as final.
// Temporary failures get the extended budget through the shared policy.
func (p *MessageProcessor) CanRetry(task *tasks.Task, procErr error) bool {
	msg := procErr.Error()
	if strings.Contains(msg, "não encontrada") ||
		strings.Contains(msg, "não disponível") {
		return false
	}
	return DefaultCanRetry(task, procErr)
}
