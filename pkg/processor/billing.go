package processor

import (
	"context"
	"fmt"

	"github.com/agilefinance/taskengine/pkg/classify"
	"github.com/agilefinance/taskengine/pkg/logger"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

// Chat groups the messages exchanged with one person.
type Chat struct {
	ID       string
	PersonID string
}

// NewMessage is the request to create an outbound message in a chat.
type NewMessage struct {
	ChatID    string
	Direction string
	Content   string
	Metadata  map[string]any
}

// BillingMessenger is the slice of the messages module the billing processor
// depends on: chat lookup, message creation and delivery.
type BillingMessenger interface {
	FindOrCreateChat(ctx context.Context, personID string) (*Chat, error)
	CreateMessage(ctx context.Context, msg NewMessage) (*Message, error)
	Send(ctx context.Context, msg *Message, channel string) error
}

// BillingData is the template input for a billing notification.
type BillingData struct {
	InvoiceNumber string
	Amount        float64
	DueDate       string
	PersonName    string
}

// parseBillingData validates the billingData payload section against the
// billing template schema and extracts it.
func parseBillingData(raw map[string]any) (*BillingData, error) {
	invoiceNumber, ok := raw["invoiceNumber"].(string)
	if !ok || invoiceNumber == "" {
		return nil, classify.NewValidationError("billingData.invoiceNumber", "is required")
	}

	amount, ok := raw["amount"].(float64)
	if !ok || amount <= 0 {
		return nil, classify.NewValidationError("billingData.amount", "must be a positive number")
	}

	dueDate, ok := raw["dueDate"].(string)
	if !ok || dueDate == "" {
		return nil, classify.NewValidationError("billingData.dueDate", "is required")
	}

	personName, _ := raw["personName"].(string)

	return &BillingData{
		InvoiceNumber: invoiceNumber,
		Amount:        amount,
		DueDate:       dueDate,
		PersonName:    personName,
	}, nil
}

// renderBillingMessage generates the billing notification content.
func renderBillingMessage(data *BillingData) string {
	greeting := "Olá"
	if data.PersonName != "" {
		greeting = fmt.Sprintf("Olá, %s", data.PersonName)
	}
	return fmt.Sprintf(
		"%s! A fatura %s no valor de R$ %.2f vence em %s. Evite juros pagando até a data de vencimento.",
		greeting, data.InvoiceNumber, data.Amount, data.DueDate,
	)
}

// BillingProcessor renders a billing template and delivers it to a person.
// Payload: personId, billingData, optional channel (default "email").
type BillingProcessor struct {
	messenger BillingMessenger
}

// NewBillingProcessor creates the processor for BILLING_MESSAGE tasks.
func NewBillingProcessor(messenger BillingMessenger) *BillingProcessor {
	return &BillingProcessor{messenger: messenger}
}

func (p *BillingProcessor) TaskType() tasks.Type {
	return tasks.TypeBillingMessage
}

func (p *BillingProcessor) ValidatePayload(payload map[string]any) error {
	if _, err := idField(payload, "personId"); err != nil {
		return err
	}
	raw, ok := payload["billingData"].(map[string]any)
	if !ok {
		return classify.NewValidationError("billingData", "is required")
	}
	if _, err := parseBillingData(raw); err != nil {
		return err
	}
	return nil
}

func (p *BillingProcessor) Process(ctx context.Context, task *tasks.Task) error {
	personID, _ := idField(task.Payload, "personId")
	raw, _ := task.Payload["billingData"].(map[string]any)

	data, err := parseBillingData(raw)
	if err != nil {
		return err
	}

	channel := "email"
	if c, ok := task.Payload["channel"].(string); ok && c != "" {
		channel = c
	}

	chat, err := p.messenger.FindOrCreateChat(ctx, personID)
	if err != nil {
		return fmt.Errorf("resolving chat for person %s: %w", personID, err)
	}

	msg, err := p.messenger.CreateMessage(ctx, NewMessage{
		ChatID:    chat.ID,
		Direction: "OUTBOUND",
		Content:   renderBillingMessage(data),
		Metadata: map[string]any{
			"type":          "BILLING",
			"invoiceNumber": data.InvoiceNumber,
			"amount":        data.Amount,
			"dueDate":       data.DueDate,
			"task_id":       task.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("creating billing message: %w", err)
	}

	// Messages created by a previous attempt come back already sent.
	if msg.Status == MessageStatusSent {
		logger.Log.Info().
			Str("task_id", task.ID).
			Str("message_id", msg.ID).
			Msg("Billing message already sent, skipping delivery")
		return nil
	}

	if err := p.messenger.Send(ctx, msg, channel); err != nil {
		return fmt.Errorf("sending billing message %s: %w", msg.ID, err)
	}

	logger.Log.Info().
		Str("task_id", task.ID).
		Str("message_id", msg.ID).
		Str("person_id", personID).
		Str("invoice_number", data.InvoiceNumber).
		Msg("Billing message sent successfully")

	return nil
}

// HandleFailure logs the failure. The billing message is owned by the chat it
// was created in; there is no separate record to compensate.
func (p *BillingProcessor) HandleFailure(ctx context.Context, task *tasks.Task, procErr error) {
	logger.Log.Error().
		Err(procErr).
		Str("task_id", task.ID).
		Msg("Billing message processing failed")
}

// CanRetry never retries malformed billing data; otherwise the shared policy
// applies.
func (p *BillingProcessor) CanRetry(task *tasks.Task, procErr error) bool {
	if classify.IsValidation(procErr) {
		return false
	}
	return DefaultCanRetry(task, procErr)
}
