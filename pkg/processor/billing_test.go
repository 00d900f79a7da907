package processor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agilefinance/taskengine/pkg/classify"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

// stubBillingMessenger records chat and delivery activity.
type stubBillingMessenger struct {
	created *Message
	sendErr error

	createCalls int
	sendCalls   int
	lastContent string
}

func (s *stubBillingMessenger) FindOrCreateChat(ctx context.Context, personID string) (*Chat, error) {
	return &Chat{ID: "chat-1", PersonID: personID}, nil
}

func (s *stubBillingMessenger) CreateMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	s.createCalls++
	s.lastContent = msg.Content
	if s.created != nil {
		return s.created, nil
	}
	return &Message{ID: "msg-1", ChatID: msg.ChatID, Content: msg.Content, Status: "pending"}, nil
}

func (s *stubBillingMessenger) Send(ctx context.Context, msg *Message, channel string) error {
	s.sendCalls++
	return s.sendErr
}

func billingTask() *tasks.Task {
	return newTask(tasks.TypeBillingMessage, map[string]any{
		"personId": "person-9",
		"billingData": map[string]any{
			"invoiceNumber": "FAT-2026-001",
			"amount":        float64(1250.50),
			"dueDate":       "2026-09-10",
			"personName":    "Maria",
		},
	})
}

func TestBillingValidatePayload(t *testing.T) {
	p := NewBillingProcessor(&stubBillingMessenger{})

	if err := p.ValidatePayload(billingTask().Payload); err != nil {
		t.Errorf("Expected valid payload, got %v", err)
	}

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing personId", map[string]any{
			"billingData": map[string]any{"invoiceNumber": "X", "amount": float64(1), "dueDate": "2026-01-01"},
		}},
		{"missing billingData", map[string]any{"personId": "p"}},
		{"missing invoiceNumber", map[string]any{
			"personId":    "p",
			"billingData": map[string]any{"amount": float64(1), "dueDate": "2026-01-01"},
		}},
		{"non-positive amount", map[string]any{
			"personId":    "p",
			"billingData": map[string]any{"invoiceNumber": "X", "amount": float64(0), "dueDate": "2026-01-01"},
		}},
		{"missing dueDate", map[string]any{
			"personId":    "p",
			"billingData": map[string]any{"invoiceNumber": "X", "amount": float64(1)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.ValidatePayload(tt.payload); !classify.IsValidation(err) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestBillingProcessSuccess(t *testing.T) {
	messenger := &stubBillingMessenger{}
	p := NewBillingProcessor(messenger)

	if err := p.Process(context.Background(), billingTask()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if messenger.sendCalls != 1 {
		t.Errorf("Expected 1 send call, got %d", messenger.sendCalls)
	}
	if !strings.Contains(messenger.lastContent, "FAT-2026-001") {
		t.Errorf("Expected invoice number in content, got %q", messenger.lastContent)
	}
	if !strings.Contains(messenger.lastContent, "Maria") {
		t.Errorf("Expected person name in content, got %q", messenger.lastContent)
	}
}

func TestBillingProcessIdempotent(t *testing.T) {
	// The messenger de-duplicates by task metadata: a retried task gets back
	// the message created by the first attempt, already sent.
	messenger := &stubBillingMessenger{
		created: &Message{ID: "msg-1", Status: MessageStatusSent},
	}
	p := NewBillingProcessor(messenger)

	if err := p.Process(context.Background(), billingTask()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if messenger.sendCalls != 0 {
		t.Errorf("Expected no send calls for already sent billing message, got %d", messenger.sendCalls)
	}
}

func TestBillingMalformedDataNeverRetries(t *testing.T) {
	p := NewBillingProcessor(&stubBillingMessenger{})
	task := billingTask()
	task.Payload["billingData"] = map[string]any{"invoiceNumber": "X"}

	err := p.Process(context.Background(), task)
	if !classify.IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if p.CanRetry(task, err) {
		t.Error("Expected CanRetry=false for malformed billing data")
	}
}

func TestBillingSendFailureFollowsSharedPolicy(t *testing.T) {
	messenger := &stubBillingMessenger{sendErr: errors.New("rate limit exceeded")}
	p := NewBillingProcessor(messenger)
	task := billingTask()

	err := p.Process(context.Background(), task)
	if err == nil {
		t.Fatal("Expected process to fail")
	}
	task.Retries = task.MaxRetries // within extended budget for temporary
	if !p.CanRetry(task, err) {
		t.Error("Expected CanRetry=true for rate-limited send within extended budget")
	}
}
