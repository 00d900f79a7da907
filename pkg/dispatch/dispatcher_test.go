package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agilefinance/taskengine/pkg/classify"
	"github.com/agilefinance/taskengine/pkg/processor"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

// fakeStore keeps every saved task state in order.
type fakeStore struct {
	saves []tasks.Task
}

func (f *fakeStore) SaveTask(ctx context.Context, task tasks.Task) error {
	f.saves = append(f.saves, task)
	return nil
}

func (f *fakeStore) last() tasks.Task {
	return f.saves[len(f.saves)-1]
}

// countingMetrics records metric calls per type.
type countingMetrics struct {
	completed map[tasks.Type]int
	failed    map[tasks.Type]int
	durations int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		completed: make(map[tasks.Type]int),
		failed:    make(map[tasks.Type]int),
	}
}

func (m *countingMetrics) TaskCompleted(typ tasks.Type) { m.completed[typ]++ }
func (m *countingMetrics) TaskFailed(typ tasks.Type)    { m.failed[typ]++ }
func (m *countingMetrics) ObserveDuration(typ tasks.Type, d time.Duration) {
	m.durations++
}

// stubNFSeService backs the NFSe processor in dispatcher-level scenarios.
type stubNFSeService struct {
	nfse        *processor.NFSeRecord
	credentials *processor.EmpresaCredentials
	emitErr     error
	emitCalls   int
	failedID    string
}

func (s *stubNFSeService) GetNFSe(ctx context.Context, nfseID string) (*processor.NFSeRecord, error) {
	return s.nfse, nil
}

func (s *stubNFSeService) GetEmpresaCredentials(ctx context.Context, empresaID string) (*processor.EmpresaCredentials, error) {
	return s.credentials, nil
}

func (s *stubNFSeService) Emit(ctx context.Context, nfse *processor.NFSeRecord, creds *processor.EmpresaCredentials) error {
	s.emitCalls++
	return s.emitErr
}

func (s *stubNFSeService) MarkFailed(ctx context.Context, nfseID, reason string) error {
	s.failedID = nfseID
	return nil
}

// stubMessageService backs the message processor in dispatcher-level scenarios.
type stubMessageService struct {
	message   *processor.Message
	available bool
	sendErr   error
	sendCalls int
}

func (s *stubMessageService) GetMessage(ctx context.Context, messageID string) (*processor.Message, error) {
	return s.message, nil
}

func (s *stubMessageService) IsChannelAvailable(channel string) bool { return s.available }

func (s *stubMessageService) Send(ctx context.Context, msg *processor.Message, channel string) error {
	s.sendCalls++
	return s.sendErr
}

func (s *stubMessageService) MarkFailed(ctx context.Context, messageID, reason string) error {
	return nil
}

func (s *stubMessageService) NotifyError(ctx context.Context, n processor.ErrorNotification) error {
	return nil
}

func pendingTask(typ tasks.Type, payload map[string]any) tasks.Task {
	return tasks.Task{
		ID:         "task-1",
		Type:       typ,
		Payload:    payload,
		Status:     tasks.StatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

func TestDispatchNFSeSuccess(t *testing.T) {
	// NFSE task with valid credentials and a succeeding emission call ends
	// completed and increments the completed counter for NFSE.
	store := &fakeStore{}
	metrics := newCountingMetrics()
	registry := processor.NewRegistry()
	registry.MustRegister(processor.NewNFSeProcessor(&stubNFSeService{
		nfse:        &processor.NFSeRecord{ID: "123", Status: "pending"},
		credentials: &processor.EmpresaCredentials{EmpresaID: "456"},
	}))
	d := NewDispatcher(store, registry, metrics)

	task := pendingTask(tasks.TypeNFSe, map[string]any{
		"nfse_id":    float64(123),
		"empresa_id": float64(456),
	})

	result, err := d.Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.Status != tasks.StatusCompleted {
		t.Errorf("Expected status completed, got %s", result.Status)
	}
	if metrics.completed[tasks.TypeNFSe] != 1 {
		t.Errorf("Expected completed counter 1 for NFSE, got %d", metrics.completed[tasks.TypeNFSe])
	}
	if metrics.durations != 1 {
		t.Errorf("Expected 1 duration observation, got %d", metrics.durations)
	}

	// Status went through processing before completed
	if len(store.saves) != 2 || store.saves[0].Status != tasks.StatusProcessing {
		t.Errorf("Expected processing then completed saves, got %+v", store.saves)
	}
}

func TestDispatchNFSeMissingCredentials(t *testing.T) {
	// Missing credentials fail permanently: the NFSe record is marked
	// failed and the task is not retried.
	service := &stubNFSeService{
		nfse:        &processor.NFSeRecord{ID: "123", Status: "pending"},
		credentials: nil,
	}
	store := &fakeStore{}
	metrics := newCountingMetrics()
	registry := processor.NewRegistry()
	registry.MustRegister(processor.NewNFSeProcessor(service))
	d := NewDispatcher(store, registry, metrics)

	task := pendingTask(tasks.TypeNFSe, map[string]any{
		"nfse_id":    float64(123),
		"empresa_id": float64(456),
	})

	result, err := d.Dispatch(context.Background(), task)
	if err == nil {
		t.Fatal("Expected dispatch to surface the error")
	}
	if result.Status != tasks.StatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}
	if service.failedID != "123" {
		t.Errorf("Expected NFSe record marked failed, got %q", service.failedID)
	}
	if metrics.failed[tasks.TypeNFSe] != 1 {
		t.Errorf("Expected failed counter 1 for NFSE, got %d", metrics.failed[tasks.TypeNFSe])
	}
}

func TestDispatchMessageTimeoutRetriesUpToExtendedBudget(t *testing.T) {
	// A MESSAGE task whose send call times out stays pending with retries
	// incremented, up to max_retries * 2 attempts before finalizing failed.
	service := &stubMessageService{
		message:   &processor.Message{ID: "msg-1", Status: "pending"},
		available: true,
		sendErr:   errors.New("ETIMEDOUT"),
	}
	store := &fakeStore{}
	metrics := newCountingMetrics()
	registry := processor.NewRegistry()
	registry.MustRegister(processor.NewMessageProcessor(service))
	d := NewDispatcher(store, registry, metrics)

	task := pendingTask(tasks.TypeMessage, map[string]any{
		"message_id": "msg-1",
		"channel":    "whatsapp",
	})

	extendedBudget := task.MaxRetries * 2
	for attempt := 0; attempt < extendedBudget; attempt++ {
		result, err := d.Dispatch(context.Background(), task)
		if err != nil {
			t.Fatalf("Attempt %d: expected retryable failure to be absorbed, got %v", attempt+1, err)
		}
		if result.Status != tasks.StatusPending {
			t.Fatalf("Attempt %d: expected status pending, got %s", attempt+1, result.Status)
		}
		if result.Retries != attempt+1 {
			t.Fatalf("Attempt %d: expected retries %d, got %d", attempt+1, attempt+1, result.Retries)
		}
		task = result
	}

	// Budget exhausted: the next attempt finalizes failed.
	result, err := d.Dispatch(context.Background(), task)
	if err == nil {
		t.Fatal("Expected final attempt to surface the error")
	}
	if result.Status != tasks.StatusFailed {
		t.Errorf("Expected status failed after exhausted budget, got %s", result.Status)
	}
	if metrics.failed[tasks.TypeMessage] != 1 {
		t.Errorf("Expected failed counter 1 for MESSAGE, got %d", metrics.failed[tasks.TypeMessage])
	}
	if service.sendCalls != extendedBudget+1 {
		t.Errorf("Expected %d send attempts, got %d", extendedBudget+1, service.sendCalls)
	}
}

func TestDispatchUnknownTypeFailsImmediately(t *testing.T) {
	store := &fakeStore{}
	metrics := newCountingMetrics()
	d := NewDispatcher(store, processor.NewRegistry(), metrics)

	task := pendingTask(tasks.TypeEmail, map[string]any{})

	result, err := d.Dispatch(context.Background(), task)

	var unknown *classify.UnknownTaskTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("Expected UnknownTaskTypeError, got %v", err)
	}
	if result.Status != tasks.StatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}
	if result.ErrorMessage == "" {
		t.Error("Expected error message recorded on task")
	}
}

func TestDispatchValidationFailureNeverRetries(t *testing.T) {
	service := &stubMessageService{available: true}
	store := &fakeStore{}
	registry := processor.NewRegistry()
	registry.MustRegister(processor.NewMessageProcessor(service))
	d := NewDispatcher(store, registry, newCountingMetrics())

	task := pendingTask(tasks.TypeMessage, map[string]any{"channel": "sms"})

	result, err := d.Dispatch(context.Background(), task)
	if !classify.IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if result.Status != tasks.StatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}
	if result.Retries != 0 {
		t.Errorf("Expected no retries for validation failure, got %d", result.Retries)
	}
	if service.sendCalls != 0 {
		t.Errorf("Expected process never invoked, got %d send calls", service.sendCalls)
	}
}

func TestDispatchAlwaysPersistsAnOutcome(t *testing.T) {
	// Whatever the path, the last persisted status is never processing.
	store := &fakeStore{}
	registry := processor.NewRegistry()
	registry.MustRegister(processor.NewMessageProcessor(&stubMessageService{
		message:   &processor.Message{ID: "msg-1", Status: "pending"},
		available: true,
		sendErr:   errors.New("boom"),
	}))
	d := NewDispatcher(store, registry, nil)

	task := pendingTask(tasks.TypeMessage, map[string]any{
		"message_id": "msg-1",
		"channel":    "sms",
	})

	d.Dispatch(context.Background(), task)

	if len(store.saves) == 0 {
		t.Fatal("Expected at least one persisted state")
	}
	if store.last().Status == tasks.StatusProcessing {
		t.Errorf("Expected a settled final status, got %s", store.last().Status)
	}
}
