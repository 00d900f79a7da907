package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/agilefinance/taskengine/pkg/logger"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

// NFSeStatusIssued marks a tax document that has already been emitted.
const NFSeStatusIssued = "issued"

// NFSeRecord is the tax document owned by the NFSe module.
type NFSeRecord struct {
	ID        string
	EmpresaID string
	Status    string
}

// EmpresaCredentials are the company's credentials at the municipal
// tax-authority gateway.
type EmpresaCredentials struct {
	EmpresaID   string
	Certificate string
	Password    string
}

// NFSeService is the slice of the NFSe module the processor depends on.
// Emit performs the actual call to the tax-authority API.
type NFSeService interface {
	GetNFSe(ctx context.Context, nfseID string) (*NFSeRecord, error)
	GetEmpresaCredentials(ctx context.Context, empresaID string) (*EmpresaCredentials, error)
	Emit(ctx context.Context, nfse *NFSeRecord, creds *EmpresaCredentials) error
	MarkFailed(ctx context.Context, nfseID, reason string) error
}

// NFSeProcessor emits NFSe tax documents. Payload: nfse_id, empresa_id.
type NFSeProcessor struct {
	service NFSeService
}

// NewNFSeProcessor creates the processor for NFSE tasks.
func NewNFSeProcessor(service NFSeService) *NFSeProcessor {
	return &NFSeProcessor{service: service}
}

func (p *NFSeProcessor) TaskType() tasks.Type {
	return tasks.TypeNFSe
}

func (p *NFSeProcessor) ValidatePayload(payload map[string]any) error {
	if _, err := idField(payload, "nfse_id"); err != nil {
		return err
	}
	if _, err := idField(payload, "empresa_id"); err != nil {
		return err
	}
	return nil
}

func (p *NFSeProcessor) Process(ctx context.Context, task *tasks.Task) error {
	nfseID, _ := idField(task.Payload, "nfse_id")
	empresaID, _ := idField(task.Payload, "empresa_id")

	nfse, err := p.service.GetNFSe(ctx, nfseID)
	if err != nil {
		return fmt.Errorf("fetching NFSe %s: %w", nfseID, err)
	}
	if nfse == nil {
		return fmt.Errorf("NFSe %s não encontrada", nfseID)
	}

	// Re-invocations of an already emitted document are a no-op.
	if nfse.Status == NFSeStatusIssued {
		logger.Log.Info().
			Str("task_id", task.ID).
			Str("nfse_id", nfseID).
			Msg("NFSe already issued, skipping emission")
		return nil
	}

	creds, err := p.service.GetEmpresaCredentials(ctx, empresaID)
	if err != nil {
		return fmt.Errorf("fetching credentials for empresa %s: %w", empresaID, err)
	}
	if creds == nil {
		return fmt.Errorf("Credenciais não encontradas para empresa %s", empresaID)
	}

	if err := p.service.Emit(ctx, nfse, creds); err != nil {
		return fmt.Errorf("emitting NFSe %s: %w", nfseID, err)
	}

	logger.Log.Info().
		Str("task_id", task.ID).
		Str("nfse_id", nfseID).
		Str("empresa_id", empresaID).
		Msg("NFSe emitted successfully")

	return nil
}

// HandleFailure marks the owned NFSe record as failed so the document's status
// reflects the outcome without consulting the task store.
func (p *NFSeProcessor) HandleFailure(ctx context.Context, task *tasks.Task, procErr error) {
	nfseID, err := idField(task.Payload, "nfse_id")
	if err != nil {
		return
	}

	logger.Log.Error().
		Err(procErr).
		Str("task_id", task.ID).
		Str("nfse_id", nfseID).
		Msg("NFSe emission failed")

	if err := p.service.MarkFailed(ctx, nfseID, procErr.Error()); err != nil {
		logger.Log.Error().
			Err(err).
			Str("nfse_id", nfseID).
			Msg("Failed to mark NFSe as failed")
	}
}

// CanRetry pins missing-credentials and missing-record failures as final;
// everything else follows the shared policy.
func (p *NFSeProcessor) CanRetry(task *tasks.Task, procErr error) bool {
	msg := procErr.Error()
	if strings.Contains(msg, "Credenciais não encontradas") ||
		strings.Contains(msg, "não encontrada") {
		return false
	}
	return DefaultCanRetry(task, procErr)
}
