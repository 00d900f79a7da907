package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agilefinance/taskengine/pkg/logger"
	"github.com/agilefinance/taskengine/pkg/processor"
	"github.com/agilefinance/taskengine/pkg/renewal"
	"github.com/agilefinance/taskengine/pkg/store"
)

// Development stand-ins for the external integrations (tax-authority
// gateway, channel providers, mail provider, webhook provider). They log and
// simulate latency so the full dispatch pipeline can be exercised locally.
// Production deployments replace these at wiring time.

type devNFSeService struct{}

func (devNFSeService) GetNFSe(ctx context.Context, nfseID string) (*processor.NFSeRecord, error) {
	return &processor.NFSeRecord{ID: nfseID, Status: "pending"}, nil
}

func (devNFSeService) GetEmpresaCredentials(ctx context.Context, empresaID string) (*processor.EmpresaCredentials, error) {
	return &processor.EmpresaCredentials{EmpresaID: empresaID}, nil
}

func (devNFSeService) Emit(ctx context.Context, nfse *processor.NFSeRecord, creds *processor.EmpresaCredentials) error {
	logger.Log.Info().Str("nfse_id", nfse.ID).Msg("Emitting NFSe (dev)...")
	time.Sleep(500 * time.Millisecond) // Simulate tax-authority round trip
	return nil
}

func (devNFSeService) MarkFailed(ctx context.Context, nfseID, reason string) error {
	logger.Log.Warn().Str("nfse_id", nfseID).Str("reason", reason).Msg("NFSe marked failed (dev)")
	return nil
}

type devMessageService struct{}

func (devMessageService) GetMessage(ctx context.Context, messageID string) (*processor.Message, error) {
	return &processor.Message{ID: messageID, Status: "pending", Content: "dev message"}, nil
}

func (devMessageService) IsChannelAvailable(channel string) bool {
	return channel == "email" || channel == "whatsapp"
}

func (devMessageService) Send(ctx context.Context, msg *processor.Message, channel string) error {
	logger.Log.Info().Str("message_id", msg.ID).Str("channel", channel).Msg("Sending message (dev)...")
	time.Sleep(200 * time.Millisecond)
	return nil
}

func (devMessageService) MarkFailed(ctx context.Context, messageID, reason string) error {
	logger.Log.Warn().Str("message_id", messageID).Str("reason", reason).Msg("Message marked failed (dev)")
	return nil
}

func (devMessageService) NotifyError(ctx context.Context, n processor.ErrorNotification) error {
	logger.Log.Error().
		Str("notification_type", n.Type).
		Str("message_id", n.MessageID).
		Str("error", n.Error).
		Msg("Critical delivery failure notification (dev)")
	return nil
}

type devBillingMessenger struct{}

func (devBillingMessenger) FindOrCreateChat(ctx context.Context, personID string) (*processor.Chat, error) {
	return &processor.Chat{ID: "chat-" + personID, PersonID: personID}, nil
}

func (devBillingMessenger) CreateMessage(ctx context.Context, msg processor.NewMessage) (*processor.Message, error) {
	return &processor.Message{ID: uuid.New().String(), ChatID: msg.ChatID, Content: msg.Content, Status: "pending"}, nil
}

func (devBillingMessenger) Send(ctx context.Context, msg *processor.Message, channel string) error {
	logger.Log.Info().Str("message_id", msg.ID).Str("channel", channel).Msg("Sending billing message (dev)...")
	time.Sleep(200 * time.Millisecond)
	return nil
}

type devMailer struct{}

func (devMailer) Send(ctx context.Context, to []string, subject, content string, metadata map[string]string) error {
	logger.Log.Info().Strs("to", to).Str("subject", subject).Msg("Sending email (dev)...")
	time.Sleep(200 * time.Millisecond)
	return nil
}

type devWebhookProvider struct{}

var _ renewal.WebhookProvider = devWebhookProvider{}

func (devWebhookProvider) Renew(ctx context.Context, subscriptionID string) (time.Time, error) {
	logger.Log.Info().Str("subscription_id", subscriptionID).Msg("Renewing subscription (dev)...")
	return time.Now().Add(3 * 24 * time.Hour), nil
}

func (devWebhookProvider) Delete(ctx context.Context, subscriptionID string) error {
	logger.Log.Info().Str("subscription_id", subscriptionID).Msg("Deleting subscription (dev)")
	return nil
}

func (devWebhookProvider) Create(ctx context.Context) (store.Subscription, error) {
	return store.Subscription{
		SubscriptionID: uuid.New().String(),
		Resource:       "/users/dev/messages",
		ExpirationDate: time.Now().Add(3 * 24 * time.Hour),
		ClientState:    "dev-client-state",
	}, nil
}
