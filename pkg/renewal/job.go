// Package renewal implements the scheduled job that keeps webhook
// subscriptions alive: it renews subscriptions approaching expiry and, when
// the provider refuses to renew (some disallow renewal close to expiry),
// compensates by deactivating the old subscription and registering a fresh
// one. Each subscription is handled independently so one failure never aborts
// the rest of the batch.
package renewal

import (
	"context"
	"time"

	"github.com/agilefinance/taskengine/pkg/logger"
	"github.com/agilefinance/taskengine/pkg/store"
)

// DefaultHorizon is how far ahead the job looks for expiring subscriptions.
const DefaultHorizon = 24 * time.Hour

// WebhookProvider is the external subscription API (e.g., Microsoft Graph).
type WebhookProvider interface {
	// Renew extends a subscription and returns its new expiration.
	Renew(ctx context.Context, subscriptionID string) (time.Time, error)

	// Create registers a brand-new subscription at the provider.
	Create(ctx context.Context) (store.Subscription, error)

	// Delete removes a subscription at the provider.
	Delete(ctx context.Context, subscriptionID string) error
}

// SubscriptionStore is the slice of the store the job reads and writes.
type SubscriptionStore interface {
	FindExpiringSubscriptions(ctx context.Context, within time.Duration) ([]store.Subscription, error)
	UpdateExpirationDate(ctx context.Context, id string, expiration time.Time) error
	DeactivateSubscription(ctx context.Context, id string) error
	CreateSubscription(ctx context.Context, sub store.Subscription) (store.Subscription, error)
}

// Summary reports what one job execution did.
type Summary struct {
	// Considered is how many expiring subscriptions the batch contained.
	Considered int

	// Renewed counts successful in-place renewals.
	Renewed int

	// Recreated counts subscriptions replaced after a failed renewal.
	Recreated int

	// Failed counts subscriptions where both renewal and replacement failed.
	Failed int
}

// Job renews expiring subscriptions on a fixed cadence driven by an external
// scheduler.
type Job struct {
	provider WebhookProvider
	store    SubscriptionStore
	horizon  time.Duration
}

// NewJob wires a renewal job. A non-positive horizon falls back to
// DefaultHorizon.
func NewJob(provider WebhookProvider, subs SubscriptionStore, horizon time.Duration) *Job {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Job{provider: provider, store: subs, horizon: horizon}
}

// Execute runs one renewal pass. It returns an error only when the expiring
// batch cannot be loaded at all; per-subscription failures are logged,
// counted in the summary and never abort the remaining set.
func (j *Job) Execute(ctx context.Context) (Summary, error) {
	log := logger.With("subscription-renewal")
	log.Info().Dur("horizon", j.horizon).Msg("Starting subscription renewal job")

	expiring, err := j.store.FindExpiringSubscriptions(ctx, j.horizon)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load expiring subscriptions")
		return Summary{}, err
	}

	summary := Summary{Considered: len(expiring)}
	log.Info().Int("count", len(expiring)).Msg("Subscriptions found for renewal")

	for _, sub := range expiring {
		if err := j.renewOne(ctx, sub); err == nil {
			summary.Renewed++
			continue
		}
		if err := j.recreateOne(ctx, sub); err == nil {
			summary.Recreated++
		} else {
			summary.Failed++
		}
	}

	log.Info().
		Int("considered", summary.Considered).
		Int("renewed", summary.Renewed).
		Int("recreated", summary.Recreated).
		Int("failed", summary.Failed).
		Msg("Subscription renewal job finished")

	return summary, nil
}

// renewOne extends one subscription at the provider and persists the new
// expiration. The persistence is a single idempotent upsert.
func (j *Job) renewOne(ctx context.Context, sub store.Subscription) error {
	log := logger.With("subscription-renewal")

	newExpiration, err := j.provider.Renew(ctx, sub.SubscriptionID)
	if err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", sub.SubscriptionID).
			Time("expiration", sub.ExpirationDate).
			Msg("Failed to renew subscription")
		return err
	}

	if err := j.store.UpdateExpirationDate(ctx, sub.SubscriptionID, newExpiration); err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", sub.SubscriptionID).
			Msg("Failed to persist renewed expiration")
		return err
	}

	log.Info().
		Str("subscription_id", sub.SubscriptionID).
		Time("new_expiration", newExpiration).
		Msg("Subscription renewed")
	return nil
}

// recreateOne is the compensation path: deactivate the old subscription and
// register plus persist a brand-new one.
func (j *Job) recreateOne(ctx context.Context, sub store.Subscription) error {
	log := logger.With("subscription-renewal")

	if err := j.store.DeactivateSubscription(ctx, sub.SubscriptionID); err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", sub.SubscriptionID).
			Msg("Failed to deactivate old subscription")
		return err
	}

	// Best effort. The subscription expires on its own shortly anyway.
	if err := j.provider.Delete(ctx, sub.SubscriptionID); err != nil {
		log.Warn().
			Err(err).
			Str("subscription_id", sub.SubscriptionID).
			Msg("Failed to delete old subscription at the provider")
	}

	created, err := j.provider.Create(ctx)
	if err != nil {
		log.Error().
			Err(err).
			Str("old_subscription_id", sub.SubscriptionID).
			Msg("Failed to create replacement subscription")
		return err
	}

	if _, err := j.store.CreateSubscription(ctx, created); err != nil {
		log.Error().
			Err(err).
			Str("old_subscription_id", sub.SubscriptionID).
			Str("new_subscription_id", created.SubscriptionID).
			Msg("Failed to persist replacement subscription")
		return err
	}

	log.Info().
		Str("old_subscription_id", sub.SubscriptionID).
		Str("new_subscription_id", created.SubscriptionID).
		Time("new_expiration", created.ExpirationDate).
		Msg("Replacement subscription created after failed renewal")
	return nil
}
