package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Subscription statuses.
const (
	SubscriptionActive   = "active"
	SubscriptionInactive = "inactive"
)

// Subscription is an externally-registered webhook subscription. An active
// subscription always has its expiration in the future; the renewal job
// maintains that invariant over time.
type Subscription struct {
	// SubscriptionID is the provider-assigned identifier.
	SubscriptionID string `json:"subscription_id"`

	// Resource is the watched resource path at the provider.
	Resource string `json:"resource"`

	// ExpirationDate is when the provider will stop delivering notifications.
	ExpirationDate time.Time `json:"expiration_date"`

	// Status is active or inactive.
	Status string `json:"status"`

	// ClientState is the shared secret echoed back in notifications so
	// inbound calls can be validated.
	ClientState string `json:"client_state"`

	// CreatedAt is when the subscription was first persisted.
	CreatedAt time.Time `json:"created_at"`
}

func subscriptionKey(id string) string {
	return fmt.Sprintf("subscription:%s", id)
}

const activeSubscriptionsKey = "subscriptions:active"

// CreateSubscription persists a new active subscription and indexes it by
// expiration. A missing id gets a fresh UUID.
func (s *Store) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = uuid.New().String()
	}
	sub.Status = SubscriptionActive
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return Subscription{}, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, subscriptionKey(sub.SubscriptionID), data, 0)
	pipe.ZAdd(ctx, activeSubscriptionsKey, redis.Z{
		Score:  float64(sub.ExpirationDate.Unix()),
		Member: sub.SubscriptionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return Subscription{}, err
	}

	return sub, nil
}

// GetSubscription loads a subscription by id. Returns ErrNotFound for
// unknown ids.
func (s *Store) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	data, err := s.rdb.Get(ctx, subscriptionKey(id)).Result()
	if err == redis.Nil {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}

	var sub Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// FindExpiringSubscriptions returns active subscriptions whose expiration
// falls within the given horizon, soonest first. A single range query over
// the expiration-scored sorted set.
func (s *Store) FindExpiringSubscriptions(ctx context.Context, within time.Duration) ([]Subscription, error) {
	deadline := time.Now().Add(within).Unix()

	ids, err := s.rdb.ZRangeByScore(ctx, activeSubscriptionsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", deadline),
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []Subscription
	for _, id := range ids {
		sub, err := s.GetSubscription(ctx, id)
		if err == ErrNotFound {
			s.rdb.ZRem(ctx, activeSubscriptionsKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// UpdateExpirationDate persists a renewed expiration, keeping the index score
// in step. Idempotent: re-applying the same expiration is a no-op upsert.
func (s *Store) UpdateExpirationDate(ctx context.Context, id string, expiration time.Time) error {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return err
	}

	sub.ExpirationDate = expiration
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, subscriptionKey(id), data, 0)
	pipe.ZAdd(ctx, activeSubscriptionsKey, redis.Z{
		Score:  float64(expiration.Unix()),
		Member: id,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// DeactivateSubscription marks a subscription inactive and drops it from the
// expiration index so the renewal job stops considering it.
func (s *Store) DeactivateSubscription(ctx context.Context, id string) error {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return err
	}

	sub.Status = SubscriptionInactive
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, subscriptionKey(id), data, 0)
	pipe.ZRem(ctx, activeSubscriptionsKey, id)
	_, err = pipe.Exec(ctx)
	return err
}
