package renewal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agilefinance/taskengine/pkg/store"
)

// fakeProvider renews or refuses per subscription id.
type fakeProvider struct {
	renewErrs map[string]error
	createErr error

	renewCalls  []string
	createCalls int
	deleteCalls []string
}

func (f *fakeProvider) Renew(ctx context.Context, subscriptionID string) (time.Time, error) {
	f.renewCalls = append(f.renewCalls, subscriptionID)
	if err := f.renewErrs[subscriptionID]; err != nil {
		return time.Time{}, err
	}
	return time.Now().Add(72 * time.Hour), nil
}

func (f *fakeProvider) Create(ctx context.Context) (store.Subscription, error) {
	f.createCalls++
	if f.createErr != nil {
		return store.Subscription{}, f.createErr
	}
	return store.Subscription{
		SubscriptionID: "new-sub",
		ExpirationDate: time.Now().Add(72 * time.Hour),
	}, nil
}

func (f *fakeProvider) Delete(ctx context.Context, subscriptionID string) error {
	f.deleteCalls = append(f.deleteCalls, subscriptionID)
	return nil
}

// fakeSubscriptionStore tracks persistence calls in memory.
type fakeSubscriptionStore struct {
	expiring []store.Subscription

	updated     map[string]time.Time
	deactivated []string
	created     []store.Subscription
}

func newFakeSubscriptionStore(expiring ...store.Subscription) *fakeSubscriptionStore {
	return &fakeSubscriptionStore{
		expiring: expiring,
		updated:  make(map[string]time.Time),
	}
}

func (f *fakeSubscriptionStore) FindExpiringSubscriptions(ctx context.Context, within time.Duration) ([]store.Subscription, error) {
	return f.expiring, nil
}

func (f *fakeSubscriptionStore) UpdateExpirationDate(ctx context.Context, id string, expiration time.Time) error {
	f.updated[id] = expiration
	return nil
}

func (f *fakeSubscriptionStore) DeactivateSubscription(ctx context.Context, id string) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

func (f *fakeSubscriptionStore) CreateSubscription(ctx context.Context, sub store.Subscription) (store.Subscription, error) {
	f.created = append(f.created, sub)
	return sub, nil
}

func expiringIn(id string, d time.Duration) store.Subscription {
	return store.Subscription{
		SubscriptionID: id,
		Status:         store.SubscriptionActive,
		ExpirationDate: time.Now().Add(d),
	}
}

func TestExecuteRenewsExpiring(t *testing.T) {
	provider := &fakeProvider{}
	subs := newFakeSubscriptionStore(expiringIn("sub-1", 2*time.Hour))
	job := NewJob(provider, subs, 0)

	summary, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if summary.Renewed != 1 || summary.Recreated != 0 || summary.Failed != 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if _, ok := subs.updated["sub-1"]; !ok {
		t.Error("Expected new expiration persisted for sub-1")
	}
}

func TestExecuteRecreatesOnRenewalFailure(t *testing.T) {
	// Renewal of sub-1 fails: the job deactivates it and creates plus
	// persists a replacement. A second subscription in the same batch that
	// renews fine is unaffected.
	provider := &fakeProvider{
		renewErrs: map[string]error{"sub-1": errors.New("subscription too close to expiry")},
	}
	subs := newFakeSubscriptionStore(
		expiringIn("sub-1", 2*time.Hour),
		expiringIn("sub-2", 20*time.Hour),
	)
	job := NewJob(provider, subs, 0)

	summary, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if summary.Renewed != 1 {
		t.Errorf("Expected sub-2 renewed, summary: %+v", summary)
	}
	if summary.Recreated != 1 {
		t.Errorf("Expected sub-1 recreated, summary: %+v", summary)
	}
	if len(subs.deactivated) != 1 || subs.deactivated[0] != "sub-1" {
		t.Errorf("Expected sub-1 deactivated, got %v", subs.deactivated)
	}
	if len(subs.created) != 1 || subs.created[0].SubscriptionID != "new-sub" {
		t.Errorf("Expected replacement persisted, got %v", subs.created)
	}
	if len(provider.deleteCalls) != 1 || provider.deleteCalls[0] != "sub-1" {
		t.Errorf("Expected sub-1 deleted at the provider, got %v", provider.deleteCalls)
	}
	if _, ok := subs.updated["sub-2"]; !ok {
		t.Error("Expected sub-2 expiration persisted despite sub-1 failure")
	}
}

func TestExecuteCountsDoubleFailure(t *testing.T) {
	provider := &fakeProvider{
		renewErrs: map[string]error{"sub-1": errors.New("renewal refused")},
		createErr: errors.New("provider unavailable"),
	}
	subs := newFakeSubscriptionStore(expiringIn("sub-1", time.Hour))
	job := NewJob(provider, subs, 0)

	summary, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if summary.Failed != 1 {
		t.Errorf("Expected 1 double-failure, summary: %+v", summary)
	}
	// The old subscription was still deactivated before the create failed.
	if len(subs.deactivated) != 1 {
		t.Errorf("Expected deactivation attempted, got %v", subs.deactivated)
	}
	if len(subs.created) != 0 {
		t.Errorf("Expected no replacement persisted, got %v", subs.created)
	}
}

func TestExecuteEmptyBatch(t *testing.T) {
	job := NewJob(&fakeProvider{}, newFakeSubscriptionStore(), 12*time.Hour)

	summary, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if summary.Considered != 0 {
		t.Errorf("Expected empty summary, got %+v", summary)
	}
}

func TestRenewalJobWithRedisStore(t *testing.T) {
	// End-to-end against the real store: a renewed subscription leaves the
	// expiring window.
	s := newTestRedisStore(t)
	ctx := context.Background()

	s.CreateSubscription(ctx, store.Subscription{
		SubscriptionID: "sub-1",
		ExpirationDate: time.Now().Add(2 * time.Hour),
	})

	job := NewJob(&fakeProvider{}, s, 24*time.Hour)
	summary, err := job.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if summary.Renewed != 1 {
		t.Fatalf("Expected 1 renewal, got %+v", summary)
	}

	expiring, _ := s.FindExpiringSubscriptions(ctx, 24*time.Hour)
	if len(expiring) != 0 {
		t.Errorf("Expected renewed subscription out of the expiring window, got %d", len(expiring))
	}
}
