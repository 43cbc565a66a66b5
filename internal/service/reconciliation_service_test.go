package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/subscription-api/internal/models"
	"github.com/noah-isme/subscription-api/internal/repository"
	"github.com/noah-isme/subscription-api/pkg/config"
	appErrors "github.com/noah-isme/subscription-api/pkg/errors"
	"github.com/noah-isme/subscription-api/pkg/signature"
)

const testWebhookSecret = "whsec_test"

// memoryBillingStore serialises Apply calls the way the row lock does and
// enforces ledger uniqueness like the primary key.
type memoryBillingStore struct {
	mu          sync.Mutex
	ledger      map[string]models.ProcessedEvent
	subs        map[string]*models.Subscription
	failWith    error
	existsCalls int
}

func newMemoryBillingStore() *memoryBillingStore {
	return &memoryBillingStore{
		ledger: make(map[string]models.ProcessedEvent),
		subs:   make(map[string]*models.Subscription),
	}
}

func (m *memoryBillingStore) Exists(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	if m.failWith != nil {
		return false, m.failWith
	}
	_, ok := m.ledger[eventID]
	return ok, nil
}

func (m *memoryBillingStore) Apply(ctx context.Context, entry *models.ProcessedEvent, mutate repository.SubscriptionMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}

	var current *models.Subscription
	if entry.SubscriptionRef != nil {
		if sub, ok := m.subs[*entry.SubscriptionRef]; ok {
			cp := *sub
			current = &cp
		}
	}
	next, outcome, err := mutate(current)
	if err != nil {
		return err
	}
	if _, dup := m.ledger[entry.EventID]; dup {
		return repository.ErrEventAlreadyRecorded
	}
	entry.Outcome = outcome
	m.ledger[entry.EventID] = *entry
	if outcome == models.OutcomeApplied && next != nil {
		cp := *next
		m.subs[next.ProviderSubscriptionID] = &cp
	}
	return nil
}

func (m *memoryBillingStore) seed(sub models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ProviderSubscriptionID] = &sub
}

func (m *memoryBillingStore) subscription(ref string) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[ref]
	if !ok {
		return nil
	}
	cp := *sub
	return &cp
}

func (m *memoryBillingStore) ledgerSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ledger)
}

type fakePlans map[string]string

func (f fakePlans) FindByProviderPrice(ctx context.Context, priceID string) (*models.Plan, error) {
	id, ok := f[priceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.Plan{ID: id, ProviderPriceID: priceID, Name: "Pro", Active: true}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.StatusChange
}

func (r *recordingPublisher) Publish(change models.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

type reconcileFixture struct {
	svc       *ReconciliationService
	store     *memoryBillingStore
	publisher *recordingPublisher
	metrics   *MetricsService
	now       time.Time
}

func newReconcileFixture(t *testing.T, cache *CacheService, ordering string) *reconcileFixture {
	t.Helper()
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	verifier := signature.NewVerifier(testWebhookSecret, 5*time.Minute).WithClock(func() time.Time { return now })
	f := &reconcileFixture{
		store:     newMemoryBillingStore(),
		publisher: &recordingPublisher{},
		metrics:   NewMetricsService(),
		now:       now,
	}
	owners := &fakeDirectory{users: map[string]*models.User{"user-1": {ID: "user-1", Email: "owner@example.com"}}}
	f.svc = NewReconciliationService(verifier, owners, f.store, f.store, fakePlans{"price_pro": "plan-pro"}, cache, f.publisher, f.metrics, zap.NewNop(), ReconcileConfig{
		OrderingSource: ordering,
		LedgerCacheTTL: time.Hour,
	})
	f.svc.now = func() time.Time { return now }
	return f
}

func (f *reconcileFixture) deliver(payload []byte) (*models.ReconcileResult, error) {
	return f.svc.HandleEvent(context.Background(), payload, signature.Sign(testWebhookSecret, payload, f.now))
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func subscriptionEvent(t *testing.T, id string, kind models.EventKind, created int64, subID, status string) []byte {
	return mustJSON(t, map[string]interface{}{
		"id":      id,
		"type":    kind,
		"created": created,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":                   subID,
				"customer":             "cus_1",
				"status":               status,
				"current_period_start": 1767225600,
				"current_period_end":   1769904000,
				"metadata":             map[string]string{"user_id": "user-1"},
				"items": map[string]interface{}{
					"data": []map[string]interface{}{{"price": map[string]string{"id": "price_pro"}}},
				},
			},
		},
	})
}

func invoiceEvent(t *testing.T, id string, kind models.EventKind, created int64, subID string) []byte {
	return mustJSON(t, map[string]interface{}{
		"id":      id,
		"type":    kind,
		"created": created,
		"data": map[string]interface{}{
			"object": map[string]interface{}{"id": "in_" + id, "customer": "cus_1", "subscription": subID},
		},
	})
}

func seededSubscription(ref string, status models.SubscriptionStatus, ordering int64) models.Subscription {
	return models.Subscription{
		ID:                     "local-" + ref,
		UserID:                 "user-1",
		ProviderSubscriptionID: ref,
		Status:                 status,
		LastEventOrdering:      ordering,
	}
}

func TestReconcileDuplicateDeliveryIsAlreadyProcessed(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)
	f.store.seed(seededSubscription("sub_1", models.SubscriptionIncomplete, 0))
	payload := invoiceEvent(t, "evt_1", models.EventPaymentSucceeded, 1, "sub_1")

	first, err := f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, first.Outcome)
	assert.Equal(t, models.SubscriptionActive, first.Status)
	assert.Equal(t, models.SubscriptionIncomplete, first.PreviousStatus)

	second, err := f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyProcessed, second.Outcome)

	assert.Equal(t, 1, f.store.ledgerSize())
	assert.Equal(t, models.SubscriptionActive, f.store.subscription("sub_1").Status)
	assert.Equal(t, 1, f.publisher.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.webhookEvents.WithLabelValues(string(models.EventPaymentSucceeded), "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.webhookEvents.WithLabelValues(string(models.EventPaymentSucceeded), "already_processed")))
}

func TestReconcileLateEventAfterCancelIsStale(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)
	f.store.seed(seededSubscription("sub_1", models.SubscriptionActive, 1))

	res, err := f.deliver(subscriptionEvent(t, "evt_2", models.EventSubscriptionDeleted, 5, "sub_1", "canceled"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, res.Outcome)

	res, err = f.deliver(subscriptionEvent(t, "evt_1", models.EventSubscriptionUpdated, 3, "sub_1", "active"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStale, res.Outcome)
	assert.Equal(t, models.SubscriptionCanceled, res.Status)

	sub := f.store.subscription("sub_1")
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)
	assert.Equal(t, int64(5), sub.LastEventOrdering)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, 2, f.store.ledgerSize())
}

func TestReconcileEqualOrderingCannotLeaveCanceled(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)
	f.store.seed(seededSubscription("sub_1", models.SubscriptionCanceled, 5))

	res, err := f.deliver(subscriptionEvent(t, "evt_a", models.EventSubscriptionUpdated, 5, "sub_1", "active"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStale, res.Outcome)
	assert.Equal(t, models.SubscriptionCanceled, f.store.subscription("sub_1").Status)

	res, err = f.deliver(subscriptionEvent(t, "evt_b", models.EventSubscriptionUpdated, 6, "sub_1", "active"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, res.Outcome)
	assert.Equal(t, models.SubscriptionActive, f.store.subscription("sub_1").Status)
}

func TestReconcileConcurrentDuplicatesApplyOnce(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)
	f.store.seed(seededSubscription("sub_1", models.SubscriptionPastDue, 1))
	payload := invoiceEvent(t, "evt_9", models.EventPaymentSucceeded, 2, "sub_1")

	const deliveries = 10
	outcomes := make([]models.EventOutcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.deliver(payload)
			if err == nil {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		switch o {
		case models.OutcomeApplied:
			applied++
		case models.OutcomeAlreadyProcessed:
		default:
			t.Fatalf("unexpected outcome %q", o)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.store.ledgerSize())
	assert.Equal(t, 1, f.publisher.count())
}

func TestReconcileDeliveryOrderDoesNotChangeFinalState(t *testing.T) {
	type delivery struct {
		id      string
		created int64
		kind    models.EventKind
		status  string
	}
	events := []delivery{
		{id: "evt_1", created: 1, kind: models.EventSubscriptionCreated, status: "trialing"},
		{id: "evt_2", created: 2, kind: models.EventSubscriptionUpdated, status: "past_due"},
		{id: "evt_3", created: 3, kind: models.EventSubscriptionUpdated, status: "active"},
		{id: "evt_4", created: 4, kind: models.EventSubscriptionDeleted, status: "canceled"},
	}

	var permutations [][]delivery
	var permute func(prefix, rest []delivery)
	permute = func(prefix, rest []delivery) {
		if len(rest) == 0 {
			permutations = append(permutations, append([]delivery(nil), prefix...))
			return
		}
		for i := range rest {
			remaining := append(append([]delivery(nil), rest[:i]...), rest[i+1:]...)
			permute(append(prefix, rest[i]), remaining)
		}
	}
	permute(nil, events)
	require.Len(t, permutations, 24)

	for idx, order := range permutations {
		t.Run(fmt.Sprintf("order_%d", idx), func(t *testing.T) {
			f := newReconcileFixture(t, nil, config.OrderingTimestamp)
			for round := 0; round < 2; round++ {
				for _, d := range order {
					_, err := f.deliver(subscriptionEvent(t, d.id, d.kind, d.created, "sub_p", d.status))
					require.NoError(t, err)
				}
			}
			sub := f.store.subscription("sub_p")
			require.NotNil(t, sub)
			assert.Equal(t, models.SubscriptionCanceled, sub.Status)
			assert.Equal(t, int64(4), sub.LastEventOrdering)
			require.NotNil(t, sub.LastEventID)
			assert.Equal(t, "evt_4", *sub.LastEventID)
			require.NotNil(t, sub.PlanID)
			assert.Equal(t, "plan-pro", *sub.PlanID)
			assert.Equal(t, 4, f.store.ledgerSize())
		})
	}
}

func TestReconcileProvisionsFromCreatedEvent(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)

	res, err := f.deliver(subscriptionEvent(t, "evt_c", models.EventSubscriptionCreated, 10, "sub_new", "active"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, res.Outcome)
	assert.Empty(t, res.PreviousStatus)

	sub := f.store.subscription("sub_new")
	require.NotNil(t, sub)
	assert.Equal(t, "user-1", sub.UserID)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1769904000), sub.CurrentPeriodEnd.Unix())
	require.Equal(t, 1, f.publisher.count())
	assert.Equal(t, models.SubscriptionActive, f.publisher.changes[0].To)
}

func TestReconcileNonFatalOutcomes(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)

	unhandled := mustJSON(t, map[string]interface{}{
		"id": "evt_u", "type": "charge.refunded", "created": 7,
		"data": map[string]interface{}{"object": map[string]string{"id": "ch_1"}},
	})
	res, err := f.deliver(unhandled)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnhandledKind, res.Outcome)

	res, err = f.deliver(invoiceEvent(t, "evt_n", models.EventPaymentFailed, 8, "sub_missing"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSubscriptionNotFound, res.Outcome)

	assert.Equal(t, 2, f.store.ledgerSize())
	assert.Nil(t, f.store.subscription("sub_missing"))
	assert.Zero(t, f.publisher.count())

	res, err = f.deliver(unhandled)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyProcessed, res.Outcome)
}

func TestReconcileRejectsBadDeliveries(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)
	payload := invoiceEvent(t, "evt_1", models.EventPaymentSucceeded, 1, "sub_1")

	_, err := f.svc.HandleEvent(context.Background(), payload, signature.Sign("wrong", payload, f.now))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrSignatureInvalid))

	_, err = f.svc.HandleEvent(context.Background(), payload, "")
	assert.True(t, appErrors.Is(err, appErrors.ErrSignatureInvalid))

	_, err = f.deliver([]byte(`{"id":`))
	assert.True(t, appErrors.Is(err, appErrors.ErrMalformedEvent))

	_, err = f.deliver([]byte(`{"type":"invoice.payment_succeeded","created":1}`))
	assert.True(t, appErrors.Is(err, appErrors.ErrMalformedEvent))

	assert.Zero(t, f.store.ledgerSize())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.webhookEvents.WithLabelValues("unknown", "signature_invalid")))
}

func TestReconcileSignedEventsWithoutUsableFieldsAreRecorded(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)
	f.store.seed(seededSubscription("sub_1", models.SubscriptionActive, 1))

	tests := []struct {
		name    string
		payload []byte
		want    models.EventOutcome
	}{
		{
			name: "one-off invoice",
			payload: mustJSON(t, map[string]interface{}{
				"id": "evt_oneoff", "type": models.EventPaymentSucceeded, "created": 2,
				"data": map[string]interface{}{"object": map[string]string{"id": "in_1"}},
			}),
			want: models.OutcomeIgnored,
		},
		{
			name: "subscription without id",
			payload: mustJSON(t, map[string]interface{}{
				"id": "evt_noid", "type": models.EventSubscriptionUpdated, "created": 3,
				"data": map[string]interface{}{"object": map[string]string{"status": "canceled"}},
			}),
			want: models.OutcomeIgnored,
		},
		{
			name: "subscription object not an object",
			payload: mustJSON(t, map[string]interface{}{
				"id": "evt_badobj", "type": models.EventSubscriptionDeleted, "created": 4,
				"data": map[string]interface{}{"object": "sub_1"},
			}),
			want: models.OutcomeIgnored,
		},
		{
			name: "missing created",
			payload: mustJSON(t, map[string]interface{}{
				"id": "evt_nocreated", "type": models.EventPaymentFailed,
				"data": map[string]interface{}{"object": map[string]string{"subscription": "sub_1"}},
			}),
			want: models.OutcomeIgnored,
		},
		{
			name:    "missing type",
			payload: []byte(`{"id":"evt_notype","created":5,"data":{"object":{"subscription":"sub_1"}}}`),
			want:    models.OutcomeUnhandledKind,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.deliver(tc.payload)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Outcome)

			res, err = f.deliver(tc.payload)
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeAlreadyProcessed, res.Outcome)
		})
	}

	assert.Equal(t, len(tests), f.store.ledgerSize())
	sub := f.store.subscription("sub_1")
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Equal(t, int64(1), sub.LastEventOrdering)
	assert.Zero(t, f.publisher.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.webhookEvents.WithLabelValues(string(models.EventPaymentSucceeded), string(models.OutcomeIgnored))))
}

func TestReconcileCreatedEventForUnknownUser(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)

	payload := mustJSON(t, map[string]interface{}{
		"id": "evt_stranger", "type": models.EventSubscriptionCreated, "created": 10,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":       "sub_stranger",
				"status":   "active",
				"metadata": map[string]string{"user_id": "user-missing"},
			},
		},
	})
	res, err := f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSubscriptionNotFound, res.Outcome)
	assert.Nil(t, f.store.subscription("sub_stranger"))
	assert.Equal(t, 1, f.store.ledgerSize())
	assert.Zero(t, f.publisher.count())

	res, err = f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyProcessed, res.Outcome)
}

type failingDirectory struct{}

func (failingDirectory) FindByID(ctx context.Context, id string) (*models.User, error) {
	return nil, errors.New("connection refused")
}

func TestReconcileOwnerLookupFailureIsTransient(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)
	f.svc.owners = failingDirectory{}

	_, err := f.deliver(subscriptionEvent(t, "evt_c", models.EventSubscriptionCreated, 10, "sub_new", "active"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTransient))
	assert.Zero(t, f.store.ledgerSize())
}

func TestReconcileSameOrderingConverges(t *testing.T) {
	pastDue := subscriptionEvent(t, "evt_a", models.EventSubscriptionUpdated, 7, "sub_1", "past_due")
	active := subscriptionEvent(t, "evt_b", models.EventSubscriptionUpdated, 7, "sub_1", "active")
	canceled := subscriptionEvent(t, "evt_0", models.EventSubscriptionDeleted, 7, "sub_1", "canceled")

	tests := []struct {
		name  string
		order [][]byte
		want  models.SubscriptionStatus
	}{
		{name: "a then b", order: [][]byte{pastDue, active}, want: models.SubscriptionActive},
		{name: "b then a", order: [][]byte{active, pastDue}, want: models.SubscriptionActive},
		{name: "cancel first", order: [][]byte{canceled, active, pastDue}, want: models.SubscriptionCanceled},
		{name: "cancel last", order: [][]byte{pastDue, active, canceled}, want: models.SubscriptionCanceled},
		{name: "cancel in between", order: [][]byte{active, canceled, pastDue}, want: models.SubscriptionCanceled},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newReconcileFixture(t, nil, config.OrderingTimestamp)
			f.store.seed(seededSubscription("sub_1", models.SubscriptionTrialing, 6))
			for _, payload := range tc.order {
				_, err := f.deliver(payload)
				require.NoError(t, err)
			}
			sub := f.store.subscription("sub_1")
			assert.Equal(t, tc.want, sub.Status)
			assert.Equal(t, int64(7), sub.LastEventOrdering)
		})
	}
}

func TestReconcileTransientFaults(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)
	f.store.seed(seededSubscription("sub_1", models.SubscriptionActive, 1))

	f.store.failWith = errors.New("connection reset")
	_, err := f.deliver(invoiceEvent(t, "evt_t", models.EventPaymentFailed, 2, "sub_1"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTransient))

	f.store.failWith = nil
	res, err := f.deliver(invoiceEvent(t, "evt_t", models.EventPaymentFailed, 2, "sub_1"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, res.Outcome)
	assert.Equal(t, models.SubscriptionPastDue, res.Status)
}

type provisionRaceStore struct {
	*memoryBillingStore
}

func (p provisionRaceStore) Apply(ctx context.Context, entry *models.ProcessedEvent, mutate repository.SubscriptionMutation) error {
	if _, _, err := mutate(nil); err != nil {
		return err
	}
	return repository.ErrConcurrentProvision
}

func TestReconcileConcurrentProvisionIsTransient(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingTimestamp)
	f.svc.store = provisionRaceStore{f.store}

	_, err := f.deliver(subscriptionEvent(t, "evt_p", models.EventSubscriptionCreated, 3, "sub_race", "active"))
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTransient))
	assert.Zero(t, f.publisher.count())
}

func TestReconcileLedgerCacheShortCircuits(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCacheService(repository.NewCacheRepository(client, nil), nil, time.Minute, zap.NewNop(), true)

	f := newReconcileFixture(t, cache, config.OrderingTimestamp)
	f.store.seed(seededSubscription("sub_1", models.SubscriptionTrialing, 0))
	require.NoError(t, cache.Set(context.Background(), subscriptionCacheKey("user-1"), map[string]string{"status": "trialing"}, time.Minute))

	payload := invoiceEvent(t, "evt_1", models.EventPaymentSucceeded, 1, "sub_1")
	_, err := f.deliver(payload)
	require.NoError(t, err)
	assert.True(t, mr.Exists(ledgerCacheKey("evt_1")))
	assert.False(t, mr.Exists(subscriptionCacheKey("user-1")))
	callsAfterFirst := f.store.existsCalls

	res, err := f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyProcessed, res.Outcome)
	assert.Equal(t, callsAfterFirst, f.store.existsCalls)

	// Once the marker expires the durable ledger still answers.
	mr.FastForward(2 * time.Hour)
	res, err = f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyProcessed, res.Outcome)
	assert.Equal(t, callsAfterFirst+1, f.store.existsCalls)
}

func TestReconcileSequenceOrdering(t *testing.T) {
	f := newReconcileFixture(t, nil, config.OrderingSequence)
	f.store.seed(seededSubscription("sub_1", models.SubscriptionActive, 0))

	res, err := f.deliver(invoiceEvent(t, "evt_noseq", models.EventPaymentFailed, 100, "sub_1"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnored, res.Outcome)
	assert.Equal(t, models.SubscriptionActive, f.store.subscription("sub_1").Status)

	withSeq := func(id string, kind models.EventKind, created, seq int64) []byte {
		return mustJSON(t, map[string]interface{}{
			"id": id, "type": kind, "created": created, "sequence": seq,
			"data": map[string]interface{}{"object": map[string]string{"subscription": "sub_1"}},
		})
	}
	res, err = f.deliver(withSeq("evt_b", models.EventPaymentFailed, 50, 2))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, res.Outcome)

	// A later timestamp does not matter when the sequence is older.
	res, err = f.deliver(withSeq("evt_a", models.EventPaymentSucceeded, 900, 1))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeStale, res.Outcome)
	assert.Equal(t, models.SubscriptionPastDue, f.store.subscription("sub_1").Status)
}

func TestTransitionInvoiceRules(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name    string
		current models.SubscriptionStatus
		change  subscriptionChange
		want    models.SubscriptionStatus
	}{
		{name: "payment does not revive canceled", current: models.SubscriptionCanceled, change: subscriptionChange{status: models.SubscriptionActive, invoice: true}, want: models.SubscriptionCanceled},
		{name: "failure keeps unpaid", current: models.SubscriptionUnpaid, change: subscriptionChange{status: models.SubscriptionPastDue, invoice: true}, want: models.SubscriptionUnpaid},
		{name: "payment clears unpaid", current: models.SubscriptionUnpaid, change: subscriptionChange{status: models.SubscriptionActive, invoice: true}, want: models.SubscriptionActive},
		{name: "unknown provider status keeps current", current: models.SubscriptionTrialing, change: subscriptionChange{keepStatus: true}, want: models.SubscriptionTrialing},
		{name: "subscription event reactivates", current: models.SubscriptionCanceled, change: subscriptionChange{status: models.SubscriptionActive}, want: models.SubscriptionActive},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			current := &models.Subscription{ID: "s", Status: tc.current, LastEventOrdering: 1}
			next, outcome := transition(current, &tc.change, "evt", 2, now)
			require.Equal(t, models.OutcomeApplied, outcome)
			assert.Equal(t, tc.want, next.Status)
			assert.Equal(t, int64(2), next.LastEventOrdering)
		})
	}
}

func TestTransitionEqualOrderingTieBreak(t *testing.T) {
	now := time.Now().UTC()
	last := "evt_m"
	tests := []struct {
		name    string
		current models.SubscriptionStatus
		lastID  *string
		eventID string
		status  models.SubscriptionStatus
		want    models.EventOutcome
	}{
		{name: "larger event id wins", current: models.SubscriptionActive, lastID: &last, eventID: "evt_z", status: models.SubscriptionPastDue, want: models.OutcomeApplied},
		{name: "smaller event id is stale", current: models.SubscriptionActive, lastID: &last, eventID: "evt_a", status: models.SubscriptionPastDue, want: models.OutcomeStale},
		{name: "no recorded event id", current: models.SubscriptionActive, eventID: "evt_a", status: models.SubscriptionPastDue, want: models.OutcomeApplied},
		{name: "cancellation wins regardless of id", current: models.SubscriptionActive, lastID: &last, eventID: "evt_a", status: models.SubscriptionCanceled, want: models.OutcomeApplied},
		{name: "cannot leave canceled", current: models.SubscriptionCanceled, lastID: &last, eventID: "evt_z", status: models.SubscriptionActive, want: models.OutcomeStale},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			current := &models.Subscription{ID: "s", Status: tc.current, LastEventOrdering: 3, LastEventID: tc.lastID}
			next, outcome := transition(current, &subscriptionChange{status: tc.status}, tc.eventID, 3, now)
			assert.Equal(t, tc.want, outcome)
			if tc.want == models.OutcomeApplied {
				require.NotNil(t, next)
				assert.Equal(t, tc.status, next.Status)
			} else {
				assert.Nil(t, next)
			}
		})
	}
}
