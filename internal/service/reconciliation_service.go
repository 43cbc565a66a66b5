package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/subscription-api/internal/models"
	"github.com/noah-isme/subscription-api/internal/repository"
	"github.com/noah-isme/subscription-api/pkg/config"
	appErrors "github.com/noah-isme/subscription-api/pkg/errors"
)

type payloadVerifier interface {
	Verify(payload []byte, header string) error
}

type eventLedger interface {
	Exists(ctx context.Context, eventID string) (bool, error)
}

type reconciliationStore interface {
	Apply(ctx context.Context, entry *models.ProcessedEvent, mutate repository.SubscriptionMutation) error
}

type planCatalog interface {
	FindByProviderPrice(ctx context.Context, priceID string) (*models.Plan, error)
}

type statusPublisher interface {
	Publish(change models.StatusChange) error
}

// ReconcileConfig tunes event ordering and bounded waits.
type ReconcileConfig struct {
	OrderingSource     string
	LedgerCacheTTL     time.Duration
	PersistenceTimeout time.Duration
}

// ReconciliationService applies signed billing provider events to local
// subscription state exactly once and in ordering-token order.
type ReconciliationService struct {
	verifier  payloadVerifier
	owners    identityDirectory
	ledger    eventLedger
	store     reconciliationStore
	plans     planCatalog
	cache     *CacheService
	publisher statusPublisher
	metrics   *MetricsService
	logger    *zap.Logger
	config    ReconcileConfig
	now       func() time.Time
}

// NewReconciliationService constructs the service.
func NewReconciliationService(
	verifier payloadVerifier,
	owners identityDirectory,
	ledger eventLedger,
	store reconciliationStore,
	plans planCatalog,
	cache *CacheService,
	publisher statusPublisher,
	metrics *MetricsService,
	logger *zap.Logger,
	cfg ReconcileConfig,
) *ReconciliationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PersistenceTimeout <= 0 {
		cfg.PersistenceTimeout = 5 * time.Second
	}
	if cfg.OrderingSource != config.OrderingSequence {
		cfg.OrderingSource = config.OrderingTimestamp
	}
	return &ReconciliationService{
		verifier:  verifier,
		owners:    owners,
		ledger:    ledger,
		store:     store,
		plans:     plans,
		cache:     cache,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// subscriptionChange is the decoded intent of one event against one subscription.
type subscriptionChange struct {
	ref               string
	userID            string
	planID            *string
	status            models.SubscriptionStatus
	keepStatus        bool
	invoice           bool
	periodStart       *time.Time
	periodEnd         *time.Time
	cancelAtPeriodEnd *bool
	canceledAt        *time.Time
	provisionable     bool
}

// overrides reports whether the change may replace current. Invoice events
// settle payment state only: they never revive a canceled subscription and a
// failed payment does not soften unpaid to past_due.
func (c *subscriptionChange) overrides(current models.SubscriptionStatus) bool {
	if c.keepStatus || c.status == "" {
		return false
	}
	if !c.invoice {
		return true
	}
	switch current {
	case models.SubscriptionCanceled:
		return false
	case models.SubscriptionUnpaid:
		return c.status == models.SubscriptionActive
	}
	return true
}

// HandleEvent verifies, deduplicates and applies one webhook delivery.
func (s *ReconciliationService) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (*models.ReconcileResult, error) {
	start := time.Now()
	result, err := s.handle(ctx, payload, signatureHeader)

	kind, outcome := "unknown", "error"
	if result != nil {
		if result.Kind != "" {
			kind = string(result.Kind)
		}
		if result.Outcome != "" {
			outcome = string(result.Outcome)
		}
	}
	if err != nil {
		outcome = strings.ToLower(appErrors.FromError(err).Code)
	}
	s.metrics.RecordWebhookEvent(kind, outcome, time.Since(start))
	return result, err
}

func (s *ReconciliationService) handle(ctx context.Context, payload []byte, signatureHeader string) (*models.ReconcileResult, error) {
	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		s.logger.Warn("rejected billing webhook", zap.Bool("security_event", true), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrSignatureInvalid.Code, appErrors.ErrSignatureInvalid.Status, appErrors.ErrSignatureInvalid.Message)
	}

	var event models.BillingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrMalformedEvent.Code, appErrors.ErrMalformedEvent.Status, "event payload is not valid JSON")
	}
	if event.ID == "" {
		return nil, appErrors.Clone(appErrors.ErrMalformedEvent, "event id is required")
	}

	result := &models.ReconcileResult{EventID: event.ID, Kind: event.Kind}
	logger := s.logger.With(zap.String("event_id", event.ID), zap.String("event_kind", string(event.Kind)))

	processed, err := s.alreadyProcessed(ctx, event.ID)
	if err != nil {
		return result, err
	}
	if processed {
		result.Outcome = models.OutcomeAlreadyProcessed
		logger.Debug("duplicate billing event")
		return result, nil
	}

	change, skip, reason, err := s.decode(ctx, &event)
	if err != nil {
		return result, err
	}
	ordering, ordered := s.orderingOf(&event)
	if skip == "" && !ordered {
		skip, reason = models.OutcomeIgnored, "event carries no "+s.config.OrderingSource+" ordering token"
	}
	if skip == "" && change.provisionable {
		if err := s.confirmOwner(ctx, logger, change); err != nil {
			return result, err
		}
	}

	entry := &models.ProcessedEvent{
		EventID:     event.ID,
		Kind:        event.Kind,
		Ordering:    ordering,
		ProcessedAt: s.now(),
	}
	if change != nil {
		entry.SubscriptionRef = &change.ref
	}

	var (
		previous *models.Subscription
		next     *models.Subscription
	)
	mutate := func(current *models.Subscription) (*models.Subscription, models.EventOutcome, error) {
		previous = current
		if skip != "" {
			return nil, skip, nil
		}
		n, outcome := transition(current, change, event.ID, ordering, entry.ProcessedAt)
		next = n
		return n, outcome, nil
	}

	applyCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	started := time.Now()
	err = s.store.Apply(applyCtx, entry, mutate)
	s.metrics.ObserveDBQuery("reconcile_apply", time.Since(started))
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrEventAlreadyRecorded):
		result.Outcome = models.OutcomeAlreadyProcessed
		s.markProcessed(ctx, event.ID)
		logger.Debug("concurrent duplicate billing event")
		return result, nil
	case errors.Is(err, repository.ErrConcurrentProvision):
		logger.Warn("subscription provisioned concurrently, asking provider to redeliver")
		return result, transientError(err, "subscription provisioned concurrently")
	default:
		logger.Error("failed to apply billing event", zap.Error(err))
		return result, transientError(err, "failed to apply billing event")
	}

	result.Outcome = entry.Outcome
	if previous != nil {
		result.SubscriptionID = previous.ID
		result.PreviousStatus = previous.Status
		result.Status = previous.Status
	}
	if next != nil && result.Outcome == models.OutcomeApplied {
		result.SubscriptionID = next.ID
		result.Status = next.Status
	}

	s.markProcessed(ctx, event.ID)
	if result.Outcome == models.OutcomeIgnored {
		logger.Warn("billing event acknowledged without changes", zap.String("reason", reason))
	}
	s.afterCommit(ctx, logger, result, previous, next)
	return result, nil
}

func (s *ReconciliationService) afterCommit(ctx context.Context, logger *zap.Logger, result *models.ReconcileResult, previous, next *models.Subscription) {
	switch result.Outcome {
	case models.OutcomeUnhandledKind:
		logger.Info("unhandled billing event kind")
		return
	case models.OutcomeSubscriptionNotFound:
		logger.Warn("billing event references unknown subscription")
		return
	case models.OutcomeStale:
		logger.Info("stale billing event ignored", zap.String("subscription_id", result.SubscriptionID))
		return
	case models.OutcomeIgnored:
		return
	}
	if next == nil {
		return
	}

	_ = s.cache.Invalidate(ctx, subscriptionCacheKey(next.UserID))
	logger.Info("billing event applied",
		zap.String("subscription_id", next.ID),
		zap.String("status", string(next.Status)),
		zap.Int64("ordering", next.LastEventOrdering),
	)

	if result.StatusChanged() && s.publisher != nil {
		change := models.StatusChange{
			EventID:        result.EventID,
			SubscriptionID: next.ID,
			UserID:         next.UserID,
			To:             next.Status,
			OccurredAt:     next.UpdatedAt,
		}
		if previous != nil {
			change.From = previous.Status
		}
		_ = s.publisher.Publish(change)
	}
}

func (s *ReconciliationService) alreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	if s.cache.Has(ctx, ledgerCacheKey(eventID)) {
		return true, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	defer cancel()
	exists, err := s.ledger.Exists(lookupCtx, eventID)
	if err != nil {
		return false, transientError(err, "failed to check event ledger")
	}
	if exists {
		s.markProcessed(ctx, eventID)
	}
	return exists, nil
}

func (s *ReconciliationService) markProcessed(ctx context.Context, eventID string) {
	_ = s.cache.Set(ctx, ledgerCacheKey(eventID), true, s.config.LedgerCacheTTL)
}

// orderingOf returns the configured ordering token and whether the event
// carries one.
func (s *ReconciliationService) orderingOf(event *models.BillingEvent) (int64, bool) {
	if s.config.OrderingSource == config.OrderingSequence {
		if event.Sequence == nil {
			return 0, false
		}
		return *event.Sequence, true
	}
	if event.Created <= 0 {
		return 0, false
	}
	return event.Created, true
}

// decode maps the event onto a subscription change. A non-empty skip outcome
// means the event is recorded without touching state; reason explains it.
// Only lookups that may succeed on redelivery return an error.
func (s *ReconciliationService) decode(ctx context.Context, event *models.BillingEvent) (change *subscriptionChange, skip models.EventOutcome, reason string, err error) {
	switch event.Kind {
	case models.EventSubscriptionCreated,
		models.EventSubscriptionUpdated,
		models.EventSubscriptionDeleted,
		models.EventSubscriptionPaused,
		models.EventSubscriptionResumed:
		change, reason, err = s.decodeSubscription(ctx, event)
	case models.EventPaymentSucceeded, models.EventPaymentFailed:
		change, reason = decodeInvoice(event)
	default:
		return nil, models.OutcomeUnhandledKind, "", nil
	}
	if err != nil {
		return nil, "", "", err
	}
	if change == nil {
		return nil, models.OutcomeIgnored, reason, nil
	}
	return change, "", "", nil
}

// confirmOwner drops provisioning when metadata.user_id names no local user.
func (s *ReconciliationService) confirmOwner(ctx context.Context, logger *zap.Logger, change *subscriptionChange) error {
	if s.owners == nil {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	defer cancel()
	if _, err := s.owners.FindByID(lookupCtx, change.userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logger.Warn("billing event names unknown user", zap.String("user_id", change.userID))
			change.provisionable = false
			return nil
		}
		return transientError(err, "failed to resolve subscription owner")
	}
	return nil
}

func (s *ReconciliationService) decodeSubscription(ctx context.Context, event *models.BillingEvent) (*subscriptionChange, string, error) {
	var obj models.SubscriptionObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return nil, "subscription object is invalid", nil
	}
	if obj.ID == "" {
		return nil, "subscription object has no id", nil
	}

	change := &subscriptionChange{
		ref:               obj.ID,
		userID:            obj.Metadata["user_id"],
		periodStart:       unixPtr(obj.CurrentPeriodStart),
		periodEnd:         unixPtr(obj.CurrentPeriodEnd),
		cancelAtPeriodEnd: &obj.CancelAtPeriodEnd,
	}
	change.provisionable = change.userID != ""
	if obj.CanceledAt != nil {
		change.canceledAt = unixPtr(*obj.CanceledAt)
	}

	status, known := providerStatus(obj.Status)
	switch event.Kind {
	case models.EventSubscriptionDeleted:
		change.status = models.SubscriptionCanceled
		if change.canceledAt == nil {
			change.canceledAt = unixPtr(event.Created)
		}
	case models.EventSubscriptionPaused:
		change.status = models.SubscriptionPaused
	case models.EventSubscriptionResumed:
		change.status = models.SubscriptionActive
		if known && status != models.SubscriptionPaused {
			change.status = status
		}
	default:
		change.status = status
		change.keepStatus = !known
	}

	planID, err := s.resolvePlan(ctx, obj.PriceID())
	if err != nil {
		return nil, "", err
	}
	change.planID = planID
	return change, "", nil
}

// decodeInvoice returns nil and a reason for invoices outside any
// subscription, such as one-off charges.
func decodeInvoice(event *models.BillingEvent) (*subscriptionChange, string) {
	var inv models.InvoiceObject
	if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
		return nil, "invoice object is invalid"
	}
	if inv.Subscription == "" {
		return nil, "invoice is not attached to a subscription"
	}
	change := &subscriptionChange{ref: inv.Subscription, invoice: true}
	if event.Kind == models.EventPaymentSucceeded {
		change.status = models.SubscriptionActive
	} else {
		change.status = models.SubscriptionPastDue
	}
	return change, ""
}

func (s *ReconciliationService) resolvePlan(ctx context.Context, priceID string) (*string, error) {
	if priceID == "" || s.plans == nil {
		return nil, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, s.config.PersistenceTimeout)
	defer cancel()
	plan, err := s.plans.FindByProviderPrice(lookupCtx, priceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("billing event references unknown price", zap.String("price_id", priceID))
			return nil, nil
		}
		return nil, transientError(err, "failed to resolve plan")
	}
	return &plan.ID, nil
}

// transition is the pure ordering-aware state function. current is nil when
// no local subscription exists.
func transition(current *models.Subscription, change *subscriptionChange, eventID string, ordering int64, now time.Time) (*models.Subscription, models.EventOutcome) {
	if current == nil {
		if !change.provisionable {
			return nil, models.OutcomeSubscriptionNotFound
		}
		next := &models.Subscription{
			ID:                     uuid.NewString(),
			UserID:                 change.userID,
			ProviderSubscriptionID: change.ref,
			Status:                 models.SubscriptionIncomplete,
			CreatedAt:              now,
		}
		apply(next, change, eventID, ordering, now)
		return next, models.OutcomeApplied
	}

	if ordering < current.LastEventOrdering {
		return nil, models.OutcomeStale
	}
	next := *current
	apply(&next, change, eventID, ordering, now)
	if ordering == current.LastEventOrdering && !winsTie(current, &next, eventID) {
		return nil, models.OutcomeStale
	}
	return &next, models.OutcomeApplied
}

// winsTie orders two events sharing an ordering token: cancellation beats
// everything else, then the larger event id wins.
func winsTie(current, next *models.Subscription, eventID string) bool {
	wasCanceled := current.Status == models.SubscriptionCanceled
	isCanceled := next.Status == models.SubscriptionCanceled
	if wasCanceled != isCanceled {
		return isCanceled
	}
	last := ""
	if current.LastEventID != nil {
		last = *current.LastEventID
	}
	return eventID > last
}

func apply(sub *models.Subscription, change *subscriptionChange, eventID string, ordering int64, now time.Time) {
	if change.overrides(sub.Status) {
		sub.Status = change.status
	}
	if change.planID != nil {
		sub.PlanID = change.planID
	}
	if change.periodStart != nil {
		sub.CurrentPeriodStart = change.periodStart
	}
	if change.periodEnd != nil {
		sub.CurrentPeriodEnd = change.periodEnd
	}
	if change.cancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *change.cancelAtPeriodEnd
	}
	if change.canceledAt != nil {
		sub.CanceledAt = change.canceledAt
	}
	sub.LastEventOrdering = ordering
	id := eventID
	sub.LastEventID = &id
	sub.UpdatedAt = now
}

func providerStatus(raw string) (models.SubscriptionStatus, bool) {
	status := models.SubscriptionStatus(raw)
	if status.Valid() {
		return status, true
	}
	if raw == "incomplete_expired" {
		return models.SubscriptionCanceled, true
	}
	return "", false
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
