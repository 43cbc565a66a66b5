package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/subscription-api/internal/models"
	appErrors "github.com/noah-isme/subscription-api/pkg/errors"
)

type subscriptionReader interface {
	FindByUserID(ctx context.Context, userID string) (*models.Subscription, error)
}

type planReader interface {
	FindByID(ctx context.Context, id string) (*models.Plan, error)
}

// SubscriptionService serves the entitlement read model.
type SubscriptionService struct {
	subs    subscriptionReader
	plans   planReader
	cache   *CacheService
	logger  *zap.Logger
	ttl     time.Duration
	timeout time.Duration
}

// NewSubscriptionService constructs the service.
func NewSubscriptionService(subs subscriptionReader, plans planReader, cache *CacheService, logger *zap.Logger, ttl, timeout time.Duration) *SubscriptionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SubscriptionService{subs: subs, plans: plans, cache: cache, logger: logger, ttl: ttl, timeout: timeout}
}

// GetForUser returns the current subscription of userID and whether it was
// served from cache.
func (s *SubscriptionService) GetForUser(ctx context.Context, userID string) (*models.SubscriptionView, bool, error) {
	key := subscriptionCacheKey(userID)
	var cached models.SubscriptionView
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return &cached, true, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	sub, err := s.subs.FindByUserID(lookupCtx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, appErrors.Clone(appErrors.ErrSubscriptionAbsent, "")
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}

	view := &models.SubscriptionView{Subscription: *sub, Entitled: sub.Status.Entitled()}
	if sub.PlanID != nil && s.plans != nil {
		plan, err := s.plans.FindByID(lookupCtx, *sub.PlanID)
		switch {
		case err == nil:
			view.PlanName = plan.Name
		case !errors.Is(err, sql.ErrNoRows):
			s.logger.Warn("failed to resolve plan", zap.String("plan_id", *sub.PlanID), zap.Error(err))
		}
	}

	_ = s.cache.Set(ctx, key, view, s.ttl)
	return view, false, nil
}
