package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/subscription-api/internal/models"
)

const subscriptionColumns = `id, user_id, plan_id, provider_subscription_id, status, current_period_start, current_period_end, cancel_at_period_end, canceled_at, last_event_ordering, last_event_id, created_at, updated_at`

// SubscriptionRepository reads subscription state. Mutations happen only
// through ReconciliationStore.
type SubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository constructs the repository.
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// FindByUserID returns the most recently updated subscription of a user.
func (r *SubscriptionRepository) FindByUserID(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 ORDER BY updated_at DESC LIMIT 1`
	var sub models.Subscription
	if err := r.db.GetContext(ctx, &sub, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find subscription by user: %w", err)
	}
	return &sub, nil
}

func lockSubscription(ctx context.Context, tx *sqlx.Tx, providerID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider_subscription_id = $1 FOR UPDATE`
	var sub models.Subscription
	if err := tx.GetContext(ctx, &sub, query, providerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock subscription: %w", err)
	}
	return &sub, nil
}

func updateSubscription(ctx context.Context, tx *sqlx.Tx, sub *models.Subscription) error {
	const query = `UPDATE subscriptions SET plan_id = $2, status = $3, current_period_start = $4, current_period_end = $5,
		cancel_at_period_end = $6, canceled_at = $7, last_event_ordering = $8, last_event_id = $9, updated_at = $10
		WHERE id = $1`
	_, err := tx.ExecContext(ctx, query,
		sub.ID,
		sub.PlanID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.LastEventOrdering,
		sub.LastEventID,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func insertSubscription(ctx context.Context, tx *sqlx.Tx, sub *models.Subscription) error {
	const query = `INSERT INTO subscriptions (id, user_id, plan_id, provider_subscription_id, status, current_period_start, current_period_end,
		cancel_at_period_end, canceled_at, last_event_ordering, last_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (provider_subscription_id) DO NOTHING
		RETURNING id`
	var id string
	err := tx.GetContext(ctx, &id, query,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.ProviderSubscriptionID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.LastEventOrdering,
		sub.LastEventID,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConcurrentProvision
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}
