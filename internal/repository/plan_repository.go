package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/subscription-api/internal/models"
)

// PlanRepository is the catalog collaborator lookup.
type PlanRepository struct {
	db *sqlx.DB
}

// NewPlanRepository constructs the repository.
func NewPlanRepository(db *sqlx.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// FindByProviderPrice maps a provider price onto a local plan.
func (r *PlanRepository) FindByProviderPrice(ctx context.Context, priceID string) (*models.Plan, error) {
	const query = `SELECT id, provider_price_id, name, active FROM plans WHERE provider_price_id = $1`
	var plan models.Plan
	if err := r.db.GetContext(ctx, &plan, query, priceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find plan by price: %w", err)
	}
	return &plan, nil
}

// FindByID returns a plan by identifier.
func (r *PlanRepository) FindByID(ctx context.Context, id string) (*models.Plan, error) {
	const query = `SELECT id, provider_price_id, name, active FROM plans WHERE id = $1`
	var plan models.Plan
	if err := r.db.GetContext(ctx, &plan, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find plan: %w", err)
	}
	return &plan, nil
}
