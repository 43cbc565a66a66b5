package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/subscription-api/internal/models"
)

// EventLedgerRepository owns processed_events. The primary key on event_id is
// the idempotency gate; writes go through record inside the reconciliation
// transaction.
type EventLedgerRepository struct {
	db *sqlx.DB
}

// NewEventLedgerRepository constructs the repository.
func NewEventLedgerRepository(db *sqlx.DB) *EventLedgerRepository {
	return &EventLedgerRepository{db: db}
}

// Exists reports whether eventID has been recorded.
func (r *EventLedgerRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, eventID); err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

// PurgeBefore deletes rows older than cutoff. Safe once the provider's replay window has passed.
func (r *EventLedgerRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM processed_events WHERE processed_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge processed events rows: %w", err)
	}
	return affected, nil
}

// recordEvent inserts the ledger row or reports ErrEventAlreadyRecorded.
func recordEvent(ctx context.Context, q sqlx.QueryerContext, entry *models.ProcessedEvent) error {
	const query = `INSERT INTO processed_events (event_id, event_kind, subscription_ref, ordering, outcome, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id`
	var id string
	err := sqlx.GetContext(ctx, q, &id, query, entry.EventID, entry.Kind, entry.SubscriptionRef, entry.Ordering, entry.Outcome, entry.ProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEventAlreadyRecorded
		}
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}
