package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/subscription-api/internal/models"
)

// SubscriptionMutation decides the next state of a locked subscription.
// current is nil when no local record exists. Returning a nil next leaves
// subscription state untouched; the outcome is written to the ledger.
type SubscriptionMutation func(current *models.Subscription) (next *models.Subscription, outcome models.EventOutcome, err error)

// ReconciliationStore applies one provider event atomically: the subscription
// row lock, the ledger insert and the state write commit together or not at all.
type ReconciliationStore struct {
	db *sqlx.DB
}

// NewReconciliationStore constructs the store.
func NewReconciliationStore(db *sqlx.DB) *ReconciliationStore {
	return &ReconciliationStore{db: db}
}

// Apply runs mutate under a row lock on entry.SubscriptionRef and records entry.
// ErrEventAlreadyRecorded means a concurrent delivery of the same event won.
func (s *ReconciliationStore) Apply(ctx context.Context, entry *models.ProcessedEvent, mutate SubscriptionMutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current *models.Subscription
	if entry.SubscriptionRef != nil && *entry.SubscriptionRef != "" {
		current, err = lockSubscription(ctx, tx, *entry.SubscriptionRef)
		if err != nil {
			return err
		}
	}

	next, outcome, err := mutate(current)
	if err != nil {
		return err
	}
	entry.Outcome = outcome

	if err := recordEvent(ctx, tx, entry); err != nil {
		return err
	}

	if outcome == models.OutcomeApplied && next != nil {
		if current == nil {
			err = insertSubscription(ctx, tx, next)
		} else {
			err = updateSubscription(ctx, tx, next)
		}
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reconcile tx: %w", err)
	}
	return nil
}
