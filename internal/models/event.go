package models

import (
	"encoding/json"
	"time"
)

// EventKind identifies a billing provider notification type.
type EventKind string

const (
	EventSubscriptionCreated EventKind = "customer.subscription.created"
	EventSubscriptionUpdated EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted EventKind = "customer.subscription.deleted"
	EventSubscriptionPaused  EventKind = "customer.subscription.paused"
	EventSubscriptionResumed EventKind = "customer.subscription.resumed"
	EventPaymentSucceeded    EventKind = "invoice.payment_succeeded"
	EventPaymentFailed       EventKind = "invoice.payment_failed"
)

// BillingEvent is the signed envelope delivered to the webhook endpoint.
// Sequence is optional; providers that do not send one are ordered by Created.
type BillingEvent struct {
	ID       string           `json:"id"`
	Kind     EventKind        `json:"type"`
	Created  int64            `json:"created"`
	Sequence *int64           `json:"sequence,omitempty"`
	Data     BillingEventData `json:"data"`
}

// BillingEventData wraps the object the event is about.
type BillingEventData struct {
	Object json.RawMessage `json:"object"`
}

// SubscriptionObject is the provider's subscription representation.
type SubscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         *int64            `json:"canceled_at"`
	Metadata           map[string]string `json:"metadata"`
	Plan               *PriceObject      `json:"plan"`
	Items              struct {
		Data []struct {
			Price PriceObject `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PriceID returns the first price reference carried by the object.
func (o *SubscriptionObject) PriceID() string {
	for _, item := range o.Items.Data {
		if item.Price.ID != "" {
			return item.Price.ID
		}
	}
	if o.Plan != nil {
		return o.Plan.ID
	}
	return ""
}

// PriceObject references a catalog price.
type PriceObject struct {
	ID string `json:"id"`
}

// InvoiceObject is the provider's invoice representation.
type InvoiceObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	PeriodStart  int64  `json:"period_start"`
	PeriodEnd    int64  `json:"period_end"`
}

// EventOutcome classifies what HandleEvent did with a delivery.
type EventOutcome string

const (
	OutcomeApplied              EventOutcome = "applied"
	OutcomeStale                EventOutcome = "stale"
	OutcomeAlreadyProcessed     EventOutcome = "already_processed"
	OutcomeUnhandledKind        EventOutcome = "unhandled_kind"
	OutcomeSubscriptionNotFound EventOutcome = "subscription_not_found"
	// OutcomeIgnored marks a known kind with no usable subscription reference or ordering token.
	OutcomeIgnored              EventOutcome = "ignored"
)

// ProcessedEvent is an Event Ledger row.
type ProcessedEvent struct {
	EventID         string       `db:"event_id" json:"event_id"`
	Kind            EventKind    `db:"event_kind" json:"event_kind"`
	SubscriptionRef *string      `db:"subscription_ref" json:"subscription_ref,omitempty"`
	Ordering        int64        `db:"ordering" json:"ordering"`
	Outcome         EventOutcome `db:"outcome" json:"outcome"`
	ProcessedAt     time.Time    `db:"processed_at" json:"processed_at"`
}

// ReconcileResult is returned to the webhook transport.
type ReconcileResult struct {
	EventID        string             `json:"event_id"`
	Kind           EventKind          `json:"type"`
	Outcome        EventOutcome       `json:"outcome"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	PreviousStatus SubscriptionStatus `json:"previous_status,omitempty"`
	Status         SubscriptionStatus `json:"status,omitempty"`
}

// StatusChanged reports whether the delivery moved the subscription to a new status.
func (r *ReconcileResult) StatusChanged() bool {
	return r.Outcome == OutcomeApplied && r.Status != "" && r.Status != r.PreviousStatus
}

// StatusChange is published after a committed transition moved a subscription
// to a different status.
type StatusChange struct {
	EventID        string             `json:"event_id"`
	SubscriptionID string             `json:"subscription_id"`
	UserID         string             `json:"user_id"`
	From           SubscriptionStatus `json:"from,omitempty"`
	To             SubscriptionStatus `json:"to"`
	OccurredAt     time.Time          `json:"occurred_at"`
}
