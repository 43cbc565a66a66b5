package models

import "time"

// SubscriptionStatus is the closed set of lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionPaused     SubscriptionStatus = "paused"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue, SubscriptionUnpaid,
		SubscriptionPaused, SubscriptionIncomplete, SubscriptionCanceled:
		return true
	}
	return false
}

// Entitled reports whether the status grants access to paid features.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing || s == SubscriptionPastDue
}

// Subscription is the local authoritative view of a provider subscription.
// LastEventOrdering is the ordering token of the most recently applied event.
type Subscription struct {
	ID                     string             `db:"id" json:"id"`
	UserID                 string             `db:"user_id" json:"user_id"`
	PlanID                 *string            `db:"plan_id" json:"plan_id,omitempty"`
	ProviderSubscriptionID string             `db:"provider_subscription_id" json:"provider_subscription_id"`
	Status                 SubscriptionStatus `db:"status" json:"status"`
	CurrentPeriodStart     *time.Time         `db:"current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `db:"current_period_end" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `db:"canceled_at" json:"canceled_at,omitempty"`
	LastEventOrdering      int64              `db:"last_event_ordering" json:"-"`
	LastEventID            *string            `db:"last_event_id" json:"-"`
	CreatedAt              time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time          `db:"updated_at" json:"updated_at"`
}

// Plan is the catalog collaborator record a provider price maps onto.
type Plan struct {
	ID              string `db:"id" json:"id"`
	ProviderPriceID string `db:"provider_price_id" json:"provider_price_id"`
	Name            string `db:"name" json:"name"`
	Active          bool   `db:"active" json:"active"`
}

// SubscriptionView is returned by the read API.
type SubscriptionView struct {
	Subscription
	PlanName string `json:"plan_name,omitempty"`
	Entitled bool   `json:"entitled"`
}
