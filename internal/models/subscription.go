package models

import "time"

// Subscription status constants, mirrored from the billing system
const (
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusUnpaid     = "unpaid"
)

// SubscriptionEntitled reports whether a subscription status grants VPN
// access. Accounts are only provisioned for entitled subscriptions.
func SubscriptionEntitled(status string) bool {
	return status == SubscriptionStatusActive || status == SubscriptionStatusTrialing
}

// Subscription is the local read-model of a billing subscription. Rows
// are upserted from billing events; the billing service stays
// authoritative for everything in here.
type Subscription struct {
	ID                 string
	UserID             string
	UserEmail          string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
