package types

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonCreated         SubscriptionChangeReason = "created"
	SubscriptionChangeReasonCancelRequested SubscriptionChangeReason = "cancelRequested"
	SubscriptionChangeReasonForceCancelled  SubscriptionChangeReason = "forceCancelled"
	SubscriptionChangeReasonExpired         SubscriptionChangeReason = "expired"
	SubscriptionChangeReasonUpgraded        SubscriptionChangeReason = "upgraded"
	SubscriptionChangeReasonAdminOverride   SubscriptionChangeReason = "adminOverride"
)

// Entitlement is the purchase-gating view of a user's subscription.
type Entitlement struct {
	HasActive         bool       `json:"has_active"`
	CanPurchasePoints bool       `json:"can_purchase_points"`
	PlanID            string     `json:"plan_id,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
}
