package models

import (
	"time"

	"github.com/fatflowers/pointsledger/pkg/types"
	"gorm.io/datatypes"
)

// Subscription is one time-boxed entitlement period. Rows are never
// hard-deleted; terminal transitions only flip Status, so the table
// doubles as the entitlement audit trail.
//
// The partial unique index keeps at most one active row per user; the
// plain SourceTransactionID unique index carries event idempotency.
type Subscription struct {
	ID     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string                   `gorm:"column:user_id;type:varchar(64);not null;index;index:uniq_user_active,unique,where:status = 'active'" json:"user_id"`
	PlanID string                   `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	Status types.SubscriptionStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	// CancelAtPeriodEnd keeps Status active until EndDate passes.
	CancelAtPeriodEnd bool `gorm:"column:cancel_at_period_end;not null;default:false" json:"cancel_at_period_end"`

	SourceTransactionID string `gorm:"column:source_transaction_id;type:varchar(128);not null;uniqueIndex" json:"source_transaction_id"`

	StartDate   time.Time  `gorm:"column:start_date;not null" json:"start_date"`
	EndDate     time.Time  `gorm:"column:end_date;not null" json:"end_date"`
	CancelledAt *time.Time `gorm:"column:cancelled_at;default:null" json:"cancelled_at"`

	// Extra stores additional JSON data (for example: price, currency).
	Extra     datatypes.JSON `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscription" }

// ActiveAt is the single entitlement predicate: a subscription is usable
// only while its status is active AND its period has not ended. A stale
// active row past EndDate counts as inactive even before the lazy expiry
// pass has run.
func (s *Subscription) ActiveAt(at time.Time) bool {
	return s != nil &&
		s.Status == types.SubscriptionStatusActive &&
		!s.EndDate.Before(at)
}
