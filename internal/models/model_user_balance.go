package models

import "time"

// DefaultFreeTrialUses is the non-renewing allowance every balance row
// starts with. Purchases never replenish it.
const DefaultFreeTrialUses = 10

// UserBalance holds the per-user point counters. Rows are created
// lazily with a zero balance on first touch.
//
// AvailablePoints must never go negative; every mutation goes through a
// conditional update, never read-modify-write. The counters are a cache
// over the ledger log and can be rebuilt from it (see ledgerlog.Rebuild).
type UserBalance struct {
	ID     string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	// TotalPoints is lifetime granted credit.
	TotalPoints     int64 `gorm:"column:total_points;type:bigint;not null;default:0" json:"total_points"`
	AvailablePoints int64 `gorm:"column:available_points;type:bigint;not null;default:0" json:"available_points"`
	// UsedPoints is lifetime consumed credit.
	UsedPoints int64 `gorm:"column:used_points;type:bigint;not null;default:0" json:"used_points"`
	// ExpiredPoints is lifetime credit retired unused.
	ExpiredPoints int64 `gorm:"column:expired_points;type:bigint;not null;default:0" json:"expired_points"`
	// TotalRecharge is lifetime currency spent, in minor units.
	TotalRecharge      int64     `gorm:"column:total_recharge;type:bigint;not null;default:0" json:"total_recharge"`
	// FreeTrialRemaining is seeded by EnsureBalance from config. No
	// default tag: gorm drops zero-valued defaulted fields from the
	// INSERT, which would turn a disabled free trial back into ten uses.
	FreeTrialRemaining int64     `gorm:"column:free_trial_remaining;type:bigint;not null" json:"free_trial_remaining"`
	FreeTrialUsed      int64     `gorm:"column:free_trial_used;type:bigint;not null;default:0" json:"free_trial_used"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (UserBalance) TableName() string { return "user_balance" }

// Reconciled reports whether the lifetime counters add up. Transient
// divergence across retries is tolerated; it must converge.
func (b *UserBalance) Reconciled() bool {
	if b == nil {
		return false
	}
	return b.TotalPoints == b.UsedPoints+b.ExpiredPoints+b.AvailablePoints
}
