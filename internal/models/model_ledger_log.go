package models

import (
	"time"

	"github.com/fatflowers/pointsledger/pkg/types"
	"gorm.io/datatypes"
)

// LedgerLog is the append-only audit trail of every balance mutation.
// Entries are never updated or deleted; summing PointsChange per user
// reconstructs AvailablePoints if the balance row is ever suspect.
type LedgerLog struct {
	ID     string `gorm:"column:id;primary_key;type:uuid;index:idx_ledger_user_id,priority:2,sort:desc" json:"id"`
	UserID string `gorm:"column:user_id;type:varchar(64);not null;index:idx_ledger_user_id,priority:1" json:"user_id"`
	// PointsChange is signed: negative for consume/expire, positive for
	// purchase, either for admin adjustments. Free-trial consumption is
	// recorded with a zero delta.
	PointsChange int64                  `gorm:"column:points_change;type:bigint;not null" json:"points_change"`
	ChangeType   types.LedgerChangeType `gorm:"column:change_type;type:varchar(64);not null" json:"change_type"`
	Reason       string                 `gorm:"column:reason;type:varchar(255)" json:"reason"`
	// BalanceAfter is AvailablePoints immediately after this mutation.
	BalanceAfter int64 `gorm:"column:balance_after;type:bigint;not null" json:"balance_after"`
	// Metadata carries context such as affected batch ids or the
	// external event id.
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

func (LedgerLog) TableName() string { return "ledger_log" }
