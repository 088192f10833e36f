package models

import (
	"time"

	"github.com/fatflowers/pointsledger/pkg/types"
	"gorm.io/datatypes"
)

type PurchaseBatchExtra struct {
	// OperatorId is set for admin-granted batches.
	OperatorId string `json:"operator_id,omitempty"`
	// PackageSnapshot is the catalog entry at purchase time.
	PackageSnapshot *types.PointPackage `json:"package_snapshot,omitempty"`
}

// PurchaseBatch is one discrete grant of credit from a single completed
// purchase, carrying its own expiration.
//
// SourceTransactionID is the external idempotency key: the unique index
// makes double delivery of the same gateway event a storage-level
// conflict rather than a double grant.
type PurchaseBatch struct {
	ID            string              `gorm:"column:id;primary_key;type:uuid;index:idx_batch_user_id,priority:2,sort:desc" json:"id"`
	UserID        string              `gorm:"column:user_id;type:varchar(64);not null;index:idx_batch_user_id,priority:1" json:"user_id"`
	PackageID     string              `gorm:"column:package_id;type:varchar(64);not null" json:"package_id"`
	GrantedPoints int64               `gorm:"column:granted_points;type:bigint;not null" json:"granted_points"`
	Price         int64               `gorm:"column:price;type:bigint;not null" json:"price"`
	Currency      string              `gorm:"column:currency;type:varchar(64);not null" json:"currency"`
	PaymentStatus types.PaymentStatus `gorm:"column:payment_status;type:varchar(64);not null" json:"payment_status"`

	SourceTransactionID string `gorm:"column:source_transaction_id;type:varchar(128);not null;uniqueIndex" json:"source_transaction_id"`

	// ExpireAt is when the granted credit stops being spendable.
	ExpireAt time.Time `gorm:"column:expire_at;not null" json:"expire_at"`
	// ExpiredProcessed transitions from NULL to true exactly once; once
	// set, the reconciler never re-debits this batch.
	ExpiredProcessed *bool      `gorm:"column:expired_processed;default:null" json:"expired_processed"`
	ExpiredAt        *time.Time `gorm:"column:expired_at;default:null" json:"expired_at"`

	Extra     datatypes.JSONType[*PurchaseBatchExtra] `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time                               `json:"created_at"`
	UpdatedAt time.Time                               `json:"updated_at"`
}

func (PurchaseBatch) TableName() string { return "purchase_batch" }

// ExpiredBy reports whether the batch's credit should no longer be
// spendable at the given time.
func (b *PurchaseBatch) ExpiredBy(at time.Time) bool {
	if b == nil {
		return false
	}
	return b.PaymentStatus == types.PaymentStatusCompleted && b.ExpireAt.Before(at)
}

// Processed reports whether batch expiration has already been applied.
func (b *PurchaseBatch) Processed() bool {
	return b != nil && b.ExpiredProcessed != nil && *b.ExpiredProcessed
}
