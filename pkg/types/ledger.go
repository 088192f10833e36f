package types

// LedgerChangeType classifies a ledger log entry.
type LedgerChangeType string

const (
	LedgerChangeTypeConsume     LedgerChangeType = "consume"
	LedgerChangeTypePurchase    LedgerChangeType = "purchase"
	LedgerChangeTypeExpire      LedgerChangeType = "expire"
	LedgerChangeTypeAdminAdjust LedgerChangeType = "admin_adjust"
)

// PaymentStatus is the settlement state of a purchase batch.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// PaymentEventType identifies an inbound gateway notification.
type PaymentEventType string

const (
	PaymentEventTypePointsPurchase        PaymentEventType = "points_purchase"
	PaymentEventTypeSubscriptionCreated   PaymentEventType = "subscription_created"
	PaymentEventTypeSubscriptionUpgraded  PaymentEventType = "subscription_upgraded"
	PaymentEventTypeSubscriptionCancelled PaymentEventType = "subscription_cancelled"
)
