package models

import (
	"time"

	"gorm.io/datatypes"
)

type PaymentEventLogStatus string

const (
	PaymentEventLogStatusReceived     PaymentEventLogStatus = "received"
	PaymentEventLogStatusHandled      PaymentEventLogStatus = "handled"
	PaymentEventLogStatusHandleFailed PaymentEventLogStatus = "handle_failed"
)

// PaymentEventLog is the trail of inbound gateway notifications around
// every ApplyEvent call: one "received" row on arrival, one
// "handled"/"handle_failed" row with the outcome. Rejected events stay
// visible here for manual investigation (dead-letter).
type PaymentEventLog struct {
	ID        string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventType string                `gorm:"column:event_type;type:varchar(64);not null" json:"event_type"`
	EventID   string                `gorm:"column:event_id;type:varchar(128);not null;index" json:"event_id"`
	UserID    *string               `gorm:"column:user_id;type:varchar(64)" json:"user_id"`
	TraceID   string                `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	EventTime time.Time             `gorm:"column:event_time" json:"event_time"`
	Data      datatypes.JSON        `gorm:"column:data;type:jsonb" json:"data"`
	Result    *datatypes.JSON       `gorm:"column:result;type:jsonb" json:"result"`
	Status    PaymentEventLogStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (PaymentEventLog) TableName() string { return "payment_event_log" }
