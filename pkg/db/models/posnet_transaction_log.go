package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/scalepay-backend/pkg/enums"
)

// PosnetTransactionLog is an append-only record of one bank call. Every call
// produces an intent row before the request and a result row afterwards,
// sharing a CorrelationID. Payloads are masked before they reach this struct.
type PosnetTransactionLog struct {
	ID              int64                       `gorm:"column:id;primaryKey;autoIncrement"`
	CorrelationID   uuid.UUID                   `gorm:"column:correlation_id;type:uuid;not null;index"`
	OrderID         *int64                      `gorm:"column:order_id;index"`
	PaymentID       *int64                      `gorm:"column:payment_id;index"`
	TransactionType enums.PosnetTransactionType `gorm:"column:transaction_type;type:varchar(32);not null"`
	Phase           enums.PosnetLogPhase        `gorm:"column:phase;type:varchar(16);not null"`
	Xid             string                      `gorm:"column:xid;type:varchar(20);index"`
	Amount          int64                       `gorm:"column:amount;not null"`
	Currency        string                      `gorm:"column:currency;type:varchar(3)"`
	RequestXML      string                      `gorm:"column:request_xml;type:text"`
	ResponseXML     string                      `gorm:"column:response_xml;type:text"`
	IsSuccess       bool                        `gorm:"column:is_success;not null;default:false"`
	Outcome         enums.PosnetLogOutcome      `gorm:"column:outcome;type:varchar(16);not null"`
	HostLogKey      *string                     `gorm:"column:host_log_key"`
	AuthCode        *string                     `gorm:"column:auth_code"`
	MdStatus        *string                     `gorm:"column:md_status"`
	ErrorCode       *string                     `gorm:"column:error_code"`
	ErrorMessage    *string                     `gorm:"column:error_message"`
	RequestedAt     time.Time                   `gorm:"column:requested_at;not null"`
	RespondedAt     *time.Time                  `gorm:"column:responded_at"`
	DurationMS      int64                       `gorm:"column:duration_ms;not null;default:0"`
	CreatedAt       time.Time                   `gorm:"column:created_at;autoCreateTime"`
}
