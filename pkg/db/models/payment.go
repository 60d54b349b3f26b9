package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/scalepay-backend/pkg/enums"
)

// Payment is one card authorization attempt for an order. Refunds and voids
// are child rows pointing at the original through OriginalPaymentID. Only
// masked card data is stored.
type Payment struct {
	ID                     int64               `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID                int64               `gorm:"column:order_id;not null;index"`
	OriginalPaymentID      *int64              `gorm:"column:original_payment_id;index"`
	AuthStatus             enums.AuthStatus    `gorm:"column:auth_status;type:varchar(32);not null"`
	CaptureStatus          enums.CaptureStatus `gorm:"column:capture_status;type:varchar(32);not null;default:'not_captured'"`
	Currency               enums.Currency      `gorm:"column:currency;type:varchar(3);not null;default:'TL'"`
	Amount                 decimal.Decimal     `gorm:"column:amount;type:numeric(12,2);not null"`
	AuthorizedAmount       decimal.Decimal     `gorm:"column:authorized_amount;type:numeric(12,2);not null"`
	CapturedAmount         decimal.Decimal     `gorm:"column:captured_amount;type:numeric(12,2);not null"`
	RefundedAmount         decimal.Decimal     `gorm:"column:refunded_amount;type:numeric(12,2);not null"`
	Xid                    string              `gorm:"column:xid;type:varchar(20);not null;uniqueIndex"`
	AuthorizationReference *string             `gorm:"column:authorization_reference"`
	AuthCode               *string             `gorm:"column:auth_code"`
	AuthorizationExpiresAt *time.Time          `gorm:"column:authorization_expires_at;index"`
	TolerancePercentage    decimal.Decimal     `gorm:"column:tolerance_percentage;type:numeric(5,4);not null"`
	MdStatus               *string             `gorm:"column:md_status"`
	Eci                    *string             `gorm:"column:eci"`
	Cavv                   *string             `gorm:"column:cavv"`
	CardBin                string              `gorm:"column:card_bin;type:varchar(6)"`
	CardLastFour           string              `gorm:"column:card_last_four;type:varchar(4)"`
	CardBrand              string              `gorm:"column:card_brand"`
	CardHash               string              `gorm:"column:card_hash;type:varchar(16);index"`
	IsActive               bool                `gorm:"column:is_active;not null;default:false"`
	FailureReason          *string             `gorm:"column:failure_reason"`
	CapturedAt             *time.Time          `gorm:"column:captured_at"`
	CreatedAt              time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// Expired reports whether the authorization window closed before now.
func (p Payment) Expired(now time.Time) bool {
	return p.AuthorizationExpiresAt != nil && !now.Before(*p.AuthorizationExpiresAt)
}
