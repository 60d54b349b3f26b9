package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/scalepay-backend/pkg/enums"
)

// Order is the settlement view of a customer order. Catalog and fulfilment
// details live with their owning services.
type Order struct {
	ID                     int64                   `gorm:"column:id;primaryKey;autoIncrement"`
	CustomerID             *int64                  `gorm:"column:customer_id;index"`
	IsGuest                bool                    `gorm:"column:is_guest;not null;default:false"`
	Currency               enums.Currency          `gorm:"column:currency;type:varchar(3);not null;default:'TL'"`
	PreAuthAmount          decimal.Decimal         `gorm:"column:pre_auth_amount;type:numeric(12,2);not null"`
	AuthorizedAmount       decimal.Decimal         `gorm:"column:authorized_amount;type:numeric(12,2);not null"`
	CapturedAmount         decimal.Decimal         `gorm:"column:captured_amount;type:numeric(12,2);not null"`
	DiscountAmount         decimal.Decimal         `gorm:"column:discount_amount;type:numeric(12,2);not null"`
	CaptureStatus          enums.CaptureStatus     `gorm:"column:capture_status;type:varchar(32);not null;default:'not_captured'"`
	TolerancePercentage    decimal.Decimal         `gorm:"column:tolerance_percentage;type:numeric(5,4);not null"`
	HasWeightBasedItems    bool                    `gorm:"column:has_weight_based_items;not null;default:false"`
	WeightAdjustmentStatus enums.OrderWeightStatus `gorm:"column:weight_adjustment_status;type:varchar(32);not null;default:'none'"`
	TotalPriceDifference   decimal.Decimal         `gorm:"column:total_price_difference;type:numeric(12,2);not null"`
	TotalWeightDifference  decimal.Decimal         `gorm:"column:total_weight_difference;type:numeric(12,3);not null"`
	PreAuthHostLogKey      *string                 `gorm:"column:pre_auth_host_log_key"`
	AdminOverride          bool                    `gorm:"column:admin_override;not null;default:false"`
	CapturedAt             *time.Time              `gorm:"column:captured_at"`
	CreatedAt              time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time               `gorm:"column:updated_at;autoUpdateTime"`

	Items []OrderItem `gorm:"foreignKey:OrderID"`
}

// CaptureCeiling is the largest amount the band allows without an override.
func (o Order) CaptureCeiling() decimal.Decimal {
	return o.PreAuthAmount.Mul(decimal.NewFromInt(1).Add(o.TolerancePercentage)).Round(2)
}
