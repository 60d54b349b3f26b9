package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/scalepay-backend/pkg/enums"
)

// WeightAdjustment tracks the settlement decision for one weight based item.
type WeightAdjustment struct {
	ID                    int64                        `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID               int64                        `gorm:"column:order_id;not null;index"`
	OrderItemID           int64                        `gorm:"column:order_item_id;not null;uniqueIndex"`
	Status                enums.WeightAdjustmentStatus `gorm:"column:status;type:varchar(32);not null;default:'pending_weighing'"`
	EstimatedWeight       decimal.Decimal              `gorm:"column:estimated_weight;type:numeric(12,3);not null"`
	ActualWeight          decimal.NullDecimal          `gorm:"column:actual_weight;type:numeric(12,3)"`
	WeightDifference      decimal.Decimal              `gorm:"column:weight_difference;type:numeric(12,3);not null"`
	EstimatedPrice        decimal.Decimal              `gorm:"column:estimated_price;type:numeric(12,2);not null"`
	ActualPrice           decimal.NullDecimal          `gorm:"column:actual_price;type:numeric(12,2)"`
	PriceDifference       decimal.Decimal              `gorm:"column:price_difference;type:numeric(12,2);not null"`
	DifferencePercent     decimal.Decimal              `gorm:"column:difference_percent;type:numeric(9,4);not null"`
	TolerancePercentage   decimal.Decimal              `gorm:"column:tolerance_percentage;type:numeric(5,4);not null"`
	RequiresAdminApproval bool                         `gorm:"column:requires_admin_approval;not null;default:false"`
	AdminReviewed         bool                         `gorm:"column:admin_reviewed;not null;default:false"`
	AdminApproved         bool                         `gorm:"column:admin_approved;not null;default:false"`
	AdminNote             *string                      `gorm:"column:admin_note"`
	AdjustedPrice         decimal.NullDecimal          `gorm:"column:adjusted_price;type:numeric(12,2)"`
	ReviewedByAdminID     *int64                       `gorm:"column:reviewed_by_admin_id"`
	ReviewedAt            *time.Time                   `gorm:"column:reviewed_at"`
	IsSettled             bool                         `gorm:"column:is_settled;not null;default:false"`
	SettledAt             *time.Time                   `gorm:"column:settled_at"`
	PaymentTransactionID  *int64                       `gorm:"column:payment_transaction_id"`
	CreatedAt             time.Time                    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time                    `gorm:"column:updated_at;autoUpdateTime"`
}

// SettlementAmount is the price difference this item contributes to capture.
// Admin adjusted prices replace the weighed price; rejected rows keep the
// estimate and contribute nothing.
func (w WeightAdjustment) SettlementAmount() decimal.Decimal {
	switch w.Status {
	case enums.WeightAdjustmentStatusRejected, enums.WeightAdjustmentStatusPendingWeighing:
		return decimal.Zero
	}
	if w.AdminApproved && w.AdjustedPrice.Valid {
		return w.AdjustedPrice.Decimal.Sub(w.EstimatedPrice)
	}
	return w.PriceDifference
}
