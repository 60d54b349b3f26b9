package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderItem is a purchased line. Weight based lines carry an estimate until a
// courier weighs them; ActualPrice is only valid once IsWeighed is set.
type OrderItem struct {
	ID                 int64               `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID            int64               `gorm:"column:order_id;not null;index"`
	ProductName        string              `gorm:"column:product_name;not null"`
	Quantity           int                 `gorm:"column:quantity;not null;default:1"`
	IsWeightBased      bool                `gorm:"column:is_weight_based;not null;default:false"`
	PricePerUnit       decimal.Decimal     `gorm:"column:price_per_unit;type:numeric(12,2);not null"`
	EstimatedWeight    decimal.Decimal     `gorm:"column:estimated_weight;type:numeric(12,3);not null"`
	ActualWeight       decimal.NullDecimal `gorm:"column:actual_weight;type:numeric(12,3)"`
	EstimatedPrice     decimal.Decimal     `gorm:"column:estimated_price;type:numeric(12,2);not null"`
	ActualPrice        decimal.NullDecimal `gorm:"column:actual_price;type:numeric(12,2)"`
	PriceDifference    decimal.Decimal     `gorm:"column:price_difference;type:numeric(12,2);not null"`
	IsWeighed          bool                `gorm:"column:is_weighed;not null;default:false"`
	WeighedAt          *time.Time          `gorm:"column:weighed_at"`
	WeighedByCourierID *int64              `gorm:"column:weighed_by_courier_id"`
	CreatedAt          time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
