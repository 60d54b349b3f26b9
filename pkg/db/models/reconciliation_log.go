package models

import (
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/enums"
)

// ReconciliationLog flags a disagreement between local state and the bank.
type ReconciliationLog struct {
	ID         int64                    `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID    *int64                   `gorm:"column:order_id;index"`
	PaymentID  *int64                   `gorm:"column:payment_id;index"`
	Xid        string                   `gorm:"column:xid;type:varchar(20)"`
	Kind       enums.ReconciliationKind `gorm:"column:kind;type:varchar(32);not null;index"`
	LocalState string                   `gorm:"column:local_state"`
	BankState  string                   `gorm:"column:bank_state"`
	Details    string                   `gorm:"column:details;type:text"`
	ResolvedAt *time.Time               `gorm:"column:resolved_at"`
	Resolution *string                  `gorm:"column:resolution"`
	CreatedAt  time.Time                `gorm:"column:created_at;autoCreateTime"`
}
