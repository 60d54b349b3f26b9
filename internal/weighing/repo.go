package weighing

import (
	"context"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/db"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	"gorm.io/gorm"
)

// Repository defines persistence for order items and their weight adjustments.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateAdjustments(ctx context.Context, adjustments []models.WeightAdjustment) error
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	FindItem(ctx context.Context, itemID int64) (*models.OrderItem, error)
	FindAdjustment(ctx context.Context, id int64) (*models.WeightAdjustment, error)
	FindAdjustmentByItem(ctx context.Context, itemID int64) (*models.WeightAdjustment, error)
	ListAdjustments(ctx context.Context, orderID int64) ([]models.WeightAdjustment, error)
	CountPendingWeighing(ctx context.Context, orderID int64) (int64, error)
	CountAwaitingReview(ctx context.Context, orderID int64) (int64, error)
	UpdateItem(ctx context.Context, itemID int64, updates map[string]any) error
	UpdateAdjustment(ctx context.Context, id int64, updates map[string]any) error
	UpdateOrder(ctx context.Context, orderID int64, updates map[string]any) error
	SettleAdjustments(ctx context.Context, orderID int64, logID *int64, at time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a weighing repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateAdjustments(ctx context.Context, adjustments []models.WeightAdjustment) error {
	if len(adjustments) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&adjustments).Error
}

// LockOrder loads the order row with a write lock held until the surrounding
// transaction ends.
func (r *repository) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	if err := db.ForUpdate(r.db.WithContext(ctx)).Where("id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindItem(ctx context.Context, itemID int64) (*models.OrderItem, error) {
	var item models.OrderItem
	if err := r.db.WithContext(ctx).Where("id = ?", itemID).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) FindAdjustment(ctx context.Context, id int64) (*models.WeightAdjustment, error) {
	var adj models.WeightAdjustment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&adj).Error; err != nil {
		return nil, err
	}
	return &adj, nil
}

func (r *repository) FindAdjustmentByItem(ctx context.Context, itemID int64) (*models.WeightAdjustment, error) {
	var adj models.WeightAdjustment
	if err := r.db.WithContext(ctx).Where("order_item_id = ?", itemID).First(&adj).Error; err != nil {
		return nil, err
	}
	return &adj, nil
}

func (r *repository) ListAdjustments(ctx context.Context, orderID int64) ([]models.WeightAdjustment, error) {
	var adjustments []models.WeightAdjustment
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&adjustments).Error
	if err != nil {
		return nil, err
	}
	return adjustments, nil
}

func (r *repository) CountPendingWeighing(ctx context.Context, orderID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WeightAdjustment{}).
		Where("order_id = ? AND status = ?", orderID, enums.WeightAdjustmentStatusPendingWeighing).
		Count(&count).Error
	return count, err
}

func (r *repository) CountAwaitingReview(ctx context.Context, orderID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WeightAdjustment{}).
		Where("order_id = ? AND requires_admin_approval = ? AND admin_reviewed = ?", orderID, true, false).
		Count(&count).Error
	return count, err
}

func (r *repository) UpdateItem(ctx context.Context, itemID int64, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.OrderItem{}).Where("id = ?", itemID).Updates(updates).Error
}

func (r *repository) UpdateAdjustment(ctx context.Context, id int64, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.WeightAdjustment{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repository) UpdateOrder(ctx context.Context, orderID int64, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", orderID).Updates(updates).Error
}

// SettleAdjustments flags every unsettled row that was waiting on the bank.
// Pending payment and refund rows complete; rejected rows keep their status.
func (r *repository) SettleAdjustments(ctx context.Context, orderID int64, logID *int64, at time.Time) (int64, error) {
	pending := []enums.WeightAdjustmentStatus{
		enums.WeightAdjustmentStatusPendingAdditionalPayment,
		enums.WeightAdjustmentStatusPendingRefund,
	}
	base := r.db.WithContext(ctx).Model(&models.WeightAdjustment{}).
		Where("order_id = ? AND is_settled = ?", orderID, false).
		Session(&gorm.Session{})

	completed := base.
		Where("status IN ?", pending).
		Updates(map[string]any{
			"status":                 enums.WeightAdjustmentStatusCompleted,
			"is_settled":             true,
			"settled_at":             at,
			"payment_transaction_id": logID,
		})
	if completed.Error != nil {
		return 0, completed.Error
	}

	rejected := base.
		Where("status = ?", enums.WeightAdjustmentStatusRejected).
		Updates(map[string]any{
			"is_settled":             true,
			"settled_at":             at,
			"payment_transaction_id": logID,
		})
	if rejected.Error != nil {
		return 0, rejected.Error
	}
	return completed.RowsAffected + rejected.RowsAffected, nil
}
