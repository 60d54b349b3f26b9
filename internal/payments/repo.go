package payments

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/db"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	"gorm.io/gorm"
)

// Repository persists orders and card payments for the capture flow.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindOrder(ctx context.Context, orderID int64) (*models.Order, error)
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	UpdateOrder(ctx context.Context, orderID int64, updates map[string]any) error
	CreatePayment(ctx context.Context, payment *models.Payment) error
	FindPayment(ctx context.Context, paymentID int64) (*models.Payment, error)
	FindPaymentByXid(ctx context.Context, xid string) (*models.Payment, error)
	FindActivePayment(ctx context.Context, orderID int64) (*models.Payment, error)
	FindPendingThreeDS(ctx context.Context, orderID int64) (*models.Payment, error)
	FindOpenAttempt(ctx context.Context, orderID int64) (*models.Payment, error)
	ListRefunds(ctx context.Context, originalID int64, status enums.AuthStatus) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, paymentID int64, updates map[string]any) error
	TransitionPayment(ctx context.Context, paymentID int64, from enums.AuthStatus, updates map[string]any) (bool, error)
	ListExpiredAuthorizations(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payments repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// LockOrder loads the order row holding a write lock for the rest of the
// transaction.
func (r *repository) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	if err := db.ForUpdate(r.db.WithContext(ctx)).Where("id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) UpdateOrder(ctx context.Context, orderID int64, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", orderID).Updates(updates).Error
}

func (r *repository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) FindPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", paymentID).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) FindPaymentByXid(ctx context.Context, xid string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("xid = ?", xid).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindActivePayment returns the authorization currently backing the order,
// or nil when there is none.
func (r *repository) FindActivePayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	return r.firstOrNil(r.db.WithContext(ctx).
		Where("order_id = ? AND is_active = ? AND original_payment_id IS NULL", orderID, true).
		Order("id DESC"))
}

// FindPendingThreeDS returns the newest payment still waiting on the
// cardholder challenge, or nil.
func (r *repository) FindPendingThreeDS(ctx context.Context, orderID int64) (*models.Payment, error) {
	return r.firstOrNil(r.db.WithContext(ctx).
		Where("order_id = ? AND auth_status = ? AND original_payment_id IS NULL", orderID, enums.AuthStatusPending3DS).
		Order("id DESC"))
}

// FindOpenAttempt returns the newest authorization attempt that has not
// reached a final status, or nil.
func (r *repository) FindOpenAttempt(ctx context.Context, orderID int64) (*models.Payment, error) {
	return r.firstOrNil(r.db.WithContext(ctx).
		Where("order_id = ? AND original_payment_id IS NULL", orderID).
		Where("auth_status IN ?", []enums.AuthStatus{enums.AuthStatusPending, enums.AuthStatusPending3DS}).
		Order("id DESC"))
}

// ListRefunds returns the refunds against originalID in the given status,
// oldest first.
func (r *repository) ListRefunds(ctx context.Context, originalID int64, status enums.AuthStatus) ([]models.Payment, error) {
	var refunds []models.Payment
	err := r.db.WithContext(ctx).
		Where("original_payment_id = ? AND auth_status = ?", originalID, status).
		Order("id ASC").
		Find(&refunds).Error
	return refunds, err
}

func (r *repository) UpdatePayment(ctx context.Context, paymentID int64, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", paymentID).Updates(updates).Error
}

// TransitionPayment applies updates only while the payment is still in the
// from status. It reports whether this caller won the transition.
func (r *repository) TransitionPayment(ctx context.Context, paymentID int64, from enums.AuthStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND auth_status = ?", paymentID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListExpiredAuthorizations returns live, uncaptured authorizations whose
// window closed at or before now.
func (r *repository) ListExpiredAuthorizations(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	query := r.db.WithContext(ctx).
		Where("auth_status = ? AND is_active = ? AND capture_status = ?", enums.AuthStatusAuthorized, true, enums.CaptureStatusNotCaptured).
		Where("authorization_expires_at IS NOT NULL AND authorization_expires_at <= ?", now).
		Order("authorization_expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repository) firstOrNil(query *gorm.DB) (*models.Payment, error) {
	var payment models.Payment
	err := query.First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
