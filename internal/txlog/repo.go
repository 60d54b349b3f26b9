package txlog

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	"github.com/angelmondragon/scalepay-backend/pkg/pagination"
	"gorm.io/gorm"
)

// Repository persists bank call audit rows and reconciliation records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.PosnetTransactionLog) error
	FindResult(ctx context.Context, xid string, txType enums.PosnetTransactionType, outcome enums.PosnetLogOutcome) (*models.PosnetTransactionLog, error)
	LatestResult(ctx context.Context, xid string, txType enums.PosnetTransactionType) (*models.PosnetTransactionLog, error)
	CountOpenIntents(ctx context.Context, xid string, txType enums.PosnetTransactionType) (int64, error)
	ListByOrderID(ctx context.Context, orderID int64) ([]models.PosnetTransactionLog, error)
	CountFailedAuthorizations(ctx context.Context, cardHash string, since time.Time) (int64, error)
	CreateReconciliation(ctx context.Context, entry *models.ReconciliationLog) error
	ListOpenReconciliations(ctx context.Context, kind enums.ReconciliationKind, limit int) ([]models.ReconciliationLog, error)
	ListReconciliations(ctx context.Context, filter ReconciliationFilter, cursor *pagination.Cursor, limit int) ([]models.ReconciliationLog, error)
	ResolveReconciliation(ctx context.Context, id int64, resolution string, at time.Time) error
}

// ReconciliationFilter narrows the operator listing. A nil Kind matches
// every kind.
type ReconciliationFilter struct {
	Kind            *enums.ReconciliationKind
	IncludeResolved bool
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a transaction log repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, entry *models.PosnetTransactionLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// FindResult returns the newest result row for xid with the given outcome,
// or nil when none exists.
func (r *repository) FindResult(ctx context.Context, xid string, txType enums.PosnetTransactionType, outcome enums.PosnetLogOutcome) (*models.PosnetTransactionLog, error) {
	var entry models.PosnetTransactionLog
	err := r.db.WithContext(ctx).
		Where("xid = ? AND transaction_type = ? AND phase = ? AND outcome = ?", xid, txType, enums.PosnetLogPhaseResult, outcome).
		Order("id DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// LatestResult returns the newest result row for xid and type, or nil.
func (r *repository) LatestResult(ctx context.Context, xid string, txType enums.PosnetTransactionType) (*models.PosnetTransactionLog, error) {
	var entry models.PosnetTransactionLog
	err := r.db.WithContext(ctx).
		Where("xid = ? AND transaction_type = ? AND phase = ?", xid, txType, enums.PosnetLogPhaseResult).
		Order("id DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CountOpenIntents counts intent rows for xid and type that never received a
// result row, which happens when the process stops during the bank call.
func (r *repository) CountOpenIntents(ctx context.Context, xid string, txType enums.PosnetTransactionType) (int64, error) {
	results := r.db.Model(&models.PosnetTransactionLog{}).
		Select("correlation_id").
		Where("xid = ? AND transaction_type = ? AND phase = ?", xid, txType, enums.PosnetLogPhaseResult)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PosnetTransactionLog{}).
		Where("xid = ? AND transaction_type = ? AND phase = ?", xid, txType, enums.PosnetLogPhaseIntent).
		Where("correlation_id NOT IN (?)", results).
		Count(&count).Error
	return count, err
}

func (r *repository) ListByOrderID(ctx context.Context, orderID int64) ([]models.PosnetTransactionLog, error) {
	var entries []models.PosnetTransactionLog
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// CountFailedAuthorizations counts declined or failed authorization results
// for a card since the given time.
func (r *repository) CountFailedAuthorizations(ctx context.Context, cardHash string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PosnetTransactionLog{}).
		Joins("JOIN payments ON payments.id = posnet_transaction_logs.payment_id").
		Where("payments.card_hash = ?", cardHash).
		Where("posnet_transaction_logs.phase = ?", enums.PosnetLogPhaseResult).
		Where("posnet_transaction_logs.transaction_type IN ?", []enums.PosnetTransactionType{
			enums.PosnetTransactionTypeAuth,
			enums.PosnetTransactionTypeInit3DS,
		}).
		Where("posnet_transaction_logs.outcome IN ?", []enums.PosnetLogOutcome{
			enums.PosnetLogOutcomeDeclined,
			enums.PosnetLogOutcomeError,
		}).
		Where("posnet_transaction_logs.requested_at >= ?", since).
		Count(&count).Error
	return count, err
}

func (r *repository) CreateReconciliation(ctx context.Context, entry *models.ReconciliationLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListOpenReconciliations(ctx context.Context, kind enums.ReconciliationKind, limit int) ([]models.ReconciliationLog, error) {
	var entries []models.ReconciliationLog
	query := r.db.WithContext(ctx).
		Where("kind = ? AND resolved_at IS NULL", kind).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ListReconciliations pages newest first, resuming strictly after cursor.
func (r *repository) ListReconciliations(ctx context.Context, filter ReconciliationFilter, cursor *pagination.Cursor, limit int) ([]models.ReconciliationLog, error) {
	query := r.db.WithContext(ctx).Model(&models.ReconciliationLog{})
	if filter.Kind != nil {
		query = query.Where("kind = ?", *filter.Kind)
	}
	if !filter.IncludeResolved {
		query = query.Where("resolved_at IS NULL")
	}
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var entries []models.ReconciliationLog
	if err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ResolveReconciliation closes an open entry. It returns
// gorm.ErrRecordNotFound when the entry is missing or already resolved.
func (r *repository) ResolveReconciliation(ctx context.Context, id int64, resolution string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.ReconciliationLog{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]any{"resolved_at": at, "resolution": resolution})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
