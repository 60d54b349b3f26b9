package weighing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service drives the per item weight settlement state machine.
type Service interface {
	WithTx(tx *gorm.DB) Service
	CreateAdjustments(ctx context.Context, order *models.Order, items []models.OrderItem) ([]models.WeightAdjustment, error)
	RecordWeighing(ctx context.Context, event WeighingEvent) (*models.WeightAdjustment, error)
	Review(ctx context.Context, review AdminReview) (*models.WeightAdjustment, error)
	Adjustments(ctx context.Context, orderID int64) ([]models.WeightAdjustment, error)
	AreAllItemsWeighed(ctx context.Context, orderID int64) (bool, error)
	HasPendingAdminApproval(ctx context.Context, orderID int64) (bool, error)
	MarkSettled(ctx context.Context, orderID int64, logID *int64) (int64, error)
}

// WeighingEvent is emitted by a courier scale for one order item.
type WeighingEvent struct {
	OrderItemID  int64
	ActualWeight decimal.Decimal
	CourierID    int64
	Timestamp    time.Time
}

// AdminReview is an operator decision on an out of tolerance adjustment.
// AllowBandOverride lets the order capture beyond the tolerance band, up to
// the configured hard limit.
type AdminReview struct {
	WeightAdjustmentID int64
	AdminID            int64
	Approved           bool
	AdjustedPrice      *decimal.Decimal
	Note               *string
	AllowBandOverride  bool
}

type service struct {
	repo             Repository
	tx               txRunner
	logg             *logger.Logger
	clock            func() time.Time
	defaultTolerance decimal.Decimal
}

// Option customises the service.
type Option func(*service)

// WithLogger sets the logger used for state transitions.
func WithLogger(logg *logger.Logger) Option {
	return func(s *service) { s.logg = logg }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithDefaultTolerance is applied to orders created without their own
// tolerance percentage.
func WithDefaultTolerance(tolerance decimal.Decimal) Option {
	return func(s *service) {
		if !tolerance.IsNegative() {
			s.defaultTolerance = tolerance
		}
	}
}

// NewService builds the weighing service with the required dependencies.
func NewService(repo Repository, tx txRunner, opts ...Option) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("weighing repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	s := &service{repo: repo, tx: tx, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WithTx returns a service whose reads and writes join tx. Operations that
// open their own transaction still do so through the runner.
func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.repo = s.repo.WithTx(tx)
	clone.tx = joinedTx{tx: tx}
	return &clone
}

// CreateAdjustments opens one pending adjustment per weight based item. It is
// meant to run inside the order creation transaction via WithTx.
func (s *service) CreateAdjustments(ctx context.Context, order *models.Order, items []models.OrderItem) ([]models.WeightAdjustment, error) {
	if order == nil || order.ID == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}

	tolerance := order.TolerancePercentage
	if tolerance.IsZero() {
		tolerance = s.defaultTolerance
	}
	adjustments := make([]models.WeightAdjustment, 0, len(items))
	for _, item := range items {
		if !item.IsWeightBased {
			continue
		}
		if item.ID == 0 || item.OrderID != order.ID {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "item does not belong to order")
		}
		adjustments = append(adjustments, models.WeightAdjustment{
			OrderID:             order.ID,
			OrderItemID:         item.ID,
			Status:              enums.WeightAdjustmentStatusPendingWeighing,
			EstimatedWeight:     item.EstimatedWeight,
			EstimatedPrice:      item.EstimatedPrice,
			TolerancePercentage: tolerance,
		})
	}
	if len(adjustments) == 0 {
		return nil, nil
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateAdjustments(ctx, adjustments); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create weight adjustments")
		}
		return repo.UpdateOrder(ctx, order.ID, map[string]any{
			"has_weight_based_items":   true,
			"weight_adjustment_status": enums.OrderWeightStatusPendingWeighing,
			"tolerance_percentage":     tolerance,
		})
	})
	if err != nil {
		return nil, err
	}
	order.TolerancePercentage = tolerance
	order.HasWeightBasedItems = true
	order.WeightAdjustmentStatus = enums.OrderWeightStatusPendingWeighing
	return adjustments, nil
}

func (s *service) RecordWeighing(ctx context.Context, event WeighingEvent) (*models.WeightAdjustment, error) {
	if event.OrderItemID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order item id required")
	}
	if event.CourierID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "courier id required")
	}
	if !event.ActualWeight.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actual weight must be positive")
	}
	weighedAt := event.Timestamp
	if weighedAt.IsZero() {
		weighedAt = s.clock()
	}
	weighedAt = weighedAt.UTC()

	var result *models.WeightAdjustment
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		item, err := repo.FindItem(ctx, event.OrderItemID)
		if err != nil {
			return notFoundOr(err, "order item not found", "load order item")
		}
		if !item.IsWeightBased {
			return pkgerrors.New(pkgerrors.CodeValidation, "order item is not sold by weight")
		}

		order, err := repo.LockOrder(ctx, item.OrderID)
		if err != nil {
			return notFoundOr(err, "order not found", "lock order")
		}
		if order.WeightAdjustmentStatus == enums.OrderWeightStatusSettled {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order already settled")
		}

		// Re-read under the order lock so two scales cannot both win.
		item, err = repo.FindItem(ctx, event.OrderItemID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order item")
		}
		if item.IsWeighed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order item already weighed")
		}
		adj, err := repo.FindAdjustmentByItem(ctx, item.ID)
		if err != nil {
			return notFoundOr(err, "weight adjustment not found", "load weight adjustment")
		}
		if adj.Status != enums.WeightAdjustmentStatusPendingWeighing {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "weight adjustment already evaluated")
		}

		eval := Evaluate(item.EstimatedPrice, item.PricePerUnit, event.ActualWeight, adj.TolerancePercentage)
		actualWeight := decimal.NewNullDecimal(event.ActualWeight)
		actualPrice := decimal.NewNullDecimal(eval.ActualPrice)
		courierID := event.CourierID

		if err := repo.UpdateItem(ctx, item.ID, map[string]any{
			"actual_weight":         actualWeight,
			"actual_price":          actualPrice,
			"price_difference":      eval.PriceDifference,
			"is_weighed":            true,
			"weighed_at":            weighedAt,
			"weighed_by_courier_id": courierID,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order item")
		}

		updates := map[string]any{
			"status":                  eval.Status,
			"actual_weight":           actualWeight,
			"weight_difference":       event.ActualWeight.Sub(adj.EstimatedWeight),
			"actual_price":            actualPrice,
			"price_difference":        eval.PriceDifference,
			"difference_percent":      eval.DifferencePercent,
			"requires_admin_approval": eval.RequiresAdminApproval,
			"is_settled":              eval.Settled,
		}
		if eval.Settled {
			updates["settled_at"] = weighedAt
		}
		if err := repo.UpdateAdjustment(ctx, adj.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update weight adjustment")
		}

		if _, err := s.refreshOrder(ctx, repo, order, nil); err != nil {
			return err
		}

		result, err = repo.FindAdjustment(ctx, adj.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload weight adjustment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":           result.OrderID,
			"order_item_id":      result.OrderItemID,
			"adjustment_status":  result.Status,
			"price_difference":   result.PriceDifference.String(),
			"difference_percent": result.DifferencePercent.String(),
		})
		if result.RequiresAdminApproval {
			s.logg.Warn(logCtx, "weighing.exceeds_tolerance")
		} else {
			s.logg.Info(logCtx, "weighing.within_tolerance")
		}
	}
	return result, nil
}

func (s *service) Review(ctx context.Context, review AdminReview) (*models.WeightAdjustment, error) {
	if review.WeightAdjustmentID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "weight adjustment id required")
	}
	if review.AdminID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "admin identity missing")
	}
	if review.AdjustedPrice != nil {
		if !review.Approved {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "adjusted price only applies to approvals")
		}
		if review.AdjustedPrice.IsNegative() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "adjusted price must not be negative")
		}
	}

	var result *models.WeightAdjustment
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		adj, err := repo.FindAdjustment(ctx, review.WeightAdjustmentID)
		if err != nil {
			return notFoundOr(err, "weight adjustment not found", "load weight adjustment")
		}
		order, err := repo.LockOrder(ctx, adj.OrderID)
		if err != nil {
			return notFoundOr(err, "order not found", "lock order")
		}
		adj, err = repo.FindAdjustment(ctx, adj.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload weight adjustment")
		}
		if adj.Status != enums.WeightAdjustmentStatusPendingAdminApproval || adj.AdminReviewed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "weight adjustment is not awaiting review")
		}

		difference := adj.PriceDifference
		var adjusted decimal.NullDecimal
		if review.AdjustedPrice != nil {
			adjusted = decimal.NewNullDecimal(review.AdjustedPrice.Round(2))
			difference = adjusted.Decimal.Sub(adj.EstimatedPrice)
		}
		status, settled := reviewOutcome(review.Approved, difference)
		now := s.clock().UTC()
		adminID := review.AdminID

		updates := map[string]any{
			"status":               status,
			"admin_reviewed":       true,
			"admin_approved":       review.Approved,
			"admin_note":           review.Note,
			"adjusted_price":       adjusted,
			"reviewed_by_admin_id": adminID,
			"reviewed_at":          now,
		}
		if settled {
			updates["is_settled"] = true
			updates["settled_at"] = now
		}
		if err := repo.UpdateAdjustment(ctx, adj.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update weight adjustment")
		}

		var extra map[string]any
		if review.Approved && review.AllowBandOverride {
			extra = map[string]any{"admin_override": true}
		}
		if _, err := s.refreshOrder(ctx, repo, order, extra); err != nil {
			return err
		}

		result, err = repo.FindAdjustment(ctx, adj.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload weight adjustment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":             result.OrderID,
			"weight_adjustment_id": result.ID,
			"admin_id":             review.AdminID,
			"approved":             review.Approved,
			"adjustment_status":    result.Status,
		})
		s.logg.Info(logCtx, "weighing.reviewed")
	}
	return result, nil
}

func (s *service) Adjustments(ctx context.Context, orderID int64) ([]models.WeightAdjustment, error) {
	adjustments, err := s.repo.ListAdjustments(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list weight adjustments")
	}
	return adjustments, nil
}

func (s *service) AreAllItemsWeighed(ctx context.Context, orderID int64) (bool, error) {
	count, err := s.repo.CountPendingWeighing(ctx, orderID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count unweighed items")
	}
	return count == 0, nil
}

func (s *service) HasPendingAdminApproval(ctx context.Context, orderID int64) (bool, error) {
	count, err := s.repo.CountAwaitingReview(ctx, orderID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count adjustments awaiting review")
	}
	return count > 0, nil
}

// MarkSettled finalises every adjustment that was waiting on the bank and
// flips the order to settled. logID references the capture result row.
func (s *service) MarkSettled(ctx context.Context, orderID int64, logID *int64) (int64, error) {
	var settled int64
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		settled, err = repo.SettleAdjustments(ctx, orderID, logID, s.clock().UTC())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "settle weight adjustments")
		}
		return repo.UpdateOrder(ctx, orderID, map[string]any{
			"weight_adjustment_status": enums.OrderWeightStatusSettled,
		})
	})
	if err != nil {
		return 0, err
	}
	return settled, nil
}

// refreshOrder recomputes order totals and status from its adjustments.
func (s *service) refreshOrder(ctx context.Context, repo Repository, order *models.Order, extra map[string]any) (enums.OrderWeightStatus, error) {
	adjustments, err := repo.ListAdjustments(ctx, order.ID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload weight adjustments")
	}

	totalPrice := decimal.Zero
	totalWeight := decimal.Zero
	for _, adj := range adjustments {
		totalPrice = totalPrice.Add(adj.SettlementAmount())
		if adj.ActualWeight.Valid {
			totalWeight = totalWeight.Add(adj.WeightDifference)
		}
	}
	status := orderStatus(adjustments)

	updates := map[string]any{
		"total_price_difference":   totalPrice,
		"total_weight_difference":  totalWeight,
		"weight_adjustment_status": status,
	}
	for k, v := range extra {
		updates[k] = v
	}
	if err := repo.UpdateOrder(ctx, order.ID, updates); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order totals")
	}
	order.TotalPriceDifference = totalPrice
	order.TotalWeightDifference = totalWeight
	order.WeightAdjustmentStatus = status
	return status, nil
}

func notFoundOr(err error, notFound, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, notFound)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}

// joinedTx runs fn on an already open transaction.
type joinedTx struct {
	tx *gorm.DB
}

func (j joinedTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(j.tx)
}
