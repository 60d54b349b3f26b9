package weighing

import (
	"context"
	"sync"
	"testing"
	"time"

	pkgdb "github.com/angelmondragon/scalepay-backend/pkg/db"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:weighing_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Order{}, &models.OrderItem{}, &models.WeightAdjustment{}))
	return db
}

func newTestService(t *testing.T, db *gorm.DB) Service {
	t.Helper()
	svc, err := NewService(NewRepository(db), pkgdb.NewFromConn(db), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return svc
}

type itemDef struct {
	name         string
	pricePerUnit string
	estimate     string
	weightBased  bool
}

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	require.NoError(t, err)
	return d
}

// seedOrder creates an order with the given items and opens adjustments for
// the weight based ones.
func seedOrder(t *testing.T, db *gorm.DB, svc Service, tolerance string, defs ...itemDef) (*models.Order, []models.OrderItem) {
	t.Helper()
	ctx := context.Background()

	total := decimal.Zero
	items := make([]models.OrderItem, 0, len(defs))
	for _, def := range defs {
		price := dec(t, def.pricePerUnit)
		weight := dec(t, def.estimate)
		estimated := price.Mul(weight).Round(2)
		total = total.Add(estimated)
		items = append(items, models.OrderItem{
			ProductName:     def.name,
			Quantity:        1,
			IsWeightBased:   def.weightBased,
			PricePerUnit:    price,
			EstimatedWeight: weight,
			EstimatedPrice:  estimated,
		})
	}

	order := &models.Order{
		Currency:            enums.CurrencyTRY,
		PreAuthAmount:       total,
		AuthorizedAmount:    total,
		TolerancePercentage: dec(t, tolerance),
	}
	require.NoError(t, db.Create(order).Error)
	for i := range items {
		items[i].OrderID = order.ID
	}
	require.NoError(t, db.Create(&items).Error)

	require.NoError(t, pkgdb.NewFromConn(db).WithTx(ctx, func(tx *gorm.DB) error {
		_, err := svc.WithTx(tx).CreateAdjustments(ctx, order, items)
		return err
	}))
	return order, items
}

func loadOrder(t *testing.T, db *gorm.DB, id int64) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, db.First(&order, id).Error)
	return order
}

func TestEvaluate(t *testing.T) {
	tolerance := decimal.RequireFromString("0.05")
	perKg := decimal.NewFromInt(100)
	estimate := decimal.NewFromInt(100)

	cases := []struct {
		name     string
		weight   string
		status   enums.WeightAdjustmentStatus
		diff     string
		settled  bool
		approval bool
	}{
		{name: "within tolerance above", weight: "1.04", status: enums.WeightAdjustmentStatusCompleted, diff: "4", settled: true},
		{name: "exact boundary", weight: "1.05", status: enums.WeightAdjustmentStatusCompleted, diff: "5", settled: true},
		{name: "within tolerance below", weight: "0.96", status: enums.WeightAdjustmentStatusCompleted, diff: "-4", settled: true},
		{name: "above tolerance", weight: "1.2", status: enums.WeightAdjustmentStatusPendingAdminApproval, diff: "20", approval: true},
		{name: "below tolerance", weight: "0.8", status: enums.WeightAdjustmentStatusPendingAdminApproval, diff: "-20", approval: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eval := Evaluate(estimate, perKg, decimal.RequireFromString(tc.weight), tolerance)
			assert.Equal(t, tc.status, eval.Status)
			assert.True(t, eval.PriceDifference.Equal(decimal.RequireFromString(tc.diff)), "diff %s", eval.PriceDifference)
			assert.Equal(t, tc.settled, eval.Settled)
			assert.Equal(t, tc.approval, eval.RequiresAdminApproval)
		})
	}
}

func TestEvaluateJustOutsideToleranceNeedsReview(t *testing.T) {
	// 500.40 on 10000.00 is 5.004%, which rounds to 0.0500 for storage.
	eval := Evaluate(decimal.RequireFromString("10000.00"), decimal.NewFromInt(1), decimal.RequireFromString("10500.40"), decimal.RequireFromString("0.05"))
	assert.Equal(t, enums.WeightAdjustmentStatusPendingAdminApproval, eval.Status)
	assert.True(t, eval.RequiresAdminApproval)
	assert.False(t, eval.Settled)
	assert.True(t, eval.DifferencePercent.Equal(decimal.RequireFromString("0.05")), "percent %s", eval.DifferencePercent)

	edge := Evaluate(decimal.RequireFromString("10000.00"), decimal.NewFromInt(1), decimal.RequireFromString("10500.00"), decimal.RequireFromString("0.05"))
	assert.Equal(t, enums.WeightAdjustmentStatusCompleted, edge.Status)
	assert.True(t, edge.Settled)
}

func TestEvaluateZeroEstimate(t *testing.T) {
	eval := Evaluate(decimal.Zero, decimal.NewFromInt(50), decimal.RequireFromString("0.5"), decimal.RequireFromString("0.05"))
	assert.True(t, eval.RequiresAdminApproval)
	assert.True(t, eval.DifferencePercent.IsZero())
	assert.True(t, eval.PriceDifference.Equal(decimal.NewFromInt(25)))
}

func TestCreateAdjustmentsOnlyForWeightBasedItems(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db)

	order, _ := seedOrder(t, db, svc, "0.05",
		itemDef{name: "ribeye", pricePerUnit: "100", estimate: "1", weightBased: true},
		itemDef{name: "salt", pricePerUnit: "3.50", estimate: "1"},
	)

	adjustments, err := svc.Adjustments(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, enums.WeightAdjustmentStatusPendingWeighing, adjustments[0].Status)
	assert.True(t, adjustments[0].TolerancePercentage.Equal(decimal.RequireFromString("0.05")))

	stored := loadOrder(t, db, order.ID)
	assert.True(t, stored.HasWeightBasedItems)
	assert.Equal(t, enums.OrderWeightStatusPendingWeighing, stored.WeightAdjustmentStatus)

	weighed, err := svc.AreAllItemsWeighed(context.Background(), order.ID)
	require.NoError(t, err)
	assert.False(t, weighed)
}

func TestCreateAdjustmentsFallsBackToDefaultTolerance(t *testing.T) {
	db := newTestDB(t)
	svc, err := NewService(NewRepository(db), pkgdb.NewFromConn(db),
		WithClock(func() time.Time { return fixedNow }),
		WithDefaultTolerance(decimal.RequireFromString("0.08")),
	)
	require.NoError(t, err)

	order, _ := seedOrder(t, db, svc, "0",
		itemDef{name: "salmon", pricePerUnit: "420", estimate: "0.5", weightBased: true},
	)

	adjustments, err := svc.Adjustments(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.True(t, adjustments[0].TolerancePercentage.Equal(decimal.RequireFromString("0.08")))

	stored := loadOrder(t, db, order.ID)
	assert.True(t, stored.TolerancePercentage.Equal(decimal.RequireFromString("0.08")))
}

func TestRecordWeighingWithinToleranceCompletes(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	order, items := seedOrder(t, db, svc, "0.05", itemDef{name: "ribeye", pricePerUnit: "100", estimate: "1", weightBased: true})

	adj, err := svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[0].ID, ActualWeight: dec(t, "1.04"), CourierID: 7})
	require.NoError(t, err)

	assert.Equal(t, enums.WeightAdjustmentStatusCompleted, adj.Status)
	assert.True(t, adj.IsSettled)
	assert.False(t, adj.RequiresAdminApproval)
	assert.True(t, adj.PriceDifference.Equal(decimal.NewFromInt(4)))
	require.NotNil(t, adj.SettledAt)

	var item models.OrderItem
	require.NoError(t, db.First(&item, items[0].ID).Error)
	assert.True(t, item.IsWeighed)
	require.True(t, item.ActualPrice.Valid)
	assert.True(t, item.ActualPrice.Decimal.Equal(decimal.NewFromInt(104)))
	require.NotNil(t, item.WeighedByCourierID)
	assert.Equal(t, int64(7), *item.WeighedByCourierID)
	require.NotNil(t, item.WeighedAt)
	assert.True(t, item.WeighedAt.Equal(fixedNow))

	stored := loadOrder(t, db, order.ID)
	assert.Equal(t, enums.OrderWeightStatusReadyForSettlement, stored.WeightAdjustmentStatus)
	assert.True(t, stored.TotalPriceDifference.Equal(decimal.NewFromInt(4)))
	assert.True(t, stored.TotalWeightDifference.Equal(dec(t, "0.04")))

	weighed, err := svc.AreAllItemsWeighed(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, weighed)
	pending, err := svc.HasPendingAdminApproval(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRecordWeighingOutsideToleranceAwaitsAdmin(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	order, items := seedOrder(t, db, svc, "0.05", itemDef{name: "ribeye", pricePerUnit: "100", estimate: "1", weightBased: true})

	adj, err := svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[0].ID, ActualWeight: dec(t, "1.2"), CourierID: 7, Timestamp: fixedNow.Add(-time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, enums.WeightAdjustmentStatusPendingAdminApproval, adj.Status)
	assert.True(t, adj.RequiresAdminApproval)
	assert.False(t, adj.IsSettled)
	assert.True(t, adj.PriceDifference.Equal(decimal.NewFromInt(20)))
	assert.True(t, adj.DifferencePercent.Equal(dec(t, "0.2")))

	pending, err := svc.HasPendingAdminApproval(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, pending)

	stored := loadOrder(t, db, order.ID)
	assert.Equal(t, enums.OrderWeightStatusPendingAdminApproval, stored.WeightAdjustmentStatus)
	assert.True(t, stored.TotalPriceDifference.Equal(decimal.NewFromInt(20)))
}

func TestRecordWeighingRejectsReweigh(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	_, items := seedOrder(t, db, svc, "0.05", itemDef{name: "ribeye", pricePerUnit: "100", estimate: "1", weightBased: true})

	_, err := svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[0].ID, ActualWeight: dec(t, "1.01"), CourierID: 7})
	require.NoError(t, err)

	_, err = svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[0].ID, ActualWeight: dec(t, "1.5"), CourierID: 8})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	var item models.OrderItem
	require.NoError(t, db.First(&item, items[0].ID).Error)
	assert.True(t, item.ActualWeight.Decimal.Equal(dec(t, "1.01")))
}

func TestRecordWeighingValidation(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	_, items := seedOrder(t, db, svc, "0.05",
		itemDef{name: "ribeye", pricePerUnit: "100", estimate: "1", weightBased: true},
		itemDef{name: "salt", pricePerUnit: "3.50", estimate: "1"},
	)

	cases := []struct {
		name  string
		event WeighingEvent
		code  pkgerrors.Code
	}{
		{name: "missing item", event: WeighingEvent{ActualWeight: dec(t, "1"), CourierID: 1}, code: pkgerrors.CodeValidation},
		{name: "missing courier", event: WeighingEvent{OrderItemID: items[0].ID, ActualWeight: dec(t, "1")}, code: pkgerrors.CodeValidation},
		{name: "zero weight", event: WeighingEvent{OrderItemID: items[0].ID, CourierID: 1}, code: pkgerrors.CodeValidation},
		{name: "unknown item", event: WeighingEvent{OrderItemID: 999, ActualWeight: dec(t, "1"), CourierID: 1}, code: pkgerrors.CodeNotFound},
		{name: "fixed price item", event: WeighingEvent{OrderItemID: items[1].ID, ActualWeight: dec(t, "1"), CourierID: 1}, code: pkgerrors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RecordWeighing(ctx, tc.event)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, tc.code), "got %v", err)
		})
	}
}

func TestConcurrentWeighingConverges(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	order, items := seedOrder(t, db, svc, "0.05",
		itemDef{name: "ribeye", pricePerUnit: "100", estimate: "1", weightBased: true},
		itemDef{name: "salmon", pricePerUnit: "80", estimate: "0.5", weightBased: true},
		itemDef{name: "apples", pricePerUnit: "20", estimate: "2", weightBased: true},
	)

	weights := []string{"1.02", "0.51", "2.0"}
	var wg sync.WaitGroup
	errs := make([]error, len(items))
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[i].ID, ActualWeight: decimal.RequireFromString(weights[i]), CourierID: int64(i + 1)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	stored := loadOrder(t, db, order.ID)
	assert.Equal(t, enums.OrderWeightStatusReadyForSettlement, stored.WeightAdjustmentStatus)
	// 2.00 + 0.80 + 0.00
	assert.True(t, stored.TotalPriceDifference.Equal(dec(t, "2.8")), "total %s", stored.TotalPriceDifference)
}

func TestReviewTransitions(t *testing.T) {
	note := "scale calibrated"
	adjusted := decimal.RequireFromString("110")

	cases := []struct {
		name        string
		weight      string
		review      AdminReview
		status      enums.WeightAdjustmentStatus
		settled     bool
		orderTotal  string
		override    bool
		adjustedSet bool
	}{
		{
			name:       "approved surcharge",
			weight:     "1.2",
			review:     AdminReview{Approved: true, AdminID: 3, Note: &note},
			status:     enums.WeightAdjustmentStatusPendingAdditionalPayment,
			orderTotal: "20",
		},
		{
			name:       "approved refund",
			weight:     "0.8",
			review:     AdminReview{Approved: true, AdminID: 3},
			status:     enums.WeightAdjustmentStatusPendingRefund,
			orderTotal: "-20",
		},
		{
			name:        "approved with adjusted price",
			weight:      "1.2",
			review:      AdminReview{Approved: true, AdminID: 3, AdjustedPrice: &adjusted, AllowBandOverride: true},
			status:      enums.WeightAdjustmentStatusPendingAdditionalPayment,
			orderTotal:  "10",
			override:    true,
			adjustedSet: true,
		},
		{
			name:       "rejected keeps estimate",
			weight:     "1.2",
			review:     AdminReview{Approved: false, AdminID: 3},
			status:     enums.WeightAdjustmentStatusRejected,
			orderTotal: "0",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			svc := newTestService(t, db)
			ctx := context.Background()
			order, items := seedOrder(t, db, svc, "0.05", itemDef{name: "ribeye", pricePerUnit: "100", estimate: "1", weightBased: true})

			weighed, err := svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[0].ID, ActualWeight: dec(t, tc.weight), CourierID: 7})
			require.NoError(t, err)

			review := tc.review
			review.WeightAdjustmentID = weighed.ID
			adj, err := svc.Review(ctx, review)
			require.NoError(t, err)

			assert.Equal(t, tc.status, adj.Status)
			assert.True(t, adj.AdminReviewed)
			assert.Equal(t, tc.review.Approved, adj.AdminApproved)
			assert.Equal(t, tc.settled, adj.IsSettled)
			assert.Equal(t, tc.adjustedSet, adj.AdjustedPrice.Valid)
			require.NotNil(t, adj.ReviewedByAdminID)
			assert.Equal(t, int64(3), *adj.ReviewedByAdminID)

			pending, err := svc.HasPendingAdminApproval(ctx, order.ID)
			require.NoError(t, err)
			assert.False(t, pending)

			stored := loadOrder(t, db, order.ID)
			assert.Equal(t, enums.OrderWeightStatusReadyForSettlement, stored.WeightAdjustmentStatus)
			assert.True(t, stored.TotalPriceDifference.Equal(dec(t, tc.orderTotal)), "total %s", stored.TotalPriceDifference)
			assert.Equal(t, tc.override, stored.AdminOverride)
		})
	}
}

func TestReviewRejectsWrongState(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	_, items := seedOrder(t, db, svc, "0.05",
		itemDef{name: "ribeye", pricePerUnit: "100", estimate: "1", weightBased: true},
		itemDef{name: "salmon", pricePerUnit: "80", estimate: "1", weightBased: true},
	)

	within, err := svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[0].ID, ActualWeight: dec(t, "1"), CourierID: 7})
	require.NoError(t, err)
	_, err = svc.Review(ctx, AdminReview{WeightAdjustmentID: within.ID, AdminID: 3, Approved: true})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	out, err := svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[1].ID, ActualWeight: dec(t, "2"), CourierID: 7})
	require.NoError(t, err)
	_, err = svc.Review(ctx, AdminReview{WeightAdjustmentID: out.ID, AdminID: 3, Approved: false})
	require.NoError(t, err)
	_, err = svc.Review(ctx, AdminReview{WeightAdjustmentID: out.ID, AdminID: 3, Approved: true})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	negative := decimal.NewFromInt(-1)
	_, err = svc.Review(ctx, AdminReview{WeightAdjustmentID: out.ID, AdminID: 3, Approved: true, AdjustedPrice: &negative})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.Review(ctx, AdminReview{WeightAdjustmentID: out.ID, Approved: true})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized))
}

func TestMarkSettledFinalisesPendingRows(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()
	order, items := seedOrder(t, db, svc, "0.05",
		itemDef{name: "ribeye", pricePerUnit: "100", estimate: "1", weightBased: true},
		itemDef{name: "salmon", pricePerUnit: "80", estimate: "1", weightBased: true},
		itemDef{name: "apples", pricePerUnit: "20", estimate: "1", weightBased: true},
	)

	surcharge, err := svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[0].ID, ActualWeight: dec(t, "1.3"), CourierID: 7})
	require.NoError(t, err)
	_, err = svc.Review(ctx, AdminReview{WeightAdjustmentID: surcharge.ID, AdminID: 3, Approved: true})
	require.NoError(t, err)

	rejected, err := svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[1].ID, ActualWeight: dec(t, "1.5"), CourierID: 7})
	require.NoError(t, err)
	_, err = svc.Review(ctx, AdminReview{WeightAdjustmentID: rejected.ID, AdminID: 3, Approved: false})
	require.NoError(t, err)

	_, err = svc.RecordWeighing(ctx, WeighingEvent{OrderItemID: items[2].ID, ActualWeight: dec(t, "1"), CourierID: 7})
	require.NoError(t, err)

	logID := int64(42)
	settled, err := svc.MarkSettled(ctx, order.ID, &logID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), settled)

	adjustments, err := svc.Adjustments(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 3)
	for _, adj := range adjustments {
		assert.True(t, adj.IsSettled, "adjustment %d", adj.ID)
	}
	assert.Equal(t, enums.WeightAdjustmentStatusCompleted, adjustments[0].Status)
	require.NotNil(t, adjustments[0].PaymentTransactionID)
	assert.Equal(t, logID, *adjustments[0].PaymentTransactionID)
	assert.Equal(t, enums.WeightAdjustmentStatusRejected, adjustments[1].Status)
	assert.Nil(t, adjustments[2].PaymentTransactionID)

	stored := loadOrder(t, db, order.ID)
	assert.Equal(t, enums.OrderWeightStatusSettled, stored.WeightAdjustmentStatus)

	again, err := svc.MarkSettled(ctx, order.ID, &logID)
	require.NoError(t, err)
	assert.Zero(t, again)
}
