package weighing

import (
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	"github.com/shopspring/decimal"
)

// Evaluation is the settlement decision for a single weighed item.
type Evaluation struct {
	ActualPrice           decimal.Decimal
	PriceDifference       decimal.Decimal
	DifferencePercent     decimal.Decimal
	Status                enums.WeightAdjustmentStatus
	RequiresAdminApproval bool
	Settled               bool
}

// Evaluate turns an actual weight into a settlement decision. Differences
// within tolerance are absorbed and settled immediately; anything larger waits
// for an admin. A zero estimate with a non-zero actual price always needs
// review because the relative difference is undefined.
func Evaluate(estimatedPrice, pricePerUnit, actualWeight, tolerance decimal.Decimal) Evaluation {
	actualPrice := actualWeight.Mul(pricePerUnit).Round(2)
	diff := actualPrice.Sub(estimatedPrice)

	eval := Evaluation{
		ActualPrice:     actualPrice,
		PriceDifference: diff,
	}

	withinTolerance := diff.IsZero()
	if !estimatedPrice.IsZero() {
		// Compare exact amounts; the stored percent is rounded for display only.
		withinTolerance = diff.Abs().LessThanOrEqual(estimatedPrice.Abs().Mul(tolerance))
		eval.DifferencePercent = diff.Div(estimatedPrice).Round(4)
	}

	if withinTolerance {
		eval.Status = enums.WeightAdjustmentStatusCompleted
		eval.Settled = true
		return eval
	}
	eval.Status = enums.WeightAdjustmentStatusPendingAdminApproval
	eval.RequiresAdminApproval = true
	return eval
}

// reviewOutcome maps an admin decision onto the next adjustment status.
// An approved zero difference has nothing left to move and completes.
func reviewOutcome(approved bool, difference decimal.Decimal) (enums.WeightAdjustmentStatus, bool) {
	if !approved {
		return enums.WeightAdjustmentStatusRejected, false
	}
	switch difference.Sign() {
	case 1:
		return enums.WeightAdjustmentStatusPendingAdditionalPayment, false
	case -1:
		return enums.WeightAdjustmentStatusPendingRefund, false
	default:
		return enums.WeightAdjustmentStatusCompleted, true
	}
}

func awaitingSettlement(status enums.WeightAdjustmentStatus) bool {
	switch status {
	case enums.WeightAdjustmentStatusPendingAdditionalPayment,
		enums.WeightAdjustmentStatusPendingRefund,
		enums.WeightAdjustmentStatusRejected:
		return true
	default:
		return false
	}
}

// orderStatus aggregates item adjustments into the order level status.
func orderStatus(adjustments []models.WeightAdjustment) enums.OrderWeightStatus {
	if len(adjustments) == 0 {
		return enums.OrderWeightStatusNone
	}
	pendingApproval := false
	for _, adj := range adjustments {
		if adj.Status == enums.WeightAdjustmentStatusPendingWeighing {
			return enums.OrderWeightStatusPendingWeighing
		}
		if adj.RequiresAdminApproval && !adj.AdminReviewed {
			pendingApproval = true
		}
	}
	if pendingApproval {
		return enums.OrderWeightStatusPendingAdminApproval
	}
	return enums.OrderWeightStatusReadyForSettlement
}
