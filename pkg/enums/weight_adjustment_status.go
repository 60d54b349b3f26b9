package enums

import "fmt"

// WeightAdjustmentStatus is the per-item weighing settlement state.
type WeightAdjustmentStatus string

const (
	WeightAdjustmentStatusPendingWeighing          WeightAdjustmentStatus = "pending_weighing"
	WeightAdjustmentStatusPendingAdminApproval     WeightAdjustmentStatus = "pending_admin_approval"
	WeightAdjustmentStatusPendingAdditionalPayment WeightAdjustmentStatus = "pending_additional_payment"
	WeightAdjustmentStatusPendingRefund            WeightAdjustmentStatus = "pending_refund"
	WeightAdjustmentStatusCompleted                WeightAdjustmentStatus = "completed"
	WeightAdjustmentStatusRejected                 WeightAdjustmentStatus = "rejected"
)

var validWeightAdjustmentStatusValues = []WeightAdjustmentStatus{
	WeightAdjustmentStatusPendingWeighing,
	WeightAdjustmentStatusPendingAdminApproval,
	WeightAdjustmentStatusPendingAdditionalPayment,
	WeightAdjustmentStatusPendingRefund,
	WeightAdjustmentStatusCompleted,
	WeightAdjustmentStatusRejected,
}

// String implements fmt.Stringer.
func (w WeightAdjustmentStatus) String() string {
	return string(w)
}

// IsValid reports whether the value is a known WeightAdjustmentStatus.
func (w WeightAdjustmentStatus) IsValid() bool {
	for _, candidate := range validWeightAdjustmentStatusValues {
		if candidate == w {
			return true
		}
	}
	return false
}

// ParseWeightAdjustmentStatus converts raw input into a WeightAdjustmentStatus.
func ParseWeightAdjustmentStatus(value string) (WeightAdjustmentStatus, error) {
	for _, candidate := range validWeightAdjustmentStatusValues {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid weight adjustment status %q", value)
}
