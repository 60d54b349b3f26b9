package enums

import "fmt"

// OrderWeightStatus summarises weighing progress across an order.
type OrderWeightStatus string

const (
	OrderWeightStatusNone                 OrderWeightStatus = "none"
	OrderWeightStatusPendingWeighing      OrderWeightStatus = "pending_weighing"
	OrderWeightStatusPendingAdminApproval OrderWeightStatus = "pending_admin_approval"
	OrderWeightStatusReadyForSettlement   OrderWeightStatus = "ready_for_settlement"
	OrderWeightStatusSettled              OrderWeightStatus = "settled"
)

var validOrderWeightStatusValues = []OrderWeightStatus{
	OrderWeightStatusNone,
	OrderWeightStatusPendingWeighing,
	OrderWeightStatusPendingAdminApproval,
	OrderWeightStatusReadyForSettlement,
	OrderWeightStatusSettled,
}

// String implements fmt.Stringer.
func (o OrderWeightStatus) String() string {
	return string(o)
}

// IsValid reports whether the value is a known OrderWeightStatus.
func (o OrderWeightStatus) IsValid() bool {
	for _, candidate := range validOrderWeightStatusValues {
		if candidate == o {
			return true
		}
	}
	return false
}

// ParseOrderWeightStatus converts raw input into a OrderWeightStatus.
func ParseOrderWeightStatus(value string) (OrderWeightStatus, error) {
	for _, candidate := range validOrderWeightStatusValues {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order weight status %q", value)
}
