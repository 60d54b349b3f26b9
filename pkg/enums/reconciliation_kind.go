package enums

import "fmt"

// ReconciliationKind classifies a local/bank state anomaly.
type ReconciliationKind string

const (
	ReconciliationKindOutcomeUnknown       ReconciliationKind = "outcome_unknown"
	ReconciliationKindAmountMismatch       ReconciliationKind = "amount_mismatch"
	ReconciliationKindAuthorizationExpired ReconciliationKind = "authorization_expired"
	ReconciliationKindSecurityIncident     ReconciliationKind = "security_incident"
)

var validReconciliationKindValues = []ReconciliationKind{
	ReconciliationKindOutcomeUnknown,
	ReconciliationKindAmountMismatch,
	ReconciliationKindAuthorizationExpired,
	ReconciliationKindSecurityIncident,
}

// String implements fmt.Stringer.
func (r ReconciliationKind) String() string {
	return string(r)
}

// IsValid reports whether the value is a known ReconciliationKind.
func (r ReconciliationKind) IsValid() bool {
	for _, candidate := range validReconciliationKindValues {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseReconciliationKind converts raw input into a ReconciliationKind.
func ParseReconciliationKind(value string) (ReconciliationKind, error) {
	for _, candidate := range validReconciliationKindValues {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid reconciliation kind %q", value)
}
