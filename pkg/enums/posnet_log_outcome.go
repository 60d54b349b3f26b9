package enums

import "fmt"

// PosnetLogOutcome is the recorded result of a bank call.
type PosnetLogOutcome string

const (
	PosnetLogOutcomePending  PosnetLogOutcome = "pending"
	PosnetLogOutcomeApproved PosnetLogOutcome = "approved"
	PosnetLogOutcomeDeclined PosnetLogOutcome = "declined"
	PosnetLogOutcomeError    PosnetLogOutcome = "error"
	PosnetLogOutcomeUnknown  PosnetLogOutcome = "unknown"
)

var validPosnetLogOutcomeValues = []PosnetLogOutcome{
	PosnetLogOutcomePending,
	PosnetLogOutcomeApproved,
	PosnetLogOutcomeDeclined,
	PosnetLogOutcomeError,
	PosnetLogOutcomeUnknown,
}

// String implements fmt.Stringer.
func (p PosnetLogOutcome) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PosnetLogOutcome.
func (p PosnetLogOutcome) IsValid() bool {
	for _, candidate := range validPosnetLogOutcomeValues {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePosnetLogOutcome converts raw input into a PosnetLogOutcome.
func ParsePosnetLogOutcome(value string) (PosnetLogOutcome, error) {
	for _, candidate := range validPosnetLogOutcomeValues {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid posnet log outcome %q", value)
}
