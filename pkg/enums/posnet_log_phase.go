package enums

import "fmt"

// PosnetLogPhase marks a transaction log row as the write-ahead intent or the outcome.
type PosnetLogPhase string

const (
	PosnetLogPhaseIntent PosnetLogPhase = "intent"
	PosnetLogPhaseResult PosnetLogPhase = "result"
)

var validPosnetLogPhaseValues = []PosnetLogPhase{
	PosnetLogPhaseIntent,
	PosnetLogPhaseResult,
}

// String implements fmt.Stringer.
func (p PosnetLogPhase) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PosnetLogPhase.
func (p PosnetLogPhase) IsValid() bool {
	for _, candidate := range validPosnetLogPhaseValues {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePosnetLogPhase converts raw input into a PosnetLogPhase.
func ParsePosnetLogPhase(value string) (PosnetLogPhase, error) {
	for _, candidate := range validPosnetLogPhaseValues {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid posnet log phase %q", value)
}
