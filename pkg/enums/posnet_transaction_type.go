package enums

import "fmt"

// PosnetTransactionType names the bank operation recorded in the transaction log.
type PosnetTransactionType string

const (
	PosnetTransactionTypeInit3DS    PosnetTransactionType = "init_3ds"
	PosnetTransactionTypeAuth       PosnetTransactionType = "auth"
	PosnetTransactionTypeCapture    PosnetTransactionType = "capture"
	PosnetTransactionTypeReverse    PosnetTransactionType = "reverse"
	PosnetTransactionTypeRefund     PosnetTransactionType = "refund"
	PosnetTransactionTypeInquiry    PosnetTransactionType = "inquiry"
	PosnetTransactionTypeResolve3DS PosnetTransactionType = "resolve_3ds"
)

var validPosnetTransactionTypeValues = []PosnetTransactionType{
	PosnetTransactionTypeInit3DS,
	PosnetTransactionTypeAuth,
	PosnetTransactionTypeCapture,
	PosnetTransactionTypeReverse,
	PosnetTransactionTypeRefund,
	PosnetTransactionTypeInquiry,
	PosnetTransactionTypeResolve3DS,
}

// String implements fmt.Stringer.
func (p PosnetTransactionType) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PosnetTransactionType.
func (p PosnetTransactionType) IsValid() bool {
	for _, candidate := range validPosnetTransactionTypeValues {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePosnetTransactionType converts raw input into a PosnetTransactionType.
func ParsePosnetTransactionType(value string) (PosnetTransactionType, error) {
	for _, candidate := range validPosnetTransactionTypeValues {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid posnet transaction type %q", value)
}
