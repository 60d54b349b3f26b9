package enums

import "fmt"

// CaptureStatus tracks how much of an authorization has been captured.
type CaptureStatus string

const (
	CaptureStatusNotCaptured       CaptureStatus = "not_captured"
	CaptureStatusPartiallyCaptured CaptureStatus = "partially_captured"
	CaptureStatusCaptured          CaptureStatus = "captured"
	CaptureStatusFailed            CaptureStatus = "failed"
)

var validCaptureStatusValues = []CaptureStatus{
	CaptureStatusNotCaptured,
	CaptureStatusPartiallyCaptured,
	CaptureStatusCaptured,
	CaptureStatusFailed,
}

// String implements fmt.Stringer.
func (c CaptureStatus) String() string {
	return string(c)
}

// IsValid reports whether the value is a known CaptureStatus.
func (c CaptureStatus) IsValid() bool {
	for _, candidate := range validCaptureStatusValues {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCaptureStatus converts raw input into a CaptureStatus.
func ParseCaptureStatus(value string) (CaptureStatus, error) {
	for _, candidate := range validCaptureStatusValues {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid capture status %q", value)
}
