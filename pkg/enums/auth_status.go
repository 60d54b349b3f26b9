package enums

import "fmt"

// AuthStatus is the lifecycle of a card pre-authorization.
type AuthStatus string

const (
	AuthStatusPending    AuthStatus = "pending"
	AuthStatusPending3DS AuthStatus = "pending_3ds"
	AuthStatusAuthorized AuthStatus = "authorized"
	AuthStatusDeclined   AuthStatus = "declined"
	AuthStatusBlocked    AuthStatus = "blocked"
	AuthStatusExpired    AuthStatus = "expired"
	AuthStatusVoided     AuthStatus = "voided"
)

var validAuthStatusValues = []AuthStatus{
	AuthStatusPending,
	AuthStatusPending3DS,
	AuthStatusAuthorized,
	AuthStatusDeclined,
	AuthStatusBlocked,
	AuthStatusExpired,
	AuthStatusVoided,
}

// String implements fmt.Stringer.
func (a AuthStatus) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AuthStatus.
func (a AuthStatus) IsValid() bool {
	for _, candidate := range validAuthStatusValues {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAuthStatus converts raw input into a AuthStatus.
func ParseAuthStatus(value string) (AuthStatus, error) {
	for _, candidate := range validAuthStatusValues {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid auth status %q", value)
}
