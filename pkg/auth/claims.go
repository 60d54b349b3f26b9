package auth

import (
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	"github.com/golang-jwt/jwt/v5"
)

// StaffTokenPayload captures the data needed to mint a staff token.
type StaffTokenPayload struct {
	StaffID int64
	Role    enums.StaffRole
	JTI     string
}

// StaffClaims is the typed JWT presented by couriers, operators and
// internal systems.
type StaffClaims struct {
	StaffID int64           `json:"staff_id"`
	Role    enums.StaffRole `json:"role"`
	jwt.RegisteredClaims
}
