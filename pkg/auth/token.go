package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// MintStaffToken issues a signed staff JWT valid for ttl. Production tokens
// come from the staff identity service; this exists for tooling and tests.
func MintStaffToken(cfg config.StaffAuthConfig, now time.Time, ttl time.Duration, payload StaffTokenPayload) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}
	if payload.StaffID <= 0 {
		return "", fmt.Errorf("staff id is required")
	}
	if !payload.Role.IsValid() {
		return "", fmt.Errorf("invalid staff role %q", payload.Role)
	}

	jti := strings.TrimSpace(payload.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}

	claims := StaffClaims{
		StaffID: payload.StaffID,
		Role:    payload.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwtSigningMethod, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// ParseStaffToken validates the JWT string and returns typed claims.
func ParseStaffToken(cfg config.StaffAuthConfig, tokenString string, opts ...jwt.ParserOption) (*StaffClaims, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	options := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	}, opts...)

	claims := &StaffClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		},
		options...,
	)
	if err != nil {
		return nil, err
	}
	if claims.StaffID <= 0 || !claims.Role.IsValid() {
		return nil, fmt.Errorf("token carries no valid staff identity")
	}
	return claims, nil
}
