package gateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// RoleMerchant is the default principal role.
	RoleMerchant = "merchant"
	// RoleAdmin unlocks the /admin surface and admin-only operations.
	RoleAdmin = "admin"
)

var errInvalidToken = errors.New("gateway: invalid token")

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 JWT for the merchant.
func IssueToken(secret string, merchantID uuid.UUID, role string, ttl time.Duration, now time.Time) (string, error) {
	if role == "" {
		role = RoleMerchant
	}
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   merchantID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates the JWT and returns the merchant id and role.
func ParseToken(secret, raw string, now time.Time) (uuid.UUID, string, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !token.Valid {
		return uuid.Nil, "", errInvalidToken
	}
	merchantID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, "", errInvalidToken
	}
	role := claims.Role
	if role == "" {
		role = RoleMerchant
	}
	return merchantID, role, nil
}
