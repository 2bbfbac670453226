package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/trademaster/execd/libs/auth"
)

var (
	DemoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	TraderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func GenerateJWT(userID uuid.UUID, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	return GenerateJWTWithScopes(userID, secret, ttl, now, []string{"trade"})
}

func GenerateJWTWithScopes(userID uuid.UUID, secret []byte, ttl time.Duration, now time.Time, scopes []string) (string, error) {
	claims := auth.Claims{
		Roles:  []string{"user"},
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "trademaster-auth",
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
