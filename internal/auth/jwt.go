package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
)

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// GenerateToken signs a bearer token for the given actor. Tokens are issued
// elsewhere in production; this is used by tests and local tooling.
func GenerateToken(actor domain.Actor, secret string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: actor.UserID.String(),
		Role:   string(actor.Role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("GenerateToken: %w", err)
	}
	return signed, nil
}

// ValidateToken checks the signature and expiry and returns the actor the
// token speaks for. A missing role claim means an ordinary user.
func ValidateToken(tokenString string, secret string) (domain.Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Actor{}, fmt.Errorf("ValidateToken: %w", err)
	}

	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return domain.Actor{}, fmt.Errorf("ValidateToken: invalid token claims")
	}

	userID, err := uuid.Parse(tc.UserID)
	if err != nil || userID == uuid.Nil {
		return domain.Actor{}, fmt.Errorf("ValidateToken: invalid user_id in token")
	}

	role := domain.Role(tc.Role)
	if role == "" {
		role = domain.RoleUser
	}
	if !role.IsValid() {
		return domain.Actor{}, fmt.Errorf("ValidateToken: unknown role %q", tc.Role)
	}

	return domain.Actor{UserID: userID, Role: role}, nil
}
