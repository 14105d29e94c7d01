package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const Issuer = "mallflow"

var ErrTokenInvalid = errors.New("token invalid")

type UserClaims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"name"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an access token for the given operator.
func IssueToken(secret []byte, op OperatorInfo, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID:   op.UserID,
		Username: op.Name,
		Role:     op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies an HS256 access token and returns its claims.
func ParseToken(secret []byte, token string) (*UserClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*UserClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
