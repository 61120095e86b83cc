package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ledgerlens/ledgerlens/internal/common"
)

// TokenVerifier checks a bearer token and returns the caller's uid.
type TokenVerifier interface {
	Verify(tokenString string) (string, error)
}

// HMACVerifier validates HS256 tokens signed with a shared secret. The
// subject claim carries the uid.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", common.WrapError(common.ErrUnauthorized, err.Error())
	}
	if !token.Valid || claims.Subject == "" {
		return "", common.WrapError(common.ErrUnauthorized, "token has no subject")
	}
	return claims.Subject, nil
}

var _ TokenVerifier = (*HMACVerifier)(nil)
