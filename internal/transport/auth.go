package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the handshake token body.
type Claims struct {
	// SessionID ties every socket of one client group to a single
	// server-side session.
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

var errMissingToken = errors.New("missing bearer token")

// SignToken issues an HS256 handshake token.
func SignToken(secret []byte, subject, sessionID string, lifetime time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign handshake token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks the signature and validity window of a handshake token.
func VerifyToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid handshake token: %w", err)
	}

	if claims.SessionID == "" {
		return nil, errors.New("invalid handshake token: missing session id")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", errMissingToken
	}
	return token, nil
}
