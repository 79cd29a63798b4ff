// ABOUTME: Resumption token issuing and verification for reconnecting clients
// ABOUTME: Uses HS256 signed JWTs with connection id, session id, and role claims

package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid resumption token")
	ErrTokenExpired = errors.New("resumption token expired")
)

// TokenIssuer creates and verifies resumption tokens. Tokens are HS256
// JWTs, so expiry is a signature-level property and no server-side token
// table is needed.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a token issuer with the given secret and lifetime.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue creates a resumption token bound to a connection.
func (t *TokenIssuer) Issue(connectionID, sessionID string, role Role) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  connectionID,
		"sid":  sessionID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(t.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify validates a token and extracts the connection it was issued to.
func (t *TokenIssuer) Verify(tokenString string) (connectionID, sessionID string, role Role, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", "", ErrTokenExpired
		}
		return "", "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", "", "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", "", "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return "", "", "", fmt.Errorf("%w: missing sid claim", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", "", fmt.Errorf("%w: missing role claim", ErrInvalidToken)
	}

	return sub, sid, Role(roleStr), nil
}
