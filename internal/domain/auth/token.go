package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenManager signs and verifies publisher scoped bearer tokens. The
// broadcast side never needs one; only ingestion is gated.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager builds a token helper from the shared secret.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("token secret cannot be empty")
	}
	tm := &TokenManager{
		secret: []byte(secret),
		ttl:    time.Hour,
	}
	if ttl > 0 {
		tm.ttl = ttl
	}
	return tm, nil
}

// Issue signs a JWT for the provided publisher identifier.
func (tm *TokenManager) Issue(publisherID string) (string, error) {
	if tm == nil || len(tm.secret) == 0 {
		return "", errors.New("token manager not initialised")
	}
	if publisherID == "" {
		return "", errors.New("publisher id cannot be empty")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"publisher_id": publisherID,
		"exp":          now.Add(tm.ttl).Unix(),
		"iat":          now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates the JWT and extracts the publisher identifier.
func (tm *TokenManager) Verify(tokenString string) (string, error) {
	if tm == nil || len(tm.secret) == 0 {
		return "", errors.New("token manager not initialised")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	publisherID, ok := claims["publisher_id"].(string)
	if !ok {
		return "", errors.New("invalid publisher_id claim")
	}
	return publisherID, nil
}
