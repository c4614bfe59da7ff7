// Package jwt signs and verifies the HS256 access tokens that authenticate
// API callers. The user ID travels in the standard subject claim.
package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "zeblit"
	audience = "zeblit-api"
	leeway   = 30 * time.Second
)

// ErrMissingSubject is returned for tokens that name no user.
var ErrMissingSubject = errors.New("jwt: token has no subject")

// Claims is the verified payload of an access token.
type Claims struct {
	jwtlib.RegisteredClaims
}

// UserID returns the authenticated user.
func (c *Claims) UserID() string { return c.Subject }

// GenerateToken issues a token for userID that expires after ttl.
func GenerateToken(userID, secret string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrMissingSubject
	}
	if secret == "" {
		return "", errors.New("jwt: signing secret required")
	}
	now := time.Now()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			Audience:  jwtlib.ClaimStrings{audience},
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// Parse verifies signature, issuer, audience and lifetime of token.
func Parse(token, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwtlib.ParseWithClaims(token, claims,
		func(*jwtlib.Token) (any, error) { return []byte(secret), nil },
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithAudience(audience),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(leeway),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
