package jwt

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("user-1", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID() != "user-1" {
		t.Fatalf("unexpected user %q", claims.UserID())
	}
}

func TestParseRejectsExpiredAndForeignTokens(t *testing.T) {
	expired, err := GenerateToken("user-1", "secret", -time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(expired, "secret"); !errors.Is(err, jwtlib.ErrTokenExpired) {
		t.Fatalf("expected expiry error, got %v", err)
	}
	token, err := GenerateToken("user-1", "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
}

func TestParseRejectsWrongAudience(t *testing.T) {
	now := time.Now()
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "user-1",
		Audience:  jwtlib.ClaimStrings{"someone-else"},
		ExpiresAt: jwtlib.NewNumericDate(now.Add(time.Minute)),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Parse(token, "secret"); !errors.Is(err, jwtlib.ErrTokenInvalidAudience) {
		t.Fatalf("expected audience error, got %v", err)
	}
}

func TestGenerateRequiresSubject(t *testing.T) {
	if _, err := GenerateToken("", "secret", time.Minute); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}
