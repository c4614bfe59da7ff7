package crypto

import (
	"errors"
	"testing"
)

func mustSealer(t *testing.T, secret string) *Sealer {
	t.Helper()
	s, err := NewSealer(secret)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := mustSealer(t, "secret")
	payload, err := s.Seal("postgres://x", "p1/DATABASE_URL")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plain, err := s.Open(payload, "p1/DATABASE_URL")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "postgres://x" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s := mustSealer(t, "secret")
	a, _ := s.Seal("same", "b")
	b, _ := s.Seal("same", "b")
	if string(a) == string(b) {
		t.Fatalf("two seals of the same value must differ")
	}
}

func TestOpenRejectsWrongSecretOrBinding(t *testing.T) {
	payload, err := mustSealer(t, "secret").Seal("value", "p1/TOKEN")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := mustSealer(t, "other").Open(payload, "p1/TOKEN"); err == nil {
		t.Fatalf("expected authentication failure for wrong secret")
	}
	if _, err := mustSealer(t, "secret").Open(payload, "p2/TOKEN"); err == nil {
		t.Fatalf("expected authentication failure for moved value")
	}
}

func TestOpenRejectsMalformed(t *testing.T) {
	s := mustSealer(t, "secret")
	if _, err := s.Open([]byte("invalid"), "b"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEmptySecretRejected(t *testing.T) {
	if _, err := NewSealer(""); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}
