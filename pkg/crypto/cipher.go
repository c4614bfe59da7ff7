// Package crypto seals small secrets, such as project environment values,
// for storage at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// version prefixes every sealed payload so the format can change later.
const version byte = 1

const keyInfo = "zeblit project env v1"

var (
	// ErrEmptySecret is returned when no key material is configured.
	ErrEmptySecret = errors.New("crypto: empty secret")
	// ErrMalformed is returned for payloads that were not produced by Seal.
	ErrMalformed = errors.New("crypto: malformed payload")
)

// Sealer encrypts with AES-256-GCM under a key derived from a configured
// secret by HKDF-SHA256. A binding string (for example "project/KEY") is
// authenticated with each payload, so a value copied to another row fails
// to open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the data key from secret.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns version || nonce || ciphertext.
func (s *Sealer) Seal(plaintext, binding string) ([]byte, error) {
	ns := s.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+s.aead.Overhead())
	out[0] = version
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, out[1:], []byte(plaintext), []byte(binding)), nil
}

// Open reverses Seal. binding must match the one used to seal.
func (s *Sealer) Open(payload []byte, binding string) (string, error) {
	ns := s.aead.NonceSize()
	if len(payload) < 1+ns+s.aead.Overhead() || payload[0] != version {
		return "", ErrMalformed
	}
	plain, err := s.aead.Open(nil, payload[1:1+ns], payload[1+ns:], []byte(binding))
	if err != nil {
		return "", fmt.Errorf("crypto: open: %w", err)
	}
	return string(plain), nil
}
