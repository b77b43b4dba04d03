package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const (
	// DefaultBytes is the entropy of generated tokens.
	DefaultBytes = 32

	// MinHMACKeyBytes is the minimum accepted HMAC key size.
	MinHMACKeyBytes = 32
)

// Hasher turns plain tokens into storage digests.
// The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. An empty key selects SHA-256 mode; a non-empty
// key shorter than MinHMACKeyBytes is rejected.
func NewHasher(key string) (*Hasher, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return &Hasher{}, nil
	}
	if len(key) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return &Hasher{key: []byte(key)}, nil
}

// HMACEnabled reports whether the hasher is keyed.
func (h *Hasher) HMACEnabled() bool { return h != nil && len(h.key) > 0 }

// Hash returns the hex digest stored for token.
func (h *Hasher) Hash(token string) string {
	if !h.HMACEnabled() {
		return HashSHA256Hex(token)
	}
	return HashHMACSHA256Hex(token, h.key)
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// NewOpaque returns a URL-safe random token carrying nBytes of entropy.
func NewOpaque(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = DefaultBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Normalize trims a presented token and rejects empty input.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmptyToken
	}
	return s, nil
}
