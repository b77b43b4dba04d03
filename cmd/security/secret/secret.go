// Package secret seals account passwords before they reach the store.
//
// Sealed values are "v1." + base64url(nonce || XChaCha20-Poly1305 ciphertext).
// The key is derived from a configured passphrase with Argon2id; a Sealer
// built from an empty passphrase is a pass-through used in dev setups.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1."

var (
	ErrSaltTooShort        = errors.New("secret: salt must be at least 16 bytes")
	ErrCiphertextCorrupted = errors.New("secret: sealed value is corrupted")
	ErrOpenFailed          = errors.New("secret: open failed (wrong key or tampered value)")
	ErrSealedWithoutKey    = errors.New("secret: value is sealed but no key is configured")
)

// KDFParams are the Argon2id parameters used to derive the sealing key.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams is tuned for a one-off derivation at startup.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 2, Memory: 64 * 1024, Threads: 2}
}

// Sealer encrypts and decrypts secrets at rest.
type Sealer struct {
	key []byte
}

// NewSealer derives a key from passphrase and salt. An empty passphrase yields
// a pass-through Sealer.
func NewSealer(passphrase string, salt []byte, p KDFParams) (*Sealer, error) {
	if strings.TrimSpace(passphrase) == "" {
		return &Sealer{}, nil
	}
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		p = DefaultKDFParams()
	}
	key := argon2.IDKey([]byte(passphrase), salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
	return &Sealer{key: key}, nil
}

// Enabled reports whether values are actually encrypted.
func (s *Sealer) Enabled() bool { return s != nil && len(s.key) > 0 }

// Seal encrypts plaintext. Empty input stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || !s.Enabled() {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is so
// rows written before a key was configured stay readable.
func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if !s.Enabled() {
		return "", ErrSealedWithoutKey
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCiphertextCorrupted
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(pt), nil
}
