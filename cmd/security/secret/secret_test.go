package secret

import (
	"strings"
	"testing"
)

var testSalt = []byte("qamanager-test-salt")

func fastParams() KDFParams { return KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1} }

func TestSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewSealer("correct horse battery staple", testSalt, fastParams())
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := s.Seal("pw123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) || strings.Contains(sealed, "pw123") {
		t.Fatalf("unexpected sealed form %q", sealed)
	}

	again, err := s.Seal("pw123")
	if err != nil {
		t.Fatalf("seal again: %v", err)
	}
	if again == sealed {
		t.Fatalf("expected random nonce per seal")
	}

	plain, err := s.Open(sealed)
	if err != nil || plain != "pw123" {
		t.Fatalf("open=%q,%v", plain, err)
	}
}

func TestSealer_WrongKey(t *testing.T) {
	t.Parallel()

	a, _ := NewSealer("key-a", testSalt, fastParams())
	b, _ := NewSealer("key-b", testSalt, fastParams())

	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); err != ErrOpenFailed {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
	if _, err := b.Open(sealedPrefix + "!!"); err != ErrCiphertextCorrupted {
		t.Fatalf("expected ErrCiphertextCorrupted, got %v", err)
	}
}

func TestSealer_PassThrough(t *testing.T) {
	t.Parallel()

	s, err := NewSealer("", nil, KDFParams{})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	if s.Enabled() {
		t.Fatalf("expected disabled sealer")
	}
	got, _ := s.Seal("pw")
	if got != "pw" {
		t.Fatalf("pass-through seal=%q", got)
	}
	if _, err := s.Open(sealedPrefix + "abc"); err != ErrSealedWithoutKey {
		t.Fatalf("expected ErrSealedWithoutKey, got %v", err)
	}
}

func TestNewSealer_ShortSalt(t *testing.T) {
	t.Parallel()

	if _, err := NewSealer("pass", []byte("short"), fastParams()); err != ErrSaltTooShort {
		t.Fatalf("expected ErrSaltTooShort, got %v", err)
	}
}
