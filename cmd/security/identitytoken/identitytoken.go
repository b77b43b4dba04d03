// Package identitytoken verifies the bearer identity tokens issued by the
// upstream authentication provider (HS256 JWTs).
package identitytoken

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretBytes is the minimum accepted signing secret size.
const MinSecretBytes = 32

var (
	ErrSecretTooShort = errors.New("identitytoken: secret too short")
	ErrDisabled       = errors.New("identitytoken: verifier not configured")
	ErrInvalidToken   = errors.New("identitytoken: invalid token")
)

// Role values carried in the "role" claim.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Claims is the identity carried by a verified token.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks token signatures and standard claims.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier builds a Verifier. An empty secret returns a disabled verifier
// that rejects every token.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret != "" && len(secret) < MinSecretBytes {
		return nil, ErrSecretTooShort
	}
	return &Verifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer), leeway: 30 * time.Second}, nil
}

// Enabled reports whether tokens can be verified at all.
func (v *Verifier) Enabled() bool { return v != nil && len(v.secret) > 0 }

// Verify parses raw and returns its claims. The subject is required.
func (v *Verifier) Verify(raw string, now time.Time) (Claims, error) {
	if !v.Enabled() {
		return Claims{}, ErrDisabled
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var c Claims
	tok, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &c, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

// Issue signs a token for subject. Used by dev tooling and tests.
func (v *Verifier) Issue(subject, name, email, role string, now time.Time, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", ErrDisabled
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := Claims{
		Name:  name,
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}
