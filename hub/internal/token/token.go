// Package token signs and verifies the compact HS256 tokens used to admit
// dashboards. Tokens are self-contained: a valid signature and an unexpired
// exp claim are all that is checked; there is no server-side session.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("bad token signature")
	ErrExpired        = errors.New("token expired")
	ErrEmptySecret    = errors.New("empty signing secret")
)

// Claims is the token payload.
type Claims struct {
	OrgID string `json:"orgId"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a single HMAC-SHA256 secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec creates a Codec. now may be nil, in which case time.Now is used.
func NewCodec(secret []byte, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: secret, now: now}
}

// Sign serializes claims into a token. The output depends only on claims
// and the secret.
func (c *Codec) Sign(claims Claims) (string, error) {
	if len(c.secret) == 0 {
		return "", ErrEmptySecret
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Verify checks the token signature and expiry and returns its claims.
// Only HS256 is accepted.
func (c *Codec) Verify(tokenStr string) (*Claims, error) {
	if len(c.secret) == 0 {
		return nil, ErrEmptySecret
	}
	if strings.Count(tokenStr, ".") != 2 {
		return nil, ErrMalformedToken
	}

	// Time claims are checked below: the parser treats now == exp as expired,
	// while a token stays valid through the second named by exp.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := &Claims{}
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !tok.Valid {
		return nil, ErrBadSignature
	}
	if claims.ExpiresAt != nil && c.now().Unix() > claims.ExpiresAt.Unix() {
		return nil, ErrExpired
	}
	return claims, nil
}

// classify maps parser errors onto the codec's error set. Expiry is only
// checked once the signature is known good, so a forged token is never
// reported as merely expired.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

// Sign is a convenience wrapper around NewCodec(secret, nil).Sign.
func Sign(claims Claims, secret []byte) (string, error) {
	return NewCodec(secret, nil).Sign(claims)
}

// Verify is a convenience wrapper around NewCodec(secret, nil).Verify.
func Verify(tokenStr string, secret []byte) (*Claims, error) {
	return NewCodec(secret, nil).Verify(tokenStr)
}
