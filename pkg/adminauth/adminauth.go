// Package adminauth issues and validates the short-lived JWTs that guard
// the demo binary's diagnostics endpoints (account health, forced usage
// refresh, and credentials reload) — it has nothing to do with the account credentials
// the core manages.
package adminauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned for a malformed or wrongly-signed token.
	ErrInvalidToken = errors.New("invalid admin token")
	// ErrExpiredToken is returned once a token's expiry has passed.
	ErrExpiredToken = errors.New("admin token has expired")
)

// Scope names what a diagnostics token is allowed to do. "read" may only
// call the read-only (GET) endpoints such as account health; "operator" may
// additionally trigger a forced usage refresh or a credentials reload.
type Scope string

const (
	ScopeRead     Scope = "read"
	ScopeOperator Scope = "operator"
)

// Claims extends the registered JWT claims with the operator identity and
// scope granted to a diagnostics token.
type Claims struct {
	Operator string `json:"operator"`
	Scope    Scope  `json:"scope"`
	jwt.RegisteredClaims
}

// Issuer mints and validates diagnostics tokens with an HMAC secret.
type Issuer struct {
	secret []byte
	issuer string
}

// NewIssuer returns an Issuer signing with secret and stamping iss as the
// token issuer.
func NewIssuer(secret, iss string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: iss}
}

// Issue mints a token for operator, granting scope, valid for ttl.
func (i *Issuer) Issue(operator string, scope Scope, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Operator: operator,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses and verifies a diagnostics token, returning its claims.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CanOperate reports whether claims grants operator-level access.
func (c *Claims) CanOperate() bool {
	return c.Scope == ScopeOperator
}
