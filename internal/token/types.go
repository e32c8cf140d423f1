// Package token implements the OAuth token lifecycle (C5): obtaining and
// refreshing access tokens for OAuth credentials, with at-most-one
// concurrent refresh per account and a small on-disk cache so a process
// restart does not force every account through a fresh refresh.
package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
)

// Set is a refreshed OAuth token set (§3's OAuthTokenSet): the access
// token to use on the wire, the refresh token to use next time (which may
// rotate), its type, and its expiry.
type Set struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// tokenFileV1 is the normative on-disk shape (§6): access_token,
// refresh_token, expires_in (seconds remaining as of serialization),
// token_type, and expiresAt as an absolute epoch-seconds timestamp.
type tokenFileV1 struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// MarshalJSON writes the normative on-disk token file shape (§6).
func (s Set) MarshalJSON() ([]byte, error) {
	tokenType := s.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	var expiresIn int64
	if !s.ExpiresAt.IsZero() {
		if d := time.Until(s.ExpiresAt); d > 0 {
			expiresIn = int64(d.Seconds())
		}
	}
	return json.Marshal(tokenFileV1{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresIn:    expiresIn,
		TokenType:    tokenType,
		ExpiresAt:    s.ExpiresAt.Unix(),
	})
}

// UnmarshalJSON reads the normative on-disk token file shape (§6).
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw tokenFileV1
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.AccessToken = raw.AccessToken
	s.RefreshToken = raw.RefreshToken
	s.TokenType = raw.TokenType
	s.ExpiresAt = time.Unix(raw.ExpiresAt, 0).UTC()
	return nil
}

// expiresWithin reports whether the token is already expired or will
// expire within d — the early-refresh margin (§4.5).
func (s Set) expiresWithin(now time.Time, d time.Duration) bool {
	if s.AccessToken == "" {
		return true
	}
	return !s.ExpiresAt.After(now.Add(d))
}

// Endpoint is the external collaborator that actually performs the OAuth
// refresh HTTP round-trip (§6). The default implementation wraps
// golang.org/x/oauth2 against the credential's endpoint triple; the PKCE
// authorization-code step is the separate ExchangeCode function, not an
// Endpoint.
type Endpoint interface {
	Refresh(ctx context.Context, cred credentials.Credential, refreshToken string) (Set, error)
}
