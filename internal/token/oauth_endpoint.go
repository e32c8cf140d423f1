package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
)

// oauth2Endpoint is the default Endpoint, backed by golang.org/x/oauth2,
// following the GeminiOAuthRefresh pattern: build an oauth2.Config from the
// credential's endpoint triple and let the library's TokenSource perform
// the refresh_token grant.
type oauth2Endpoint struct{}

// NewOAuth2Endpoint returns the default x/oauth2-backed Endpoint.
func NewOAuth2Endpoint() Endpoint {
	return oauth2Endpoint{}
}

func (oauth2Endpoint) Refresh(ctx context.Context, cred credentials.Credential, refreshToken string) (Set, error) {
	if cred.Kind != credentials.KindOAuth {
		return Set{}, fmt.Errorf("credential %s is not an OAuth credential", cred.ID)
	}

	cfg := &oauth2.Config{
		ClientID:    cred.OAuth.ClientID,
		RedirectURL: cred.OAuth.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cred.OAuth.AuthURL,
			TokenURL: cred.OAuth.TokenURL,
		},
	}

	token := &oauth2.Token{RefreshToken: refreshToken}
	tokenSource := cfg.TokenSource(ctx, token)
	newToken, err := tokenSource.Token()
	if err != nil {
		return Set{}, fmt.Errorf("refresh oauth token for %s: %w", cred.ID, err)
	}

	expiresAt := newToken.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}

	newRefresh := newToken.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	return Set{
		AccessToken:  newToken.AccessToken,
		RefreshToken: newRefresh,
		TokenType:    newToken.TokenType,
		ExpiresAt:    expiresAt,
	}, nil
}

// PKCEPair is a generated verifier/challenge pair for an authorization-code
// flow with Proof Key for Code Exchange (§4.5).
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a new S256 PKCE pair using x/oauth2's verifier
// generator.
func GeneratePKCE() (PKCEPair, error) {
	verifier := oauth2.GenerateVerifier()
	return PKCEPair{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}, nil
}

// GenerateState returns a URL-safe random state parameter for the
// authorization request, guarding against CSRF on the redirect.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AuthCodeURL builds the authorization URL for the PKCE authorization-code
// step (§4.5), given a previously-generated PKCEPair and state.
func AuthCodeURL(cred credentials.Credential, state string, pkce PKCEPair) (string, error) {
	if cred.Kind != credentials.KindOAuth {
		return "", fmt.Errorf("credential %s is not an OAuth credential", cred.ID)
	}
	cfg := &oauth2.Config{
		ClientID:    cred.OAuth.ClientID,
		RedirectURL: cred.OAuth.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cred.OAuth.AuthURL,
			TokenURL: cred.OAuth.TokenURL,
		},
	}
	return cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(pkce.Verifier)), nil
}

// ExchangeCode performs the authorization-code-for-token exchange that
// completes a PKCE flow, given the code returned on the redirect.
func ExchangeCode(ctx context.Context, cred credentials.Credential, code string, pkce PKCEPair) (Set, error) {
	if cred.Kind != credentials.KindOAuth {
		return Set{}, fmt.Errorf("credential %s is not an OAuth credential", cred.ID)
	}
	cfg := &oauth2.Config{
		ClientID:    cred.OAuth.ClientID,
		RedirectURL: cred.OAuth.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cred.OAuth.AuthURL,
			TokenURL: cred.OAuth.TokenURL,
		},
	}

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(pkce.Verifier))
	if err != nil {
		return Set{}, fmt.Errorf("exchange authorization code for %s: %w", cred.ID, err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}
	return Set{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    expiresAt,
	}, nil
}
