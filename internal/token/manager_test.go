package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
)

type countingEndpoint struct {
	calls int32
	delay time.Duration
}

func (e *countingEndpoint) Refresh(ctx context.Context, cred credentials.Credential, refreshToken string) (Set, error) {
	atomic.AddInt32(&e.calls, 1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return Set{
		AccessToken:  "new-access-" + cred.ID,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func oauthCred(id string) credentials.Credential {
	return credentials.Credential{ID: id, Kind: credentials.KindOAuth}
}

// S5: 10 concurrent callers against an expired token observe exactly one
// refresh round-trip.
func TestValidAccessTokenSingleFlight(t *testing.T) {
	ep := &countingEndpoint{delay: 20 * time.Millisecond}
	m := NewManager(WithEndpoint(ep), WithCacheDir(t.TempDir()))
	cred := oauthCred("acct-1")
	m.Seed(cred, "refresh-token-1")

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.ValidAccessToken(context.Background(), cred)
			if err != nil {
				t.Errorf("ValidAccessToken: %v", err)
				return
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&ep.calls); got != 1 {
		t.Errorf("expected exactly 1 refresh call, got %d", got)
	}
	for _, r := range results {
		if r != "new-access-acct-1" {
			t.Errorf("unexpected access token %q", r)
		}
	}
}

func TestValidAccessTokenSkipsRefreshWhenFresh(t *testing.T) {
	ep := &countingEndpoint{}
	m := NewManager(WithEndpoint(ep), WithCacheDir(t.TempDir()))
	cred := oauthCred("acct-1")

	m.mu.Lock()
	m.tokens[cred.ID] = Set{AccessToken: "still-good", ExpiresAt: time.Now().Add(time.Hour)}
	m.mu.Unlock()

	tok, err := m.ValidAccessToken(context.Background(), cred)
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if tok != "still-good" {
		t.Errorf("expected cached token to be reused, got %q", tok)
	}
	if got := atomic.LoadInt32(&ep.calls); got != 0 {
		t.Errorf("expected no refresh calls, got %d", got)
	}
}

func TestValidAccessTokenRefreshesWithinEarlyMargin(t *testing.T) {
	ep := &countingEndpoint{}
	m := NewManager(WithEndpoint(ep), WithCacheDir(t.TempDir()))
	cred := oauthCred("acct-1")

	m.mu.Lock()
	m.tokens[cred.ID] = Set{AccessToken: "expiring-soon", ExpiresAt: time.Now().Add(30 * time.Second)}
	m.mu.Unlock()

	tok, err := m.ValidAccessToken(context.Background(), cred)
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if tok != "new-access-acct-1" {
		t.Errorf("expected proactive refresh inside the early margin, got %q", tok)
	}
}

func TestSeedDoesNotOverwriteExistingToken(t *testing.T) {
	m := NewManager(WithCacheDir(t.TempDir()))
	cred := oauthCred("acct-1")

	m.mu.Lock()
	m.tokens[cred.ID] = Set{AccessToken: "existing"}
	m.mu.Unlock()

	m.Seed(cred, "some-refresh-token")

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tokens[cred.ID].AccessToken != "existing" {
		t.Error("Seed should not overwrite an already-cached token")
	}
}
