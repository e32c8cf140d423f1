package token

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
)

// earlyRefreshMargin is how long before expiry a token is proactively
// refreshed rather than handed out as-is (§4.5).
const earlyRefreshMargin = 60 * time.Second

// Manager is the Token Manager (C5): it keeps the freshest Set for every
// OAuth credential in memory, refreshing at most once concurrently per
// credential (golang.org/x/sync/singleflight, grounded on
// refresh/snapshot/service.go's Service.Build keyed Do call) and
// persisting the result to a small on-disk cache so a process restart does
// not force a redundant refresh.
type Manager struct {
	endpoint Endpoint
	cacheDir string

	group singleflight.Group

	mu     sync.RWMutex
	tokens map[string]Set

	now func() time.Time
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithCacheDir overrides the on-disk token cache directory (default:
// ${HOME}/xyz-jphil/ccapis/oauth-tokens).
func WithCacheDir(dir string) ManagerOption {
	return func(m *Manager) { m.cacheDir = dir }
}

// WithEndpoint overrides the refresh endpoint, normally only for tests.
func WithEndpoint(e Endpoint) ManagerOption {
	return func(m *Manager) { m.endpoint = e }
}

// WithManagerClock overrides the time source, for deterministic tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager using the default x/oauth2-backed Endpoint
// unless overridden.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		endpoint: NewOAuth2Endpoint(),
		cacheDir: DefaultCacheDir(),
		tokens:   make(map[string]Set),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultCacheDir returns the normative on-disk location of cached OAuth
// tokens, under the user's home directory.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "xyz-jphil", "ccapis", "oauth-tokens")
}

// Seed installs a known refresh token for cred, e.g. the one loaded from
// the credentials document, without forcing an immediate refresh. It is a
// no-op if a cached access token already exists in memory.
func (m *Manager) Seed(cred credentials.Credential, refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[cred.ID]; ok {
		return
	}
	if cached, ok := m.loadFromDisk(cred.ID); ok {
		m.tokens[cred.ID] = cached
		return
	}
	m.tokens[cred.ID] = Set{RefreshToken: refreshToken}
}

// ValidAccessToken returns a currently-valid access token for cred,
// refreshing it first if it is missing or will expire within
// earlyRefreshMargin (§4.5). Concurrent callers for the same credential
// observe exactly one refresh round-trip; the rest receive its result.
func (m *Manager) ValidAccessToken(ctx context.Context, cred credentials.Credential) (string, error) {
	m.mu.RLock()
	current, ok := m.tokens[cred.ID]
	m.mu.RUnlock()

	if ok && !current.expiresWithin(m.now(), earlyRefreshMargin) {
		return current.AccessToken, nil
	}

	result, err, _ := m.group.Do(cred.ID, func() (interface{}, error) {
		m.mu.RLock()
		latest, stillOk := m.tokens[cred.ID]
		m.mu.RUnlock()
		if stillOk && !latest.expiresWithin(m.now(), earlyRefreshMargin) {
			return latest, nil
		}

		refreshToken := latest.RefreshToken
		refreshed, refreshErr := m.endpoint.Refresh(ctx, cred, refreshToken)
		if refreshErr != nil {
			return Set{}, fmt.Errorf("refresh token for %s: %w", cred.ID, refreshErr)
		}

		m.mu.Lock()
		m.tokens[cred.ID] = refreshed
		m.mu.Unlock()
		m.saveToDisk(cred.ID, refreshed)

		log.Info().Str("account_id", cred.ID).Time("expires_at", refreshed.ExpiresAt).Msg("oauth token refreshed")
		return refreshed, nil
	})
	if err != nil {
		return "", err
	}
	return result.(Set).AccessToken, nil
}

func (m *Manager) tokenFilePath(id string) string {
	return filepath.Join(m.cacheDir, id+".tokens.json")
}

func (m *Manager) loadFromDisk(id string) (Set, bool) {
	data, err := os.ReadFile(m.tokenFilePath(id))
	if err != nil {
		return Set{}, false
	}
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return Set{}, false
	}
	return s, true
}

func (m *Manager) saveToDisk(id string, s Set) {
	if err := os.MkdirAll(m.cacheDir, 0o700); err != nil {
		log.Warn().Err(err).Msg("oauth token cache: mkdir failed")
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := os.WriteFile(m.tokenFilePath(id), data, 0o600); err != nil {
		log.Warn().Err(err).Str("account_id", id).Msg("oauth token cache: write failed")
	}
}
