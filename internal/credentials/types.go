// Package credentials models the credentials document: the set of accounts
// a core is configured with, their auth material, and the process-wide
// circuit-breaker defaults that document may override.
package credentials

import (
	"encoding/xml"
	"os"
	"regexp"
	"time"
)

// Kind distinguishes the two supported auth shapes for a Credential. A
// third kind (API key) exists in the teacher's data model but is outside
// this spec's scope, which only names session-key and OAuth credentials.
type Kind string

const (
	KindSessionKey Kind = "session_key"
	KindOAuth      Kind = "oauth"
)

// OAuthEndpoint carries the client id and endpoint triple an OAuth
// credential authenticates against.
type OAuthEndpoint struct {
	ClientID    string `xml:"clientId,attr"`
	AuthURL     string `xml:"authUrl,attr"`
	TokenURL    string `xml:"tokenUrl,attr"`
	RedirectURL string `xml:"redirectUrl,attr"`
}

// Credential is one account entry: either a session-key credential or an
// OAuth credential, distinguished by Kind. id is stable and globally
// unique across both kinds in one document.
type Credential struct {
	XMLName xml.Name `xml:"-"`
	ID      string   `xml:"id,attr"`
	Kind    Kind      `xml:"-"`
	BaseURL string   `xml:"baseUrl,attr"`
	Tier    int      `xml:"tier,attr"`

	// Session-key auth.
	SessionKey      string `xml:"sessionKey,attr,omitempty"`
	UserAgent       string `xml:"userAgent,attr,omitempty"`

	// OAuth auth.
	OAuth OAuthEndpoint `xml:"oauth"`

	Active      *bool `xml:"active,attr"`
	TrackUsage  bool  `xml:"trackUsage,attr"`
	Ping        bool  `xml:"ping,attr"`
}

// IsActive returns the effective active flag: true when absent, per §6.
func (c Credential) IsActive() bool {
	return c.Active == nil || *c.Active
}

// EffectiveTier returns the configured tier, falling back to the §3
// default of 1 when absent (the XML attribute's zero value is
// indistinguishable from an explicit tier="0", so callers ranking by tier
// must go through this accessor rather than the raw field).
func (c Credential) EffectiveTier() int {
	if c.Tier <= 0 {
		return 1
	}
	return c.Tier
}

// CircuitBreakerConfig is the process-wide default, overrideable by the
// credentials document's <CircuitBreakerConfig> element.
type CircuitBreakerConfig struct {
	FailureThreshold                 int           `xml:"failureThreshold,attr"`
	RateLimitCooldownMinutes         int           `xml:"rateLimitCooldownMinutes,attr"`
	GenericErrorCooldownMinutes      int           `xml:"genericErrorCooldownMinutes,attr"`
	HalfOpenRetryCount               int           `xml:"halfOpenRetryCount,attr"`
	RecheckUsageBeforeSelectionMins  int           `xml:"recheckUsageBeforeSelectionMinutes,attr"`
	Enabled                          *bool         `xml:"enabled,attr"`
}

// IsEnabled returns the effective enabled flag; default true per §3.
func (c CircuitBreakerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RateLimitCooldown returns the configured cooldown, falling back to the
// §3 default of 10 minutes when unset.
func (c CircuitBreakerConfig) RateLimitCooldown() time.Duration {
	if c.RateLimitCooldownMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.RateLimitCooldownMinutes) * time.Minute
}

// GenericErrorCooldown returns the configured cooldown, falling back to the
// §3 default of 5 minutes when unset.
func (c CircuitBreakerConfig) GenericErrorCooldown() time.Duration {
	if c.GenericErrorCooldownMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.GenericErrorCooldownMinutes) * time.Minute
}

// FailureThresholdOrDefault returns the configured threshold, falling back
// to the §3 default of 3 when unset.
func (c CircuitBreakerConfig) FailureThresholdOrDefault() int {
	if c.FailureThreshold <= 0 {
		return 3
	}
	return c.FailureThreshold
}

// RecheckUsageBeforeSelection returns the configured staleness window,
// falling back to the §3 default of 5 minutes when unset.
func (c CircuitBreakerConfig) RecheckUsageBeforeSelection() time.Duration {
	if c.RecheckUsageBeforeSelectionMins <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.RecheckUsageBeforeSelectionMins) * time.Minute
}

// DefaultCircuitBreakerConfig returns the §3 process-wide defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	enabled := true
	return CircuitBreakerConfig{
		FailureThreshold:                3,
		RateLimitCooldownMinutes:        10,
		GenericErrorCooldownMinutes:     5,
		HalfOpenRetryCount:              1,
		RecheckUsageBeforeSelectionMins: 5,
		Enabled:                         &enabled,
	}
}

// rawDocument mirrors CredentialsDocument but matches the XML wire shape,
// where session-key and OAuth credentials are distinct elements and Active
// is a pointer so that an absent attribute is distinguishable from false.
type rawDocument struct {
	XMLName              xml.Name              `xml:"CCAPIsCredentials"`
	CircuitBreakerConfig *CircuitBreakerConfig `xml:"CircuitBreakerConfig"`
	Credentials          []Credential          `xml:"Credential"`
	OauthCredentials     []Credential          `xml:"OauthCredential"`
}

// Document is the parsed, in-memory representation of the credentials
// file: a process-wide breaker config plus the flat list of all
// credentials (session-key and OAuth alike), in document order.
type Document struct {
	Config      CircuitBreakerConfig
	Credentials []Credential
}

// IDs returns the set of credential ids in the document, in order.
func (d Document) IDs() []string {
	ids := make([]string, len(d.Credentials))
	for i, c := range d.Credentials {
		ids[i] = c.ID
	}
	return ids
}

// ByID finds a credential by id, or returns false.
func (d Document) ByID(id string) (Credential, bool) {
	for _, c := range d.Credentials {
		if c.ID == id {
			return c, true
		}
	}
	return Credential{}, false
}

var envPlaceholder = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_]*)%`)

// ExpandEnv expands %NAME% placeholders in s using the process
// environment. Unset variables are left literal, per §6.
func ExpandEnv(s string) string {
	return envPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}
