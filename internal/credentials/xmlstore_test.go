package credentials

import (
	"path/filepath"
	"testing"
)

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<CCAPIsCredentials>
  <CircuitBreakerConfig failureThreshold="5" rateLimitCooldownMinutes="15" enabled="true"/>
  <Credential id="acc-a" baseUrl="https://claude.ai" sessionKey="sk-a" tier="1" active="true" trackUsage="true"/>
  <OauthCredential id="acc-b" baseUrl="https://api.anthropic.com" tier="2">
    <oauth clientId="client-xyz" authUrl="https://claude.ai/oauth/authorize" tokenUrl="https://console.anthropic.com/v1/oauth/token"/>
  </OauthCredential>
</CCAPIsCredentials>`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleXML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if doc.Config.FailureThresholdOrDefault() != 5 {
		t.Errorf("FailureThreshold = %d, want 5", doc.Config.FailureThresholdOrDefault())
	}
	if doc.Config.RateLimitCooldown().Minutes() != 15 {
		t.Errorf("RateLimitCooldown = %v, want 15m", doc.Config.RateLimitCooldown())
	}
	if len(doc.Credentials) != 2 {
		t.Fatalf("len(Credentials) = %d, want 2", len(doc.Credentials))
	}

	a, ok := doc.ByID("acc-a")
	if !ok || a.Kind != KindSessionKey || a.SessionKey != "sk-a" || a.Tier != 1 {
		t.Errorf("acc-a = %+v", a)
	}
	if !a.IsActive() {
		t.Error("acc-a should be active")
	}

	b, ok := doc.ByID("acc-b")
	if !ok || b.Kind != KindOAuth || b.OAuth.ClientID != "client-xyz" || b.Tier != 2 {
		t.Errorf("acc-b = %+v", b)
	}
	if !b.IsActive() {
		t.Error("acc-b should default to active (attribute absent)")
	}
}

func TestDefaultActiveWhenAbsent(t *testing.T) {
	doc, err := Parse([]byte(`<CCAPIsCredentials><Credential id="x" baseUrl="https://x" sessionKey="k"/></CCAPIsCredentials>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, ok := doc.ByID("x")
	if !ok || !c.IsActive() {
		t.Error("credential without active attr should default to active")
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("CCAPIS_TEST_HOST", "https://example.test")
	doc, err := Parse([]byte(`<CCAPIsCredentials><Credential id="x" baseUrl="%CCAPIS_TEST_HOST%" sessionKey="k"/></CCAPIsCredentials>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, _ := doc.ByID("x")
	if c.BaseURL != "https://example.test" {
		t.Errorf("BaseURL = %q, want expanded", c.BaseURL)
	}

	doc2, _ := Parse([]byte(`<CCAPIsCredentials><Credential id="y" baseUrl="%CCAPIS_UNSET_VAR%" sessionKey="k"/></CCAPIsCredentials>`))
	c2, _ := doc2.ByID("y")
	if c2.BaseURL != "%CCAPIS_UNSET_VAR%" {
		t.Errorf("unset var should be left literal, got %q", c2.BaseURL)
	}
}

func TestRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(sampleXML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "creds.xml")
	store := NewFileStore(path)
	if err := store.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(reloaded.Credentials) != len(doc.Credentials) {
		t.Fatalf("round-trip credential count mismatch: %d vs %d", len(reloaded.Credentials), len(doc.Credentials))
	}
	for _, original := range doc.Credentials {
		got, ok := reloaded.ByID(original.ID)
		if !ok {
			t.Errorf("round-trip lost credential %s", original.ID)
			continue
		}
		if got.Kind != original.Kind || got.BaseURL != original.BaseURL || got.Tier != original.Tier {
			t.Errorf("round-trip mismatch for %s: got %+v, want %+v", original.ID, got, original)
		}
	}
	if reloaded.Config.FailureThresholdOrDefault() != doc.Config.FailureThresholdOrDefault() {
		t.Error("round-trip lost CircuitBreakerConfig")
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "does-not-exist.xml"))
	if _, err := store.Load(); err == nil {
		t.Error("expected error loading missing file")
	}
}

func TestParseInvalidXMLReturnsError(t *testing.T) {
	if _, err := Parse([]byte("not xml at all <<<")); err == nil {
		t.Error("expected parse error for invalid xml")
	}
}
