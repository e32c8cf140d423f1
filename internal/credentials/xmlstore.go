package credentials

import (
	"encoding/xml"
	"fmt"
	"os"
)

// Store is the external CredentialsStore collaborator (§6): it knows how
// to load and save the on-disk XML document. Hot-reload (watch) lives in
// watcher.go, which uses a Store to actually read the file.
type Store interface {
	Load() (Document, error)
	Save(doc Document) error
	Path() string
}

// FileStore is the default Store: a single XML file on disk, normatively
// at ${HOME}/xyz-jphil/ccapis/CCAPIsCredentials.xml per §6.
type FileStore struct {
	path string
}

// NewFileStore returns a Store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath returns the normative on-disk location of the credentials
// document under the user's home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/xyz-jphil/ccapis/CCAPIsCredentials.xml"
}

func (s *FileStore) Path() string { return s.path }

// Load reads and parses the credentials document, expanding %NAME%
// environment placeholders in every URL-bearing attribute at load time.
// A missing CircuitBreakerConfig element yields the §3 process defaults.
func (s *FileStore) Load() (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Document{}, fmt.Errorf("read credentials file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a credentials XML document from bytes, independent of
// where those bytes came from. Exported so tests and the watcher's
// validate-before-swap step can exercise parsing without touching disk.
func Parse(data []byte) (Document, error) {
	var raw rawDocument
	if err := xml.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("parse credentials xml: %w", err)
	}

	cfg := DefaultCircuitBreakerConfig()
	if raw.CircuitBreakerConfig != nil {
		cfg = mergeConfig(cfg, *raw.CircuitBreakerConfig)
	}

	doc := Document{Config: cfg}
	for _, c := range raw.Credentials {
		c.Kind = KindSessionKey
		expandCredentialEnv(&c)
		doc.Credentials = append(doc.Credentials, c)
	}
	for _, c := range raw.OauthCredentials {
		c.Kind = KindOAuth
		expandCredentialEnv(&c)
		doc.Credentials = append(doc.Credentials, c)
	}
	return doc, nil
}

// mergeConfig takes the document's <CircuitBreakerConfig> as-is and only
// fills Enabled from defaults when the attribute is absent. Every other
// field that is absent (or set to 0) decodes to its Go zero value, which the
// CircuitBreakerConfig accessor methods treat as "use the default";
// HalfOpenRetryCount has no such accessor and stays 0 when absent.
func mergeConfig(defaults, override CircuitBreakerConfig) CircuitBreakerConfig {
	merged := override
	if merged.Enabled == nil {
		merged.Enabled = defaults.Enabled
	}
	return merged
}

func expandCredentialEnv(c *Credential) {
	c.BaseURL = ExpandEnv(c.BaseURL)
	c.SessionKey = ExpandEnv(c.SessionKey)
	c.UserAgent = ExpandEnv(c.UserAgent)
	c.OAuth.ClientID = ExpandEnv(c.OAuth.ClientID)
	c.OAuth.AuthURL = ExpandEnv(c.OAuth.AuthURL)
	c.OAuth.TokenURL = ExpandEnv(c.OAuth.TokenURL)
	c.OAuth.RedirectURL = ExpandEnv(c.OAuth.RedirectURL)
}

// Save serializes doc back to the XML document, preserving the
// session-key/OAuth element split and each credential's original kind.
func (s *FileStore) Save(doc Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Marshal renders doc as XML bytes, independent of the destination.
func Marshal(doc Document) ([]byte, error) {
	raw := rawDocument{
		CircuitBreakerConfig: &doc.Config,
	}
	for _, c := range doc.Credentials {
		switch c.Kind {
		case KindOAuth:
			raw.OauthCredentials = append(raw.OauthCredentials, c)
		default:
			raw.Credentials = append(raw.Credentials, c)
		}
	}

	out, err := xml.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal credentials xml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
