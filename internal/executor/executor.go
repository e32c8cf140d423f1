package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/classify"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/usage"
)

// Response is the minimal shape an Operation must return for the executor
// to classify success/failure (§4.1/§4.7). Callers building on top of this
// core are free to carry richer payloads alongside it.
type Response struct {
	StatusCode int
	Body       string
}

// Operation performs one chat-completion call against the given account,
// authenticated with bearerToken (the account's session key or a valid
// OAuth access token, already resolved by the Executor).
type Operation func(ctx context.Context, cred credentials.Credential, bearerToken string) (Response, error)

// CredentialsSource supplies the live credentials document; normally
// *credentials.Watcher.
type CredentialsSource interface {
	Current() credentials.Document
}

// HealthRegistry is the slice of health.Monitor the Executor needs.
type HealthRegistry interface {
	RecordSuccess(id string)
	RecordFailure(id string, f classify.FailureType)
	IsAvailable(id string) bool
	SelectBestAccount(ids []string) (string, bool)
	AvailableAccounts(ids []string) []string
	HealthSummary() []string
}

// TokenSource resolves a valid bearer token for an OAuth account; normally
// *token.Manager.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, cred credentials.Credential) (string, error)
}

// UsageChecker optionally refreshes usage before selection when stale
// (§4.4); normally *usage.Refresher. Nil disables this step.
type UsageChecker interface {
	RefreshIfStale(ctx context.Context, cred credentials.Credential) (usage.Data, bool, error)
}

// Executor is the Account Executor (§4.7): it resolves auth material for
// an account and runs a caller-supplied Operation against it, recording
// the outcome in the health registry. It holds no state of its own beyond
// its collaborators — Monitor, CredentialsSource (the watcher),
// TokenSource, and UsageChecker are each injected and own their own state,
// so none of them needs a back-reference to the Executor.
type Executor struct {
	creds   CredentialsSource
	health  HealthRegistry
	tokens  TokenSource
	usageCk UsageChecker
}

// New builds an Executor over its collaborators. usageCk may be nil to
// skip the pre-selection usage recheck.
func New(creds CredentialsSource, healthRegistry HealthRegistry, tokens TokenSource, usageCk UsageChecker) *Executor {
	return &Executor{creds: creds, health: healthRegistry, tokens: tokens, usageCk: usageCk}
}

// bearerFor resolves the auth material for cred: the raw session key for
// session-key credentials, or a valid OAuth access token, refreshed if
// necessary, for OAuth credentials (§4.5).
func (e *Executor) bearerFor(ctx context.Context, cred credentials.Credential) (string, error) {
	switch cred.Kind {
	case credentials.KindOAuth:
		if e.tokens == nil {
			return "", AuthFailedError{AccountID: cred.ID, Cause: fmt.Errorf("no token source configured for an OAuth credential")}
		}
		tok, err := e.tokens.ValidAccessToken(ctx, cred)
		if err != nil {
			return "", AuthFailedError{AccountID: cred.ID, Cause: err}
		}
		return tok, nil
	default:
		if cred.SessionKey == "" {
			return "", AuthFailedError{AccountID: cred.ID, Cause: fmt.Errorf("credential has no session key configured")}
		}
		return cred.SessionKey, nil
	}
}

// Execute runs op against the specific account identified by accountID
// (§4.7). It first checks that the account's breaker is not open — a
// named account that is currently unavailable fails fast without ever
// invoking op — then resolves auth material, calls op, and records the
// outcome against the health registry before returning: a 2xx response is
// a success (§4.1's distinct SUCCESS sentinel); anything else is
// classified via classify.FromHTTP.
func (e *Executor) Execute(ctx context.Context, accountID string, op Operation) (Response, error) {
	doc := e.creds.Current()
	cred, ok := doc.ByID(accountID)
	if !ok {
		return Response{}, AccountUnavailableError{AccountID: accountID, HealthSummary: "credential not found in current document"}
	}

	if !e.health.IsAvailable(accountID) {
		return Response{}, AccountUnavailableError{AccountID: accountID, HealthSummary: strings.Join(e.health.HealthSummary(), "; ")}
	}

	if e.usageCk != nil && cred.TrackUsage {
		if _, _, err := e.usageCk.RefreshIfStale(ctx, cred); err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("usage recheck before selection failed")
		}
	}

	bearer, err := e.bearerFor(ctx, cred)
	if err != nil {
		e.health.RecordFailure(accountID, classify.GenericError)
		return Response{}, err
	}

	resp, opErr := op(ctx, cred, bearer)
	if opErr != nil {
		f := classify.FromError(opErr)
		e.health.RecordFailure(accountID, f)
		return resp, opErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.health.RecordSuccess(accountID)
		return resp, nil
	}
	e.health.RecordFailure(accountID, classify.FromHTTP(resp.StatusCode, resp.Body))
	return resp, nil
}

// ExecuteWithAutoRotation first rechecks stale usage for every active,
// usage-tracked credential (when a UsageChecker is configured), then
// selects the single best-ranked available account (§4.3) and delegates to
// Execute exactly once (§4.7). Unlike a
// retry-with-failover loop, op is never re-run against a different account
// automatically: request bodies may be non-idempotent, so "at-most-one
// attempt per call" is an invariant, not an optimization — the caller
// decides whether and how to retry on a different account. It returns the
// account id the operation was attempted against alongside the response.
func (e *Executor) ExecuteWithAutoRotation(ctx context.Context, op Operation) (Response, string, error) {
	doc := e.creds.Current()
	ids := make([]string, 0, len(doc.Credentials))
	for _, c := range doc.Credentials {
		if c.IsActive() {
			ids = append(ids, c.ID)
		}
	}

	if e.usageCk != nil {
		for _, c := range doc.Credentials {
			if c.IsActive() && c.TrackUsage {
				if _, _, err := e.usageCk.RefreshIfStale(ctx, c); err != nil {
					log.Warn().Err(err).Str("account_id", c.ID).Msg("usage recheck before selection failed")
				}
			}
		}
	}

	accountID, ok := e.health.SelectBestAccount(ids)
	if !ok {
		return Response{}, "", NoAvailableAccountError{}
	}

	resp, err := e.Execute(ctx, accountID, op)
	return resp, accountID, err
}
