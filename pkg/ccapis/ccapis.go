// Package ccapis is the public entrypoint: it wires the credentials
// store, hot-reload watcher, health registry, token manager, usage
// refresher, and event sinks into a single Core, and exposes the account
// execution surface the rest of this module implements.
package ccapis

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/events"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/executor"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/health"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/token"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/usage"
)

// Response and Operation are re-exported so callers never need to import
// the internal executor package directly.
type Response = executor.Response
type Operation = executor.Operation

// Config configures a Core at construction time. Every field has a
// workable default (see New): CredentialsPath defaults to
// credentials.DefaultPath(), UsageFetcher/Sink may be nil.
type Config struct {
	CredentialsPath string
	UsageFetcher    usage.Fetcher
	Sink            events.Sink
	Logger          *zerolog.Logger
}

// Core is the assembled account-selection and circuit-breaker core: one
// instance manages every account described by a single credentials
// document for the process lifetime.
type Core struct {
	watcher   *credentials.Watcher
	monitor   *health.Monitor
	tokens    *token.Manager
	refresher *usage.Refresher
	sink      events.Sink
	executor  *executor.Executor

	mu       sync.Mutex
	stopOnce sync.Once
}

// New loads the credentials document, starts the hot-reload watcher, and
// assembles every collaborator. The returned Core is ready for
// Execute/ExecuteWithAutoRotation immediately.
func New(cfg Config) (*Core, error) {
	path := cfg.CredentialsPath
	if path == "" {
		path = credentials.DefaultPath()
	}

	sink := cfg.Sink
	if sink == nil {
		logger := log.Logger
		if cfg.Logger != nil {
			logger = *cfg.Logger
		}
		sink = events.NewMulti(events.NewZerologSink(logger))
	}

	c := &Core{sink: sink}

	store := credentials.NewFileStore(path)
	watcher, err := credentials.NewWatcher(store, c.onReload, c.onReloadFailed)
	if err != nil {
		return nil, fmt.Errorf("start credentials watcher: %w", err)
	}
	c.watcher = watcher

	c.monitor = health.NewMonitor(func() credentials.CircuitBreakerConfig {
		return c.watcher.Current().Config
	}, health.WithSink(monitorSinkAdapter{sink}), health.WithTierLookup(func(id string) int {
		cred, ok := c.watcher.Current().ByID(id)
		if !ok {
			return credentials.Credential{}.EffectiveTier()
		}
		return cred.EffectiveTier()
	}))

	c.tokens = token.NewManager()
	for _, cred := range watcher.Current().Credentials {
		if cred.Kind == credentials.KindOAuth {
			c.tokens.Seed(cred, "")
		}
	}

	if cfg.UsageFetcher != nil {
		c.refresher = usage.NewRefresher(cfg.UsageFetcher, c.monitor)
		c.refresher.AddListener(func(ev usage.UpdateEvent) { c.sink.OnUsageUpdate(ev) })
	}

	c.executor = executor.New(c.watcher, c.monitor, c.tokens, refresherAdapter{c.refresher})

	watcher.Start()
	return c, nil
}

// Execute runs op against a specific account.
func (c *Core) Execute(ctx context.Context, accountID string, op Operation) (Response, error) {
	return c.executor.Execute(ctx, accountID, op)
}

// ExecuteWithAutoRotation runs op against the single best available
// account (§4.7). It does not retry op against a different account on
// failure — the caller decides whether and how to retry.
func (c *Core) ExecuteWithAutoRotation(ctx context.Context, op Operation) (Response, string, error) {
	return c.executor.ExecuteWithAutoRotation(ctx, op)
}

// HealthSummary renders every known account's current health as a
// human-readable line (§4.3).
func (c *Core) HealthSummary() []string {
	return c.monitor.HealthSummary()
}

// RefreshUsage forces a usage refresh across every tracked account,
// regardless of staleness. It is a no-op if no UsageFetcher was
// configured.
func (c *Core) RefreshUsage(ctx context.Context) {
	if c.refresher == nil {
		return
	}
	doc := c.watcher.Current()
	c.refresher.RefreshAll(ctx, doc.Credentials)
}

// Reload forces an immediate re-read of the credentials document, as if
// the file had changed on disk.
func (c *Core) Reload() {
	c.watcher.Reload()
}

// Shutdown stops the credentials watcher. Idempotent.
func (c *Core) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.watcher.Stop()
		if c.refresher != nil {
			c.refresher.ClearListeners()
		}
	})
	return nil
}

func (c *Core) onReload(ev credentials.ReloadEvent) {
	c.monitor.ReconcileIDs(ev.Before, ev.After)
	for _, cred := range ev.After.Credentials {
		if cred.Kind == credentials.KindOAuth {
			c.tokens.Seed(cred, "")
		}
	}
	c.sink.OnCredentialsReload(ev)
}

func (c *Core) onReloadFailed(ev credentials.ReloadFailedEvent) {
	c.sink.OnReloadFailed(ev)
}

// monitorSinkAdapter narrows events.Sink down to the two methods
// health.Monitor needs, so health never imports the events package.
type monitorSinkAdapter struct {
	sink events.Sink
}

func (a monitorSinkAdapter) OnStateTransition(ev health.TransitionEvent) { a.sink.OnStateTransition(ev) }
func (a monitorSinkAdapter) OnSelection(ev health.SelectionEvent)        { a.sink.OnSelection(ev) }

// refresherAdapter lets executor.Executor depend on the narrow
// UsageChecker interface even when no usage.Refresher was configured.
type refresherAdapter struct {
	r *usage.Refresher
}

func (a refresherAdapter) RefreshIfStale(ctx context.Context, cred credentials.Credential) (usage.Data, bool, error) {
	if a.r == nil {
		return usage.Data{}, false, nil
	}
	return a.r.RefreshIfStale(ctx, cred)
}
