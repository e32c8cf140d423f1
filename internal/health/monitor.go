package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/classify"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/usage"
)

// SelectionEvent describes a completed selection decision, for the event
// sink (C8).
type SelectionEvent struct {
	AccountID   string
	State       State
	Utilization float64
	At          time.Time
}

// sink is the narrow set of notifications the Monitor emits. The concrete
// events.Sink (and the demo's zerolog/SQLite sinks) satisfy this
// structurally, so this package never imports the events package.
type sink interface {
	OnStateTransition(TransitionEvent)
	OnSelection(SelectionEvent)
}

// noopSink swallows every notification; used when no sink is configured.
type noopSink struct{}

func (noopSink) OnStateTransition(TransitionEvent) {}
func (noopSink) OnSelection(SelectionEvent)        {}

// Monitor is the health registry (C3): a concurrent map of account id to
// AccountHealth, plus ranking and selection across the live credential
// list. Entries are created lazily and atomically on first reference.
type Monitor struct {
	cfgFn  func() credentials.CircuitBreakerConfig
	tierFn func(id string) int

	mu      sync.RWMutex
	healths map[string]*AccountHealth

	sink sink
	now  func() time.Time
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithSink registers an event sink. Any type implementing OnStateTransition
// and OnSelection works, including events.Sink implementations.
func WithSink(s sink) Option {
	return func(m *Monitor) { m.sink = s }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithTierLookup registers a function resolving an account id to its
// configured tier, used as the ranking tie-break below state and
// utilization (lower tier value preferred). Without it, ranking falls
// back to list order for ties, as before tiers were wired in.
func WithTierLookup(fn func(id string) int) Option {
	return func(m *Monitor) { m.tierFn = fn }
}

// NewMonitor creates a Monitor whose CircuitBreakerConfig is read fresh
// from cfgFn on every call, so a credentials-file reload that changes the
// breaker config (§3) takes effect without reconstructing the Monitor.
func NewMonitor(cfgFn func() credentials.CircuitBreakerConfig, opts ...Option) *Monitor {
	m := &Monitor{
		cfgFn:   cfgFn,
		healths: make(map[string]*AccountHealth),
		sink:    noopSink{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetHealth returns the AccountHealth for id, creating it on demand.
// Atomic get-or-create, per §4.3.
func (m *Monitor) GetHealth(id string) *AccountHealth {
	m.mu.RLock()
	h, ok := m.healths[id]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.healths[id]; ok {
		return h
	}
	h = NewAccountHealth()
	m.healths[id] = h
	return h
}

// RecordSuccess forwards to the account's state machine and emits a
// transition event when the state actually changed.
func (m *Monitor) RecordSuccess(id string) {
	h := m.GetHealth(id)
	from, to := h.recordSuccess(m.now())
	if from != to {
		m.emitTransition(id, from, to, classify.Success, time.Time{})
	}
}

// RecordFailure classifies nothing itself — f is supplied by the caller
// (normally classify.FromError/FromHTTP at the Executor boundary) — and
// forwards to the account's state machine.
func (m *Monitor) RecordFailure(id string, f classify.FailureType) {
	h := m.GetHealth(id)
	cfg := m.cfgFn()
	from, to, cooldown := h.recordFailure(cfg, f, m.now())
	m.emitTransition(id, from, to, f, cooldown)
}

// UpdateUsage stores the latest usage sample for id and, if it indicates
// full exhaustion of the five-hour window, synthesizes the corresponding
// failure transition (§4.2).
func (m *Monitor) UpdateUsage(id string, u usage.Data) {
	h := m.GetHealth(id)
	cfg := m.cfgFn()
	exhausted, from, to := h.updateUsage(cfg, u, m.now())
	if exhausted {
		m.emitTransition(id, from, to, classify.QuotaExhausted, h.Snapshot().CooldownUntil)
	}
}

// IsUsageStale reports whether id's usage sample needs refreshing before
// it can be trusted for ranking (§4.2/§4.4).
func (m *Monitor) IsUsageStale(id string) bool {
	h := m.GetHealth(id)
	return h.isUsageStale(m.cfgFn(), m.now())
}

// IsAvailable reports whether id may currently be selected. It first
// advances the state machine (OPEN -> HALF_OPEN if the cooldown elapsed)
// the way §4.3 specifies, then evaluates availability.
func (m *Monitor) IsAvailable(id string) bool {
	cfg := m.cfgFn()
	h := m.GetHealth(id)
	if !cfg.IsEnabled() {
		return true
	}
	from, to := h.updateState(m.now())
	if from != to {
		m.emitTransition(id, from, to, classify.FailureType(""), h.Snapshot().CooldownUntil)
	}
	return h.isAvailable(true)
}

// AvailableAccounts filters ids to those currently available, sorted by
// (state ascending, then utilization ascending, then tier ascending),
// stably — §4.3/§8 testable property 5, with the tier tie-break as a
// supplemented enrichment. Ties remaining after tier fall back to the
// stable sort's input order.
func (m *Monitor) AvailableAccounts(ids []string) []string {
	type ranked struct {
		id          string
		stateRank   int
		utilization float64
		tier        int
	}

	candidates := make([]ranked, 0, len(ids))
	for _, id := range ids {
		if !m.IsAvailable(id) {
			continue
		}
		h := m.GetHealth(id)
		candidates = append(candidates, ranked{
			id:          id,
			stateRank:   h.currentState().rank(),
			utilization: h.utilizationForRanking(),
			tier:        m.tierFor(id),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].stateRank != candidates[j].stateRank {
			return candidates[i].stateRank < candidates[j].stateRank
		}
		if candidates[i].utilization != candidates[j].utilization {
			return candidates[i].utilization < candidates[j].utilization
		}
		return candidates[i].tier < candidates[j].tier
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

func (m *Monitor) tierFor(id string) int {
	if m.tierFn == nil {
		return 0
	}
	return m.tierFn(id)
}

// SelectBestAccount returns the first entry of AvailableAccounts(ids), or
// "", false if nothing is available.
func (m *Monitor) SelectBestAccount(ids []string) (string, bool) {
	ranked := m.AvailableAccounts(ids)
	if len(ranked) == 0 {
		return "", false
	}
	chosen := ranked[0]
	h := m.GetHealth(chosen)
	m.sink.OnSelection(SelectionEvent{
		AccountID:   chosen,
		State:       h.currentState(),
		Utilization: h.utilizationForRanking(),
		At:          m.now(),
	})
	return chosen, true
}

// Reset discards the health entry for id entirely (§4.6 reconciliation: an
// account removed from the credentials document loses its health state).
func (m *Monitor) Reset(id string) {
	m.mu.Lock()
	delete(m.healths, id)
	m.mu.Unlock()
}

// ResetAll discards every health entry.
func (m *Monitor) ResetAll() {
	m.mu.Lock()
	m.healths = make(map[string]*AccountHealth)
	m.mu.Unlock()
}

// ReconcileIDs implements §4.6 step 3: healths for ids no longer present
// are discarded; healths for ids present in both sets are preserved;
// brand-new ids get their AccountHealth lazily on first reference, so
// nothing needs to be created here.
func (m *Monitor) ReconcileIDs(before credentials.Document, after credentials.Document) {
	afterSet := make(map[string]struct{}, len(after.Credentials))
	for _, c := range after.Credentials {
		afterSet[c.ID] = struct{}{}
	}
	for _, c := range before.Credentials {
		if _, stillPresent := afterSet[c.ID]; !stillPresent {
			m.Reset(c.ID)
		}
	}
}

// Snapshot returns a consistent point-in-time copy for id, or false if no
// health has been recorded for it yet.
func (m *Monitor) Snapshot(id string) (Snapshot, bool) {
	m.mu.RLock()
	h, ok := m.healths[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return h.Snapshot(), true
}

// HealthSummary renders every known account's state as a human-readable
// line, in the form `[id] STATE (failures: N) - cooldown: Xm - usage: Y%`
// (§4.3). Purely observational; takes no lock across I/O.
func (m *Monitor) HealthSummary() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.healths))
	for id := range m.healths {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		s, _ := m.Snapshot(id)
		cooldownMin := 0.0
		if !s.CooldownUntil.IsZero() {
			if d := s.CooldownUntil.Sub(m.now()); d > 0 {
				cooldownMin = d.Minutes()
			}
		}
		usagePct := 0.0
		if s.LatestUsage != nil {
			if w, ok := s.LatestUsage.Windows[usage.FiveHour]; ok {
				usagePct = w.Utilization
			}
		}
		lines = append(lines, formatSummaryLine(id, s.State, s.ConsecutiveFailures, cooldownMin, usagePct))
	}
	return lines
}

func formatSummaryLine(id string, state State, failures int, cooldownMin, usagePct float64) string {
	return fmt.Sprintf("[%s] %s (failures: %d) - cooldown: %.0fm - usage: %.0f%%",
		id, state.String(), failures, cooldownMin, usagePct)
}

func (m *Monitor) emitTransition(id string, from, to State, f classify.FailureType, cooldown time.Time) {
	if from == to && f == "" {
		return
	}
	m.sink.OnStateTransition(TransitionEvent{
		AccountID:     id,
		From:          from,
		To:            to,
		FailureType:   f,
		CooldownUntil: cooldown,
		At:            m.now(),
	})
	log.Debug().
		Str("account_id", id).
		Str("from", from.String()).
		Str("to", to.String()).
		Str("failure_type", string(f)).
		Msg("account health transition")
}
