// Package health implements the account health state machine (C2) and its
// registry (C3): the circuit-breaker core that sits between the Executor
// and every account.
package health

import (
	"sync"
	"time"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/classify"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/usage"
)

// State is one of the four circuit-breaker states an account can be in.
type State int

const (
	Healthy State = iota
	Degraded
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Degraded:
		return "DEGRADED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// rank orders states for selection: HEALTHY < DEGRADED < OPEN/HALF_OPEN,
// matching §4.3's "state ascending in declared order".
func (s State) rank() int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Open, HalfOpen:
		return 2
	default:
		return 3
	}
}

// TransitionEvent describes a single state change, for the event sink (C8).
type TransitionEvent struct {
	AccountID     string
	From, To      State
	FailureType   classify.FailureType
	CooldownUntil time.Time
	At            time.Time
}

// AccountHealth is the per-account state machine described by §3/§4.2. It
// performs no I/O; it is a value object mutated only through its own
// methods, each of which holds its own mutex for the duration of the call
// (§5: "per-entry lock held for the duration of any recordX call").
type AccountHealth struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	lastFailureType     classify.FailureType
	lastFailureTime     time.Time
	circuitOpenedAt     time.Time
	cooldownUntil       time.Time
	halfOpenAttempts    int

	latestUsage   *usage.Data
	usageFetchedAt time.Time
}

// NewAccountHealth returns a freshly-created, HEALTHY account health
// record — the state lazily created on first reference to an id (§3
// Lifecycle).
func NewAccountHealth() *AccountHealth {
	return &AccountHealth{state: Healthy}
}

// Snapshot is a point-in-time, lock-free copy of an AccountHealth for
// display and for the structured health summary supplement (SPEC_FULL §4.1).
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	LastFailureType     classify.FailureType
	LastFailureTime     time.Time
	CircuitOpenedAt     time.Time
	CooldownUntil       time.Time
	HalfOpenAttempts    int
	LatestUsage         *usage.Data
	UsageFetchedAt      time.Time
}

func (h *AccountHealth) snapshotLocked() Snapshot {
	return Snapshot{
		State:               h.state,
		ConsecutiveFailures: h.consecutiveFailures,
		LastFailureType:     h.lastFailureType,
		LastFailureTime:     h.lastFailureTime,
		CircuitOpenedAt:     h.circuitOpenedAt,
		CooldownUntil:       h.cooldownUntil,
		HalfOpenAttempts:    h.halfOpenAttempts,
		LatestUsage:         h.latestUsage,
		UsageFetchedAt:      h.usageFetchedAt,
	}
}

// Snapshot returns a consistent copy of the current state.
func (h *AccountHealth) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// recordSuccess is idempotent: calling it repeatedly on an already-HEALTHY
// account is a no-op beyond re-clearing already-clear fields (§8 Idempotence).
func (h *AccountHealth) recordSuccess(now time.Time) (from, to State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	from = h.state
	h.state = Healthy
	h.consecutiveFailures = 0
	h.lastFailureType = ""
	h.lastFailureTime = time.Time{}
	h.circuitOpenedAt = time.Time{}
	h.cooldownUntil = time.Time{}
	h.halfOpenAttempts = 0
	return from, Healthy
}

// recordFailure applies §4.2's transition table and returns the
// transition that occurred (possibly a no-op from==to when already OPEN
// and recordFailure is called again, in which case the cooldown is
// recomputed).
func (h *AccountHealth) recordFailure(cfg credentials.CircuitBreakerConfig, f classify.FailureType, now time.Time) (from, to State, cooldownUntil time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	from = h.state
	h.consecutiveFailures++
	h.lastFailureType = f
	h.lastFailureTime = now

	threshold := cfg.FailureThresholdOrDefault()
	shouldOpen := h.consecutiveFailures >= threshold || f == classify.QuotaExhausted

	switch h.state {
	case Healthy, Degraded:
		if shouldOpen {
			h.openLocked(cfg, f, now)
		} else {
			h.state = Degraded
		}
	case HalfOpen:
		// Any failure in half-open returns to open (§4.2).
		h.openLocked(cfg, f, now)
	case Open:
		// Already open; recompute cooldown for the latest failure.
		h.openLocked(cfg, f, now)
	}

	return from, h.state, h.cooldownUntil
}

func (h *AccountHealth) openLocked(cfg credentials.CircuitBreakerConfig, f classify.FailureType, now time.Time) {
	h.state = Open
	h.circuitOpenedAt = now
	h.cooldownUntil = h.computeCooldownLocked(cfg, f, now)
}

// computeCooldownLocked implements the §4.2 cooldown policy. Caller holds
// h.mu.
func (h *AccountHealth) computeCooldownLocked(cfg credentials.CircuitBreakerConfig, f classify.FailureType, now time.Time) time.Time {
	switch f {
	case classify.QuotaExhausted:
		if h.latestUsage != nil {
			if w, ok := h.latestUsage.Windows[usage.FiveHour]; ok && w.ResetsAt != nil {
				return *w.ResetsAt
			}
		}
		// Open Question #2 (spec.md §9): the fallback cooldown for
		// QUOTA_EXHAUSTED intentionally reuses RateLimitCooldown, not a
		// dedicated setting — reproduced literally.
		return now.Add(cfg.RateLimitCooldown())
	case classify.RateLimited:
		return now.Add(cfg.RateLimitCooldown())
	default:
		return now.Add(cfg.GenericErrorCooldown())
	}
}

// updateState applies the OPEN -> HALF_OPEN transition once the cooldown
// has elapsed (§4.2). Calling it repeatedly without time passing is a
// no-op (§8 Idempotence).
func (h *AccountHealth) updateState(now time.Time) (from, to State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	from = h.state
	if h.state == Open && !h.cooldownUntil.IsZero() && now.After(h.cooldownUntil) {
		h.state = HalfOpen
		h.halfOpenAttempts = 0
	}
	return from, h.state
}

// updateUsage stores the latest usage sample. If the five-hour window is
// fully exhausted (utilization >= 100), it synthesizes a QUOTA_EXHAUSTED
// failure and returns true so the caller can emit the corresponding
// transition event.
func (h *AccountHealth) updateUsage(cfg credentials.CircuitBreakerConfig, u usage.Data, now time.Time) (exhausted bool, from, to State) {
	h.mu.Lock()
	h.latestUsage = &u
	h.usageFetchedAt = now
	fiveHour, hasFiveHour := u.Windows[usage.FiveHour]
	current := h.state
	h.mu.Unlock()

	if hasFiveHour && fiveHour.Utilization >= 100 {
		from, to, _ = h.recordFailure(cfg, classify.QuotaExhausted, now)
		return true, from, to
	}
	return false, current, current
}

// isUsageStale reports whether the last usage sample is missing or older
// than the configured recheck window (§4.2).
func (h *AccountHealth) isUsageStale(cfg credentials.CircuitBreakerConfig, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.usageFetchedAt.IsZero() {
		return true
	}
	return now.Sub(h.usageFetchedAt) >= cfg.RecheckUsageBeforeSelection()
}

// isAvailable reports whether the account may be selected. When the
// breaker is disabled it is always true (§3 invariant 4).
func (h *AccountHealth) isAvailable(enabled bool) bool {
	if !enabled {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == Healthy || h.state == Degraded
}

func (h *AccountHealth) utilizationForRanking() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latestUsage == nil {
		return 0
	}
	if w, ok := h.latestUsage.Windows[usage.FiveHour]; ok {
		return w.Utilization
	}
	return 0
}

func (h *AccountHealth) currentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
