package health

import (
	"testing"
	"time"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/classify"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/usage"
)

func testCfg() credentials.CircuitBreakerConfig {
	return credentials.DefaultCircuitBreakerConfig()
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time  { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(clock *fakeClock) *Monitor {
	return NewMonitor(testCfg, WithClock(clock.now))
}

// S2: N consecutive generic failures open the circuit at the threshold.
func TestThresholdOpensCircuit(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(clock)

	threshold := testCfg().FailureThresholdOrDefault()
	for i := 0; i < threshold-1; i++ {
		m.RecordFailure("acct-1", classify.GenericError)
		if !m.IsAvailable("acct-1") {
			t.Fatalf("account should still be available after %d failures", i+1)
		}
	}
	m.RecordFailure("acct-1", classify.GenericError)
	if m.IsAvailable("acct-1") {
		t.Fatal("account should be OPEN after reaching the failure threshold")
	}
	snap, ok := m.Snapshot("acct-1")
	if !ok || snap.State != Open {
		t.Fatalf("expected OPEN, got %+v", snap)
	}
}

// S1: a single QUOTA_EXHAUSTED failure opens the circuit regardless of
// the failure threshold, and the cooldown is taken from the usage window's
// resets_at when available.
func TestQuotaExhaustionOpensImmediately(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(clock)

	resetsAt := clock.t.Add(45 * time.Minute)
	m.UpdateUsage("acct-1", usage.Data{
		Windows: map[usage.Window]usage.WindowUsage{
			usage.FiveHour: {Utilization: 100, ResetsAt: &resetsAt},
		},
	})

	if m.IsAvailable("acct-1") {
		t.Fatal("account should be OPEN immediately on quota exhaustion")
	}
	snap, _ := m.Snapshot("acct-1")
	if !snap.CooldownUntil.Equal(resetsAt) {
		t.Errorf("cooldown = %v, want usage resets_at %v", snap.CooldownUntil, resetsAt)
	}
}

// S3: once the cooldown elapses the availability check moves an OPEN
// account to HALF_OPEN, which is still not available for selection; a
// subsequent success returns it to HEALTHY.
func TestHalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(clock)

	threshold := testCfg().FailureThresholdOrDefault()
	for i := 0; i < threshold; i++ {
		m.RecordFailure("acct-1", classify.RateLimited)
	}
	if m.IsAvailable("acct-1") {
		t.Fatal("account should be OPEN right after opening")
	}

	clock.advance(testCfg().RateLimitCooldown() + time.Second)

	if m.IsAvailable("acct-1") {
		t.Fatal("a HALF_OPEN account should not be reported available")
	}
	snap, _ := m.Snapshot("acct-1")
	if snap.State != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %v", snap.State)
	}

	m.RecordSuccess("acct-1")
	snap, _ = m.Snapshot("acct-1")
	if snap.State != Healthy {
		t.Fatalf("expected HEALTHY after success in half-open, got %v", snap.State)
	}
}

// Any failure observed while HALF_OPEN reopens the circuit.
func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(clock)

	threshold := testCfg().FailureThresholdOrDefault()
	for i := 0; i < threshold; i++ {
		m.RecordFailure("acct-1", classify.RateLimited)
	}
	clock.advance(testCfg().RateLimitCooldown() + time.Second)
	m.IsAvailable("acct-1") // drive OPEN -> HALF_OPEN

	m.RecordFailure("acct-1", classify.RateLimited)
	snap, _ := m.Snapshot("acct-1")
	if snap.State != Open {
		t.Fatalf("expected OPEN after half-open failure, got %v", snap.State)
	}
}

// S4: reconciliation discards health state for accounts removed from a
// reloaded credentials document and leaves survivors untouched.
func TestReconcileIDsDropsRemovedAccounts(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(clock)

	m.RecordFailure("a", classify.GenericError)
	m.RecordFailure("b", classify.GenericError)

	before := credentials.Document{Credentials: []credentials.Credential{{ID: "a"}, {ID: "b"}}}
	after := credentials.Document{Credentials: []credentials.Credential{{ID: "b"}, {ID: "c"}}}
	m.ReconcileIDs(before, after)

	if _, ok := m.Snapshot("a"); ok {
		t.Error("account 'a' should have its health state discarded")
	}
	if snap, ok := m.Snapshot("b"); !ok || snap.ConsecutiveFailures != 1 {
		t.Errorf("account 'b' should retain its health state, got %+v, ok=%v", snap, ok)
	}
}

// S6: ranking orders by state first, then ascending utilization within
// the same state.
func TestAvailableAccountsRanking(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(clock)

	m.UpdateUsage("busy-healthy", usage.Data{Windows: map[usage.Window]usage.WindowUsage{
		usage.FiveHour: {Utilization: 80},
	}})
	m.UpdateUsage("idle-healthy", usage.Data{Windows: map[usage.Window]usage.WindowUsage{
		usage.FiveHour: {Utilization: 10},
	}})
	m.RecordFailure("degraded", classify.GenericError) // below threshold -> DEGRADED

	ranked := m.AvailableAccounts([]string{"busy-healthy", "degraded", "idle-healthy"})
	want := []string{"idle-healthy", "busy-healthy", "degraded"}
	if len(ranked) != len(want) {
		t.Fatalf("ranked = %v, want %v", ranked, want)
	}
	for i := range want {
		if ranked[i] != want[i] {
			t.Errorf("position %d: got %s, want %s (full: %v)", i, ranked[i], want[i], ranked)
		}
	}
}

// Tier breaks ties remaining after state and utilization are equal.
func TestAvailableAccountsTierTieBreak(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	tiers := map[string]int{"silver": 2, "gold": 1, "bronze": 3}
	m := NewMonitor(testCfg, WithClock(clock.now), WithTierLookup(func(id string) int {
		return tiers[id]
	}))

	ranked := m.AvailableAccounts([]string{"silver", "gold", "bronze"})
	want := []string{"gold", "silver", "bronze"}
	for i := range want {
		if ranked[i] != want[i] {
			t.Errorf("position %d: got %s, want %s (full: %v)", i, ranked[i], want[i], ranked)
		}
	}
}

func TestAvailableAccountsWithoutTierLookupPreservesInputOrder(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newTestMonitor(clock)

	ranked := m.AvailableAccounts([]string{"z", "a", "m"})
	want := []string{"z", "a", "m"}
	for i := range want {
		if ranked[i] != want[i] {
			t.Errorf("position %d: got %s, want %s (full: %v)", i, ranked[i], want[i], ranked)
		}
	}
}

func TestGetHealthIsIdempotent(t *testing.T) {
	m := NewMonitor(testCfg)
	h1 := m.GetHealth("acct")
	h2 := m.GetHealth("acct")
	if h1 != h2 {
		t.Error("GetHealth should return the same instance for repeated calls")
	}
}

func TestBreakerDisabledAlwaysAvailable(t *testing.T) {
	disabledFalse := false
	m := NewMonitor(func() credentials.CircuitBreakerConfig {
		cfg := credentials.DefaultCircuitBreakerConfig()
		cfg.Enabled = &disabledFalse
		return cfg
	})
	for i := 0; i < 10; i++ {
		m.RecordFailure("acct", classify.QuotaExhausted)
	}
	if !m.IsAvailable("acct") {
		t.Error("account should remain available when the breaker is disabled")
	}
}
