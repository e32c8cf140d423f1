package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/classify"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
)

type countingFetcher struct {
	calls int32
	data  Data
	err   error
	delay time.Duration
}

func (f *countingFetcher) Fetch(ctx context.Context, cred credentials.Credential) (Data, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.data, f.err
}

type fakeHealthUpdater struct {
	mu            sync.Mutex
	stale         bool
	latest        Data
	calls         int
	failureCalls  int
	lastFailureID string
}

func (h *fakeHealthUpdater) UpdateUsage(accountID string, data Data) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = data
	h.calls++
}

func (h *fakeHealthUpdater) RecordFailure(accountID string, f classify.FailureType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failureCalls++
	h.lastFailureID = accountID
}

func (h *fakeHealthUpdater) IsUsageStale(accountID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stale
}

func TestRefreshDedupesConcurrentCalls(t *testing.T) {
	fetcher := &countingFetcher{delay: 20 * time.Millisecond, data: Data{Windows: map[Window]WindowUsage{FiveHour: {Utilization: 42}}}}
	hu := &fakeHealthUpdater{stale: true}
	r := NewRefresher(fetcher, hu)
	cred := credentials.Credential{ID: "acct-1"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Refresh(context.Background(), cred)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Errorf("expected exactly 1 fetch call, got %d", got)
	}
}

func TestRefreshIfStaleSkipsWhenFresh(t *testing.T) {
	fetcher := &countingFetcher{data: Data{}}
	hu := &fakeHealthUpdater{stale: false}
	r := NewRefresher(fetcher, hu)
	cred := credentials.Credential{ID: "acct-1"}

	_, refreshed, err := r.RefreshIfStale(context.Background(), cred)
	if err != nil {
		t.Fatalf("RefreshIfStale: %v", err)
	}
	if refreshed {
		t.Error("expected no refresh when health reports usage as fresh")
	}
	if atomic.LoadInt32(&fetcher.calls) != 0 {
		t.Error("fetcher should not be called when usage is fresh")
	}
}

func TestRefreshNotifiesListenersOnFailure(t *testing.T) {
	fetchErr := errors.New("upstream unavailable")
	fetcher := &countingFetcher{err: fetchErr}
	hu := &fakeHealthUpdater{stale: true}
	r := NewRefresher(fetcher, hu)
	cred := credentials.Credential{ID: "acct-1"}

	var got UpdateEvent
	r.AddListener(func(ev UpdateEvent) { got = ev })

	_, err := r.Refresh(context.Background(), cred)
	if err == nil {
		t.Fatal("expected an error from Refresh")
	}
	if got.Err == nil || got.AccountID != "acct-1" {
		t.Errorf("listener did not observe the failure event: %+v", got)
	}
	if hu.calls != 0 {
		t.Error("UpdateUsage should not be called when the fetch fails")
	}
	if hu.failureCalls != 1 || hu.lastFailureID != "acct-1" {
		t.Errorf("expected the fetch failure recorded against the account's health, got calls=%d id=%q", hu.failureCalls, hu.lastFailureID)
	}
}

func TestRefreshAllIsUnconditionalRegardlessOfStaleness(t *testing.T) {
	// §4.4: refresh(list) is the unconditional batch operation, distinct
	// from refreshIfStale — a forced refresh must not be a no-op just
	// because usage happens to be fresh.
	fetcher := &countingFetcher{data: Data{}}
	hu := &fakeHealthUpdater{stale: false}
	r := NewRefresher(fetcher, hu)

	creds := []credentials.Credential{{ID: "acct-1", TrackUsage: true}}
	r.RefreshAll(context.Background(), creds)

	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Errorf("expected RefreshAll to fetch even though usage is fresh, got %d calls", got)
	}
}

func TestRefreshAllSkipsNonTrackedCredentials(t *testing.T) {
	fetcher := &countingFetcher{data: Data{}}
	hu := &fakeHealthUpdater{stale: true}
	r := NewRefresher(fetcher, hu)

	creds := []credentials.Credential{
		{ID: "tracked", TrackUsage: true},
		{ID: "untracked", TrackUsage: false},
	}
	r.RefreshAll(context.Background(), creds)

	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Errorf("expected exactly 1 fetch for the tracked credential, got %d", got)
	}
}
