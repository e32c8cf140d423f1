package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/classify"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
)

// HealthUpdater is the narrow slice of health.Monitor's API the Refresher
// needs: recording a fresh usage sample, recording a fetch failure, and
// checking staleness. Declaring it here rather than importing the health
// package avoids a dependency cycle (health.AccountHealth already holds a
// usage.Data), and *health.Monitor satisfies it structurally without
// either package needing to know about the other's concrete types.
type HealthUpdater interface {
	UpdateUsage(accountID string, data Data)
	RecordFailure(accountID string, f classify.FailureType)
	IsUsageStale(accountID string) bool
}

// Listener receives a notification after every usage refresh attempt,
// success or failure (C9).
type Listener func(UpdateEvent)

// UpdateEvent is delivered to every registered Listener, in registration
// order, after a refresh completes.
type UpdateEvent struct {
	AccountID string
	Data      Data
	Err       error
	At        time.Time
}

// Refresher is the Usage Refresher (C4): it fetches usage data for an
// account through the external Fetcher, deduplicating concurrent fetches
// for the same account with golang.org/x/sync/singleflight (the same
// keyed-Do pattern as refresh/snapshot/service.go's Service.Build), then
// forwards the sample into the health registry and fans it out to
// subscribers.
type Refresher struct {
	fetcher Fetcher
	health  HealthUpdater

	group singleflight.Group

	mu        sync.RWMutex
	listeners []Listener

	now func() time.Time
}

// RefresherOption configures a Refresher at construction time.
type RefresherOption func(*Refresher)

// WithRefresherClock overrides the time source, for deterministic tests.
func WithRefresherClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// NewRefresher builds a Refresher over fetcher, reporting into health.
func NewRefresher(fetcher Fetcher, health HealthUpdater, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		fetcher: fetcher,
		health:  health,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener registers l to be notified after every refresh. It may be
// called concurrently with refreshes; a refresh that is already fanning out
// notifies only the listeners registered when its fan-out began.
func (r *Refresher) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// ClearListeners drops every registered listener, used on shutdown.
func (r *Refresher) ClearListeners() {
	r.mu.Lock()
	r.listeners = nil
	r.mu.Unlock()
}

// Refresh unconditionally fetches usage for cred, regardless of staleness,
// and reports the result.
func (r *Refresher) Refresh(ctx context.Context, cred credentials.Credential) (Data, error) {
	v, err, _ := r.group.Do(cred.ID, func() (interface{}, error) {
		data, fetchErr := r.fetcher.Fetch(ctx, cred)
		return data, fetchErr
	})

	data, _ := v.(Data)
	if err != nil {
		log.Warn().Err(err).Str("account_id", cred.ID).Msg("usage refresh failed")
		r.health.RecordFailure(cred.ID, classify.FromError(err))
	} else {
		r.health.UpdateUsage(cred.ID, data)
	}
	r.notify(UpdateEvent{AccountID: cred.ID, Data: data, Err: err, At: r.now()})
	return data, err
}

// RefreshIfStale refreshes cred's usage only if the health registry
// considers its current sample stale (§4.2/§4.4), otherwise it is a no-op
// that returns refreshed=false.
func (r *Refresher) RefreshIfStale(ctx context.Context, cred credentials.Credential) (data Data, refreshed bool, err error) {
	if !r.health.IsUsageStale(cred.ID) {
		return Data{}, false, nil
	}
	data, err = r.Refresh(ctx, cred)
	return data, true, err
}

// RefreshAll unconditionally refreshes every credential in creds,
// regardless of staleness (§4.4's refresh(list), distinct from
// refreshIfStale), each deduplicated independently via Refresh's
// singleflight. Errors are reported via listeners, not returned, since a
// single account's usage-fetch failure must not abort the others.
func (r *Refresher) RefreshAll(ctx context.Context, creds []credentials.Credential) {
	var wg sync.WaitGroup
	for _, cred := range creds {
		cred := cred
		if !cred.TrackUsage {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Refresh(ctx, cred)
		}()
	}
	wg.Wait()
}

func (r *Refresher) notify(ev UpdateEvent) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}
