// Package events implements the Event & Log Sink (C8): a pluggable
// observer for health transitions, selection decisions, credential
// reloads, and usage refresh failures, plus C9's usage-update fanout.
package events

import (
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/health"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/usage"
)

// Sink receives every observable event the core produces. A sink must
// never block or panic the caller; Multi wraps registered sinks with
// panic recovery so one misbehaving sink cannot affect the others or the
// core state it is observing.
type Sink interface {
	OnStateTransition(health.TransitionEvent)
	OnSelection(health.SelectionEvent)
	OnCredentialsReload(credentials.ReloadEvent)
	OnReloadFailed(credentials.ReloadFailedEvent)
	OnUsageUpdate(usage.UpdateEvent)
}

// Multi fans every event out to a list of Sinks, recovering from any
// panic a single sink raises so it cannot take down the caller (the
// Executor's hot path) or the other registered sinks.
type Multi struct {
	sinks []Sink
}

// NewMulti returns a Sink that dispatches to every sink in order.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) OnStateTransition(ev health.TransitionEvent) {
	for _, s := range m.sinks {
		safeCall(func() { s.OnStateTransition(ev) })
	}
}

func (m *Multi) OnSelection(ev health.SelectionEvent) {
	for _, s := range m.sinks {
		safeCall(func() { s.OnSelection(ev) })
	}
}

func (m *Multi) OnCredentialsReload(ev credentials.ReloadEvent) {
	for _, s := range m.sinks {
		safeCall(func() { s.OnCredentialsReload(ev) })
	}
}

func (m *Multi) OnReloadFailed(ev credentials.ReloadFailedEvent) {
	for _, s := range m.sinks {
		safeCall(func() { s.OnReloadFailed(ev) })
	}
}

func (m *Multi) OnUsageUpdate(ev usage.UpdateEvent) {
	for _, s := range m.sinks {
		safeCall(func() { s.OnUsageUpdate(ev) })
	}
}

func safeCall(f func()) {
	defer func() {
		_ = recover()
	}()
	f()
}
