package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/health"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/usage"
)

// stubSink is a minimal full Sink implementation for Multi tests.
type stubSink struct {
	panicOnTransition bool
	transitions       int
	selections        int
}

func (s *stubSink) OnStateTransition(ev health.TransitionEvent) {
	if s.panicOnTransition {
		panic("boom")
	}
	s.transitions++
}
func (s *stubSink) OnSelection(ev health.SelectionEvent)                    { s.selections++ }
func (s *stubSink) OnCredentialsReload(ev credentials.ReloadEvent)          {}
func (s *stubSink) OnReloadFailed(ev credentials.ReloadFailedEvent)        {}
func (s *stubSink) OnUsageUpdate(ev usage.UpdateEvent)                      {}

func TestMultiSinkRecoversFromPanic(t *testing.T) {
	panicking := &stubSink{panicOnTransition: true}
	fine := &stubSink{}
	m := NewMulti(panicking, fine)

	m.OnStateTransition(health.TransitionEvent{AccountID: "acct-1", At: time.Now()})

	if fine.transitions != 1 {
		t.Errorf("expected the non-panicking sink to still receive the event, got %d", fine.transitions)
	}
}

func TestSQLiteSinkPersistsTransition(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	sink, err := NewSQLiteSink(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	sink.OnStateTransition(health.TransitionEvent{
		AccountID: "acct-1",
		From:      health.Healthy,
		To:        health.Open,
		At:        time.Now(),
	})

	var count int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM state_transitions WHERE account_id = ?`, "acct-1").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 persisted transition, got %d", count)
	}
}

func TestSQLiteSinkPersistsReloadFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	sink, err := NewSQLiteSink(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	sink.OnReloadFailed(credentials.ReloadFailedEvent{Path: "/tmp/creds.xml", Err: errParseFailure})

	var count int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM reload_failures`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 persisted reload failure, got %d", count)
	}
}

var errParseFailure = fakeErr("parse failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
