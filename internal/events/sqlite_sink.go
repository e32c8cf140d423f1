package events

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/health"
	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/usage"
)

// SQLiteSink persists every event to an on-disk SQLite database, for
// offline analysis of account behavior over time. This is strictly an
// event/log store — it never participates in account selection or health
// state, which the spec requires to stay in-memory only.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if necessary) the database at dbPath and
// ensures its schema exists.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open event sink database: %w", err)
	}
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_transitions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			failure_type TEXT,
			cooldown_until DATETIME,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_account ON state_transitions(account_id, recorded_at DESC)`,
		`CREATE TABLE IF NOT EXISTS selections (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			state TEXT NOT NULL,
			utilization REAL NOT NULL,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_selections_account ON selections(account_id, recorded_at DESC)`,
		`CREATE TABLE IF NOT EXISTS credential_reloads (
			id TEXT PRIMARY KEY,
			accounts_before INTEGER NOT NULL,
			accounts_after INTEGER NOT NULL,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reload_failures (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			error_message TEXT NOT NULL,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_updates (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			error_message TEXT,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_updates_account ON usage_updates(account_id, recorded_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate event sink schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSink) OnStateTransition(ev health.TransitionEvent) {
	_, _ = s.db.Exec(
		`INSERT INTO state_transitions (id, account_id, from_state, to_state, failure_type, cooldown_until, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), ev.AccountID, ev.From.String(), ev.To.String(), string(ev.FailureType), nullableTime(ev.CooldownUntil), ev.At,
	)
}

func (s *SQLiteSink) OnSelection(ev health.SelectionEvent) {
	_, _ = s.db.Exec(
		`INSERT INTO selections (id, account_id, state, utilization, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), ev.AccountID, ev.State.String(), ev.Utilization, ev.At,
	)
}

func (s *SQLiteSink) OnCredentialsReload(ev credentials.ReloadEvent) {
	_, _ = s.db.Exec(
		`INSERT INTO credential_reloads (id, accounts_before, accounts_after, recorded_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), len(ev.Before.Credentials), len(ev.After.Credentials), time.Now(),
	)
}

func (s *SQLiteSink) OnReloadFailed(ev credentials.ReloadFailedEvent) {
	_, _ = s.db.Exec(
		`INSERT INTO reload_failures (id, path, error_message, recorded_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), ev.Path, ev.Err.Error(), time.Now(),
	)
}

func (s *SQLiteSink) OnUsageUpdate(ev usage.UpdateEvent) {
	var errMsg sql.NullString
	if ev.Err != nil {
		errMsg = sql.NullString{String: ev.Err.Error(), Valid: true}
	}
	_, _ = s.db.Exec(
		`INSERT INTO usage_updates (id, account_id, error_message, recorded_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), ev.AccountID, errMsg, ev.At,
	)
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
