package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Store struct{ db *sql.DB }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; budget transactions rely on it.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Migrate(ctx context.Context) error {
	stmt := `
CREATE TABLE IF NOT EXISTS operator_budgets (
	operator_id TEXT PRIMARY KEY,
	daily_count INTEGER NOT NULL DEFAULT 0,
	daily_limit INTEGER NOT NULL,
	daily_reset_at INTEGER NOT NULL,
	weekly_count INTEGER NOT NULL DEFAULT 0,
	weekly_limit INTEGER NOT NULL,
	weekly_reset_at INTEGER NOT NULL,
	invite_safe_after INTEGER NOT NULL DEFAULT 0,
	next_action_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	operator_id TEXT NOT NULL,
	action TEXT NOT NULL,
	count INTEGER NOT NULL,
	status TEXT NOT NULL,
	daily_reset_at INTEGER NOT NULL,
	weekly_reset_at INTEGER NOT NULL,
	prev_next_action_at INTEGER NOT NULL DEFAULT 0,
	next_action_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	settled_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_reservations_operator ON reservations(operator_id, created_at);
CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);
CREATE TABLE IF NOT EXISTS sequence_runs (
	id TEXT PRIMARY KEY,
	contact_id TEXT NOT NULL UNIQUE,
	operator_id TEXT NOT NULL,
	company_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	profile_url TEXT NOT NULL,
	lead_name TEXT,
	lead_headline TEXT,
	company_name TEXT,
	state TEXT NOT NULL,
	next_action_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	reschedule_count INTEGER NOT NULL DEFAULT 0,
	stall_reason TEXT NOT NULL DEFAULT '',
	reservation_id TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	invited_at INTEGER NOT NULL DEFAULT 0,
	connected_at INTEGER NOT NULL DEFAULT 0,
	follow_up_sent_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sequence_runs_due ON sequence_runs(state, next_action_at);
CREATE TABLE IF NOT EXISTS contact_links (
	profile_id TEXT PRIMARY KEY,
	contact_id TEXT NOT NULL,
	operator_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trigger_runs (
	key TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	operator_id TEXT NOT NULL,
	status TEXT NOT NULL,
	summary TEXT,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS action_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	operator_id TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT,
	created_at INTEGER NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// Tx is a write transaction. Budget mutations only happen through it.
type Tx struct{ tx *sql.Tx }

// InTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
