// Package store provides the SQLite-backed persistence layer for projects,
// tasks, agents and their supporting records. Store opens one connection
// pool and schema, then hands out per-domain accessors (Projects, Tasks,
// Agents, Idempotency) that implement the corresponding domain package's
// Store interface.
//
// SQLite gives no row-level locking, so the dispatcher's atomic claim relies
// on the database being opened with a single connection (SetMaxOpenConns(1))
// and on each claim being one conditional UPDATE whose RowsAffected decides
// the winner, run inside a transaction (see the dispatcher package).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskcoord/coordinator/coordinaterr"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	external_channel TEXT,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 5,
	assignee TEXT,
	reviewer_id TEXT,
	reviewer_mention TEXT,
	acceptance_criteria TEXT,
	parent_task_id INTEGER,
	dependencies TEXT NOT NULL DEFAULT '[]',
	task_tags TEXT NOT NULL DEFAULT '[]',
	estimated_hours REAL NOT NULL DEFAULT 0,
	timeout_minutes INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	result TEXT,
	feedback TEXT,
	created_by TEXT,
	created_at TEXT NOT NULL,
	assigned_at TEXT,
	started_at TEXT,
	updated_at TEXT NOT NULL,
	completed_at TEXT,
	due_at TEXT,
	deleted_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);

CREATE TABLE IF NOT EXISTS task_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	actor TEXT,
	detail TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id);

CREATE TABLE IF NOT EXISTS task_type_defaults (
	task_type TEXT PRIMARY KEY,
	default_timeout_minutes INTEGER NOT NULL,
	default_max_retries INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY,
	discord_user_id TEXT,
	role TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'offline',
	capabilities TEXT NOT NULL DEFAULT '[]',
	skills TEXT NOT NULL DEFAULT '[]',
	total_tasks INTEGER NOT NULL DEFAULT 0,
	completed_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks INTEGER NOT NULL DEFAULT 0,
	success_rate REAL NOT NULL DEFAULT 1,
	current_task_id INTEGER,
	last_heartbeat TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS agent_channels (
	agent_name TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (agent_name, channel_id)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	response TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);
`

// defaultCommandTimeout bounds a single Store call when the caller's
// context carries no earlier deadline of its own, and when no command
// timeout has been configured via Configure.
const defaultCommandTimeout = 5 * time.Second

// resetErrorThreshold is the number of consecutive transient failures (across
// all callers, tracked by a shared counter) that triggers a pool reset.
// Mirrors original_source/task-service/background.py's
// _MAX_ERRORS_BEFORE_RESET.
const resetErrorThreshold = 3

// resetCooldown bounds how often the pool may be reset, so a sustained
// outage triggers one reset per window rather than one per failing call.
const resetCooldown = time.Minute

// retryAttempts bounds the bounded exponential backoff retry loop for
// transient failures; retryBaseDelay is the first backoff, doubling each
// attempt.
const retryAttempts = 3
const retryBaseDelay = 10 * time.Millisecond

// Store owns the shared SQLite connection pool and schema. Its per-domain
// accessors implement the domain packages' Store interfaces.
type Store struct {
	db *sql.DB

	projects    *ProjectStore
	tasks       *TaskStore
	agents      *AgentStore
	idempotency *IdempotencyStore

	cmdTimeout time.Duration

	// errorCount and resetCooldownUntil implement a sync/atomic counter
	// guarding a sync.Once-style single pool reset per cooldown window: the
	// counter accumulates consecutive transient failures, and only the
	// caller whose CompareAndSwap wins actually resets the pool, at most
	// once per resetCooldown.
	errorCount         atomic.Int64
	resetCooldownUntil atomic.Int64
}

// Open creates or opens the SQLite database at path and ensures the schema
// exists. It pins the pool to a single connection: SQLite serializes writers
// regardless, and a single connection lets the dispatcher's atomic claim
// reason about transactions without fighting SQLITE_BUSY. The command
// timeout defaults to defaultCommandTimeout; call Configure to override it
// from config.StoreConfig.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &Store{db: db, cmdTimeout: defaultCommandTimeout}
	s.projects = &ProjectStore{db: db, store: s}
	s.tasks = &TaskStore{db: db, store: s}
	s.agents = &AgentStore{db: db, store: s}
	s.idempotency = &IdempotencyStore{db: db, store: s}
	return s, nil
}

// Configure applies the command timeout and pool-size bounds from
// config.StoreConfig. poolMin/poolMax size the idle-connection pool; the
// open-connection count stays pinned at one regardless, since the
// dispatcher's atomic claim depends on SQLite never fanning writes out
// across more than one connection.
func (s *Store) Configure(cmdTimeout time.Duration, poolMin, poolMax int) {
	if cmdTimeout > 0 {
		s.cmdTimeout = cmdTimeout
	}
	idle := poolMin
	if idle <= 0 {
		idle = 1
	}
	if poolMax > 0 && idle > poolMax {
		idle = poolMax
	}
	s.db.SetMaxIdleConns(idle)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTimeout bounds ctx by the configured command timeout, per spec: every
// Store call carries a deadline rather than blocking indefinitely on a
// wedged connection.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cmdTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// do runs fn under the command timeout, retrying with bounded exponential
// backoff while fn's error classifies as transient (a deadline or a SQLite
// busy/locked error). A retry that still fails on the last attempt is
// reported as CodeTransient so the caller can retry the whole operation
// (with the same idempotency key, if any) rather than treating it as
// permanent. Every transient failure feeds the shared error counter that
// gates a single pool reset per cooldown window.
func (s *Store) do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		cctx, cancel := s.withTimeout(ctx)
		err := fn(cctx)
		cancel()
		if err == nil {
			s.errorCount.Store(0)
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		s.noteTransientError()
		if attempt == retryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return coordinaterr.Wrap(coordinaterr.CodeTransient, "store: operation cancelled during retry", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return coordinaterr.Wrap(coordinaterr.CodeTransient, "store: operation failed after retries", lastErr)
}

// noteTransientError accumulates the shared failure counter and resets the
// pool at most once per resetCooldown once the threshold is crossed. The
// CompareAndSwap ensures that under concurrent failures exactly one caller
// performs the reset for a given window, the same single-winner guarantee a
// sync.Once gives a single call site — except this needs to fire again
// after every cooldown window elapses, which sync.Once itself cannot do.
func (s *Store) noteTransientError() {
	n := s.errorCount.Add(1)
	if n < resetErrorThreshold {
		return
	}
	now := time.Now().UnixNano()
	cooldownUntil := s.resetCooldownUntil.Load()
	if now < cooldownUntil {
		return
	}
	if s.resetCooldownUntil.CompareAndSwap(cooldownUntil, now+int64(resetCooldown)) {
		s.errorCount.Store(0)
		s.resetPool()
	}
}

// resetPool drops idle connections so the pool's next acquisition opens a
// fresh one, without closing the *sql.DB handle components hold onto.
func (s *Store) resetPool() {
	idle := s.db.Stats().Idle
	s.db.SetMaxIdleConns(0)
	if idle > 0 {
		s.db.SetMaxIdleConns(idle)
	} else {
		s.db.SetMaxIdleConns(1)
	}
}

// isTransient reports whether err is the kind of failure a retry might
// resolve: a deadline this attempt hit, or SQLite reporting the single
// connection busy/locked under contention.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is busy")
}

// DB exposes the underlying handle for components, such as the dispatcher,
// that need to run their own transactions against the same pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Projects() *ProjectStore       { return s.projects }
func (s *Store) Tasks() *TaskStore             { return s.tasks }
func (s *Store) Agents() *AgentStore           { return s.agents }
func (s *Store) Idempotency() *IdempotencyStore { return s.idempotency }

// scanner abstracts over *sql.Row and *sql.Rows so scan helpers work with
// both Get (single row) and List (multiple rows) callers.
type scanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by both *sql.DB and *sql.Tx. Store methods that have a
// Tx-suffixed sibling (TaskStore.UpdateTx, AgentStore.UpdateTx,
// IdempotencyStore.PutTx, ...) run the identical query through this
// interface, so the non-transactional method and its transactional sibling
// can never drift apart.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("store: parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func marshalInt64s(ns []int64) string {
	if ns == nil {
		ns = []int64{}
	}
	b, _ := json.Marshal(ns)
	return string(b)
}

func unmarshalInt64s(s string) []int64 {
	if s == "" {
		return nil
	}
	var out []int64
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func execOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	_, err := db.ExecContext(ctx, query, args...)
	return err
}
