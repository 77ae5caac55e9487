// Package storage is the authoritative task store. It enforces hierarchy and
// referential invariants and writes one history entry, in the same
// transaction, for every field-level change it applies.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	// WarnAfter and StaleAfter are the staleness thresholds used by the
	// staleness list filter. Defaults: 72h and 168h.
	WarnAfter  time.Duration
	StaleAfter time.Duration
	// Now is the clock; injectable for deterministic tests.
	Now func() time.Time
}

func (o *Options) fillDefaults() {
	if o.WarnAfter <= 0 {
		o.WarnAfter = 72 * time.Hour
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 168 * time.Hour
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Store implements task persistence over SQLite.
type Store struct {
	db   *sql.DB
	opts Options
}

// Open creates a SQLite-backed store at path (":memory:" for ephemeral use)
// and initializes the schema.
func Open(path string, opts Options) (*Store, error) {
	opts.fillDefaults()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, opts: opts}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		active_form TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'medium',
		task_type TEXT NOT NULL DEFAULT 'task',
		parent_task_id TEXT,
		master_task_id TEXT,
		depth_level INTEGER NOT NULL DEFAULT 0,
		context_summary TEXT,
		tags TEXT,                -- JSON array
		notes TEXT,               -- append-only; blocker reasons land here
		created_at TEXT NOT NULL,
		last_worked_at TEXT,
		completed_at TEXT,
		is_archived INTEGER NOT NULL DEFAULT 0,
		archived_at TEXT,
		FOREIGN KEY (parent_task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		changed_at TEXT NOT NULL,
		actor TEXT,
		reason TEXT,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_master ON tasks(master_task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_history_task ON task_history(task_id);
	CREATE INDEX IF NOT EXISTS idx_history_changed ON task_history(changed_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// DB returns the underlying database handle. This allows the audit log and
// mutation engine to share the same connection and transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the store's current clock reading.
func (s *Store) Now() time.Time {
	return s.opts.Now()
}

// WithTx runs fn inside a single transaction. Any error rolls the whole
// transaction back; no partial state is observable.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
