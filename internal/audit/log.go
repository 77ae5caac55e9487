// Package audit is the append-only change history for tasks. Entries are
// written atomically with the task mutation that produced them and are never
// updated or deleted.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	"tasktree/internal/task"
)

// Executor abstracts sql.Tx and sql.DB for history insertion, so callers can
// append inside whatever transaction wraps the task write.
type Executor interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// Append records one field-level change. It is the single source of truth
// for history insertion; the Task Store and Mutation Engine both go through
// it inside their own transactions.
func Append(tx Executor, e task.HistoryEntry) error {
	if e.TaskID == "" || e.Field == "" {
		return task.ValidationFailure("history entry requires task id and field", nil)
	}
	if e.ChangedAt.IsZero() {
		e.ChangedAt = time.Now().UTC()
	}
	_, err := tx.Exec(`
		INSERT INTO task_history (task_id, field, old_value, new_value, changed_at, actor, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.TaskID, e.Field, e.OldValue, e.NewValue, e.ChangedAt.UTC().Format(time.RFC3339), e.Actor, e.Reason)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// Log reads the history table. It shares the store's database handle.
type Log struct {
	db *sql.DB
}

// NewLog creates a history reader over an existing database handle.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

const entryColumns = `id, task_id, field, old_value, new_value, changed_at, actor, reason`

func scanEntries(rows *sql.Rows) ([]task.HistoryEntry, error) {
	var entries []task.HistoryEntry
	for rows.Next() {
		var e task.HistoryEntry
		var changedAt string
		var actor, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Field, &e.OldValue, &e.NewValue, &changedAt, &actor, &reason); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.ChangedAt, _ = time.Parse(time.RFC3339, changedAt)
		e.Actor = actor.String
		e.Reason = reason.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// ByTask returns every entry for a task, newest first.
func (l *Log) ByTask(taskID string) ([]task.HistoryEntry, error) {
	rows, err := l.db.Query(`
		SELECT `+entryColumns+` FROM task_history
		WHERE task_id = ?
		ORDER BY changed_at DESC, id DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query history by task: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Range returns every entry with changed_at in [from, to], newest first.
func (l *Log) Range(from, to time.Time) ([]task.HistoryEntry, error) {
	rows, err := l.db.Query(`
		SELECT `+entryColumns+` FROM task_history
		WHERE changed_at >= ? AND changed_at <= ?
		ORDER BY changed_at DESC, id DESC
	`, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query history range: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// CompletionSamples returns the timestamps at which leaf-countable tasks of a
// master's subtree transitioned to completed, oldest first. The staleness and
// velocity engine uses these to reconstruct completion-over-time.
func (l *Log) CompletionSamples(masterID string, from, to time.Time) ([]time.Time, error) {
	rows, err := l.db.Query(`
		SELECT h.changed_at
		FROM task_history h
		JOIN tasks t ON t.id = h.task_id
		WHERE t.master_task_id = ?
		  AND t.task_type IN (?, ?)
		  AND h.field = 'status'
		  AND h.new_value = ?
		  AND h.changed_at >= ? AND h.changed_at <= ?
		ORDER BY h.changed_at ASC
	`, masterID, task.TypeTask, task.TypeSubtask, task.StatusCompleted,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query completion samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []time.Time
	for rows.Next() {
		var changedAt string
		if err := rows.Scan(&changedAt); err != nil {
			return nil, fmt.Errorf("scan completion sample: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, changedAt)
		if err != nil {
			continue
		}
		samples = append(samples, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completion samples: %w", err)
	}
	return samples, nil
}
