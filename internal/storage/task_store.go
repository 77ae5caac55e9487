package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tasktree/internal/audit"
	"tasktree/internal/task"
)

// generateID creates a short-prefix unique task id.
func generateID() string {
	return "task-" + uuid.New().String()[:8]
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// nullTimeString returns nil for a nil time, RFC3339 string otherwise.
func nullTimeString(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func nullString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

// CreateParams carries the caller-supplied fields for a new task.
type CreateParams struct {
	Content        string
	ActiveForm     string
	Type           task.TaskType
	Priority       task.TaskPriority
	ParentID       string
	MasterID       string // Optional explicit master; the derived ancestor wins when a parent chain exists
	ContextSummary string
	Tags           []string
	Actor          string
}

// Create adds a new task at status pending, enforcing the hierarchy
// invariants: depth = parent depth + 1 (capped), master id resolved to the
// nearest master ancestor, or self for a root master.
func (s *Store) Create(p CreateParams) (task.Task, error) {
	if p.Priority == "" {
		p.Priority = task.PriorityMedium
	}
	if p.Type == "" {
		p.Type = task.TypeTask
	}
	if !p.Type.Valid() {
		return task.Task{}, task.ValidationFailure(fmt.Sprintf("unknown task type: %s", p.Type), map[string]interface{}{"taskType": string(p.Type)})
	}
	if !p.Priority.Valid() {
		return task.Task{}, task.ValidationFailure(fmt.Sprintf("unknown priority: %s", p.Priority), map[string]interface{}{"priority": string(p.Priority)})
	}

	now := s.opts.Now().UTC()
	t := task.Task{
		ID:             generateID(),
		Content:        p.Content,
		ActiveForm:     p.ActiveForm,
		Status:         task.StatusPending,
		Priority:       p.Priority,
		Type:           p.Type,
		ContextSummary: p.ContextSummary,
		Tags:           slices.Clone(p.Tags),
		CreatedAt:      now,
	}

	err := s.WithTx(func(tx *sql.Tx) error {
		if p.ParentID != "" {
			parent, err := getTask(tx, p.ParentID)
			if err != nil {
				if task.IsCode(err, task.CodeNotFound) {
					return task.HierarchyError(
						fmt.Sprintf("parent task not found: %s", p.ParentID),
						map[string]interface{}{"parentTaskId": p.ParentID})
				}
				return err
			}
			depth := parent.DepthLevel + 1
			if depth > task.MaxDepth {
				return task.HierarchyError(
					fmt.Sprintf("depth %d exceeds maximum %d", depth, task.MaxDepth),
					map[string]interface{}{"parentTaskId": p.ParentID, "depth": depth, "max": task.MaxDepth})
			}
			t.ParentID = &parent.ID
			t.DepthLevel = depth
			if parent.Type == task.TypeMaster {
				t.MasterID = &parent.ID
			} else if parent.MasterID != nil {
				mid := *parent.MasterID
				t.MasterID = &mid
			}
		} else if p.MasterID != "" {
			master, err := getTask(tx, p.MasterID)
			if err != nil {
				if task.IsCode(err, task.CodeNotFound) {
					return task.HierarchyError(
						fmt.Sprintf("master task not found: %s", p.MasterID),
						map[string]interface{}{"masterTaskId": p.MasterID})
				}
				return err
			}
			if master.Type != task.TypeMaster {
				return task.HierarchyError(
					fmt.Sprintf("task %s is not a master", p.MasterID),
					map[string]interface{}{"masterTaskId": p.MasterID, "taskType": string(master.Type)})
			}
			mid := p.MasterID
			t.MasterID = &mid
		}

		// A root master with no master ancestor references itself.
		if t.Type == task.TypeMaster && t.MasterID == nil {
			t.MasterID = &t.ID
		}

		if err := task.ValidateStruct(t); err != nil {
			return task.ValidationFailure(err.Error(), nil)
		}

		if _, err := tx.Exec(`
			INSERT INTO tasks (
				id, content, active_form, status, priority, task_type,
				parent_task_id, master_task_id, depth_level, context_summary,
				tags, notes, created_at, last_worked_at, completed_at,
				is_archived, archived_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, NULL)
		`, t.ID, t.Content, t.ActiveForm, t.Status, t.Priority, t.Type,
			nullString(t.ParentID), nullString(t.MasterID), t.DepthLevel, t.ContextSummary,
			marshalTags(t.Tags), t.Notes, fmtTime(t.CreatedAt)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		return audit.Append(tx, task.HistoryEntry{
			TaskID:    t.ID,
			Field:     "status",
			OldValue:  "",
			NewValue:  string(task.StatusPending),
			ChangedAt: now,
			Actor:     p.Actor,
			Reason:    "created",
		})
	})
	if err != nil {
		return task.Task{}, err
	}
	return t, nil
}

const taskSelectColumns = `id, content, active_form, status, priority, task_type,
       parent_task_id, master_task_id, depth_level, context_summary,
       tags, notes, created_at, last_worked_at, completed_at, is_archived, archived_at`

// taskRowScanner abstracts row scanning for reuse between QueryRow and rows.Next().
type taskRowScanner interface {
	Scan(dest ...any) error
}

// scanTaskRow scans one task row into a Task struct.
func scanTaskRow(row taskRowScanner) (task.Task, error) {
	var t task.Task
	var activeForm, parentID, masterID, contextSummary, tagsJSON, notes sql.NullString
	var createdAt string
	var lastWorkedAt, completedAt, archivedAt sql.NullString
	var archived int

	err := row.Scan(
		&t.ID, &t.Content, &activeForm, &t.Status, &t.Priority, &t.Type,
		&parentID, &masterID, &t.DepthLevel, &contextSummary,
		&tagsJSON, &notes, &createdAt, &lastWorkedAt, &completedAt, &archived, &archivedAt,
	)
	if err != nil {
		return t, err
	}

	t.ActiveForm = activeForm.String
	t.ContextSummary = contextSummary.String
	t.Notes = notes.String
	t.IsArchived = archived != 0
	if parentID.Valid && parentID.String != "" {
		v := parentID.String
		t.ParentID = &v
	}
	if masterID.Valid && masterID.String != "" {
		v := masterID.String
		t.MasterID = &v
	}
	t.CreatedAt = parseTimeColumn(t.ID, "created_at", createdAt)
	t.LastWorkedAt = parseNullTimeColumn(t.ID, "last_worked_at", lastWorkedAt)
	t.CompletedAt = parseNullTimeColumn(t.ID, "completed_at", completedAt)
	t.ArchivedAt = parseNullTimeColumn(t.ID, "archived_at", archivedAt)
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &t.Tags); err != nil {
			slog.Warn("malformed tags column", "task_id", t.ID, "error", err)
			t.Tags = nil
		}
	}
	return t, nil
}

// parseTimeColumn parses a stored RFC3339 timestamp, warning instead of
// failing on a corrupt row so one bad column cannot make a task unreadable.
func parseTimeColumn(taskID, column, v string) time.Time {
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		slog.Warn("malformed timestamp column", "task_id", taskID, "column", column, "error", err)
	}
	return ts
}

func parseNullTimeColumn(taskID, column string, v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		slog.Warn("malformed timestamp column", "task_id", taskID, "column", column, "error", err)
		return nil
	}
	return &ts
}

func getTask(q dbtx, id string) (task.Task, error) {
	row := q.QueryRow(`SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return task.Task{}, task.NotFoundError(id)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// Get retrieves a task by id.
func (s *Store) Get(id string) (task.Task, error) {
	return getTask(s.db, id)
}

// GetTx retrieves a task inside an open transaction.
func (s *Store) GetTx(tx *sql.Tx, id string) (task.Task, error) {
	return getTask(tx, id)
}

// UpdateStatus transitions a task and records the change atomically. A no-op
// update (new status equals current) returns the task unchanged and writes
// no history entry.
func (s *Store) UpdateStatus(id string, newStatus task.TaskStatus, reason, actor string) (task.Task, error) {
	var out task.Task
	err := s.WithTx(func(tx *sql.Tx) error {
		t, err := s.UpdateStatusTx(tx, id, newStatus, reason, actor)
		out = t
		return err
	})
	if err != nil {
		return task.Task{}, err
	}
	return out, nil
}

// UpdateStatusTx is the transaction-scoped form of UpdateStatus, used by the
// mutation engine to apply a whole batch atomically.
func (s *Store) UpdateStatusTx(q dbtx, id string, newStatus task.TaskStatus, reason, actor string) (task.Task, error) {
	if !newStatus.Valid() {
		return task.Task{}, task.ValidationFailure(
			fmt.Sprintf("unknown status: %s", newStatus),
			map[string]interface{}{"status": string(newStatus)})
	}

	t, err := getTask(q, id)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status == newStatus {
		return t, nil // no-op: no history entry, no timestamp touch
	}
	if !t.Status.CanTransitionTo(newStatus) {
		return task.Task{}, task.TransitionError(id, t.Status, newStatus)
	}
	if newStatus == task.StatusBlocked && strings.TrimSpace(reason) == "" {
		return task.Task{}, task.MissingReasonError(id)
	}

	now := s.opts.Now().UTC()
	old := t.Status
	t.Status = newStatus
	t.LastWorkedAt = &now
	if newStatus == task.StatusCompleted {
		t.CompletedAt = &now
	}
	if newStatus == task.StatusBlocked {
		note := fmt.Sprintf("[%s] blocked: %s", now.Format(time.RFC3339), strings.TrimSpace(reason))
		if t.Notes != "" {
			t.Notes += "\n"
		}
		t.Notes += note
	}

	if _, err := q.Exec(`
		UPDATE tasks SET status = ?, last_worked_at = ?, completed_at = ?, notes = ?
		WHERE id = ?
	`, t.Status, fmtTime(now), nullTimeString(t.CompletedAt), t.Notes, id); err != nil {
		return task.Task{}, fmt.Errorf("update status: %w", err)
	}

	if err := audit.Append(q, task.HistoryEntry{
		TaskID:    id,
		Field:     "status",
		OldValue:  string(old),
		NewValue:  string(newStatus),
		ChangedAt: now,
		Actor:     actor,
		Reason:    reason,
	}); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// UpdatePriority changes a task's priority and records the change. A no-op
// writes nothing.
func (s *Store) UpdatePriority(id string, newPriority task.TaskPriority, actor string) (task.Task, error) {
	var out task.Task
	err := s.WithTx(func(tx *sql.Tx) error {
		t, err := s.UpdatePriorityTx(tx, id, newPriority, actor)
		out = t
		return err
	})
	if err != nil {
		return task.Task{}, err
	}
	return out, nil
}

// UpdatePriorityTx is the transaction-scoped form of UpdatePriority.
func (s *Store) UpdatePriorityTx(q dbtx, id string, newPriority task.TaskPriority, actor string) (task.Task, error) {
	if !newPriority.Valid() {
		return task.Task{}, task.ValidationFailure(
			fmt.Sprintf("unknown priority: %s", newPriority),
			map[string]interface{}{"priority": string(newPriority)})
	}
	t, err := getTask(q, id)
	if err != nil {
		return task.Task{}, err
	}
	if t.Priority == newPriority {
		return t, nil
	}

	now := s.opts.Now().UTC()
	old := t.Priority
	t.Priority = newPriority
	if _, err := q.Exec(`UPDATE tasks SET priority = ? WHERE id = ?`, newPriority, id); err != nil {
		return task.Task{}, fmt.Errorf("update priority: %w", err)
	}
	if err := audit.Append(q, task.HistoryEntry{
		TaskID:    id,
		Field:     "priority",
		OldValue:  string(old),
		NewValue:  string(newPriority),
		ChangedAt: now,
		Actor:     actor,
	}); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// AddTags unions tags into the task's tag set. Adding only already-present
// tags is a no-op and writes no history entry.
func (s *Store) AddTags(id string, tags []string, actor string) (task.Task, error) {
	var out task.Task
	err := s.WithTx(func(tx *sql.Tx) error {
		t, err := s.AddTagsTx(tx, id, tags, actor)
		out = t
		return err
	})
	if err != nil {
		return task.Task{}, err
	}
	return out, nil
}

// AddTagsTx is the transaction-scoped form of AddTags.
func (s *Store) AddTagsTx(q dbtx, id string, tags []string, actor string) (task.Task, error) {
	t, err := getTask(q, id)
	if err != nil {
		return task.Task{}, err
	}

	merged := slices.Clone(t.Tags)
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if !slices.Contains(merged, tag) {
			merged = append(merged, tag)
		}
	}
	sort.Strings(merged)
	sorted := slices.Clone(t.Tags)
	sort.Strings(sorted)
	if slices.Equal(sorted, merged) {
		return t, nil
	}

	now := s.opts.Now().UTC()
	old := marshalTags(t.Tags)
	t.Tags = merged
	if _, err := q.Exec(`UPDATE tasks SET tags = ? WHERE id = ?`, marshalTags(merged), id); err != nil {
		return task.Task{}, fmt.Errorf("update tags: %w", err)
	}
	if err := audit.Append(q, task.HistoryEntry{
		TaskID:    id,
		Field:     "tags",
		OldValue:  old,
		NewValue:  marshalTags(merged),
		ChangedAt: now,
		Actor:     actor,
	}); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// SetArchived toggles the soft-delete flag. Archiving requires a terminal
// status; neither direction ever touches the status itself. Toggling to the
// current value is a no-op.
func (s *Store) SetArchived(id string, archived bool, actor string) (task.Task, error) {
	var out task.Task
	err := s.WithTx(func(tx *sql.Tx) error {
		t, err := s.SetArchivedTx(tx, id, archived, actor)
		out = t
		return err
	})
	if err != nil {
		return task.Task{}, err
	}
	return out, nil
}

// SetArchivedTx is the transaction-scoped form of SetArchived.
func (s *Store) SetArchivedTx(q dbtx, id string, archived bool, actor string) (task.Task, error) {
	t, err := getTask(q, id)
	if err != nil {
		return task.Task{}, err
	}
	if t.IsArchived == archived {
		return t, nil
	}
	if archived && !t.Status.IsTerminal() {
		return task.Task{}, task.ArchiveStateError(id, t.Status)
	}

	now := s.opts.Now().UTC()
	t.IsArchived = archived
	if archived {
		t.ArchivedAt = &now
	} else {
		t.ArchivedAt = nil
	}

	archivedInt := 0
	if archived {
		archivedInt = 1
	}
	if _, err := q.Exec(`UPDATE tasks SET is_archived = ?, archived_at = ? WHERE id = ?`,
		archivedInt, nullTimeString(t.ArchivedAt), id); err != nil {
		return task.Task{}, fmt.Errorf("update archived flag: %w", err)
	}
	if err := audit.Append(q, task.HistoryEntry{
		TaskID:    id,
		Field:     "archived",
		OldValue:  fmt.Sprintf("%t", !archived),
		NewValue:  fmt.Sprintf("%t", archived),
		ChangedAt: now,
		Actor:     actor,
	}); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func childrenOf(q dbtx, id string) ([]task.Task, error) {
	rows, err := q.Query(`
		SELECT `+taskSelectColumns+` FROM tasks
		WHERE parent_task_id = ?
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var children []task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		children = append(children, t)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return children, nil
}

// Children returns the direct children of a task, archived included, ordered
// by (created_at, id) for determinism.
func (s *Store) Children(id string) ([]task.Task, error) {
	return childrenOf(s.db, id)
}

func subtreeLeaves(q dbtx, rootID string) ([]task.Task, error) {
	if _, err := getTask(q, rootID); err != nil {
		return nil, err
	}

	type frame struct {
		id    string
		depth int
	}
	visited := map[string]bool{rootID: true}
	queue := []frame{{id: rootID, depth: 0}}
	var leaves []task.Task

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f.depth >= task.MaxDepth {
			continue
		}
		children, err := childrenOf(q, f.id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if visited[c.ID] {
				slog.Warn("subtree contains a repeated id, skipping", "task_id", c.ID)
				continue
			}
			visited[c.ID] = true
			if c.Type.Countable() {
				leaves = append(leaves, c)
			}
			queue = append(queue, frame{id: c.ID, depth: f.depth + 1})
		}
	}
	return leaves, nil
}

// SubtreeLeaves returns every leaf-countable descendant of root, found by an
// iterative walk bounded at the depth cap with a visited-id set guarding
// against corrupt non-tree data.
func (s *Store) SubtreeLeaves(rootID string) ([]task.Task, error) {
	return subtreeLeaves(s.db, rootID)
}

// SubtreeLeavesTx is the transaction-scoped form of SubtreeLeaves. The
// mutation engine uses it to evaluate blocked-fraction propagation on
// uncommitted batch state.
func (s *Store) SubtreeLeavesTx(tx *sql.Tx, rootID string) ([]task.Task, error) {
	return subtreeLeaves(tx, rootID)
}
