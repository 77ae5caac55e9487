package storage

import (
	"fmt"
	"strings"

	"tasktree/internal/task"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// buildListQuery translates filters into a WHERE clause. The archived flag
// selects between the two read paths: active listings never see archived
// rows and vice versa.
func (s *Store) buildListQuery(f task.ListFilters) (string, []any, error) {
	where := []string{"is_archived = ?"}
	args := []any{boolToInt(f.Archived)}

	if f.Status != "" {
		if !f.Status.Valid() {
			return "", nil, task.ValidationFailure(
				fmt.Sprintf("unknown status filter: %s", f.Status),
				map[string]interface{}{"status": string(f.Status)})
		}
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		if !f.Priority.Valid() {
			return "", nil, task.ValidationFailure(
				fmt.Sprintf("unknown priority filter: %s", f.Priority),
				map[string]interface{}{"priority": string(f.Priority)})
		}
		where = append(where, "priority = ?")
		args = append(args, f.Priority)
	}
	if f.Type != "" {
		if !f.Type.Valid() {
			return "", nil, task.ValidationFailure(
				fmt.Sprintf("unknown type filter: %s", f.Type),
				map[string]interface{}{"taskType": string(f.Type)})
		}
		where = append(where, "task_type = ?")
		args = append(args, f.Type)
	}
	if f.Tag != "" {
		// Tags are stored as a JSON array; match the quoted element.
		where = append(where, "tags LIKE ?")
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if f.MasterID != "" {
		where = append(where, "master_task_id = ?")
		args = append(args, f.MasterID)
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, fmtTime(f.CreatedBefore))
	}
	if f.BlockedOnly {
		where = append(where, "status = ?")
		args = append(args, task.StatusBlocked)
	}
	if f.Staleness != "" {
		cond, condArgs, err := s.stalenessCondition(f.Staleness)
		if err != nil {
			return "", nil, err
		}
		where = append(where, cond)
		args = append(args, condArgs...)
	}

	return strings.Join(where, " AND "), args, nil
}

// stalenessCondition maps an activity class to a last_worked_at window.
// RFC3339 UTC strings compare lexicographically, so plain comparisons work.
func (s *Store) stalenessCondition(class task.ActivityState) (string, []any, error) {
	now := s.opts.Now().UTC()
	warnCutoff := fmtTime(now.Add(-s.opts.WarnAfter))
	staleCutoff := fmtTime(now.Add(-s.opts.StaleAfter))

	switch class {
	case task.ActivityActive:
		return "last_worked_at IS NOT NULL AND last_worked_at > ?", []any{warnCutoff}, nil
	case task.ActivityWarning:
		return "last_worked_at IS NOT NULL AND last_worked_at <= ? AND last_worked_at > ?", []any{warnCutoff, staleCutoff}, nil
	case task.ActivityStale:
		return "last_worked_at IS NOT NULL AND last_worked_at <= ?", []any{staleCutoff}, nil
	case task.ActivityNotStarted:
		return "last_worked_at IS NULL", nil, nil
	default:
		return "", nil, task.ValidationFailure(
			fmt.Sprintf("unknown staleness filter: %s", class),
			map[string]interface{}{"staleness": string(class)})
	}
}

// List returns one page of tasks matching the filters plus the total match
// count. Ordering is (created_at DESC, id DESC) so pages stay stable under
// concurrent inserts.
func (s *Store) List(f task.ListFilters, page task.PageRequest) (task.Page, error) {
	if page.Limit == 0 {
		page.Limit = defaultPageSize
	}
	if page.Limit < 0 || page.Limit > maxPageSize {
		return task.Page{}, task.ValidationFailure(
			fmt.Sprintf("limit must be between 1 and %d", maxPageSize),
			map[string]interface{}{"limit": page.Limit})
	}
	if page.Offset < 0 {
		return task.Page{}, task.ValidationFailure("offset must be >= 0",
			map[string]interface{}{"offset": page.Offset})
	}

	where, args, err := s.buildListQuery(f)
	if err != nil {
		return task.Page{}, err
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&total); err != nil {
		return task.Page{}, fmt.Errorf("count tasks: %w", err)
	}

	query := `SELECT ` + taskSelectColumns + ` FROM tasks WHERE ` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return task.Page{}, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []task.Task{}
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return task.Page{}, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, t)
	}
	if err := checkRowsErr(rows); err != nil {
		return task.Page{}, fmt.Errorf("list tasks: %w", err)
	}

	return task.Page{
		Items:       items,
		TotalCount:  total,
		HasMore:     page.Offset+len(items) < total,
		HasPrevious: page.Offset > 0,
	}, nil
}

// IDs resolves filters to the full matching id set, unpaginated. The
// mutation engine uses it to expand filter-form archive requests.
func (s *Store) IDs(f task.ListFilters) ([]string, error) {
	where, args, err := s.buildListQuery(f)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query task ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
