// Package mutate applies bulk changes with an explicit preview step. Every
// bulk call is all-or-nothing: targets are validated eagerly, one invalid
// target aborts the whole batch before any write, and applied batches run in
// a single transaction.
package mutate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"tasktree/internal/hierarchy"
	"tasktree/internal/storage"
	"tasktree/internal/task"
)

// Result phases.
const (
	PhasePreview = "preview"
	PhaseApplied = "applied"
)

// Warning codes.
const (
	WarnBlockedFraction    = "blocked_fraction"
	WarnMasterAutoBlocked  = "master_auto_blocked"
	WarnMultipleInProgress = "multiple_in_progress"
)

// Diff describes one field change, either proposed (preview) or applied.
type Diff struct {
	ID     string `json:"id"`
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Warning is a non-fatal observation about a master affected by the batch.
type Warning struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	MasterID string `json:"masterId"`
}

// Result reports what a bulk call did or would do.
type Result struct {
	Phase       string                     `json:"phase"`
	Diffs       []Diff                     `json:"diffs"`
	Warnings    []Warning                  `json:"warnings,omitempty"`
	Completions map[string]task.Completion `json:"completions,omitempty"`
}

// Blocked-fraction thresholds, in percent of a master's leaf subtasks.
// Above the propagation threshold the master itself is blocked; inside the
// warning band the caller is warned but nothing is mutated.
const (
	propagateAbovePct = 66.0
	warnAbovePct      = 33.0
)

// Engine coordinates bulk mutations over the task store.
type Engine struct {
	store *storage.Store
	agg   *hierarchy.Aggregator
}

// New creates an Engine over the store.
func New(store *storage.Store) *Engine {
	return &Engine{store: store, agg: hierarchy.New(store)}
}

// dedupe keeps the first occurrence of each id, preserving caller order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func batchFailure(id string, err error) task.BatchFailure {
	var te *task.Error
	if errors.As(err, &te) {
		return task.BatchFailure{ID: id, Code: te.Code, Reason: te.Message}
	}
	return task.BatchFailure{ID: id, Code: task.CodeValidationError, Reason: err.Error()}
}

// BulkUpdateStatus validates every target, then either previews the status
// diffs (confirm=false) or applies them in one transaction. Targets already
// at the requested status pass validation but produce no diff and no history.
// After an applied blocking batch, each affected master's blocked fraction
// is re-evaluated on the post-batch state: above 66% the master itself is
// blocked with an automatic reason, between 33% and 66% a warning is
// attached. Every applied batch also warns when a master ends up with more
// than one subtask in progress.
func (e *Engine) BulkUpdateStatus(ids []string, status task.TaskStatus, note, actor string, confirm bool) (*Result, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, task.ValidationFailure("bulk status update requires at least one target id", nil)
	}
	if !status.Valid() {
		return nil, task.ValidationFailure(
			fmt.Sprintf("unknown status: %s", status),
			map[string]interface{}{"status": string(status)})
	}

	targets, err := e.validateStatusBatch(e.store.Get, ids, status, note)
	if err != nil {
		return nil, err
	}

	res := &Result{Phase: PhasePreview}
	for _, t := range targets {
		if t.Status == status {
			continue
		}
		res.Diffs = append(res.Diffs, Diff{ID: t.ID, Field: "status", Before: string(t.Status), After: string(status)})
	}
	if !confirm {
		return res, nil
	}

	res.Phase = PhaseApplied
	masters := affectedMasters(targets)
	err = e.store.WithTx(func(tx *sql.Tx) error {
		// Revalidate inside the transaction so a concurrent writer cannot
		// slip an invalid target past the preview-time check.
		if _, err := e.validateStatusBatch(func(id string) (task.Task, error) {
			return e.store.GetTx(tx, id)
		}, ids, status, note); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := e.store.UpdateStatusTx(tx, id, status, note, actor); err != nil {
				return err
			}
		}
		warnings, err := e.checkMasters(tx, masters, status, actor)
		if err != nil {
			return err
		}
		res.Warnings = warnings
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.attachCompletions(res, masters)
	slog.Info("bulk status update applied", "targets", len(ids), "status", status, "actor", actor)
	return res, nil
}

// validateStatusBatch checks every target with the given reader and returns
// the loaded tasks, or a BatchError naming every invalid target.
func (e *Engine) validateStatusBatch(get func(id string) (task.Task, error), ids []string, status task.TaskStatus, note string) ([]task.Task, error) {
	var failures []task.BatchFailure
	targets := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := get(id)
		if err != nil {
			failures = append(failures, batchFailure(id, err))
			continue
		}
		if t.Status == status {
			targets = append(targets, t)
			continue
		}
		if t.Status.IsTerminal() {
			failures = append(failures, batchFailure(id, task.TransitionError(id, t.Status, status)))
			continue
		}
		if status == task.StatusBlocked && strings.TrimSpace(note) == "" {
			failures = append(failures, batchFailure(id, task.MissingReasonError(id)))
			continue
		}
		targets = append(targets, t)
	}
	if len(failures) > 0 {
		return nil, &task.BatchError{Failures: failures}
	}
	return targets, nil
}

// affectedMasters collects the distinct master ids of the targets, sorted for
// deterministic evaluation order.
func affectedMasters(targets []task.Task) []string {
	set := make(map[string]bool)
	for _, t := range targets {
		if t.MasterID != nil {
			set[*t.MasterID] = true
		}
	}
	masters := make([]string, 0, len(set))
	for id := range set {
		masters = append(masters, id)
	}
	sort.Strings(masters)
	return masters
}

// checkMasters re-reads each master's subtree on the in-transaction state.
// The blocked-fraction rules apply only when the batch itself blocked tasks;
// the one-in-progress convention check runs after every batch.
func (e *Engine) checkMasters(tx *sql.Tx, masters []string, batchStatus task.TaskStatus, actor string) ([]Warning, error) {
	var warnings []Warning
	for _, mid := range masters {
		leaves, err := e.store.SubtreeLeavesTx(tx, mid)
		if err != nil {
			return nil, err
		}
		if len(leaves) == 0 {
			continue
		}
		blocked, inProgress := 0, 0
		for _, l := range leaves {
			switch l.Status {
			case task.StatusBlocked:
				blocked++
			case task.StatusInProgress:
				inProgress++
			}
		}

		if batchStatus == task.StatusBlocked {
			pct := float64(blocked) / float64(len(leaves)) * 100
			switch {
			case pct > propagateAbovePct:
				m, err := e.store.GetTx(tx, mid)
				if err != nil {
					return nil, err
				}
				if m.Status != task.StatusBlocked && !m.Status.IsTerminal() {
					reason := fmt.Sprintf("auto-blocked: %d of %d subtasks blocked", blocked, len(leaves))
					if _, err := e.store.UpdateStatusTx(tx, mid, task.StatusBlocked, reason, actor); err != nil {
						return nil, err
					}
					warnings = append(warnings, Warning{
						Code:     WarnMasterAutoBlocked,
						Message:  fmt.Sprintf("master %s blocked automatically: %d of %d subtasks blocked", mid, blocked, len(leaves)),
						MasterID: mid,
					})
				}
			case pct >= warnAbovePct:
				warnings = append(warnings, Warning{
					Code:     WarnBlockedFraction,
					Message:  fmt.Sprintf("master %s has %d of %d subtasks blocked", mid, blocked, len(leaves)),
					MasterID: mid,
				})
			}
		}

		if inProgress > 1 {
			warnings = append(warnings, Warning{
				Code:     WarnMultipleInProgress,
				Message:  fmt.Sprintf("master %s has %d subtasks in progress at once", mid, inProgress),
				MasterID: mid,
			})
		}
	}
	return warnings, nil
}

// attachCompletions recomputes the committed roll-up of every affected
// master. Failures here only lose the convenience payload, never the batch.
func (e *Engine) attachCompletions(res *Result, masters []string) {
	if len(masters) == 0 {
		return
	}
	res.Completions = make(map[string]task.Completion, len(masters))
	for _, mid := range masters {
		c, err := e.agg.Completion(mid)
		if err != nil {
			slog.Warn("completion roll-up after batch failed", "master_id", mid, "error", err)
			continue
		}
		res.Completions[mid] = c
	}
}

// BulkUpdatePriority previews or applies a priority change across targets,
// all-or-nothing. Targets already at the priority pass but produce no diff.
func (e *Engine) BulkUpdatePriority(ids []string, priority task.TaskPriority, actor string, confirm bool) (*Result, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, task.ValidationFailure("bulk priority update requires at least one target id", nil)
	}
	if !priority.Valid() {
		return nil, task.ValidationFailure(
			fmt.Sprintf("unknown priority: %s", priority),
			map[string]interface{}{"priority": string(priority)})
	}

	targets, err := e.loadAll(ids)
	if err != nil {
		return nil, err
	}

	res := &Result{Phase: PhasePreview}
	for _, t := range targets {
		if t.Priority == priority {
			continue
		}
		res.Diffs = append(res.Diffs, Diff{ID: t.ID, Field: "priority", Before: string(t.Priority), After: string(priority)})
	}
	if !confirm {
		return res, nil
	}

	res.Phase = PhaseApplied
	err = e.store.WithTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := e.store.UpdatePriorityTx(tx, id, priority, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BulkAddTags previews or applies a tag union across targets, all-or-nothing.
func (e *Engine) BulkAddTags(ids []string, tags []string, actor string, confirm bool) (*Result, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, task.ValidationFailure("bulk tag update requires at least one target id", nil)
	}
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			cleaned = append(cleaned, tag)
		}
	}
	if len(cleaned) == 0 {
		return nil, task.ValidationFailure("bulk tag update requires at least one non-empty tag", nil)
	}

	targets, err := e.loadAll(ids)
	if err != nil {
		return nil, err
	}

	res := &Result{Phase: PhasePreview}
	for _, t := range targets {
		merged := mergeTags(t.Tags, cleaned)
		if merged == "" {
			continue
		}
		res.Diffs = append(res.Diffs, Diff{ID: t.ID, Field: "tags", Before: tagsJSON(t.Tags), After: merged})
	}
	if !confirm {
		return res, nil
	}

	res.Phase = PhaseApplied
	err = e.store.WithTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := e.store.AddTagsTx(tx, id, cleaned, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Archive soft-deletes targets given either explicitly or as a filter over
// the active read path. Every target must already be terminal; one invalid
// target aborts the batch. dryRun previews without writing.
func (e *Engine) Archive(ids []string, filter *task.ListFilters, dryRun bool, actor string) (*Result, error) {
	if len(ids) > 0 && filter != nil {
		return nil, task.ValidationFailure("archive accepts explicit ids or a filter, not both", nil)
	}
	fromFilter := false
	if filter != nil {
		f := *filter
		f.Archived = false
		resolved, err := e.store.IDs(f)
		if err != nil {
			return nil, err
		}
		ids = resolved
		fromFilter = true
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		if fromFilter {
			// A filter that matches nothing is a clean no-op, not an error.
			phase := PhaseApplied
			if dryRun {
				phase = PhasePreview
			}
			return &Result{Phase: phase}, nil
		}
		return nil, task.ValidationFailure("archive requires at least one target id or a filter", nil)
	}

	if err := validateArchiveBatch(e.store.Get, ids); err != nil {
		return nil, err
	}

	res := &Result{Phase: PhasePreview}
	for _, id := range ids {
		res.Diffs = append(res.Diffs, Diff{ID: id, Field: "archived", Before: "false", After: "true"})
	}
	if dryRun {
		return res, nil
	}

	res.Phase = PhaseApplied
	err := e.store.WithTx(func(tx *sql.Tx) error {
		// Revalidate inside the transaction so a concurrent writer cannot
		// slip an invalid target past the preview-time check.
		if err := validateArchiveBatch(func(id string) (task.Task, error) {
			return e.store.GetTx(tx, id)
		}, ids); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := e.store.SetArchivedTx(tx, id, true, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("archive applied", "targets", len(ids), "actor", actor)
	return res, nil
}

// Unarchive restores archived targets, all-or-nothing. A target that is not
// archived fails the batch.
func (e *Engine) Unarchive(ids []string, actor string, confirm bool) (*Result, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, task.ValidationFailure("unarchive requires at least one target id", nil)
	}

	if err := validateUnarchiveBatch(e.store.Get, ids); err != nil {
		return nil, err
	}

	res := &Result{Phase: PhasePreview}
	for _, id := range ids {
		res.Diffs = append(res.Diffs, Diff{ID: id, Field: "archived", Before: "true", After: "false"})
	}
	if !confirm {
		return res, nil
	}

	res.Phase = PhaseApplied
	err := e.store.WithTx(func(tx *sql.Tx) error {
		// Revalidate inside the transaction, matching the status batch.
		if err := validateUnarchiveBatch(func(id string) (task.Task, error) {
			return e.store.GetTx(tx, id)
		}, ids); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := e.store.SetArchivedTx(tx, id, false, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// validateArchiveBatch checks with the given reader that every target exists,
// is not already archived, and sits in a terminal status. It returns a
// BatchError naming every invalid target.
func validateArchiveBatch(get func(id string) (task.Task, error), ids []string) error {
	var failures []task.BatchFailure
	for _, id := range ids {
		t, err := get(id)
		if err != nil {
			failures = append(failures, batchFailure(id, err))
			continue
		}
		if t.IsArchived {
			failures = append(failures, task.BatchFailure{
				ID:     id,
				Code:   task.CodeArchiveInvalidState,
				Reason: "already archived",
			})
			continue
		}
		if !t.Status.IsTerminal() {
			failures = append(failures, batchFailure(id, task.ArchiveStateError(id, t.Status)))
		}
	}
	if len(failures) > 0 {
		return &task.BatchError{Failures: failures}
	}
	return nil
}

func validateUnarchiveBatch(get func(id string) (task.Task, error), ids []string) error {
	var failures []task.BatchFailure
	for _, id := range ids {
		t, err := get(id)
		if err != nil {
			failures = append(failures, batchFailure(id, err))
			continue
		}
		if !t.IsArchived {
			failures = append(failures, task.BatchFailure{
				ID:     id,
				Code:   task.CodeValidationError,
				Reason: "not archived",
			})
		}
	}
	if len(failures) > 0 {
		return &task.BatchError{Failures: failures}
	}
	return nil
}

// loadAll resolves every id or aborts with a BatchError listing the unknowns.
func (e *Engine) loadAll(ids []string) ([]task.Task, error) {
	var failures []task.BatchFailure
	targets := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := e.store.Get(id)
		if err != nil {
			failures = append(failures, batchFailure(id, err))
			continue
		}
		targets = append(targets, t)
	}
	if len(failures) > 0 {
		return nil, &task.BatchError{Failures: failures}
	}
	return targets, nil
}

// mergeTags returns the JSON form of the union, or "" when nothing new.
func mergeTags(existing, add []string) string {
	merged := append([]string(nil), existing...)
	for _, tag := range add {
		found := false
		for _, have := range merged {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, tag)
		}
	}
	if len(merged) == len(existing) {
		return ""
	}
	sort.Strings(merged)
	return tagsJSON(merged)
}

func tagsJSON(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(tags)
	return string(b)
}
