package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Created, not started
	StatusInProgress TaskStatus = "in_progress" // Actively being worked
	StatusCompleted  TaskStatus = "completed"   // Done; terminal
	StatusBlocked    TaskStatus = "blocked"     // Waiting on something, reason required
	StatusCancelled  TaskStatus = "cancelled"   // Abandoned; terminal
)

// TaskPriority represents the priority levels of a task.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// TaskType distinguishes initiative roots from leaf-countable work items.
type TaskType string

const (
	TypeMaster  TaskType = "master"  // Root of a multi-step initiative
	TypeTask    TaskType = "task"    // Regular unit of work
	TypeSubtask TaskType = "subtask" // Child work item
)

// ActivityState classifies a task by elapsed time since last recorded work.
type ActivityState string

const (
	ActivityActive     ActivityState = "active"
	ActivityWarning    ActivityState = "warning"
	ActivityStale      ActivityState = "stale"
	ActivityNotStarted ActivityState = "not_started"
)

// MaxDepth is the hard cap on hierarchy depth. Creation beyond it fails.
const MaxDepth = 20

// Task represents a unit of work in an unlimited-breadth tree rooted at a
// master task.
type Task struct {
	ID             string       `json:"id" validate:"required"`
	Content        string       `json:"content" validate:"required,min=1,max=2000"`
	ActiveForm     string       `json:"activeForm,omitempty"`
	Status         TaskStatus   `json:"status" validate:"required,oneof=pending in_progress completed blocked cancelled"`
	Priority       TaskPriority `json:"priority" validate:"required,oneof=low medium high critical"`
	Type           TaskType     `json:"taskType" validate:"required,oneof=master task subtask"`
	ParentID       *string      `json:"parentTaskId,omitempty"`
	MasterID       *string      `json:"masterTaskId,omitempty"` // Nearest master ancestor, or self for a root master
	DepthLevel     int          `json:"depthLevel" validate:"min=0,max=20"`
	ContextSummary string       `json:"contextSummary,omitempty"` // Meaningful on masters only
	Tags           []string     `json:"tags,omitempty"`
	Notes          string       `json:"notes,omitempty"` // Append-only; carries blocker reasons
	CreatedAt      time.Time    `json:"createdAt" validate:"required"`
	LastWorkedAt   *time.Time   `json:"lastWorkedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	IsArchived     bool         `json:"isArchived"`
	ArchivedAt     *time.Time   `json:"archivedAt,omitempty"`
}

// HistoryEntry is one immutable audit record for a field-level change.
// Entries are never updated or deleted.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"taskId"`
	Field     string    `json:"field"`
	OldValue  string    `json:"oldValue"`
	NewValue  string    `json:"newValue"`
	ChangedAt time.Time `json:"changedAt"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Completion is the roll-up over leaf-countable descendants of a subtree root.
type Completion struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	InProgress int     `json:"inProgress"`
	Pending    int     `json:"pending"`
	Blocked    int     `json:"blocked"`
	Percentage float64 `json:"percentage"` // completed/total * 100; 0 when total is 0
}

// TreeNode is one node of a nested hierarchy view.
type TreeNode struct {
	Task      Task        `json:"task"`
	Children  []*TreeNode `json:"children,omitempty"`
	Truncated bool        `json:"truncated,omitempty"` // Depth cutoff reached; children omitted
}

// ListFilters narrows a listing. Zero values mean "no filter".
type ListFilters struct {
	Status        TaskStatus
	Priority      TaskPriority
	Tag           string
	Type          TaskType
	MasterID      string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Staleness     ActivityState
	BlockedOnly   bool
	Archived      bool // false = active read path, true = archived read path
}

// PageRequest bounds a listing. Limit 0 selects the default page size.
type PageRequest struct {
	Limit  int
	Offset int
}

// Page is one page of tasks plus enough metadata to paginate further.
type Page struct {
	Items       []Task `json:"items"`
	TotalCount  int    `json:"totalCount"`
	HasMore     bool   `json:"hasMore"`
	HasPrevious bool   `json:"hasPrevious"`
}

// IsTerminal reports whether no further status mutation is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether a change from s to next is legal. Terminal
// states accept nothing but themselves (a no-op).
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	return !s.IsTerminal()
}

// Valid reports whether s is one of the five known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities for deterministic comparisons (critical highest).
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TypeMaster, TypeTask, TypeSubtask:
		return true
	}
	return false
}

// Countable reports whether a type counts toward completion denominators.
// Masters never count toward their own roll-up.
func (t TaskType) Countable() bool {
	return t == TypeTask || t == TypeSubtask
}

// global validator instance
var validate = validator.New()

// ValidateStruct runs tag-based validation and flattens the field errors
// into one readable message.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var msgs []string
	for _, e := range validationErrors {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s' (value: '%v')", e.StructNamespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
