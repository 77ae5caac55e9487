package task

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes carried by every failure the core can produce. Callers match
// on these rather than on message text.
const (
	CodeNotFound            = "not_found"
	CodeInvalidHierarchy    = "invalid_hierarchy"
	CodeInvalidTransition   = "invalid_transition"
	CodeMissingReason       = "missing_reason"
	CodeArchiveInvalidState = "archive_invalid_state"
	CodeValidationError     = "validation_error"
	CodeBatchAborted        = "batch_aborted"
)

// Error provides structured error information for core operations.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new structured error.
func NewError(code, message string, details map[string]interface{}) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// NotFoundError reports an unknown task id.
func NotFoundError(id string) *Error {
	return NewError(CodeNotFound, fmt.Sprintf("task not found: %s", id), map[string]interface{}{"id": id})
}

// HierarchyError reports a depth or parent violation at creation time.
func HierarchyError(message string, details map[string]interface{}) *Error {
	return NewError(CodeInvalidHierarchy, message, details)
}

// TransitionError reports an illegal status change on a terminal task.
func TransitionError(id string, from, to TaskStatus) *Error {
	return NewError(CodeInvalidTransition,
		fmt.Sprintf("task %s: cannot change status from %s to %s", id, from, to),
		map[string]interface{}{"id": id, "from": string(from), "to": string(to)})
}

// MissingReasonError reports a blocking transition without a reason.
func MissingReasonError(id string) *Error {
	return NewError(CodeMissingReason,
		fmt.Sprintf("task %s: a reason is required when blocking", id),
		map[string]interface{}{"id": id})
}

// ArchiveStateError reports an archive attempt on a non-terminal task.
func ArchiveStateError(id string, status TaskStatus) *Error {
	return NewError(CodeArchiveInvalidState,
		fmt.Sprintf("task %s: cannot archive with status %s (must be completed or cancelled)", id, status),
		map[string]interface{}{"id": id, "status": string(status)})
}

// ValidationFailure reports a bad enumerated value or malformed input.
func ValidationFailure(message string, details map[string]interface{}) *Error {
	return NewError(CodeValidationError, message, details)
}

// BatchFailure is one invalid target inside an aborted bulk call.
type BatchFailure struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// BatchError aborts an entire bulk call. It carries every failing id with
// its reason; none of the targets were mutated.
type BatchError struct {
	Failures []BatchFailure `json:"failures"`
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s: %s)", f.ID, f.Code, f.Reason))
	}
	return fmt.Sprintf("%s: %d invalid target(s): %s", CodeBatchAborted, len(e.Failures), strings.Join(parts, "; "))
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	var b *BatchError
	if errors.As(err, &b) {
		return code == CodeBatchAborted
	}
	return false
}
