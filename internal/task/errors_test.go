package task

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCode(t *testing.T) {
	err := NotFoundError("task-missing1")
	assert.True(t, IsCode(err, CodeNotFound))
	assert.False(t, IsCode(err, CodeValidationError))

	wrapped := fmt.Errorf("loading target: %w", TransitionError("task-a", StatusCompleted, StatusPending))
	assert.True(t, IsCode(wrapped, CodeInvalidTransition))

	assert.False(t, IsCode(nil, CodeNotFound))
	assert.False(t, IsCode(fmt.Errorf("plain"), CodeNotFound))
}

func TestBatchError(t *testing.T) {
	be := &BatchError{Failures: []BatchFailure{
		{ID: "task-a", Code: CodeNotFound, Reason: "task not found: task-a"},
		{ID: "task-b", Code: CodeMissingReason, Reason: "a reason is required when blocking"},
	}}
	assert.True(t, IsCode(be, CodeBatchAborted))
	assert.Contains(t, be.Error(), "2 invalid target(s)")
	assert.Contains(t, be.Error(), "task-a")
	assert.Contains(t, be.Error(), "task-b")
}

func TestErrorDetails(t *testing.T) {
	err := ArchiveStateError("task-x", StatusInProgress)
	require.Equal(t, CodeArchiveInvalidState, err.Code)
	assert.Equal(t, "task-x", err.Details["id"])
	assert.Equal(t, string(StatusInProgress), err.Details["status"])
}
