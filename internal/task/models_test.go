package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.False(t, StatusBlocked.IsTerminal())
}

func TestStatusCanTransitionTo(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusInProgress))
	assert.True(t, StatusBlocked.CanTransitionTo(StatusCancelled))
	assert.True(t, StatusCompleted.CanTransitionTo(StatusCompleted), "a no-op is always legal")
	assert.False(t, StatusCompleted.CanTransitionTo(StatusPending))
	assert.False(t, StatusCancelled.CanTransitionTo(StatusInProgress))
	assert.False(t, StatusPending.CanTransitionTo("done"))
}

func TestStatusValid(t *testing.T) {
	for _, s := range []TaskStatus{StatusPending, StatusInProgress, StatusCompleted, StatusBlocked, StatusCancelled} {
		assert.True(t, s.Valid(), "status %s", s)
	}
	assert.False(t, TaskStatus("done").Valid())
	assert.False(t, TaskStatus("").Valid())
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
}

func TestTypeCountable(t *testing.T) {
	assert.True(t, TypeTask.Countable())
	assert.True(t, TypeSubtask.Countable())
	assert.False(t, TypeMaster.Countable())
}

func TestValidateStruct(t *testing.T) {
	valid := Task{
		ID:        "task-abc12345",
		Content:   "write the report",
		Status:    StatusPending,
		Priority:  PriorityMedium,
		Type:      TypeTask,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ValidateStruct(valid))

	missingContent := valid
	missingContent.Content = ""
	assert.Error(t, ValidateStruct(missingContent))

	badStatus := valid
	badStatus.Status = "done"
	assert.Error(t, ValidateStruct(badStatus))

	tooDeep := valid
	tooDeep.DepthLevel = MaxDepth + 1
	assert.Error(t, ValidateStruct(tooDeep))
}
