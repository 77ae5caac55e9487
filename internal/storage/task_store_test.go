package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasktree/internal/audit"
	"tasktree/internal/task"
)

func TestCreateDefaults(t *testing.T) {
	s, clock := newTestStore(t)

	created := mustCreate(t, s, clock, CreateParams{Content: "write the report"})
	assert.Regexp(t, `^task-[0-9a-f]{8}$`, created.ID)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, task.PriorityMedium, created.Priority)
	assert.Equal(t, task.TypeTask, created.Type)
	assert.Equal(t, 0, created.DepthLevel)
	assert.Nil(t, created.ParentID)
	assert.Nil(t, created.MasterID)
	assert.Nil(t, created.LastWorkedAt)

	entries, err := audit.NewLog(s.DB()).ByTask(created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "status", entries[0].Field)
	assert.Equal(t, "", entries[0].OldValue)
	assert.Equal(t, string(task.StatusPending), entries[0].NewValue)
	assert.Equal(t, "created", entries[0].Reason)
}

func TestCreateRootMasterReferencesItself(t *testing.T) {
	s, clock := newTestStore(t)

	m := mustCreate(t, s, clock, CreateParams{Content: "ship the platform", Type: task.TypeMaster})
	require.NotNil(t, m.MasterID)
	assert.Equal(t, m.ID, *m.MasterID)
}

func TestCreateUnknownParent(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Create(CreateParams{Content: "orphan", ParentID: "task-nonexist"})
	require.Error(t, err)
	assert.True(t, task.IsCode(err, task.CodeInvalidHierarchy))
}

func TestCreateDepthCap(t *testing.T) {
	s, clock := newTestStore(t)

	parent := mustCreate(t, s, clock, CreateParams{Content: "root"})
	for i := 1; i <= task.MaxDepth; i++ {
		child := mustCreate(t, s, clock, CreateParams{Content: fmt.Sprintf("level %d", i), ParentID: parent.ID})
		assert.Equal(t, i, child.DepthLevel)
		parent = child
	}

	_, err := s.Create(CreateParams{Content: "too deep", ParentID: parent.ID})
	require.Error(t, err)
	assert.True(t, task.IsCode(err, task.CodeInvalidHierarchy))
}

func TestCreateMasterDerivation(t *testing.T) {
	s, clock := newTestStore(t)

	m := mustCreate(t, s, clock, CreateParams{Content: "initiative", Type: task.TypeMaster})
	a := mustCreate(t, s, clock, CreateParams{Content: "step one", ParentID: m.ID})
	require.NotNil(t, a.MasterID)
	assert.Equal(t, m.ID, *a.MasterID)

	b := mustCreate(t, s, clock, CreateParams{Content: "step one detail", Type: task.TypeSubtask, ParentID: a.ID})
	require.NotNil(t, b.MasterID)
	assert.Equal(t, m.ID, *b.MasterID, "master id propagates through non-master ancestors")
}

func TestCreateExplicitMaster(t *testing.T) {
	s, clock := newTestStore(t)

	m := mustCreate(t, s, clock, CreateParams{Content: "initiative", Type: task.TypeMaster})
	x := mustCreate(t, s, clock, CreateParams{Content: "related work", MasterID: m.ID})
	require.NotNil(t, x.MasterID)
	assert.Equal(t, m.ID, *x.MasterID)

	_, err := s.Create(CreateParams{Content: "bad link", MasterID: "task-nonexist"})
	require.Error(t, err)
	assert.True(t, task.IsCode(err, task.CodeInvalidHierarchy))

	_, err = s.Create(CreateParams{Content: "wrong target", MasterID: x.ID})
	require.Error(t, err)
	assert.True(t, task.IsCode(err, task.CodeInvalidHierarchy), "an explicit master must be a master task")
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get("task-nonexist")
	require.Error(t, err)
	assert.True(t, task.IsCode(err, task.CodeNotFound))
}

func TestUpdateStatus(t *testing.T) {
	s, clock := newTestStore(t)
	created := mustCreate(t, s, clock, CreateParams{Content: "write the report"})

	workedAt := clock.Now()
	updated, err := s.UpdateStatus(created.ID, task.StatusInProgress, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, updated.Status)
	require.NotNil(t, updated.LastWorkedAt)
	assert.Equal(t, workedAt, updated.LastWorkedAt.UTC())
	assert.Nil(t, updated.CompletedAt)

	clock.Advance(time.Hour)
	done, err := s.UpdateStatus(created.ID, task.StatusCompleted, "", "alice")
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, clock.Now(), done.CompletedAt.UTC())

	entries, err := audit.NewLog(s.DB()).ByTask(created.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 3) // creation + two transitions
}

func TestUpdateStatusNoOp(t *testing.T) {
	s, clock := newTestStore(t)
	created := mustCreate(t, s, clock, CreateParams{Content: "idempotent"})

	same, err := s.UpdateStatus(created.ID, task.StatusPending, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, same.Status)
	assert.Nil(t, same.LastWorkedAt, "a no-op must not touch timestamps")

	entries, err := audit.NewLog(s.DB()).ByTask(created.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a no-op must not write history")
}

func TestUpdateStatusTerminalGuard(t *testing.T) {
	s, clock := newTestStore(t)
	created := mustCreate(t, s, clock, CreateParams{Content: "finished work"})

	_, err := s.UpdateStatus(created.ID, task.StatusCompleted, "", "alice")
	require.NoError(t, err)

	_, err = s.UpdateStatus(created.ID, task.StatusPending, "", "alice")
	require.Error(t, err)
	assert.True(t, task.IsCode(err, task.CodeInvalidTransition))
}

func TestUpdateStatusBlockedRequiresReason(t *testing.T) {
	s, clock := newTestStore(t)
	created := mustCreate(t, s, clock, CreateParams{Content: "blockable"})

	_, err := s.UpdateStatus(created.ID, task.StatusBlocked, "  ", "alice")
	require.Error(t, err)
	assert.True(t, task.IsCode(err, task.CodeMissingReason))

	blocked, err := s.UpdateStatus(created.ID, task.StatusBlocked, "waiting on API credentials", "alice")
	require.NoError(t, err)
	assert.Contains(t, blocked.Notes, "blocked: waiting on API credentials")

	entries, err := audit.NewLog(s.DB()).ByTask(created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "waiting on API credentials", entries[0].Reason)
}

func TestAddTags(t *testing.T) {
	s, clock := newTestStore(t)
	created := mustCreate(t, s, clock, CreateParams{Content: "taggable", Tags: []string{"backend"}})

	tagged, err := s.AddTags(created.ID, []string{"urgent", "backend", " "}, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"backend", "urgent"}, tagged.Tags)

	// Re-adding existing tags is a no-op.
	again, err := s.AddTags(created.ID, []string{"urgent"}, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"backend", "urgent"}, again.Tags)

	entries, err := audit.NewLog(s.DB()).ByTask(created.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "creation + one tags change")
}

func TestSetArchived(t *testing.T) {
	s, clock := newTestStore(t)
	created := mustCreate(t, s, clock, CreateParams{Content: "archivable"})

	_, err := s.SetArchived(created.ID, true, "alice")
	require.Error(t, err)
	assert.True(t, task.IsCode(err, task.CodeArchiveInvalidState))

	_, err = s.UpdateStatus(created.ID, task.StatusCompleted, "", "alice")
	require.NoError(t, err)

	archived, err := s.SetArchived(created.ID, true, "alice")
	require.NoError(t, err)
	assert.True(t, archived.IsArchived)
	require.NotNil(t, archived.ArchivedAt)
	assert.Equal(t, task.StatusCompleted, archived.Status, "archiving never touches status")

	// Archiving again is a no-op.
	same, err := s.SetArchived(created.ID, true, "alice")
	require.NoError(t, err)
	assert.True(t, same.IsArchived)

	restored, err := s.SetArchived(created.ID, false, "alice")
	require.NoError(t, err)
	assert.False(t, restored.IsArchived)
	assert.Nil(t, restored.ArchivedAt)

	entries, err := audit.NewLog(s.DB()).ByTask(created.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "creation + completion + archive + unarchive")
}

func TestGetToleratesCorruptTimestamps(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.DB().Exec(
		`INSERT INTO tasks (id, content, status, priority, task_type, depth_level, created_at, last_worked_at, is_archived)
		 VALUES ('task-corrupt1', 'salvageable row', 'pending', 'medium', 'task', 0, 'not-a-time', 'also-bad', 0)`,
	)
	require.NoError(t, err)

	got, err := s.Get("task-corrupt1")
	require.NoError(t, err, "a corrupt timestamp must not make the row unreadable")
	assert.True(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.LastWorkedAt)
}

func TestChildrenOrdering(t *testing.T) {
	s, clock := newTestStore(t)
	parent := mustCreate(t, s, clock, CreateParams{Content: "parent"})
	first := mustCreate(t, s, clock, CreateParams{Content: "first", ParentID: parent.ID})
	second := mustCreate(t, s, clock, CreateParams{Content: "second", ParentID: parent.ID})

	children, err := s.Children(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, first.ID, children[0].ID)
	assert.Equal(t, second.ID, children[1].ID)
}

func TestSubtreeLeaves(t *testing.T) {
	s, clock := newTestStore(t)
	m := mustCreate(t, s, clock, CreateParams{Content: "initiative", Type: task.TypeMaster})
	a := mustCreate(t, s, clock, CreateParams{Content: "step one", ParentID: m.ID})
	mustCreate(t, s, clock, CreateParams{Content: "detail", Type: task.TypeSubtask, ParentID: a.ID})
	mustCreate(t, s, clock, CreateParams{Content: "sub-initiative", Type: task.TypeMaster, ParentID: m.ID})

	leaves, err := s.SubtreeLeaves(m.ID)
	require.NoError(t, err)
	assert.Len(t, leaves, 2, "masters are never leaf-countable")

	_, err = s.SubtreeLeaves("task-nonexist")
	require.Error(t, err)
	assert.True(t, task.IsCode(err, task.CodeNotFound))
}
