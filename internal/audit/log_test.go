package audit_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasktree/internal/audit"
	"tasktree/internal/storage"
	"tasktree/internal/task"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T) (*storage.Store, *audit.Log, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	s, err := storage.Open(filepath.Join(t.TempDir(), "tasks.db"), storage.Options{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, audit.NewLog(s.DB()), clock
}

func TestByTaskNewestFirst(t *testing.T) {
	s, log, clock := newFixture(t)

	created, err := s.Create(storage.CreateParams{Content: "audited work", Actor: "alice"})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = s.UpdateStatus(created.ID, task.StatusInProgress, "", "alice")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = s.UpdateStatus(created.ID, task.StatusCompleted, "", "bob")
	require.NoError(t, err)

	entries, err := log.ByTask(created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, string(task.StatusCompleted), entries[0].NewValue)
	assert.Equal(t, "bob", entries[0].Actor)
	assert.Equal(t, string(task.StatusInProgress), entries[1].NewValue)
	assert.Equal(t, "created", entries[2].Reason)
	assert.True(t, entries[0].ChangedAt.After(entries[2].ChangedAt))
}

func TestRange(t *testing.T) {
	s, log, clock := newFixture(t)

	created, err := s.Create(storage.CreateParams{Content: "windowed work"})
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	windowStart := clock.Now()
	_, err = s.UpdateStatus(created.ID, task.StatusInProgress, "", "alice")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	windowEnd := clock.Now()

	inWindow, err := log.Range(windowStart, windowEnd)
	require.NoError(t, err)
	require.Len(t, inWindow, 1)
	assert.Equal(t, string(task.StatusInProgress), inWindow[0].NewValue)

	before, err := log.Range(windowStart.Add(-time.Hour), windowStart.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, before)
}

func TestCompletionSamples(t *testing.T) {
	s, log, clock := newFixture(t)

	m, err := s.Create(storage.CreateParams{Content: "initiative", Type: task.TypeMaster})
	require.NoError(t, err)
	a, err := s.Create(storage.CreateParams{Content: "step one", ParentID: m.ID})
	require.NoError(t, err)
	b, err := s.Create(storage.CreateParams{Content: "step two", ParentID: m.ID})
	require.NoError(t, err)

	start := clock.Now()
	clock.Advance(24 * time.Hour)
	_, err = s.UpdateStatus(a.ID, task.StatusCompleted, "", "alice")
	require.NoError(t, err)
	firstDone := clock.Now()
	clock.Advance(24 * time.Hour)
	_, err = s.UpdateStatus(b.ID, task.StatusCompleted, "", "alice")
	require.NoError(t, err)

	samples, err := log.CompletionSamples(m.ID, start, clock.Now())
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, firstDone, samples[0], "samples come back oldest first")

	// Creation entries and non-completion transitions never count.
	none, err := log.CompletionSamples(m.ID, start.Add(-time.Hour), start)
	require.NoError(t, err)
	assert.Empty(t, none)
}
