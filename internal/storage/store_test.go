package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tasktree/internal/task"
)

// testClock is a manually advanced clock so staleness windows and ordering
// are deterministic.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"), Options{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

// mustCreate creates a task and advances the clock one second so created_at
// ordering follows creation order.
func mustCreate(t *testing.T, s *Store, clock *testClock, p CreateParams) task.Task {
	t.Helper()
	created, err := s.Create(p)
	require.NoError(t, err)
	clock.Advance(time.Second)
	return created
}
