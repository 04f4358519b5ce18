package sqlite

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/abathur-dev/abathur/internal/types"
)

var testDBCounter atomic.Int64

// newTestStore opens a uniquely named in-memory database. Shared-cache
// in-memory databases are keyed by name, so each test gets its own.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", testDBCounter.Add(1))
	store, err := Open(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// makeTask builds a valid ready task for tests.
func makeTask(mutate ...func(*types.Task)) *types.Task {
	task := &types.Task{
		ID:           uuid.NewString(),
		Prompt:       "test prompt",
		Source:       types.SourceHuman,
		Status:       types.StatusReady,
		BasePriority: 5,
	}
	for _, fn := range mutate {
		fn(task)
	}
	return task
}

// mustCreate inserts a task or fails the test.
func mustCreate(t *testing.T, s *Store, task *types.Task) *types.Task {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

// backdate rewrites submitted_at, bypassing the public API.
func backdate(t *testing.T, s *Store, id string, to time.Time) {
	t.Helper()
	_, err := s.db.Exec("UPDATE tasks SET submitted_at = ? WHERE id = ?", to.UTC(), id)
	require.NoError(t, err)
}
