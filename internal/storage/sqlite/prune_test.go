package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur-dev/abathur/internal/storage"
	"github.com/abathur-dev/abathur/internal/types"
)

func completedTask(t *testing.T, s *Store, age time.Duration) *types.Task {
	t.Helper()
	now := time.Now().UTC()
	task := makeTask(func(tk *types.Task) {
		tk.Status = types.StatusCompleted
		tk.CompletedAt = &now
	})
	mustCreate(t, s, task)
	if age > 0 {
		backdate(t, s, task.ID, now.Add(-age))
	}
	return task
}

func TestPruneRejectsEmptyCriteria(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PruneTasks(context.Background(), types.PruneFilters{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no prune criteria")
}

func TestPruneOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := completedTask(t, s, 40*24*time.Hour)
	recent := completedTask(t, s, time.Hour)
	live := mustCreate(t, s, makeTask()) // ready, must never match a time filter

	res, err := s.PruneTasks(ctx, types.PruneFilters{OlderThanDays: 30})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedTasks)
	assert.Equal(t, 1, res.BreakdownByStatus[types.StatusCompleted])

	_, err = s.GetTask(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetTask(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = s.GetTask(ctx, live.ID)
	assert.NoError(t, err)

	assert.NoError(t, s.IntegrityCheck(ctx))
}

func TestPruneDryRunMatchesRealRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		completedTask(t, s, 40*24*time.Hour)
	}
	filters := types.PruneFilters{OlderThanDays: 30}

	preview, err := s.PruneTasks(ctx, withDryRun(filters))
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Equal(t, 5, preview.DeletedTasks)
	assert.Nil(t, preview.ReclaimedBytes, "dry run never vacuums")

	// Dry run must not have deleted anything.
	tasks, err := s.ListTasks(ctx, types.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 5)

	real, err := s.PruneTasks(ctx, filters)
	require.NoError(t, err)
	assert.Equal(t, preview.DeletedTasks, real.DeletedTasks)

	tasks, err = s.ListTasks(ctx, types.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func withDryRun(f types.PruneFilters) types.PruneFilters {
	f.DryRun = true
	return f
}

func TestPruneOrphansRunningChild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Completed parent, 40 days old, with a running child.
	parent := completedTask(t, s, 40*24*time.Hour)
	child := mustCreate(t, s, makeTask(func(tk *types.Task) {
		tk.ParentTaskID = &parent.ID
	}))
	_, err := s.DequeueNextTask(ctx)
	require.NoError(t, err)

	res, err := s.PruneTasks(ctx, types.PruneFilters{OlderThanDays: 30})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedTasks)

	_, err = s.GetTask(ctx, parent.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetTask(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentTaskID, "child survives with lineage cut")
	assert.Equal(t, types.StatusRunning, got.Status)

	assert.NoError(t, s.IntegrityCheck(ctx))
}

func TestPruneDeletesEdgesBothDirections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	prereq := completedTask(t, s, 40*24*time.Hour)
	dependent := mustCreate(t, s, makeTask(func(tk *types.Task) {
		tk.Status = types.StatusCompleted
		tk.CompletedAt = &now
	}))

	require.NoError(t, s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.AddDependency(ctx, &types.TaskDependency{
			ID:                 uuid.NewString(),
			DependentTaskID:    dependent.ID,
			PrerequisiteTaskID: prereq.ID,
			DependencyType:     types.DepSequential,
		})
	}))

	res, err := s.PruneTasks(ctx, types.PruneFilters{OlderThanDays: 30})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedTasks)
	assert.Equal(t, 1, res.DeletedDependencies)

	deps, err := s.GetDependenciesFor(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
	assert.NoError(t, s.IntegrityCheck(ctx))
}

func TestPruneDetachesAuditCascadesAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := completedTask(t, s, 40*24*time.Hour)
	agent := &types.Agent{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		AgentType: "implementer",
		Status:    "done",
	}
	require.NoError(t, s.CreateAgent(ctx, agent))
	require.NoError(t, s.CreateCheckpoint(ctx, &types.Checkpoint{
		TaskID: task.ID,
		Name:   "step-1",
	}))
	require.NoError(t, s.AppendAudit(ctx, &types.AuditEntry{
		AgentID: &agent.ID,
		TaskID:  &task.ID,
		Action:  "executed",
	}))

	_, err := s.PruneTasks(ctx, types.PruneFilters{OlderThanDays: 30})
	require.NoError(t, err)

	var agents, checkpoints, auditRows, detached int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&agents))
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM checkpoints").Scan(&checkpoints))
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM audit").Scan(&auditRows))
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM audit WHERE agent_id IS NULL").Scan(&detached))

	assert.Zero(t, agents, "agents cascade with the task")
	assert.Zero(t, checkpoints, "checkpoints cascade with the task")
	assert.Equal(t, 1, auditRows, "audit rows survive")
	assert.Equal(t, 1, detached, "audit agent reference nulled")
	assert.NoError(t, s.IntegrityCheck(ctx))
}

func TestPruneByIDRefusesParentWithOutsideChild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := completedTask(t, s, 0)
	child := mustCreate(t, s, makeTask(func(tk *types.Task) {
		tk.ParentTaskID = &parent.ID
	}))

	res, err := s.PruneTasks(ctx, types.PruneFilters{IDs: []string{parent.ID}})
	require.NoError(t, err)
	assert.Zero(t, res.DeletedTasks)
	assert.Equal(t, []string{parent.ID}, res.BlockedParents)

	// Parent survives.
	_, err = s.GetTask(ctx, parent.ID)
	assert.NoError(t, err)

	// Including the child in the selection lifts the refusal.
	res, err = s.PruneTasks(ctx, types.PruneFilters{IDs: []string{parent.ID, child.ID}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeletedTasks)
	assert.Empty(t, res.BlockedParents)
}

func TestPruneRecursive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := completedTask(t, s, 0)
	child := mustCreate(t, s, makeTask(func(tk *types.Task) {
		now := time.Now().UTC()
		tk.Status = types.StatusCompleted
		tk.CompletedAt = &now
		tk.ParentTaskID = &parent.ID
	}))
	grandchild := mustCreate(t, s, makeTask(func(tk *types.Task) {
		now := time.Now().UTC()
		tk.Status = types.StatusFailed
		_ = now
		tk.ParentTaskID = &child.ID
	}))

	res, err := s.PruneTasks(ctx, types.PruneFilters{IDs: []string{parent.ID}, Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.DeletedTasks)

	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		_, err = s.GetTask(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.NoError(t, s.IntegrityCheck(ctx))
}

func TestPruneRecursiveRefusesLiveDescendant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := completedTask(t, s, 0)
	mustCreate(t, s, makeTask(func(tk *types.Task) {
		tk.ParentTaskID = &parent.ID // ready: not pruneable
	}))

	_, err := s.PruneTasks(ctx, types.PruneFilters{IDs: []string{parent.ID}, Recursive: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.GetTask(ctx, parent.ID)
	assert.NoError(t, err, "refusal must not delete anything")
}

func TestVacuumPolicy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("conditional below threshold skips", func(t *testing.T) {
		res := &types.PruneResult{DeletedTasks: types.VacuumConditionalMinDeleted - 1}
		s.maybeVacuum(ctx, types.VacuumConditional, res)
		assert.Nil(t, res.ReclaimedBytes)
		assert.False(t, res.VacuumAutoSkipped)
	})

	t.Run("conditional above auto-skip threshold force-skips", func(t *testing.T) {
		res := &types.PruneResult{DeletedTasks: types.VacuumAutoSkipThreshold}
		s.maybeVacuum(ctx, types.VacuumConditional, res)
		assert.True(t, res.VacuumAutoSkipped)
		assert.Nil(t, res.ReclaimedBytes)
	})

	t.Run("never skips regardless of size", func(t *testing.T) {
		res := &types.PruneResult{DeletedTasks: 1_000_000}
		s.maybeVacuum(ctx, types.VacuumNever, res)
		assert.Nil(t, res.ReclaimedBytes)
		assert.False(t, res.VacuumAutoSkipped)
	})
}

func TestPruneLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldest := completedTask(t, s, 50*24*time.Hour)
	completedTask(t, s, 40*24*time.Hour)
	completedTask(t, s, 35*24*time.Hour)

	res, err := s.PruneTasks(ctx, types.PruneFilters{OlderThanDays: 30, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedTasks)

	// Oldest goes first.
	_, err = s.GetTask(ctx, oldest.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
