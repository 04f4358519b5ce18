package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur-dev/abathur/internal/deps"
	"github.com/abathur-dev/abathur/internal/storage"
	"github.com/abathur-dev/abathur/internal/storage/sqlite"
	"github.com/abathur-dev/abathur/internal/types"
)

var dbCounter atomic.Int64

func newService(t *testing.T) *Service {
	t.Helper()
	name := fmt.Sprintf("file:queuedb%d?mode=memory&cache=shared", dbCounter.Add(1))
	store, err := sqlite.Open(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, deps.NewResolver(store), zerolog.Nop())
}

func intPtr(n int) *int { return &n }

func enqueue(t *testing.T, s *Service, prompt string, prereqs ...string) *types.Task {
	t.Helper()
	task, err := s.Enqueue(context.Background(), EnqueueRequest{
		Prompt:        prompt,
		Source:        types.SourceHuman,
		Prerequisites: prereqs,
	})
	require.NoError(t, err)
	return task
}

func runAndComplete(t *testing.T, s *Service, id string) []string {
	t.Helper()
	ctx := context.Background()
	for {
		task, err := s.GetNextTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, task, "expected %s to be dispatchable", id)
		if task.ID == id {
			break
		}
		// Claimed a different ready task; park it back via retry-less
		// completion so the loop terminates.
		_, err = s.CompleteTask(ctx, task.ID, nil)
		require.NoError(t, err)
	}
	unblocked, err := s.CompleteTask(ctx, id, nil)
	require.NoError(t, err)
	return unblocked
}

func TestEnqueueValidation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	t.Run("priority out of range", func(t *testing.T) {
		for _, p := range []int{-1, 11} {
			_, err := s.Enqueue(ctx, EnqueueRequest{Prompt: "p", BasePriority: intPtr(p)})
			assert.Error(t, err, "priority %d", p)
		}
	})

	t.Run("boundary priorities accepted", func(t *testing.T) {
		for _, p := range []int{0, 10} {
			task, err := s.Enqueue(ctx, EnqueueRequest{Prompt: "p", BasePriority: intPtr(p)})
			require.NoError(t, err)
			assert.Equal(t, p, task.BasePriority)
		}
	})

	t.Run("unknown prerequisite", func(t *testing.T) {
		_, err := s.Enqueue(ctx, EnqueueRequest{
			Prompt:        "p",
			Prerequisites: []string{"00000000-0000-0000-0000-000000000000"},
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("empty prompt", func(t *testing.T) {
		_, err := s.Enqueue(ctx, EnqueueRequest{Prompt: "   "})
		assert.Error(t, err)
	})
}

func TestEnqueueDefaults(t *testing.T) {
	s := newService(t)
	task := enqueue(t, s, "implement the widget")

	assert.Equal(t, types.StatusReady, task.Status)
	assert.Equal(t, types.DefaultBasePriority, task.BasePriority)
	assert.Equal(t, types.DefaultAgentType, task.AgentType)
	assert.Equal(t, types.DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, "User Prompt: implement the widget", task.Summary)
	assert.Zero(t, task.DependencyDepth)
	assert.Greater(t, task.CalculatedPriority, 0.0)
}

func TestEnqueueWithPrerequisites(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b", a.ID)

	assert.Equal(t, types.StatusBlocked, b.Status)
	assert.Equal(t, 1, b.DependencyDepth)
	assert.Greater(t, b.CalculatedPriority, 0.0)

	t.Run("completed prerequisite does not block", func(t *testing.T) {
		runAndComplete(t, s, a.ID)

		c := enqueue(t, s, "c", a.ID)
		assert.Equal(t, types.StatusReady, c.Status)
		assert.Zero(t, c.DependencyDepth, "resolved edge carries no depth")
		_ = ctx
	})
}

func TestEnqueueDuplicatePrerequisiteRollsBack(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	a := enqueue(t, s, "a")

	// The second edge trips the unique pair index; the task row inserted
	// in the same transaction must vanish with it.
	_, err := s.Enqueue(ctx, EnqueueRequest{Prompt: "c", Prerequisites: []string{a.ID, a.ID}})
	require.ErrorIs(t, err, storage.ErrConflict)

	tasks, err := s.store.ListTasks(ctx, types.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "failed enqueue leaves no partial state")
}

func TestDequeuePriorityOrder(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	low, err := s.Enqueue(ctx, EnqueueRequest{Prompt: "low", BasePriority: intPtr(1)})
	require.NoError(t, err)
	high, err := s.Enqueue(ctx, EnqueueRequest{Prompt: "high", BasePriority: intPtr(9)})
	require.NoError(t, err)

	first, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, types.StatusRunning, first.Status)
	assert.NotNil(t, first.StartedAt)

	second, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)

	third, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, third, "empty queue dequeues nil")
}

func TestCompleteUnblocksDiamond(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b", a.ID)
	c := enqueue(t, s, "c", a.ID)
	d := enqueue(t, s, "d", b.ID, c.ID)

	plan, err := s.GetTaskExecutionPlan(ctx, []string{a.ID, b.ID, c.ID, d.ID})
	require.NoError(t, err)
	require.Len(t, plan, 3)
	assert.Equal(t, []string{a.ID}, plan[0])
	assert.ElementsMatch(t, []string{b.ID, c.ID}, plan[1])
	assert.Equal(t, []string{d.ID}, plan[2])

	unblocked := runAndComplete(t, s, a.ID)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, unblocked)

	// Exactly b and c dispatch next, in priority order.
	first, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	second, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, []string{first.ID, second.ID})

	// d stays blocked until both finish.
	got, err := s.store.GetTask(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, got.Status)

	_, err = s.CompleteTask(ctx, b.ID, nil)
	require.NoError(t, err)
	unblocked, err = s.CompleteTask(ctx, c.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, unblocked)
}

func TestCompleteTaskSemantics(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	task := enqueue(t, s, "a")

	t.Run("completing a ready task is a conflict", func(t *testing.T) {
		_, err := s.CompleteTask(ctx, task.ID, nil)
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	_, err := s.GetNextTask(ctx)
	require.NoError(t, err)

	t.Run("stores result data", func(t *testing.T) {
		_, err := s.CompleteTask(ctx, task.ID, json.RawMessage(`{"ok":true}`))
		require.NoError(t, err)
		got, err := s.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(got.ResultData))
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("repeat completion is a no-op", func(t *testing.T) {
		unblocked, err := s.CompleteTask(ctx, task.ID, nil)
		require.NoError(t, err)
		assert.Empty(t, unblocked)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.CompleteTask(ctx, "no-such-task", nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestFailTaskCascades(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b", a.ID)
	c := enqueue(t, s, "c", b.ID)
	unrelated := enqueue(t, s, "free-standing")

	cancelled, err := s.FailTask(ctx, a.ID, "exploded")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, cancelled)

	got, err := s.store.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "exploded", *got.ErrorMessage)

	for _, id := range []string{b.ID, c.ID} {
		got, err := s.store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, got.Status)
	}

	got, err = s.store.GetTask(ctx, unrelated.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)

	t.Run("repeat failure is a no-op", func(t *testing.T) {
		cancelled, err := s.FailTask(ctx, a.ID, "again")
		require.NoError(t, err)
		assert.Empty(t, cancelled)
	})
}

func TestCancelTask(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b", a.ID)

	cancelled, err := s.CancelTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, cancelled)

	got, err := s.store.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Nil(t, got.ErrorMessage, "cancellation records no error")

	t.Run("cancelling terminal task is a no-op", func(t *testing.T) {
		cancelled, err := s.CancelTask(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, cancelled)
	})
}

func TestRetryTask(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	task := enqueue(t, s, "flaky")

	t.Run("non-terminal task cannot be retried", func(t *testing.T) {
		_, err := s.RetryTask(ctx, task.ID)
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	_, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	_, err = s.FailTask(ctx, task.ID, "transient")
	require.NoError(t, err)

	retried, err := s.RetryTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)
	assert.Nil(t, retried.ErrorMessage)

	t.Run("retried task re-enters the dispatch queue", func(t *testing.T) {
		next, err := s.GetNextTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, task.ID, next.ID)
	})
}

func TestRetryExhaustion(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	task, err := s.Enqueue(ctx, EnqueueRequest{Prompt: "flaky", MaxRetries: intPtr(1)})
	require.NoError(t, err)

	_, err = s.GetNextTask(ctx)
	require.NoError(t, err)
	_, err = s.FailTask(ctx, task.ID, "boom")
	require.NoError(t, err)

	_, err = s.RetryTask(ctx, task.ID)
	require.NoError(t, err)

	_, err = s.GetNextTask(ctx)
	require.NoError(t, err)
	_, err = s.FailTask(ctx, task.ID, "boom again")
	require.NoError(t, err)

	_, err = s.RetryTask(ctx, task.ID)
	assert.ErrorIs(t, err, storage.ErrConflict, "max_retries caps explicit retries")
}

func TestRetryCompletedRejected(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	task := enqueue(t, s, "done")
	_, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	_, err = s.CompleteTask(ctx, task.ID, nil)
	require.NoError(t, err)

	_, err = s.RetryTask(ctx, task.ID)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestRetryBlockedWhenPrerequisiteOpen(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b", a.ID)

	// Cancel b directly, then retry: a is still open, so b goes back to
	// blocked rather than ready.
	_, err := s.CancelTask(ctx, b.ID)
	require.NoError(t, err)

	retried, err := s.RetryTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, retried.Status)
	_ = a
}

func TestHandleStaleTasks(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	// Timeout already elapsed relative to any heartbeat.
	stale, err := s.Enqueue(ctx, EnqueueRequest{
		Prompt:                  "hung",
		MaxExecutionTimeoutSecs: intPtr(-1),
	})
	require.NoError(t, err)
	dependent := enqueue(t, s, "downstream", stale.ID)

	healthy := enqueue(t, s, "healthy")

	// Claim both so they are running.
	for i := 0; i < 2; i++ {
		task, err := s.GetNextTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, task)
	}

	failed, err := s.HandleStaleTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, failed)

	got, err := s.store.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "timed out")

	got, err = s.store.GetTask(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status, "cascade applies to stale failures")

	got, err = s.store.GetTask(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestGetQueueStatus(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	a := enqueue(t, s, "a")
	enqueue(t, s, "b", a.ID)

	stats, err := s.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 1, stats.ByStatus[types.StatusReady].Count)
	assert.Equal(t, 1, stats.ByStatus[types.StatusBlocked].Count)
	assert.Equal(t, 1, stats.MaxDepth)
	assert.NotNil(t, stats.NewestTask)
}

func TestExecutionPlanSingleAndEmpty(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	plan, err := s.GetTaskExecutionPlan(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, plan)

	a := enqueue(t, s, "a")
	plan, err = s.GetTaskExecutionPlan(ctx, []string{a.ID})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{a.ID}}, plan)
}

func TestDeadlinePriorityBeatsBase(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(time.Minute)
	urgent, err := s.Enqueue(ctx, EnqueueRequest{
		Prompt:       "urgent",
		BasePriority: intPtr(5),
		Deadline:     &soon,
	})
	require.NoError(t, err)

	calm, err := s.Enqueue(ctx, EnqueueRequest{
		Prompt:       "calm",
		BasePriority: intPtr(7),
	})
	require.NoError(t, err)
	_ = calm

	first, err := s.GetNextTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, urgent.ID, first.ID, "deadline urgency outweighs a 2-point base gap")
}
