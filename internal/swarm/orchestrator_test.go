package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abathur-dev/abathur/internal/deps"
	"github.com/abathur-dev/abathur/internal/queue"
	"github.com/abathur-dev/abathur/internal/storage/sqlite"
	"github.com/abathur-dev/abathur/internal/types"
)

var dbCounter atomic.Int64

type harness struct {
	store *sqlite.Store
	queue *queue.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	name := fmt.Sprintf("file:swarmdb%d?mode=memory&cache=shared", dbCounter.Add(1))
	store, err := sqlite.Open(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &harness{
		store: store,
		queue: queue.NewService(store, deps.NewResolver(store), zerolog.Nop()),
	}
}

func (h *harness) submit(t *testing.T, prompt string, prereqs ...string) *types.Task {
	t.Helper()
	task, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		Prompt:        prompt,
		Source:        types.SourceHuman,
		Prerequisites: prereqs,
	})
	require.NoError(t, err)
	return task
}

// fakeExecutor completes every task unless told to fail it, tracking the
// peak number of concurrent invocations.
type fakeExecutor struct {
	mu        sync.Mutex
	active    int
	maxActive int
	executed  []string

	delay    time.Duration
	failWith map[string]string
	panicOn  map[string]bool
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, task *types.Task) (*Result, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.executed = append(f.executed, task.ID)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.panicOn[task.ID] {
		panic("executor blew up")
	}
	if msg, ok := f.failWith[task.ID]; ok {
		return &Result{TaskID: task.ID, Success: false, Error: msg}, nil
	}
	return &Result{
		TaskID:  task.ID,
		Success: true,
		Data:    json.RawMessage(`{"done":true}`),
	}, nil
}

func runSwarm(t *testing.T, h *harness, exec Executor, cfg Config) *Summary {
	t.Helper()
	o := NewOrchestrator(h.queue, h.store, exec, cfg, zerolog.Nop())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	return summary
}

func TestRunCompletesQueuedTasks(t *testing.T) {
	h := newHarness(t)
	a := h.submit(t, "a")
	b := h.submit(t, "b")
	c := h.submit(t, "c", a.ID)

	exec := &fakeExecutor{}
	summary := runSwarm(t, h, exec, Config{
		MaxConcurrentAgents: 2,
		TaskLimit:           3,
		PollInterval:        10 * time.Millisecond,
	})

	assert.Equal(t, 3, summary.Spawned)
	assert.Equal(t, 3, summary.Completed)
	assert.Zero(t, summary.Failed)

	ctx := context.Background()
	for _, id := range []string{a.ID, b.ID, c.ID} {
		got, err := h.store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, got.Status)
	}
}

func TestTaskLimitZeroSpawnsNothing(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, "a")

	exec := &fakeExecutor{}
	summary := runSwarm(t, h, exec, Config{
		MaxConcurrentAgents: 2,
		TaskLimit:           0,
		PollInterval:        10 * time.Millisecond,
	})

	assert.Zero(t, summary.Spawned)
	assert.Empty(t, exec.executed)

	got, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status, "task untouched")
}

func TestTaskLimitStopsSpawning(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "a")
	h.submit(t, "b")

	exec := &fakeExecutor{}
	summary := runSwarm(t, h, exec, Config{
		MaxConcurrentAgents: 1,
		TaskLimit:           1,
		PollInterval:        10 * time.Millisecond,
	})

	assert.Equal(t, 1, summary.Spawned)
	assert.Equal(t, 1, summary.Completed)

	stats, err := h.queue.GetQueueStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[types.StatusReady].Count, "second task still queued")
}

func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 6; i++ {
		h.submit(t, fmt.Sprintf("task %d", i))
	}

	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	summary := runSwarm(t, h, exec, Config{
		MaxConcurrentAgents: 2,
		TaskLimit:           6,
		PollInterval:        5 * time.Millisecond,
	})

	assert.Equal(t, 6, summary.Completed)
	assert.LessOrEqual(t, exec.maxActive, 2, "active executions stay within the pool bound")
	assert.GreaterOrEqual(t, exec.maxActive, 2, "pool actually runs tasks in parallel")
}

func TestFailureCascadesThroughQueue(t *testing.T) {
	h := newHarness(t)
	a := h.submit(t, "a")
	b := h.submit(t, "b", a.ID)

	exec := &fakeExecutor{failWith: map[string]string{a.ID: "llm refused"}}
	summary := runSwarm(t, h, exec, Config{
		MaxConcurrentAgents: 1,
		TaskLimit:           1,
		PollInterval:        10 * time.Millisecond,
	})

	assert.Equal(t, 1, summary.Failed)

	ctx := context.Background()
	got, err := h.store.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "llm refused", *got.ErrorMessage)

	got, err = h.store.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status, "dependent cancelled by cascade")
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	h := newHarness(t)
	a := h.submit(t, "a")

	exec := &fakeExecutor{panicOn: map[string]bool{a.ID: true}}
	summary := runSwarm(t, h, exec, Config{
		MaxConcurrentAgents: 1,
		TaskLimit:           1,
		PollInterval:        10 * time.Millisecond,
	})

	assert.Equal(t, 1, summary.Failed)

	got, err := h.store.GetTask(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "panic")
}

func TestShutdownStopsIdleLoop(t *testing.T) {
	h := newHarness(t)

	exec := &fakeExecutor{}
	o := NewOrchestrator(h.queue, h.store, exec, Config{
		MaxConcurrentAgents: 1,
		TaskLimit:           UnlimitedTasks,
		PollInterval:        10 * time.Millisecond,
	}, zerolog.Nop())

	done := make(chan *Summary, 1)
	go func() {
		summary, err := o.Run(context.Background())
		require.NoError(t, err)
		done <- summary
	}()

	time.Sleep(30 * time.Millisecond)
	o.Shutdown()

	select {
	case summary := <-done:
		assert.Zero(t, summary.Spawned)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop after shutdown")
	}
}

func TestUnblockedWorkRunsInSameSwarm(t *testing.T) {
	h := newHarness(t)
	a := h.submit(t, "a")
	b := h.submit(t, "b", a.ID)

	exec := &fakeExecutor{}
	summary := runSwarm(t, h, exec, Config{
		MaxConcurrentAgents: 1,
		TaskLimit:           2,
		PollInterval:        10 * time.Millisecond,
	})

	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, []string{a.ID, b.ID}, exec.executed, "dependent runs after its prerequisite")
}
