package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/abathur-dev/abathur/internal/types"
)

func sampleTask() *types.Task {
	return &types.Task{
		ID:                 "aabbccdd-0000-0000-0000-000000000000",
		Prompt:             "do the thing",
		Summary:            "User Prompt: do the thing",
		AgentType:          "implementer",
		Source:             types.SourceHuman,
		Status:             types.StatusReady,
		BasePriority:       5,
		CalculatedPriority: 7.5,
		SubmittedAt:        time.Now().UTC().Add(-2 * time.Hour),
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "aabbccdd", ShortID("aabbccdd-0000-0000-0000-000000000000"))
	assert.Equal(t, "short", ShortID("short"))
}

func TestRenderTaskTable(t *testing.T) {
	out := RenderTaskTable([]*types.Task{sampleTask()})
	assert.Contains(t, out, "aabbccdd")
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "User Prompt: do the thing")
	assert.Contains(t, out, "2h")

	empty := RenderTaskTable(nil)
	assert.Contains(t, empty, "no tasks")
}

func TestRenderTaskDetail(t *testing.T) {
	task := sampleTask()
	msg := "it broke"
	task.Status = types.StatusFailed
	task.ErrorMessage = &msg
	task.RetryCount = 1
	task.MaxRetries = 3

	out := RenderTaskDetail(task)
	assert.Contains(t, out, task.ID)
	assert.Contains(t, out, "it broke")
	assert.Contains(t, out, "1 of 3")
	assert.Contains(t, out, "do the thing")
}

func TestRenderDependencyChain(t *testing.T) {
	out := RenderDependencyChain("target-task-id", [][]string{
		{"level0-a", "level0-b"},
		{"level1-a"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[1], "level0-a")
	assert.Contains(t, lines[3], "level1-a")
}

func TestRenderQueueStats(t *testing.T) {
	stats := &types.QueueStats{
		TotalTasks: 3,
		ByStatus: map[types.TaskStatus]types.StatusCount{
			types.StatusReady:   {Status: types.StatusReady, Count: 2, AvgPriority: 7},
			types.StatusBlocked: {Status: types.StatusBlocked, Count: 1, AvgPriority: 5.5},
		},
		MaxDepth: 2,
	}
	out := RenderQueueStats(stats)
	assert.Contains(t, out, "3 tasks")
	assert.Contains(t, out, "max dependency depth: 2")

	// Lifecycle order: blocked before ready.
	assert.Less(t, strings.Index(out, "blocked"), strings.Index(out, "ready"))
}

func TestRenderPruneResult(t *testing.T) {
	reclaimed := int64(2 << 20)
	res := &types.PruneResult{
		DeletedTasks:        12,
		DeletedDependencies: 4,
		BreakdownByStatus: map[types.TaskStatus]int{
			types.StatusCompleted: 10,
			types.StatusFailed:    2,
		},
		ReclaimedBytes: &reclaimed,
	}
	out := RenderPruneResult(res)
	assert.Contains(t, out, "deleted 12 tasks")
	assert.Contains(t, out, "2.0 MiB")

	res.DryRun = true
	res.ReclaimedBytes = nil
	out = RenderPruneResult(res)
	assert.Contains(t, out, "would delete")
	assert.NotContains(t, out, "reclaimed")
}
