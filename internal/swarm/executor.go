package swarm

import (
	"context"
	"encoding/json"

	"github.com/abathur-dev/abathur/internal/types"
)

// Result is the outcome of one task execution. Business failures come
// back with Success=false and Error set; executors reserve Go errors for
// infrastructure problems, which the orchestrator converts into failed
// results.
type Result struct {
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Executor runs one task to completion. Implementations must be safe to
// invoke concurrently on distinct tasks and should honor ctx
// cancellation; wall-clock enforcement is the stale-task scan's job, not
// the executor's.
type Executor interface {
	ExecuteTask(ctx context.Context, task *types.Task) (*Result, error)
}
