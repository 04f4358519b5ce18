package types

import "time"

// StatusCount aggregates tasks sharing a status.
type StatusCount struct {
	Status      TaskStatus `json:"status"`
	Count       int        `json:"count"`
	AvgPriority float64    `json:"avg_priority"`
}

// QueueStats is a point-in-time snapshot of queue health.
type QueueStats struct {
	TotalTasks    int                        `json:"total_tasks"`
	ByStatus      map[TaskStatus]StatusCount `json:"by_status"`
	MaxDepth      int                        `json:"max_dependency_depth"`
	OldestPending *time.Time                 `json:"oldest_pending,omitempty"`
	NewestTask    *time.Time                 `json:"newest_task,omitempty"`
}

// TaskFilter narrows task listing queries. Zero values mean "any".
type TaskFilter struct {
	Status        TaskStatus
	ExcludeStatus TaskStatus
	Source        TaskSource
	AgentType     string
	FeatureBranch string
	SessionID     string
	ParentTaskID  string
	Limit         int
}
