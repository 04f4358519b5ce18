// Package types defines core data structures for the abathur task queue.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Default task attributes applied at enqueue time.
const (
	DefaultMaxRetries              = 3
	DefaultMaxExecutionTimeoutSecs = 3600
	DefaultBasePriority            = 5
	DefaultAgentType               = "requirements-gatherer"

	// MaxSummaryLength bounds the human-readable summary column.
	MaxSummaryLength = 140
)

// Task represents a schedulable unit of work executed by an agent.
type Task struct {
	ID          string          `json:"id"`
	Prompt      string          `json:"prompt"`
	Summary     string          `json:"summary,omitempty"`
	AgentType   string          `json:"agent_type,omitempty"`
	InputData   json.RawMessage `json:"input_data,omitempty"`
	Source      TaskSource      `json:"source"`
	Status      TaskStatus      `json:"status"`

	BasePriority             int        `json:"base_priority"`
	CalculatedPriority       float64    `json:"calculated_priority"`
	Deadline                 *time.Time `json:"deadline,omitempty"`
	EstimatedDurationSeconds *int       `json:"estimated_duration_seconds,omitempty"`
	DependencyDepth          int        `json:"dependency_depth"`

	RetryCount                 int `json:"retry_count"`
	MaxRetries                 int `json:"max_retries"`
	MaxExecutionTimeoutSeconds int `json:"max_execution_timeout_seconds"`

	SubmittedAt   time.Time  `json:"submitted_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`

	// ParentTaskID records lineage for agent-spawned work. It is set at
	// creation, never mutated, and never consulted for scheduling.
	ParentTaskID *string `json:"parent_task_id,omitempty"`

	// Correlation fields passed through to executors unchanged.
	SessionID     *string `json:"session_id,omitempty"`
	FeatureBranch *string `json:"feature_branch,omitempty"`
	TaskBranch    *string `json:"task_branch,omitempty"`
	WorktreePath  *string `json:"worktree_path,omitempty"`

	ResultData   json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`

	// Dependencies is populated only on read paths that ask for edges.
	Dependencies []*TaskDependency `json:"dependencies,omitempty"`
}

// Validate checks field values before the task is persisted.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(t.Summary) > MaxSummaryLength {
		return fmt.Errorf("summary must be %d characters or less (got %d)", MaxSummaryLength, len(t.Summary))
	}
	if t.BasePriority < 0 || t.BasePriority > 10 {
		return fmt.Errorf("base priority must be between 0 and 10 (got %d)", t.BasePriority)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if !t.Source.IsValid() {
		return fmt.Errorf("invalid source: %s", t.Source)
	}
	if t.EstimatedDurationSeconds != nil && *t.EstimatedDurationSeconds < 0 {
		return fmt.Errorf("estimated_duration_seconds cannot be negative")
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if t.Status == StatusCompleted && t.CompletedAt == nil {
		return fmt.Errorf("completed tasks must have completed_at timestamp")
	}
	return nil
}

// SetDefaults applies default values for fields omitted at creation.
func (t *Task) SetDefaults() {
	if t.AgentType == "" {
		t.AgentType = DefaultAgentType
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.MaxExecutionTimeoutSeconds == 0 {
		t.MaxExecutionTimeoutSeconds = DefaultMaxExecutionTimeoutSecs
	}
	if t.Summary == "" {
		t.Summary = DeriveSummary(t.Prompt, t.Source)
	}
}

// IsTerminal reports whether the task has reached a sink status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// DeriveSummary builds the auto-generated summary for a task whose caller
// did not supply one. Human-submitted prompts are labeled so they stand out
// in listings; the prefix plus 126 prompt characters stays within the
// summary length limit.
func DeriveSummary(prompt string, source TaskSource) string {
	prompt = strings.TrimSpace(prompt)
	if source == SourceHuman {
		const prefix = "User Prompt: "
		return prefix + truncate(prompt, 126)
	}
	return truncate(prompt, MaxSummaryLength)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}

// TaskStatus represents the scheduling state of a task.
type TaskStatus string

// Task status constants.
const (
	StatusPending   TaskStatus = "pending"
	StatusBlocked   TaskStatus = "blocked"
	StatusReady     TaskStatus = "ready"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// AllStatuses lists every valid status, in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusPending, StatusBlocked, StatusReady, StatusRunning,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsValid checks if the status value is valid.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusBlocked, StatusReady, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a sink: no transition leaves it
// except an explicit retry.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts user input to a TaskStatus, listing the valid set on
// failure so CLI errors are actionable.
func ParseStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		valid := make([]string, len(AllStatuses))
		for i, v := range AllStatuses {
			valid[i] = string(v)
		}
		return "", fmt.Errorf("unknown status %q (valid: %s)", s, strings.Join(valid, ", "))
	}
	return st, nil
}

// TaskSource identifies who or what submitted a task.
type TaskSource string

// Task source constants.
const (
	SourceHuman               TaskSource = "human"
	SourceAgentRequirements   TaskSource = "agent_requirements"
	SourceAgentPlanner        TaskSource = "agent_planner"
	SourceAgentImplementation TaskSource = "agent_implementation"
)

// IsValid checks if the source value is valid.
func (s TaskSource) IsValid() bool {
	switch s {
	case SourceHuman, SourceAgentRequirements, SourceAgentPlanner, SourceAgentImplementation:
		return true
	}
	return false
}

// DependencyType distinguishes how a prerequisite gates its dependent.
type DependencyType string

// Dependency type constants.
const (
	DepSequential DependencyType = "sequential"
	DepParallel   DependencyType = "parallel"
)

// IsValid checks if the dependency type is valid.
func (d DependencyType) IsValid() bool {
	return d == DepSequential || d == DepParallel
}

// TaskDependency is a directed edge: DependentTaskID is gated on
// PrerequisiteTaskID. Only edges with a nil ResolvedAt participate in
// scheduling.
type TaskDependency struct {
	ID                 string         `json:"id"`
	DependentTaskID    string         `json:"dependent_task_id"`
	PrerequisiteTaskID string         `json:"prerequisite_task_id"`
	DependencyType     DependencyType `json:"dependency_type"`
	CreatedAt          time.Time      `json:"created_at"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
}

// Resolved reports whether the prerequisite has completed.
func (d *TaskDependency) Resolved() bool {
	return d.ResolvedAt != nil
}

// Validate checks edge constraints before insert.
func (d *TaskDependency) Validate() error {
	if d.DependentTaskID == "" || d.PrerequisiteTaskID == "" {
		return fmt.Errorf("dependency endpoints are required")
	}
	if d.DependentTaskID == d.PrerequisiteTaskID {
		return fmt.Errorf("task %s cannot depend on itself", d.DependentTaskID)
	}
	if !d.DependencyType.IsValid() {
		return fmt.Errorf("invalid dependency type: %s", d.DependencyType)
	}
	return nil
}

// Agent records a worker bound to a task for its execution epoch.
type Agent struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	AgentType string     `json:"agent_type"`
	Status    string     `json:"status"`
	SpawnedAt time.Time  `json:"spawned_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Checkpoint is an executor-written resume point for a task.
type Checkpoint struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditEntry is an append-only trace record. AgentID is nullable and is
// detached (not cascaded) when the owning agent's task is pruned.
type AuditEntry struct {
	ID        int64     `json:"id"`
	AgentID   *string   `json:"agent_id,omitempty"`
	TaskID    *string   `json:"task_id,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
