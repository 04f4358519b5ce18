// Package storage defines the persistence port for the task queue.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// depend on this interface rather than on the concrete type so that mocks
// and alternative backends can be substituted.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/abathur-dev/abathur/internal/types"
)

// Sentinel errors shared by all backends. The concrete store maps engine
// errors onto these so upper layers and the CLI can classify failures with
// errors.Is.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguous is returned when an ID prefix matches more than one task.
	ErrAmbiguous = errors.New("ambiguous ID prefix")

	// ErrConflict is returned for invalid state transitions and unique
	// constraint violations.
	ErrConflict = errors.New("conflict")

	// ErrBusy is returned when the engine's lock wait exceeded its budget.
	ErrBusy = errors.New("database busy")

	// ErrIntegrity is returned for constraint violations that indicate
	// corrupted or concurrently mutated data.
	ErrIntegrity = errors.New("integrity violation")
)

// Storage is the interface satisfied by *sqlite.Store.
type Storage interface {
	// Task CRUD
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	GetTasksByIDs(ctx context.Context, ids []string) ([]*types.Task, error)
	ResolveTaskPrefix(ctx context.Context, prefix string) (*types.Task, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error)
	UpdateTaskPriority(ctx context.Context, id string, depth int, priority float64) error
	UpdateTaskFields(ctx context.Context, id string, updates map[string]interface{}) error

	// Scheduling
	DequeueNextTask(ctx context.Context) (*types.Task, error)
	GetStaleRunningTasks(ctx context.Context, now time.Time) ([]*types.Task, error)
	GetChildTasks(ctx context.Context, parentIDs []string) ([]*types.Task, error)

	// Dependencies
	GetUnresolvedDependencies(ctx context.Context) ([]*types.TaskDependency, error)
	GetDependenciesFor(ctx context.Context, taskID string) ([]*types.TaskDependency, error)
	GetDependentsOf(ctx context.Context, taskID string) ([]*types.TaskDependency, error)

	// Ancillary records
	CreateAgent(ctx context.Context, agent *types.Agent) error
	CreateCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error

	// Aggregates
	GetQueueStats(ctx context.Context) (*types.QueueStats, error)

	// Administrative
	PruneTasks(ctx context.Context, filters types.PruneFilters) (*types.PruneResult, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the mutation primitives that must compose atomically.
// All operations share one database connection holding an open transaction;
// the enclosing RunInTransaction commits or rolls back as a unit.
type Transaction interface {
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	AddDependency(ctx context.Context, dep *types.TaskDependency) error

	// TransitionTask updates status iff the task is currently in one of
	// fromStatuses (compare-and-swap). Returns false when no row matched.
	TransitionTask(ctx context.Context, id string, from []types.TaskStatus, to types.TaskStatus, stamp TransitionStamp) (bool, error)

	// ResolveDependenciesOn marks every unresolved edge whose prerequisite
	// is taskID as resolved. Returns the dependent task IDs touched.
	ResolveDependenciesOn(ctx context.Context, taskID string, at time.Time) ([]string, error)

	// UnresolvedPrerequisiteCount returns the number of open edges gating
	// each of the given dependents.
	UnresolvedPrerequisiteCount(ctx context.Context, dependentIDs []string) (map[string]int, error)

	// UnresolvedDependentEdges returns dependent IDs of unresolved edges
	// whose prerequisite is one of the given IDs. Used for cascade BFS.
	UnresolvedDependentEdges(ctx context.Context, prerequisiteIDs []string) ([]string, error)

	// BulkCancel sets every non-terminal task in ids to cancelled.
	// Returns the IDs actually transitioned.
	BulkCancel(ctx context.Context, ids []string, at time.Time) ([]string, error)

	UpdateTaskPriority(ctx context.Context, id string, depth int, priority float64) error
	SetTaskError(ctx context.Context, id string, message string) error
	SetTaskResult(ctx context.Context, id string, result []byte) error

	// IncrementRetryCount bumps retry_count as part of a retry epoch reset.
	IncrementRetryCount(ctx context.Context, id string) error
}

// TransitionStamp carries the timestamp updates applied alongside a status
// transition. Nil pointers leave the corresponding column untouched.
type TransitionStamp struct {
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ClearStarted   bool
	ClearCompleted bool
	ClearError     bool
	Now            time.Time
}
