package sqlite

import (
	"context"

	"github.com/abathur-dev/abathur/internal/types"
)

const depColumns = `id, dependent_task_id, prerequisite_task_id,
	dependency_type, created_at, resolved_at`

// GetUnresolvedDependencies returns every open edge. The resolver rebuilds
// its in-memory graph from this.
func (s *Store) GetUnresolvedDependencies(ctx context.Context) ([]*types.TaskDependency, error) {
	return s.queryDeps(ctx, "load open edges",
		"SELECT "+depColumns+" FROM task_dependencies WHERE resolved_at IS NULL")
}

// GetDependenciesFor returns all edges (resolved and open) whose dependent
// is taskID.
func (s *Store) GetDependenciesFor(ctx context.Context, taskID string) ([]*types.TaskDependency, error) {
	return s.queryDeps(ctx, "get dependencies",
		"SELECT "+depColumns+" FROM task_dependencies WHERE dependent_task_id = ? ORDER BY created_at ASC",
		taskID)
}

// GetDependentsOf returns all edges whose prerequisite is taskID.
func (s *Store) GetDependentsOf(ctx context.Context, taskID string) ([]*types.TaskDependency, error) {
	return s.queryDeps(ctx, "get dependents",
		"SELECT "+depColumns+" FROM task_dependencies WHERE prerequisite_task_id = ? ORDER BY created_at ASC",
		taskID)
}

func (s *Store) queryDeps(ctx context.Context, op, query string, args ...interface{}) ([]*types.TaskDependency, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(op, err)
	}
	defer rows.Close()

	var deps []*types.TaskDependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, wrapDBError(op, err)
		}
		deps = append(deps, dep)
	}
	return deps, wrapDBError(op, rows.Err())
}
