package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/abathur-dev/abathur/internal/storage"
	"github.com/abathur-dev/abathur/internal/types"
)

// CreateTask inserts a task row. Timestamps are stamped here so callers
// never persist zero times.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	return insertTask(ctx, s.db, task)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type querier interface {
	execer
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertTask(ctx context.Context, db execer, task *types.Task) error {
	task.SetDefaults()
	if err := task.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = now
	}
	task.LastUpdatedAt = now

	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, prompt, summary, agent_type, input_data, source, status,
			base_priority, calculated_priority, deadline, estimated_duration_seconds,
			dependency_depth, retry_count, max_retries, max_execution_timeout_seconds,
			submitted_at, started_at, completed_at, last_updated_at,
			parent_task_id, session_id, feature_branch, task_branch, worktree_path,
			result_data, error_message
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.Prompt, task.Summary, task.AgentType, nullJSON(task.InputData),
		task.Source, task.Status,
		task.BasePriority, task.CalculatedPriority, nullTime(task.Deadline),
		nullInt(task.EstimatedDurationSeconds),
		task.DependencyDepth, task.RetryCount, task.MaxRetries, task.MaxExecutionTimeoutSeconds,
		task.SubmittedAt, nullTime(task.StartedAt), nullTime(task.CompletedAt), task.LastUpdatedAt,
		nullStr(task.ParentTaskID), nullStr(task.SessionID), nullStr(task.FeatureBranch),
		nullStr(task.TaskBranch), nullStr(task.WorktreePath),
		nullJSON(task.ResultData), nullStr(task.ErrorMessage),
	)
	return wrapDBError("create task", err)
}

// GetTask returns the task with the given ID.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, db querier, id string) (*types.Task, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get task %s", id), err)
	}
	return task, nil
}

// GetTasksByIDs returns the tasks for the given IDs in one chunked query.
// Missing IDs are silently absent from the result.
func (s *Store) GetTasksByIDs(ctx context.Context, ids []string) ([]*types.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var all []*types.Task
	for _, chunk := range chunkIDs(ids) {
		in, args := buildInClause(chunk)
		tasks, err := s.queryTasks(ctx, "get tasks by ids",
			"SELECT "+taskColumns+" FROM tasks WHERE id IN "+in, args...)
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
	}
	return all, nil
}

// ResolveTaskPrefix finds the unique task whose ID starts with prefix.
// Zero matches maps to ErrNotFound; multiple matches to ErrAmbiguous with
// the candidate IDs in the message.
func (s *Store) ResolveTaskPrefix(ctx context.Context, prefix string) (*types.Task, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, fmt.Errorf("empty task ID: %w", storage.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM tasks WHERE id LIKE ? || '%' ORDER BY id LIMIT 11", prefix)
	if err != nil {
		return nil, wrapDBError("resolve prefix", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("resolve prefix", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("resolve prefix", err)
	}

	switch len(ids) {
	case 0:
		return nil, fmt.Errorf("no task matches %q: %w", prefix, storage.ErrNotFound)
	case 1:
		return s.GetTask(ctx, ids[0])
	default:
		return nil, fmt.Errorf("%q matches %d tasks (%s): %w",
			prefix, len(ids), strings.Join(ids, ", "), storage.ErrAmbiguous)
	}
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	whereClauses := []string{"1=1"}
	args := []interface{}{}

	if filter.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ExcludeStatus != "" {
		whereClauses = append(whereClauses, "status != ?")
		args = append(args, filter.ExcludeStatus)
	}
	if filter.Source != "" {
		whereClauses = append(whereClauses, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.AgentType != "" {
		whereClauses = append(whereClauses, "agent_type = ?")
		args = append(args, filter.AgentType)
	}
	if filter.FeatureBranch != "" {
		whereClauses = append(whereClauses, "feature_branch = ?")
		args = append(args, filter.FeatureBranch)
	}
	if filter.SessionID != "" {
		whereClauses = append(whereClauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.ParentTaskID != "" {
		whereClauses = append(whereClauses, "parent_task_id = ?")
		args = append(args, filter.ParentTaskID)
	}

	query := "SELECT " + taskColumns + " FROM tasks WHERE " +
		strings.Join(whereClauses, " AND ") + " ORDER BY submitted_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryTasks(ctx, "list tasks", query, args...)
}

func (s *Store) queryTasks(ctx context.Context, op, query string, args ...interface{}) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(op, err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapDBError(op, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, wrapDBError(op, rows.Err())
}

// UpdateTaskPriority persists the computed dependency depth and priority.
// The write is idempotent: the values depend only on stored state, so a
// racing recomputation converges to the same result.
func (s *Store) UpdateTaskPriority(ctx context.Context, id string, depth int, priority float64) error {
	return updateTaskPriority(ctx, s.db, id, depth, priority)
}

func updateTaskPriority(ctx context.Context, db execer, id string, depth int, priority float64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE tasks
		SET dependency_depth = ?, calculated_priority = ?, last_updated_at = ?
		WHERE id = ?`,
		depth, priority, time.Now().UTC(), id)
	if err != nil {
		return wrapDBError("update priority", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update priority", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// updatableColumns whitelists the columns UpdateTaskFields may touch.
var updatableColumns = map[string]bool{
	"status":         true,
	"base_priority":  true,
	"agent_type":     true,
	"summary":        true,
	"session_id":     true,
	"feature_branch": true,
	"task_branch":    true,
	"worktree_path":  true,
	"retry_count":    true,
	"started_at":     true,
	"completed_at":   true,
	"error_message":  true,
	"result_data":    true,
}

// UpdateTaskFields applies a partial update. Column names are checked
// against a whitelist; values pass through as-is.
func (s *Store) UpdateTaskFields(ctx context.Context, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}

	// Deterministic column order keeps the statement cache effective.
	cols := make([]string, 0, len(updates))
	for col := range updates {
		if !updatableColumns[col] {
			return fmt.Errorf("column %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]interface{}, 0, len(cols)+2)
	for _, col := range cols {
		sets = append(sets, col+" = ?")
		args = append(args, updates[col])
	}
	sets = append(sets, "last_updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return wrapDBError("update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update task", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DequeueNextTask atomically claims the highest-priority ready task and
// transitions it to running. The conditional UPDATE is the whole point:
// two concurrent callers can select the same candidate, but only one wins
// the status CAS; the loser retries with the next candidate.
func (s *Store) DequeueNextTask(ctx context.Context) (*types.Task, error) {
	for {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE status = 'ready'
			ORDER BY calculated_priority DESC, submitted_at ASC
			LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, wrapDBError("dequeue", err)
		}

		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'running', started_at = ?, last_updated_at = ?
			WHERE id = ? AND status = 'ready'`,
			now, now, id)
		if err != nil {
			return nil, wrapDBError("dequeue", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, wrapDBError("dequeue", err)
		}
		if n == 1 {
			return s.GetTask(ctx, id)
		}
		// Lost the race; another worker claimed it. Try the next one.
	}
}

// GetStaleRunningTasks returns running tasks whose last heartbeat is older
// than their execution timeout.
func (s *Store) GetStaleRunningTasks(ctx context.Context, now time.Time) ([]*types.Task, error) {
	return s.queryTasks(ctx, "stale scan", `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running'
		AND (unixepoch(?) - unixepoch(last_updated_at)) > max_execution_timeout_seconds
		ORDER BY last_updated_at ASC`,
		now.UTC())
}

// GetChildTasks returns the direct children of the given parents in one
// query.
func (s *Store) GetChildTasks(ctx context.Context, parentIDs []string) ([]*types.Task, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	var all []*types.Task
	for _, chunk := range chunkIDs(parentIDs) {
		in, args := buildInClause(chunk)
		tasks, err := s.queryTasks(ctx, "get children",
			"SELECT "+taskColumns+" FROM tasks WHERE parent_task_id IN "+in+
				" ORDER BY submitted_at ASC", args...)
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
	}
	return all, nil
}

// GetQueueStats aggregates queue health in a handful of indexed queries.
func (s *Store) GetQueueStats(ctx context.Context) (*types.QueueStats, error) {
	stats := &types.QueueStats{
		ByStatus: make(map[types.TaskStatus]types.StatusCount),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), AVG(calculated_priority)
		FROM tasks GROUP BY status`)
	if err != nil {
		return nil, wrapDBError("queue stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc types.StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count, &sc.AvgPriority); err != nil {
			return nil, wrapDBError("queue stats", err)
		}
		stats.ByStatus[sc.Status] = sc
		stats.TotalTasks += sc.Count
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("queue stats", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(dependency_depth), 0) FROM tasks").Scan(&stats.MaxDepth); err != nil {
		return nil, wrapDBError("queue stats", err)
	}

	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(submitted_at) FROM tasks WHERE status = 'pending'").Scan(&oldest); err != nil {
		return nil, wrapDBError("queue stats", err)
	}
	if oldest.Valid {
		stats.OldestPending = timePtr(oldest.Time)
	}

	var newest sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		"SELECT MAX(submitted_at) FROM tasks").Scan(&newest); err != nil {
		return nil, wrapDBError("queue stats", err)
	}
	if newest.Valid {
		stats.NewestTask = timePtr(newest.Time)
	}

	return stats, nil
}
