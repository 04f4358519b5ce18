package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/abathur-dev/abathur/internal/storage"
	"github.com/abathur-dev/abathur/internal/types"
)

// Verify txStore implements storage.Transaction at compile time.
var _ storage.Transaction = (*txStore)(nil)

// txStore wraps a dedicated connection holding an open transaction.
type txStore struct {
	conn *sql.Conn
}

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying on
// SQLITE_BUSY with exponential backoff. IMMEDIATE acquires the write lock
// up front so competing writers queue here instead of deadlocking at the
// first write statement.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// RunInTransaction executes fn within a single database transaction on a
// dedicated connection. On error or panic the transaction rolls back; the
// panic is re-raised.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return wrapDBError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return wrapDBError("begin transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&txStore{conn: conn}); err != nil {
		return err // rollback in defer
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return wrapDBError("commit transaction", err)
	}
	committed = true
	return nil
}

// CreateTask inserts a task within the transaction.
func (t *txStore) CreateTask(ctx context.Context, task *types.Task) error {
	return insertTask(ctx, t.conn, task)
}

// GetTask reads a task within the transaction.
func (t *txStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return getTask(ctx, t.conn, id)
}

// AddDependency inserts an edge within the transaction.
func (t *txStore) AddDependency(ctx context.Context, dep *types.TaskDependency) error {
	if err := dep.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO task_dependencies
			(id, dependent_task_id, prerequisite_task_id, dependency_type, created_at, resolved_at)
		VALUES (?,?,?,?,?,?)`,
		dep.ID, dep.DependentTaskID, dep.PrerequisiteTaskID, dep.DependencyType,
		dep.CreatedAt, nullTime(dep.ResolvedAt))
	return wrapDBError("add dependency", err)
}

// TransitionTask flips status iff the current status is in from. The
// rowcount tells the caller whether the CAS won; a false return on a task
// already in the target state is how terminal-state retries become no-ops.
func (t *txStore) TransitionTask(ctx context.Context, id string, from []types.TaskStatus, to types.TaskStatus, stamp storage.TransitionStamp) (bool, error) {
	if stamp.Now.IsZero() {
		stamp.Now = time.Now().UTC()
	}

	sets := "status = ?, last_updated_at = ?"
	args := []interface{}{to, stamp.Now}
	if stamp.StartedAt != nil {
		sets += ", started_at = ?"
		args = append(args, *stamp.StartedAt)
	} else if stamp.ClearStarted {
		sets += ", started_at = NULL"
	}
	if stamp.CompletedAt != nil {
		sets += ", completed_at = ?"
		args = append(args, *stamp.CompletedAt)
	} else if stamp.ClearCompleted {
		sets += ", completed_at = NULL"
	}
	if stamp.ClearError {
		sets += ", error_message = NULL"
	}

	args = append(args, id)
	query := "UPDATE tasks SET " + sets + " WHERE id = ?"
	if len(from) > 0 {
		in, fromArgs := buildStatusInClause(from)
		query += " AND status IN " + in
		args = append(args, fromArgs...)
	}

	res, err := t.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrapDBError("transition task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBError("transition task", err)
	}
	return n == 1, nil
}

func buildStatusInClause(statuses []types.TaskStatus) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = s
	}
	return "(" + placeholders + ")", args
}

// ResolveDependenciesOn closes every open edge gated on taskID and returns
// the dependents whose edges were touched.
func (t *txStore) ResolveDependenciesOn(ctx context.Context, taskID string, at time.Time) ([]string, error) {
	rows, err := t.conn.QueryContext(ctx, `
		SELECT DISTINCT dependent_task_id FROM task_dependencies
		WHERE prerequisite_task_id = ? AND resolved_at IS NULL`, taskID)
	if err != nil {
		return nil, wrapDBError("resolve edges", err)
	}
	defer rows.Close()

	var dependents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("resolve edges", err)
		}
		dependents = append(dependents, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("resolve edges", err)
	}

	if len(dependents) > 0 {
		_, err = t.conn.ExecContext(ctx, `
			UPDATE task_dependencies SET resolved_at = ?
			WHERE prerequisite_task_id = ? AND resolved_at IS NULL`,
			at.UTC(), taskID)
		if err != nil {
			return nil, wrapDBError("resolve edges", err)
		}
	}
	return dependents, nil
}

// UnresolvedPrerequisiteCount returns open-edge counts for each dependent.
// Dependents with no open edges appear with a zero count.
func (t *txStore) UnresolvedPrerequisiteCount(ctx context.Context, dependentIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(dependentIDs))
	for _, id := range dependentIDs {
		counts[id] = 0
	}
	for _, chunk := range chunkIDs(dependentIDs) {
		in, args := buildInClause(chunk)
		rows, err := t.conn.QueryContext(ctx, `
			SELECT dependent_task_id, COUNT(*) FROM task_dependencies
			WHERE dependent_task_id IN `+in+` AND resolved_at IS NULL
			GROUP BY dependent_task_id`, args...)
		if err != nil {
			return nil, wrapDBError("count open edges", err)
		}
		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return nil, wrapDBError("count open edges", err)
			}
			counts[id] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, wrapDBError("count open edges", err)
		}
		rows.Close()
	}
	return counts, nil
}

// UnresolvedDependentEdges returns dependents reachable in one hop over
// open edges from any of the given prerequisites.
func (t *txStore) UnresolvedDependentEdges(ctx context.Context, prerequisiteIDs []string) ([]string, error) {
	var dependents []string
	for _, chunk := range chunkIDs(prerequisiteIDs) {
		in, args := buildInClause(chunk)
		rows, err := t.conn.QueryContext(ctx, `
			SELECT DISTINCT dependent_task_id FROM task_dependencies
			WHERE prerequisite_task_id IN `+in+` AND resolved_at IS NULL`, args...)
		if err != nil {
			return nil, wrapDBError("walk dependents", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, wrapDBError("walk dependents", err)
			}
			dependents = append(dependents, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, wrapDBError("walk dependents", err)
		}
		rows.Close()
	}
	return dependents, nil
}

// BulkCancel cancels every non-terminal task in ids and returns the ones
// actually transitioned. Terminal tasks are skipped, keeping the cascade
// idempotent.
func (t *txStore) BulkCancel(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	var cancelled []string
	for _, chunk := range chunkIDs(ids) {
		in, args := buildInClause(chunk)
		rows, err := t.conn.QueryContext(ctx, `
			SELECT id FROM tasks WHERE id IN `+in+`
			AND status NOT IN ('completed','failed','cancelled')`, args...)
		if err != nil {
			return nil, wrapDBError("bulk cancel", err)
		}
		var eligible []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, wrapDBError("bulk cancel", err)
			}
			eligible = append(eligible, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, wrapDBError("bulk cancel", err)
		}
		rows.Close()

		if len(eligible) == 0 {
			continue
		}
		in, args = buildInClause(eligible)
		_, err = t.conn.ExecContext(ctx, `
			UPDATE tasks SET status = 'cancelled', last_updated_at = ?
			WHERE id IN `+in,
			append([]interface{}{at.UTC()}, args...)...)
		if err != nil {
			return nil, wrapDBError("bulk cancel", err)
		}
		cancelled = append(cancelled, eligible...)
	}
	return cancelled, nil
}

// UpdateTaskPriority persists depth and priority within the transaction.
func (t *txStore) UpdateTaskPriority(ctx context.Context, id string, depth int, priority float64) error {
	return updateTaskPriority(ctx, t.conn, id, depth, priority)
}

// SetTaskError records a failure message.
func (t *txStore) SetTaskError(ctx context.Context, id string, message string) error {
	_, err := t.conn.ExecContext(ctx,
		"UPDATE tasks SET error_message = ?, last_updated_at = ? WHERE id = ?",
		message, time.Now().UTC(), id)
	return wrapDBError("set error", err)
}

// IncrementRetryCount bumps the retry counter for a fresh execution epoch.
func (t *txStore) IncrementRetryCount(ctx context.Context, id string) error {
	_, err := t.conn.ExecContext(ctx,
		"UPDATE tasks SET retry_count = retry_count + 1, last_updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	return wrapDBError("increment retry count", err)
}

// SetTaskResult records executor output.
func (t *txStore) SetTaskResult(ctx context.Context, id string, result []byte) error {
	_, err := t.conn.ExecContext(ctx,
		"UPDATE tasks SET result_data = ?, last_updated_at = ? WHERE id = ?",
		string(result), time.Now().UTC(), id)
	return wrapDBError("set result", err)
}
