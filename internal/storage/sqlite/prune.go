package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/abathur-dev/abathur/internal/storage"
	"github.com/abathur-dev/abathur/internal/types"
)

// PruneTasks bulk-deletes tasks matching the filters inside one
// transaction, walking the referential dance in a fixed order:
//
//  1. orphan children (null their parent_task_id)
//  2. detach audit rows from agents about to cascade
//  3. clear legacy task_state rows (no FK)
//  4. delete dependency edges touching the set
//  5. delete the tasks (agents and checkpoints cascade)
//
// Dry runs collect the same statistics and then roll back. VACUUM, when
// requested, runs after commit so a vacuum failure never undoes the
// delete.
func (s *Store) PruneTasks(ctx context.Context, filters types.PruneFilters) (*types.PruneResult, error) {
	if err := filters.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prune filters: %w", err)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, wrapDBError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return nil, wrapDBError("begin prune", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	result := &types.PruneResult{
		DryRun:            filters.DryRun,
		BreakdownByStatus: make(map[types.TaskStatus]int),
	}

	ids, err := s.selectPruneSet(ctx, conn, &filters, result)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		// Nothing matched; commit the empty transaction and return the
		// (empty) preview.
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return nil, wrapDBError("commit prune", err)
		}
		committed = true
		return result, nil
	}

	for _, chunk := range chunkIDs(ids) {
		if err := s.pruneChunk(ctx, conn, chunk, result); err != nil {
			return nil, err
		}
	}
	result.DeletedTasks = len(ids)

	if filters.DryRun {
		// Preview only: statistics are collected, nothing is kept.
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		committed = true
		return result, nil
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, wrapDBError("commit prune", err)
	}
	committed = true

	// Release the dedicated connection before VACUUM; it needs the pool.
	_ = conn.Close()
	s.maybeVacuum(ctx, filters.VacuumMode, result)

	return result, nil
}

// selectPruneSet builds the deletion set: one shared WHERE clause combining
// explicit IDs, time bounds, and the status set, ordered oldest first.
func (s *Store) selectPruneSet(ctx context.Context, conn *sql.Conn, filters *types.PruneFilters, result *types.PruneResult) ([]string, error) {
	whereClauses := []string{}
	args := []interface{}{}

	if len(filters.IDs) > 0 {
		in, inArgs := buildInClause(filters.IDs)
		whereClauses = append(whereClauses, "id IN "+in)
		args = append(args, inArgs...)
	}
	if filters.OlderThanDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -filters.OlderThanDays)
		whereClauses = append(whereClauses, "submitted_at < ?")
		args = append(args, cutoff)
	}
	if filters.BeforeDate != nil {
		whereClauses = append(whereClauses, "submitted_at < ?")
		args = append(args, filters.BeforeDate.UTC())
	}
	if statuses := filters.EffectiveStatuses(); len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		whereClauses = append(whereClauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}

	query := "SELECT id, status FROM tasks WHERE " + strings.Join(whereClauses, " AND ") +
		" ORDER BY submitted_at ASC"
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("select prune set", err)
	}
	defer rows.Close()

	var ids []string
	statusByID := make(map[string]types.TaskStatus)
	for rows.Next() {
		var id string
		var status types.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, wrapDBError("select prune set", err)
		}
		ids = append(ids, id)
		statusByID[id] = status
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("select prune set", err)
	}

	if filters.Recursive {
		ids, err = s.expandDescendants(ctx, conn, ids, statusByID)
		if err != nil {
			return nil, err
		}
	} else if len(filters.IDs) > 0 {
		// Explicit ID selections refuse parents whose children are not
		// also being deleted; filter-based selections orphan deliberately.
		ids, err = s.refuseLiveParents(ctx, conn, ids, statusByID, result)
		if err != nil {
			return nil, err
		}
	}

	for _, id := range ids {
		result.BreakdownByStatus[statusByID[id]]++
	}
	return ids, nil
}

// expandDescendants grows the selection to the full lineage subtree,
// leaves first. Every descendant must itself be in a terminal status;
// otherwise the prune refuses rather than cancel work implicitly.
func (s *Store) expandDescendants(ctx context.Context, conn *sql.Conn, roots []string, statusByID map[string]types.TaskStatus) ([]string, error) {
	seen := make(map[string]bool, len(roots))
	for _, id := range roots {
		seen[id] = true
	}

	// BFS over parent_task_id, collecting levels so deeper tasks delete
	// first.
	var levels [][]string
	frontier := roots
	for len(frontier) > 0 {
		var next []string
		for _, chunk := range chunkIDs(frontier) {
			in, args := buildInClause(chunk)
			rows, err := conn.QueryContext(ctx,
				"SELECT id, status FROM tasks WHERE parent_task_id IN "+in, args...)
			if err != nil {
				return nil, wrapDBError("expand descendants", err)
			}
			for rows.Next() {
				var id string
				var status types.TaskStatus
				if err := rows.Scan(&id, &status); err != nil {
					rows.Close()
					return nil, wrapDBError("expand descendants", err)
				}
				if seen[id] {
					continue
				}
				if !status.IsTerminal() {
					rows.Close()
					return nil, fmt.Errorf("recursive prune refused: descendant %s is %s: %w",
						id, status, storage.ErrConflict)
				}
				seen[id] = true
				statusByID[id] = status
				next = append(next, id)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, wrapDBError("expand descendants", err)
			}
			rows.Close()
		}
		if len(next) > 0 {
			levels = append(levels, next)
		}
		frontier = next
	}

	// Leaves first, roots last.
	ordered := make([]string, 0, len(seen))
	for i := len(levels) - 1; i >= 0; i-- {
		ordered = append(ordered, levels[i]...)
	}
	return append(ordered, roots...), nil
}

// refuseLiveParents drops, from an explicit ID selection, any task that
// still has a child row outside the selection, and reports them. Deleting
// such a parent would silently cut lineage the caller never asked about.
func (s *Store) refuseLiveParents(ctx context.Context, conn *sql.Conn, ids []string, statusByID map[string]types.TaskStatus, result *types.PruneResult) ([]string, error) {
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}

	blocked := make(map[string]bool)
	for _, chunk := range chunkIDs(ids) {
		in, args := buildInClause(chunk)
		rows, err := conn.QueryContext(ctx, `
			SELECT DISTINCT parent_task_id, id FROM tasks
			WHERE parent_task_id IN `+in, args...)
		if err != nil {
			return nil, wrapDBError("check children", err)
		}
		for rows.Next() {
			var parent, child string
			if err := rows.Scan(&parent, &child); err != nil {
				rows.Close()
				return nil, wrapDBError("check children", err)
			}
			if !selected[child] {
				blocked[parent] = true
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, wrapDBError("check children", err)
		}
		rows.Close()
	}

	if len(blocked) == 0 {
		return ids, nil
	}

	kept := ids[:0]
	for _, id := range ids {
		if blocked[id] {
			delete(statusByID, id)
			result.BlockedParents = append(result.BlockedParents, id)
			continue
		}
		kept = append(kept, id)
	}
	return kept, nil
}

// pruneChunk runs the five-step referential sequence for one chunk.
func (s *Store) pruneChunk(ctx context.Context, conn *sql.Conn, chunk []string, result *types.PruneResult) error {
	in, args := buildInClause(chunk)

	// 1. Orphan children: lineage is cut deliberately, scheduling is not
	// affected.
	if _, err := conn.ExecContext(ctx,
		"UPDATE tasks SET parent_task_id = NULL WHERE parent_task_id IN "+in, args...); err != nil {
		return wrapDBError("orphan children", err)
	}

	// 2. Detach audit rows before their agents cascade; audit.agent_id has
	// no cascade of its own.
	if _, err := conn.ExecContext(ctx,
		"UPDATE audit SET agent_id = NULL WHERE agent_id IN (SELECT id FROM agents WHERE task_id IN "+in+")", args...); err != nil {
		return wrapDBError("detach audit", err)
	}

	// 3. Legacy table, no FK.
	if _, err := conn.ExecContext(ctx,
		"DELETE FROM task_state WHERE task_id IN "+in, args...); err != nil {
		return wrapDBError("delete task_state", err)
	}

	// 4. Edges in both directions.
	doubled := append(append([]interface{}{}, args...), args...)
	res, err := conn.ExecContext(ctx,
		"DELETE FROM task_dependencies WHERE prerequisite_task_id IN "+in+
			" OR dependent_task_id IN "+in, doubled...)
	if err != nil {
		return wrapDBError("delete dependencies", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.DeletedDependencies += int(n)
	}

	// 5. The tasks themselves; agents and checkpoints cascade.
	if _, err := conn.ExecContext(ctx,
		"DELETE FROM tasks WHERE id IN "+in, args...); err != nil {
		return wrapDBError("delete tasks", err)
	}
	return nil
}

// maybeVacuum applies the vacuum policy after a committed prune.
func (s *Store) maybeVacuum(ctx context.Context, mode types.VacuumMode, result *types.PruneResult) {
	if mode == "" {
		mode = types.VacuumConditional
	}
	switch mode {
	case types.VacuumNever:
		return
	case types.VacuumConditional:
		if result.DeletedTasks >= types.VacuumAutoSkipThreshold {
			// A vacuum after a huge prune holds an exclusive lock for
			// minutes; skip and let the operator schedule one.
			result.VacuumAutoSkipped = true
			return
		}
		if result.DeletedTasks < types.VacuumConditionalMinDeleted {
			return
		}
	case types.VacuumAlways:
		// fall through
	}

	before, err := s.databaseSize(ctx)
	if err != nil {
		return
	}
	// Vacuum failures are deliberately swallowed: the delete is already
	// committed.
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return
	}
	after, err := s.databaseSize(ctx)
	if err != nil {
		return
	}
	reclaimed := before - after
	if reclaimed < 0 {
		reclaimed = 0
	}
	result.ReclaimedBytes = &reclaimed
}

func (s *Store) databaseSize(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}
