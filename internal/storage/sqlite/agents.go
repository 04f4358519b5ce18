package sqlite

import (
	"context"
	"time"

	"github.com/abathur-dev/abathur/internal/types"
)

// CreateAgent records a worker bound to a task. Cascades away with the
// task on prune.
func (s *Store) CreateAgent(ctx context.Context, agent *types.Agent) error {
	if agent.SpawnedAt.IsZero() {
		agent.SpawnedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, task_id, agent_type, status, spawned_at, ended_at)
		VALUES (?,?,?,?,?,?)`,
		agent.ID, agent.TaskID, agent.AgentType, agent.Status,
		agent.SpawnedAt, nullTime(agent.EndedAt))
	return wrapDBError("create agent", err)
}

// CreateCheckpoint stores an executor resume point.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, name, data, created_at)
		VALUES (?,?,?,?)`,
		cp.TaskID, cp.Name, nullJSON(cp.Data), cp.CreatedAt)
	if err != nil {
		return wrapDBError("create checkpoint", err)
	}
	cp.ID, _ = res.LastInsertId()
	return nil
}

// AppendAudit writes one audit row. Audit rows are never updated or
// cascaded; prune detaches their agent reference instead of deleting them.
func (s *Store) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (agent_id, task_id, action, detail, created_at)
		VALUES (?,?,?,?,?)`,
		nullStr(entry.AgentID), nullStr(entry.TaskID), entry.Action, entry.Detail, entry.CreatedAt)
	if err != nil {
		return wrapDBError("append audit", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}
