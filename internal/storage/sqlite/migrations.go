package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// migration is a forward-only, idempotent schema change. Each migration
// inspects current schema state before altering anything, so re-running
// against an already-migrated database is a no-op.
type migration struct {
	name string
	run  func(ctx context.Context, db *sql.DB) error
}

// migrations run in order after the base schema is applied. Never reorder
// or delete entries; append only.
var migrations = []migration{
	{name: "001_tasks_created_by", run: migrateTasksCreatedBy},
	{name: "002_checkpoints_cascade", run: migrateCheckpointsCascade},
	{name: "003_audit_task_index", run: migrateAuditTaskIndex},
}

// RunMigrations applies all pending migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range migrations {
		var applied int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE name = ?", m.name).Scan(&applied)
		if err != nil {
			return wrapDBError("check migration "+m.name, err)
		}
		if applied > 0 {
			continue
		}
		if err := m.run(ctx, db); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO schema_migrations (name) VALUES (?)", m.name); err != nil {
			return wrapDBError("record migration "+m.name, err)
		}
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// migrateTasksCreatedBy adds the created_by attribution column to
// databases created before it existed. The column is added nullable and
// backfilled before any NOT NULL expectation applies.
func migrateTasksCreatedBy(ctx context.Context, db *sql.DB) error {
	exists, err := columnExists(ctx, db, "tasks", "created_by")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := db.ExecContext(ctx,
		"ALTER TABLE tasks ADD COLUMN created_by TEXT"); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"UPDATE tasks SET created_by = '' WHERE created_by IS NULL")
	return err
}

// migrateCheckpointsCascade rebuilds the checkpoints table on databases
// whose FK predates ON DELETE CASCADE. SQLite cannot alter an FK clause in
// place, so the table is rebuilt with foreign keys disabled for the copy.
//
// If orphaned checkpoint rows exist (task_id no longer present), the
// migration refuses to run: a rebuild with the new clause would silently
// discard them. The operator gets a sample and the available remedies.
func migrateCheckpointsCascade(ctx context.Context, db *sql.DB) error {
	var createSQL string
	err := db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type='table' AND name='checkpoints'").Scan(&createSQL)
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToUpper(createSQL), "ON DELETE CASCADE") {
		return nil // already on the new clause
	}

	// Orphan guard: refuse rather than discard.
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.task_id FROM checkpoints c
		LEFT JOIN tasks t ON t.id = c.task_id
		WHERE t.id IS NULL LIMIT 5`)
	if err != nil {
		return err
	}
	var samples []string
	for rows.Next() {
		var id int64
		var taskID string
		if err := rows.Scan(&id, &taskID); err != nil {
			rows.Close()
			return err
		}
		samples = append(samples, fmt.Sprintf("checkpoint %d -> missing task %s", id, taskID))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if len(samples) > 0 {
		return fmt.Errorf(
			"cannot change checkpoints ON DELETE behavior: %d+ orphaned rows exist.\n"+
				"Sample:\n  %s\n"+
				"Remediation options:\n"+
				"  1. Delete the orphans: DELETE FROM checkpoints WHERE task_id NOT IN (SELECT id FROM tasks)\n"+
				"  2. Re-create the missing tasks, then re-run\n"+
				"  3. Export the orphaned rows for archival, then delete them",
			len(samples), strings.Join(samples, "\n  "))
	}

	// Rebuild. Foreign keys must be off for the copy and are restored on
	// every exit path.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
		return err
	}
	defer func() {
		_, _ = db.ExecContext(context.Background(), "PRAGMA foreign_keys=ON")
	}()

	stmts := []string{
		`CREATE TABLE checkpoints_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			data TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT INTO checkpoints_new (id, task_id, name, data, created_at)
			SELECT id, task_id, name, data, created_at FROM checkpoints`,
		`DROP TABLE checkpoints`,
		`ALTER TABLE checkpoints_new RENAME TO checkpoints`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateAuditTaskIndex backfills an index added after launch.
func migrateAuditTaskIndex(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_audit_task ON audit(task_id)")
	return err
}
