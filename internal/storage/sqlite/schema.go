package sqlite

const schema = `
-- Tasks table
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    prompt TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '' CHECK(length(summary) <= 140),
    agent_type TEXT NOT NULL DEFAULT 'requirements-gatherer',
    input_data TEXT,
    source TEXT NOT NULL DEFAULT 'human',
    status TEXT NOT NULL DEFAULT 'pending',
    base_priority INTEGER NOT NULL DEFAULT 5 CHECK(base_priority >= 0 AND base_priority <= 10),
    calculated_priority REAL NOT NULL DEFAULT 0,
    deadline DATETIME,
    estimated_duration_seconds INTEGER,
    dependency_depth INTEGER NOT NULL DEFAULT 0 CHECK(dependency_depth >= 0),
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    max_execution_timeout_seconds INTEGER NOT NULL DEFAULT 3600,
    submitted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    completed_at DATETIME,
    last_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_by TEXT DEFAULT '',
    -- Lineage only. No delete action: prune nulls this column explicitly
    -- before deleting parents, so a cascade can never sever lineage as a
    -- side effect of an unrelated delete.
    parent_task_id TEXT REFERENCES tasks(id),
    session_id TEXT,
    feature_branch TEXT,
    task_branch TEXT,
    worktree_path TEXT,
    result_data TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_priority
    ON tasks(status, base_priority DESC, submitted_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_ready_dispatch
    ON tasks(status, calculated_priority DESC, submitted_at ASC)
    WHERE status = 'ready';
CREATE INDEX IF NOT EXISTS idx_tasks_running_updated
    ON tasks(status, last_updated_at)
    WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_session
    ON tasks(session_id)
    WHERE session_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_source
    ON tasks(source, created_by, submitted_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_deadline
    ON tasks(deadline, status)
    WHERE deadline IS NOT NULL AND status IN ('pending','blocked','ready');
CREATE INDEX IF NOT EXISTS idx_tasks_blocked
    ON tasks(status, submitted_at ASC)
    WHERE status = 'blocked';
CREATE INDEX IF NOT EXISTS idx_tasks_feature_branch
    ON tasks(feature_branch, status, submitted_at ASC)
    WHERE feature_branch IS NOT NULL;

-- Dependency edges: dependent is gated on prerequisite.
-- Only rows with resolved_at IS NULL participate in scheduling.
CREATE TABLE IF NOT EXISTS task_dependencies (
    id TEXT PRIMARY KEY,
    dependent_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    prerequisite_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    dependency_type TEXT NOT NULL DEFAULT 'sequential',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at DATETIME,
    UNIQUE (dependent_task_id, prerequisite_task_id),
    CHECK (dependent_task_id != prerequisite_task_id)
);

CREATE INDEX IF NOT EXISTS idx_deps_dependent_open
    ON task_dependencies(dependent_task_id)
    WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_deps_prerequisite_open
    ON task_dependencies(prerequisite_task_id)
    WHERE resolved_at IS NULL;

-- Agents: one row per execution epoch of a task
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    agent_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    spawned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    ended_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_agents_task ON agents(task_id);

-- Checkpoints: executor-written resume points
CREATE TABLE IF NOT EXISTS checkpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    data TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id);

-- Audit trail. agent_id intentionally has no cascade: audit rows outlive
-- the agents they reference and are detached (nulled) on prune.
CREATE TABLE IF NOT EXISTS audit (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT REFERENCES agents(id),
    task_id TEXT,
    action TEXT NOT NULL,
    detail TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit(agent_id);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit(created_at);

-- Legacy per-task key/value state. No FK on purpose: rows predate the
-- referential schema and are cleaned up explicitly during prune.
CREATE TABLE IF NOT EXISTS task_state (
    task_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT,
    PRIMARY KEY (task_id, key)
);

-- Queue metrics samples
CREATE TABLE IF NOT EXISTS metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    value REAL NOT NULL,
    recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics(name, recorded_at);

-- Schema migrations bookkeeping
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
