package sqlite

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/abathur-dev/abathur/internal/types"
)

// maxChunkSize keeps IN-clause parameter counts well under SQLite's
// 999-variable default limit.
const maxChunkSize = 900

// chunkIDs splits ids into slices of at most maxChunkSize.
func chunkIDs(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(ids)+maxChunkSize-1)/maxChunkSize)
	for len(ids) > maxChunkSize {
		chunks = append(chunks, ids[:maxChunkSize])
		ids = ids[maxChunkSize:]
	}
	return append(chunks, ids)
}

// buildInClause returns "(?,?,...)" and the matching args slice.
func buildInClause(ids []string) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(placeholders, ",") + ")", args
}

// taskColumns is the canonical SELECT list for scanning tasks.
const taskColumns = `id, prompt, summary, agent_type, input_data, source, status,
	base_priority, calculated_priority, deadline, estimated_duration_seconds,
	dependency_depth, retry_count, max_retries, max_execution_timeout_seconds,
	submitted_at, started_at, completed_at, last_updated_at,
	parent_task_id, session_id, feature_branch, task_branch, worktree_path,
	result_data, error_message`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t                      types.Task
		inputData, resultData  sql.NullString
		deadline               sql.NullTime
		estDuration            sql.NullInt64
		startedAt, completedAt sql.NullTime
		parentID, sessionID    sql.NullString
		featureBranch          sql.NullString
		taskBranch             sql.NullString
		worktreePath           sql.NullString
		errorMessage           sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.Prompt, &t.Summary, &t.AgentType, &inputData, &t.Source, &t.Status,
		&t.BasePriority, &t.CalculatedPriority, &deadline, &estDuration,
		&t.DependencyDepth, &t.RetryCount, &t.MaxRetries, &t.MaxExecutionTimeoutSeconds,
		&t.SubmittedAt, &startedAt, &completedAt, &t.LastUpdatedAt,
		&parentID, &sessionID, &featureBranch, &taskBranch, &worktreePath,
		&resultData, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	if inputData.Valid && inputData.String != "" {
		t.InputData = json.RawMessage(inputData.String)
	}
	if resultData.Valid && resultData.String != "" {
		t.ResultData = json.RawMessage(resultData.String)
	}
	if deadline.Valid {
		t.Deadline = timePtr(deadline.Time)
	}
	if estDuration.Valid {
		n := int(estDuration.Int64)
		t.EstimatedDurationSeconds = &n
	}
	if startedAt.Valid {
		t.StartedAt = timePtr(startedAt.Time)
	}
	if completedAt.Valid {
		t.CompletedAt = timePtr(completedAt.Time)
	}
	t.ParentTaskID = strPtr(parentID)
	t.SessionID = strPtr(sessionID)
	t.FeatureBranch = strPtr(featureBranch)
	t.TaskBranch = strPtr(taskBranch)
	t.WorktreePath = strPtr(worktreePath)
	t.ErrorMessage = strPtr(errorMessage)

	return &t, nil
}

func scanDependency(row rowScanner) (*types.TaskDependency, error) {
	var (
		d          types.TaskDependency
		resolvedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.DependentTaskID, &d.PrerequisiteTaskID,
		&d.DependencyType, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		d.ResolvedAt = timePtr(resolvedAt.Time)
	}
	return &d, nil
}

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func nullStr(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullJSON(m json.RawMessage) interface{} {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}
