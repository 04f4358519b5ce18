// Package queue implements the task lifecycle service. It is the only
// writer of task scheduling state above the store: every operation runs
// as a single store transaction and leaves the queue invariants intact.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abathur-dev/abathur/internal/deps"
	"github.com/abathur-dev/abathur/internal/priority"
	"github.com/abathur-dev/abathur/internal/storage"
	"github.com/abathur-dev/abathur/internal/types"
)

// nonTerminal lists the statuses a cascade or failure transition may
// leave from.
var nonTerminal = []types.TaskStatus{
	types.StatusPending, types.StatusBlocked, types.StatusReady, types.StatusRunning,
}

// Service coordinates task lifecycle transitions over the store and the
// dependency resolver. Safe for concurrent use; all cross-worker
// coordination happens through store transactions.
type Service struct {
	store    storage.Storage
	resolver *deps.Resolver
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates a queue service.
func NewService(store storage.Storage, resolver *deps.Resolver, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		log:      log.With().Str("component", "queue").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueRequest carries the caller-supplied attributes of a new task.
// Nil pointer fields take the documented defaults.
type EnqueueRequest struct {
	Prompt    string
	Summary   string
	Source    types.TaskSource
	AgentType string
	InputData json.RawMessage

	BasePriority             *int // default 5
	Deadline                 *time.Time
	EstimatedDurationSeconds *int
	MaxRetries               *int
	MaxExecutionTimeoutSecs  *int

	Prerequisites  []string
	DependencyType types.DependencyType // default sequential

	ParentTaskID  *string
	SessionID     *string
	FeatureBranch *string
}

// Enqueue validates the request, inserts the task row and its dependency
// edges in one transaction, then recomputes depth and priority in a
// bounded follow-up write. The follow-up may race with other enqueues but
// is idempotent.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*types.Task, error) {
	basePriority := types.DefaultBasePriority
	if req.BasePriority != nil {
		basePriority = *req.BasePriority
	}
	if basePriority < 0 || basePriority > 10 {
		return nil, fmt.Errorf("base priority must be between 0 and 10 (got %d)", basePriority)
	}
	source := req.Source
	if source == "" {
		source = types.SourceHuman
	}
	depType := req.DependencyType
	if depType == "" {
		depType = types.DepSequential
	}

	id := uuid.NewString()
	if err := s.resolver.DetectCircularDependencies(ctx, id, req.Prerequisites); err != nil {
		return nil, err
	}

	now := s.now()
	task := &types.Task{
		ID:            id,
		Prompt:        req.Prompt,
		Summary:       req.Summary,
		AgentType:     req.AgentType,
		InputData:     req.InputData,
		Source:        source,
		Status:        types.StatusReady,
		BasePriority:  basePriority,
		Deadline:      req.Deadline,
		ParentTaskID:  req.ParentTaskID,
		SessionID:     req.SessionID,
		FeatureBranch: req.FeatureBranch,

		EstimatedDurationSeconds: req.EstimatedDurationSeconds,
	}
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}
	if req.MaxExecutionTimeoutSecs != nil {
		task.MaxExecutionTimeoutSeconds = *req.MaxExecutionTimeoutSecs
	}

	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		// Prerequisite existence and readiness are checked inside the
		// transaction so a prerequisite completing concurrently cannot
		// strand the new task in BLOCKED with no open edges.
		resolved := make(map[string]bool, len(req.Prerequisites))
		for _, p := range req.Prerequisites {
			prereq, err := tx.GetTask(ctx, p)
			if err != nil {
				return fmt.Errorf("prerequisite %s: %w", p, err)
			}
			resolved[p] = prereq.Status == types.StatusCompleted
			if !resolved[p] {
				task.Status = types.StatusBlocked
			}
		}

		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		for _, p := range req.Prerequisites {
			dep := &types.TaskDependency{
				ID:                 uuid.NewString(),
				DependentTaskID:    id,
				PrerequisiteTaskID: p,
				DependencyType:     depType,
				CreatedAt:          now,
			}
			// Edges on already-completed prerequisites are born resolved
			// so they never gate scheduling or depth.
			if resolved[p] {
				at := now
				dep.ResolvedAt = &at
			}
			if err := tx.AddDependency(ctx, dep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.resolver.Invalidate()
	depth, score := s.recalculate(ctx, task, now)
	task.DependencyDepth = depth
	task.CalculatedPriority = score

	s.log.Info().
		Str("task_id", id).
		Str("status", string(task.Status)).
		Int("prerequisites", len(req.Prerequisites)).
		Float64("priority", score).
		Msg("task enqueued")
	return task, nil
}

// GetNextTask atomically claims the highest-priority READY task, moving
// it to RUNNING. Returns nil when the queue is empty.
func (s *Service) GetNextTask(ctx context.Context) (*types.Task, error) {
	task, err := s.store.DequeueNextTask(ctx)
	if err != nil {
		return nil, err
	}
	if task != nil {
		s.log.Debug().Str("task_id", task.ID).Msg("task dequeued")
	}
	return task, nil
}

// CompleteTask transitions a RUNNING task to COMPLETED, resolves every
// edge it gates, and promotes dependents whose last prerequisite just
// cleared. Returns the newly-READY task ids. Completing a task already in
// COMPLETED is a no-op.
func (s *Service) CompleteTask(ctx context.Context, taskID string, result json.RawMessage) ([]string, error) {
	now := s.now()
	var newlyReady []string

	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		ok, err := tx.TransitionTask(ctx, taskID,
			[]types.TaskStatus{types.StatusRunning}, types.StatusCompleted,
			storage.TransitionStamp{CompletedAt: &now, ClearError: true, Now: now})
		if err != nil {
			return err
		}
		if !ok {
			cur, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if cur.Status == types.StatusCompleted {
				return nil // idempotent retry
			}
			return fmt.Errorf("cannot complete task in status %s: %w", cur.Status, storage.ErrConflict)
		}

		if len(result) > 0 {
			if err := tx.SetTaskResult(ctx, taskID, result); err != nil {
				return err
			}
		}

		dependents, err := tx.ResolveDependenciesOn(ctx, taskID, now)
		if err != nil {
			return err
		}
		counts, err := tx.UnresolvedPrerequisiteCount(ctx, dependents)
		if err != nil {
			return err
		}
		sort.Strings(dependents)
		for _, dep := range dependents {
			if counts[dep] != 0 {
				continue
			}
			promoted, err := tx.TransitionTask(ctx, dep,
				[]types.TaskStatus{types.StatusBlocked}, types.StatusReady,
				storage.TransitionStamp{Now: now})
			if err != nil {
				return err
			}
			if promoted {
				newlyReady = append(newlyReady, dep)
			}
		}
		return nil
	})
	s.resolver.Invalidate()
	if err != nil {
		return nil, err
	}

	for _, id := range newlyReady {
		s.refreshPriority(ctx, id, now)
	}
	s.log.Info().
		Str("task_id", taskID).
		Strs("unblocked", newlyReady).
		Msg("task completed")
	return newlyReady, nil
}

// FailTask transitions a task to FAILED with the given message and
// cancels its transitive dependents in one bulk update. Returns the
// cancelled ids. Failing a task already FAILED is a no-op.
func (s *Service) FailTask(ctx context.Context, taskID, errorMessage string) ([]string, error) {
	now := s.now()
	var cancelled []string

	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		ok, err := tx.TransitionTask(ctx, taskID, nonTerminal, types.StatusFailed,
			storage.TransitionStamp{CompletedAt: &now, Now: now})
		if err != nil {
			return err
		}
		if !ok {
			cur, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if cur.Status == types.StatusFailed {
				return nil
			}
			return fmt.Errorf("cannot fail task in status %s: %w", cur.Status, storage.ErrConflict)
		}
		if err := tx.SetTaskError(ctx, taskID, errorMessage); err != nil {
			return err
		}

		closure, err := dependentClosure(ctx, tx, taskID)
		if err != nil {
			return err
		}
		cancelled, err = tx.BulkCancel(ctx, closure, now)
		return err
	})
	s.resolver.Invalidate()
	if err != nil {
		return nil, err
	}

	s.log.Warn().
		Str("task_id", taskID).
		Str("error", errorMessage).
		Strs("cancelled", cancelled).
		Msg("task failed")
	return cancelled, nil
}

// CancelTask transitions a task to CANCELLED and cascades to its
// transitive dependents. Returns the cancelled set including taskID.
// Cancelling a task already in a terminal status is a no-op.
func (s *Service) CancelTask(ctx context.Context, taskID string) ([]string, error) {
	now := s.now()
	var cancelled []string

	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		ok, err := tx.TransitionTask(ctx, taskID, nonTerminal, types.StatusCancelled,
			storage.TransitionStamp{Now: now})
		if err != nil {
			return err
		}
		if !ok {
			cur, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if cur.IsTerminal() {
				return nil
			}
			return fmt.Errorf("cannot cancel task in status %s: %w", cur.Status, storage.ErrConflict)
		}
		cancelled = append(cancelled, taskID)

		closure, err := dependentClosure(ctx, tx, taskID)
		if err != nil {
			return err
		}
		descendants, err := tx.BulkCancel(ctx, closure, now)
		if err != nil {
			return err
		}
		cancelled = append(cancelled, descendants...)
		return nil
	})
	s.resolver.Invalidate()
	if err != nil {
		return nil, err
	}

	if len(cancelled) > 0 {
		s.log.Info().Strs("cancelled", cancelled).Msg("task cancelled")
	}
	return cancelled, nil
}

// RetryTask resets a terminal task for a fresh execution epoch: clears
// started_at, completed_at and error_message, bumps retry_count, and
// re-enters the queue as READY or BLOCKED depending on its open edges.
func (s *Service) RetryTask(ctx context.Context, taskID string) (*types.Task, error) {
	now := s.now()

	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		cur, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if cur.Status != types.StatusFailed && cur.Status != types.StatusCancelled {
			return fmt.Errorf("task %s is %s, only failed or cancelled tasks can be retried: %w",
				taskID, cur.Status, storage.ErrConflict)
		}
		if cur.RetryCount >= cur.MaxRetries {
			return fmt.Errorf("task %s exhausted its %d retries: %w",
				taskID, cur.MaxRetries, storage.ErrConflict)
		}

		counts, err := tx.UnresolvedPrerequisiteCount(ctx, []string{taskID})
		if err != nil {
			return err
		}
		to := types.StatusReady
		if counts[taskID] > 0 {
			to = types.StatusBlocked
		}

		ok, err := tx.TransitionTask(ctx, taskID, []types.TaskStatus{cur.Status}, to,
			storage.TransitionStamp{ClearStarted: true, ClearCompleted: true, ClearError: true, Now: now})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task %s changed state during retry: %w", taskID, storage.ErrConflict)
		}
		return tx.IncrementRetryCount(ctx, taskID)
	})
	s.resolver.Invalidate()
	if err != nil {
		return nil, err
	}

	s.refreshPriority(ctx, taskID, now)
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("task_id", taskID).
		Str("status", string(task.Status)).
		Int("retry_count", task.RetryCount).
		Msg("task reset for retry")
	return task, nil
}

// HandleStaleTasks fails every RUNNING task whose last heartbeat exceeds
// its execution timeout, cascading like FailTask. Returns the failed ids.
func (s *Service) HandleStaleTasks(ctx context.Context) ([]string, error) {
	stale, err := s.store.GetStaleRunningTasks(ctx, s.now())
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, t := range stale {
		msg := fmt.Sprintf("execution timed out after %d seconds", t.MaxExecutionTimeoutSeconds)
		if _, err := s.FailTask(ctx, t.ID, msg); err != nil {
			// Another worker may have transitioned it first.
			s.log.Warn().Err(err).Str("task_id", t.ID).Msg("stale task recovery skipped")
			continue
		}
		failed = append(failed, t.ID)
	}
	return failed, nil
}

// GetQueueStatus returns queue-wide aggregates.
func (s *Service) GetQueueStatus(ctx context.Context) (*types.QueueStats, error) {
	return s.store.GetQueueStats(ctx)
}

// GetTaskExecutionPlan groups taskIDs into dependency-ordered batches:
// batch i holds the tasks at depth i of the induced subgraph, which can
// execute in parallel once every earlier batch has finished.
func (s *Service) GetTaskExecutionPlan(ctx context.Context, taskIDs []string) ([][]string, error) {
	order, err := s.resolver.GetExecutionOrder(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	induced, err := s.resolver.InducedPrereqs(ctx, taskIDs)
	if err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, id := range order {
		d := 0
		for _, p := range induced[id] {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	batches := make([][]string, maxDepth+1)
	for _, id := range order {
		batches[depth[id]] = append(batches[depth[id]], id)
	}
	return batches, nil
}

// dependentClosure walks unresolved edges breadth-first from rootID and
// returns every transitively reachable dependent, sorted, excluding the
// root itself.
func dependentClosure(ctx context.Context, tx storage.Transaction, rootID string) ([]string, error) {
	seen := map[string]bool{rootID: true}
	frontier := []string{rootID}
	var closure []string

	for len(frontier) > 0 {
		next, err := tx.UnresolvedDependentEdges(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, id := range next {
			if seen[id] {
				continue
			}
			seen[id] = true
			closure = append(closure, id)
			frontier = append(frontier, id)
		}
	}
	sort.Strings(closure)
	return closure, nil
}

// refreshPriority recomputes and persists depth and score for one task.
// Failures are logged, not returned: the stored value is a scheduling
// hint that the next readiness change recomputes anyway.
func (s *Service) refreshPriority(ctx context.Context, taskID string, now time.Time) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("priority refresh skipped")
		return
	}
	if depth, score := s.recalculate(ctx, task, now); depth >= 0 {
		task.DependencyDepth = depth
		task.CalculatedPriority = score
	}
}

// recalculate computes depth and score and persists them. Returns
// (-1, 0) when the write could not be performed.
func (s *Service) recalculate(ctx context.Context, task *types.Task, now time.Time) (int, float64) {
	depth, err := s.resolver.CalculateDependencyDepth(ctx, task.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("depth calculation failed")
		return -1, 0
	}
	scored := *task
	scored.DependencyDepth = depth
	score := priority.Calculate(&scored, now)
	if err := s.store.UpdateTaskPriority(ctx, task.ID, depth, score); err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("priority write failed")
		return -1, 0
	}
	return depth, score
}
