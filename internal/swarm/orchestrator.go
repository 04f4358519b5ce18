// Package swarm operates a bounded pool of concurrent task executions
// against the queue service. A single driver goroutine owns all pool
// bookkeeping; executions run in the background and report through a
// channel.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/abathur-dev/abathur/internal/queue"
	"github.com/abathur-dev/abathur/internal/storage"
	"github.com/abathur-dev/abathur/internal/telemetry"
	"github.com/abathur-dev/abathur/internal/types"
)

// Defaults for optional orchestrator knobs.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultDrainTimeout = 30 * time.Second

	// UnlimitedTasks disables the task limit.
	UnlimitedTasks = -1
)

// Config tunes the orchestrator pool.
type Config struct {
	// MaxConcurrentAgents bounds the active execution set.
	MaxConcurrentAgents int

	// PollInterval is the idle sleep between empty queue polls.
	PollInterval time.Duration

	// TaskLimit stops spawning once this many executions have been
	// started. Zero halts before any spawn; UnlimitedTasks disables the
	// limit. Completions are what count toward the reported total, so a
	// final in-flight batch past the limit still runs and is reported.
	TaskLimit int

	// DrainTimeout bounds how long shutdown waits for in-flight
	// executions before cancelling them.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

// Summary reports what one orchestrator run did.
type Summary struct {
	Spawned   int `json:"spawned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	// Abandoned counts executions cancelled at the drain deadline.
	Abandoned int `json:"abandoned,omitempty"`
}

// outcome travels from an execution goroutine back to the driver.
type outcome struct {
	task    *types.Task
	agentID string
	result  *Result
	err     error
}

// Orchestrator drives the poll/spawn/reap loop.
type Orchestrator struct {
	queue    *queue.Service
	store    storage.Storage
	executor Executor
	cfg      Config
	log      zerolog.Logger

	pool *semaphore.Weighted

	// pollInterval is read each idle cycle so config reload can retune
	// it live.
	pollInterval atomic.Int64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	spawnCounter    metric.Int64Counter
	completeCounter metric.Int64Counter
	failCounter     metric.Int64Counter
}

// NewOrchestrator creates an orchestrator over the queue service. The
// store is used for agent and audit bookkeeping around each execution.
func NewOrchestrator(q *queue.Service, store storage.Storage, executor Executor, cfg Config, log zerolog.Logger) *Orchestrator {
	cfg.applyDefaults()

	meter := telemetry.Meter("github.com/abathur-dev/abathur/internal/swarm")
	spawn, _ := meter.Int64Counter("swarm.tasks.spawned",
		metric.WithDescription("Executions started by the orchestrator"))
	complete, _ := meter.Int64Counter("swarm.tasks.completed",
		metric.WithDescription("Executions that finished successfully"))
	fail, _ := meter.Int64Counter("swarm.tasks.failed",
		metric.WithDescription("Executions that failed or errored"))

	o := &Orchestrator{
		queue:           q,
		store:           store,
		executor:        executor,
		cfg:             cfg,
		log:             log.With().Str("component", "swarm").Logger(),
		pool:            semaphore.NewWeighted(int64(cfg.MaxConcurrentAgents)),
		shutdownCh:      make(chan struct{}),
		spawnCounter:    spawn,
		completeCounter: complete,
		failCounter:     fail,
	}
	o.pollInterval.Store(int64(cfg.PollInterval))
	return o
}

// SetPollInterval retunes the idle poll interval. Applied on the next
// idle cycle; non-positive values are ignored.
func (o *Orchestrator) SetPollInterval(d time.Duration) {
	if d > 0 {
		o.pollInterval.Store(int64(d))
		o.log.Info().Dur("poll_interval", d).Msg("poll interval updated")
	}
}

// Shutdown requests a graceful stop: no new spawns, in-flight executions
// drain within the configured timeout. Safe to call more than once and
// from any goroutine.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() { close(o.shutdownCh) })
}

func (o *Orchestrator) shutdownRequested(ctx context.Context) bool {
	select {
	case <-o.shutdownCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run drives the pool until shutdown or the task limit. At any instant
// the active set is bounded by MaxConcurrentAgents. Returns the run
// summary; the error is non-nil only for infrastructure failures that
// made polling impossible.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	// Executions get their own lifetime so a cancelled ctx stops
	// spawning but lets in-flight work drain.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()

	results := make(chan outcome)
	summary := &Summary{}
	active := 0

	o.log.Info().
		Int("max_concurrent", o.cfg.MaxConcurrentAgents).
		Int("task_limit", o.cfg.TaskLimit).
		Msg("swarm started")

loop:
	for {
		if o.shutdownRequested(ctx) {
			break
		}
		if o.cfg.TaskLimit >= 0 && summary.Spawned >= o.cfg.TaskLimit {
			break
		}

		spawned := false
		for active < o.cfg.MaxConcurrentAgents {
			if o.cfg.TaskLimit >= 0 && summary.Spawned >= o.cfg.TaskLimit {
				break
			}
			task, err := o.queue.GetNextTask(ctx)
			if err != nil {
				o.drain(execCancel, results, active, summary)
				return summary, fmt.Errorf("poll queue: %w", err)
			}
			if task == nil {
				break
			}
			if !o.pool.TryAcquire(1) {
				break
			}
			active++
			summary.Spawned++
			spawned = true
			o.spawnCounter.Add(ctx, 1)
			go o.execute(execCtx, task, results)
		}

		if active == 0 {
			if !spawned {
				// Idle: nothing running, nothing to run.
				select {
				case <-time.After(time.Duration(o.pollInterval.Load())):
				case <-o.shutdownCh:
				case <-ctx.Done():
				}
			}
			continue
		}

		// Reap at least one completion before polling again. A shutdown
		// request hands the active set to the bounded drain instead of
		// waiting indefinitely here.
		select {
		case out := <-results:
			o.pool.Release(1)
			active--
			o.report(ctx, out, summary)
		case <-o.shutdownCh:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	o.drain(execCancel, results, active, summary)
	o.log.Info().
		Int("spawned", summary.Spawned).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("abandoned", summary.Abandoned).
		Msg("swarm stopped")
	return summary, nil
}

// drain reaps remaining in-flight executions, bounded by DrainTimeout.
// Past the deadline the executions are cancelled and counted abandoned;
// the stale-task scan recovers their queue state later.
func (o *Orchestrator) drain(execCancel context.CancelFunc, results chan outcome, active int, summary *Summary) {
	if active == 0 {
		return
	}
	deadline := time.NewTimer(o.cfg.DrainTimeout)
	defer deadline.Stop()

	for active > 0 {
		select {
		case out := <-results:
			o.pool.Release(1)
			active--
			o.report(context.Background(), out, summary)
		case <-deadline.C:
			execCancel()
			o.log.Warn().Int("abandoned", active).Msg("drain timeout, cancelling executions")
			summary.Abandoned = active
			return
		}
	}
}

// execute runs one task against the executor port and reports the
// outcome. Panics are converted to failures so a misbehaving executor
// cannot take down the driver.
func (o *Orchestrator) execute(ctx context.Context, task *types.Task, results chan<- outcome) {
	agentID := uuid.NewString()
	out := outcome{task: task, agentID: agentID}

	defer func() {
		if r := recover(); r != nil {
			out.result = nil
			out.err = fmt.Errorf("executor panic: %v", r)
		}
		results <- out
	}()

	if err := o.store.CreateAgent(ctx, &types.Agent{
		ID:        agentID,
		TaskID:    task.ID,
		AgentType: task.AgentType,
		Status:    "running",
	}); err != nil {
		o.log.Warn().Err(err).Str("task_id", task.ID).Msg("agent record not created")
	}

	out.result, out.err = o.executor.ExecuteTask(ctx, task)
}

// report converts an execution outcome into the matching queue
// transition.
func (o *Orchestrator) report(ctx context.Context, out outcome, summary *Summary) {
	taskID := out.task.ID

	switch {
	case out.err != nil:
		summary.Failed++
		o.failCounter.Add(ctx, 1)
		if _, err := o.queue.FailTask(ctx, taskID, out.err.Error()); err != nil {
			o.log.Error().Err(err).Str("task_id", taskID).Msg("failure not recorded")
		}
	case out.result != nil && out.result.Success:
		summary.Completed++
		o.completeCounter.Add(ctx, 1)
		if _, err := o.queue.CompleteTask(ctx, taskID, out.result.Data); err != nil {
			o.log.Error().Err(err).Str("task_id", taskID).Msg("completion not recorded")
		}
	default:
		summary.Failed++
		o.failCounter.Add(ctx, 1)
		msg := "executor reported failure"
		if out.result != nil && out.result.Error != "" {
			msg = out.result.Error
		}
		if _, err := o.queue.FailTask(ctx, taskID, msg); err != nil {
			o.log.Error().Err(err).Str("task_id", taskID).Msg("failure not recorded")
		}
	}

	if err := o.store.AppendAudit(ctx, &types.AuditEntry{
		AgentID: &out.agentID,
		TaskID:  &taskID,
		Action:  "execution_finished",
		Detail:  fmt.Sprintf("success=%t", out.err == nil && out.result != nil && out.result.Success),
	}); err != nil {
		o.log.Warn().Err(err).Str("task_id", taskID).Msg("audit append failed")
	}
}
