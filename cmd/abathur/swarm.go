package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abathur-dev/abathur/internal/config"
	"github.com/abathur-dev/abathur/internal/executor"
	"github.com/abathur-dev/abathur/internal/swarm"
	"github.com/abathur-dev/abathur/internal/telemetry"
	"github.com/abathur-dev/abathur/internal/types"
	"github.com/abathur-dev/abathur/internal/ui"
)

func newSwarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Run and inspect the agent swarm",
	}
	cmd.AddCommand(newSwarmStartCmd(), newSwarmStatusCmd())
	return cmd
}

func newSwarmStartCmd() *cobra.Command {
	var (
		taskLimit    int
		maxAgents    int
		pollInterval time.Duration
		metrics      bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the swarm until interrupted or the task limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := telemetry.Init(ctx, "abathur", version, metrics); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(shutdownCtx)
			}()

			swarmCfg := swarm.Config{
				MaxConcurrentAgents: a.cfg.Swarm.MaxConcurrentAgents,
				PollInterval:        a.cfg.Swarm.PollInterval,
				TaskLimit:           a.cfg.Swarm.TaskLimit,
				DrainTimeout:        a.cfg.Swarm.DrainTimeout,
			}
			if cmd.Flags().Changed("task-limit") {
				swarmCfg.TaskLimit = taskLimit
			}
			if cmd.Flags().Changed("max-agents") {
				swarmCfg.MaxConcurrentAgents = maxAgents
			}
			if cmd.Flags().Changed("poll-interval") {
				swarmCfg.PollInterval = pollInterval
			}

			exec, err := executor.NewAnthropicExecutor(a.cfg.Executor.APIKey, a.cfg.Executor.Model, a.log)
			if err != nil {
				return err
			}

			orch := swarm.NewOrchestrator(a.queue, a.store, exec, swarmCfg, a.log)

			// Config edits retune the poll interval without a restart.
			a.cfgMgr.Watch(func(cfg *config.Config) {
				orch.SetPollInterval(cfg.Swarm.PollInterval)
			})

			// Recover tasks orphaned by a previous crashed swarm before
			// polling for new work.
			if recovered, err := a.queue.HandleStaleTasks(ctx); err != nil {
				a.log.Warn().Err(err).Msg("stale task scan failed")
			} else if len(recovered) > 0 {
				a.log.Info().Strs("task_ids", recovered).Msg("failed stale tasks from a previous run")
			}

			summary, err := orch.Run(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(summary); err != nil {
					return err
				}
			} else {
				fmt.Printf("swarm finished: %d spawned, %d completed, %d failed",
					summary.Spawned, summary.Completed, summary.Failed)
				if summary.Abandoned > 0 {
					fmt.Printf(", %d abandoned", summary.Abandoned)
				}
				fmt.Println()
			}
			if ctx.Err() != nil {
				return context.Canceled
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&taskLimit, "task-limit", swarm.UnlimitedTasks, "stop after starting this many tasks (-1 = unlimited)")
	cmd.Flags().IntVar(&maxAgents, "max-agents", 0, "maximum concurrent agents (overrides config)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", swarm.DefaultPollInterval, "idle sleep between queue polls")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "export OpenTelemetry metrics to stdout")
	return cmd
}

func newSwarmStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show running and schedulable work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.queue.GetQueueStatus(ctx)
			if err != nil {
				return err
			}
			stale, err := a.store.GetStaleRunningTasks(ctx, time.Now().UTC())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"stats":       stats,
					"stale_tasks": len(stale),
				})
			}

			running := stats.ByStatus[types.StatusRunning].Count
			ready := stats.ByStatus[types.StatusReady].Count
			fmt.Printf("running: %d  ready: %d\n", running, ready)
			if len(stale) > 0 {
				fmt.Printf("stale running tasks: %d (run 'abathur task check-stale')\n", len(stale))
			}
			fmt.Print(ui.RenderQueueStats(stats))
			return nil
		},
	}
	return cmd
}
