package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abathur-dev/abathur/internal/priority"
	"github.com/abathur-dev/abathur/internal/queue"
	"github.com/abathur-dev/abathur/internal/types"
	"github.com/abathur-dev/abathur/internal/ui"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and manage queued tasks",
	}
	cmd.AddCommand(
		newTaskSubmitCmd(),
		newTaskListCmd(),
		newTaskShowCmd(),
		newTaskUpdateCmd(),
		newTaskRetryCmd(),
		newTaskCancelCmd(),
		newTaskCheckStaleCmd(),
		newTaskPruneCmd(),
	)
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		agentType    string
		summary      string
		priority     int
		inputFile    string
		inputJSON    string
		dependsOn    []string
		parent       string
		deadlineStr  string
		estimateSecs int
		maxRetries   int
		timeoutSecs  int
		sessionID    string
		branch       string
	)

	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Queue a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			input, err := readInputData(inputFile, inputJSON)
			if err != nil {
				return err
			}

			req := queueEnqueueRequest(args[0], summary, agentType, input)
			if cmd.Flags().Changed("priority") {
				req.BasePriority = &priority
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if cmd.Flags().Changed("timeout") {
				req.MaxExecutionTimeoutSecs = &timeoutSecs
			}
			if cmd.Flags().Changed("estimated-duration") {
				req.EstimatedDurationSeconds = &estimateSecs
			}
			if deadlineStr != "" {
				deadline, err := parseDeadline(deadlineStr)
				if err != nil {
					return err
				}
				req.Deadline = &deadline
			}
			if sessionID != "" {
				req.SessionID = &sessionID
			}
			if branch != "" {
				req.FeatureBranch = &branch
			}

			// Prerequisites and parent accept prefixes.
			for _, ref := range dependsOn {
				id, err := a.resolveTask(ctx, ref)
				if err != nil {
					return err
				}
				req.Prerequisites = append(req.Prerequisites, id)
			}
			if parent != "" {
				id, err := a.resolveTask(ctx, parent)
				if err != nil {
					return err
				}
				req.ParentTaskID = &id
			}

			task, err := a.queue.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(task)
			}
			fmt.Println(task.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentType, "agent-type", "", "agent type to execute the task")
	cmd.Flags().StringVar(&summary, "summary", "", "short summary for listings (derived from the prompt when omitted)")
	cmd.Flags().IntVar(&priority, "priority", types.DefaultBasePriority, "base priority 0-10")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with structured input for the executor")
	cmd.Flags().StringVar(&inputJSON, "input-json", "", "inline JSON input for the executor")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", nil, "prerequisite task ID or prefix (repeatable)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task ID for lineage")
	cmd.Flags().StringVar(&deadlineStr, "deadline", "", "deadline (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&estimateSecs, "estimated-duration", 0, "estimated duration in seconds (widens the urgency window)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", types.DefaultMaxRetries, "retry budget before the task stays failed")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", types.DefaultMaxExecutionTimeoutSecs, "execution timeout in seconds")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session correlation ID passed to the executor")
	cmd.Flags().StringVar(&branch, "feature-branch", "", "feature branch passed to the executor")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		status        string
		excludeStatus string
		limit         int
		tree          bool
		lineage       bool
		unicode       bool
		ascii         bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := types.TaskFilter{Limit: limit}
			if status != "" {
				if filter.Status, err = types.ParseStatus(status); err != nil {
					return err
				}
			}
			if excludeStatus != "" {
				if filter.ExcludeStatus, err = types.ParseStatus(excludeStatus); err != nil {
					return err
				}
			}

			tasks, err := a.store.ListTasks(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(tasks)
			}
			if unicode && ascii {
				return fmt.Errorf("--unicode and --ascii are mutually exclusive")
			}
			if tree || lineage {
				fmt.Print(renderLineageTree(tasks, ascii))
				return nil
			}
			fmt.Print(ui.RenderTaskTable(tasks))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status")
	cmd.Flags().StringVar(&excludeStatus, "exclude-status", "", "hide tasks in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of rows (0 = all)")
	cmd.Flags().BoolVar(&tree, "tree", false, "group tasks by parent lineage")
	cmd.Flags().BoolVar(&lineage, "lineage", false, "alias for --tree")
	cmd.Flags().BoolVar(&unicode, "unicode", false, "use Unicode tree characters (the default)")
	cmd.Flags().BoolVar(&ascii, "ascii", false, "use ASCII tree characters")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var showChain bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.resolveTask(ctx, args[0])
			if err != nil {
				return err
			}
			task, err := a.store.GetTask(ctx, id)
			if err != nil {
				return err
			}
			if task.Dependencies, err = a.store.GetDependenciesFor(ctx, id); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(task)
			}

			fmt.Print(ui.RenderTaskDetail(task))

			children, err := a.store.GetChildTasks(ctx, []string{id})
			if err != nil {
				return err
			}
			if len(children) > 0 {
				fmt.Println("\nChildren:")
				fmt.Print(ui.RenderTaskTable(children))
			}

			if showChain {
				chain, err := a.resolver.GetDependencyChain(ctx, id)
				if err != nil {
					return err
				}
				if len(chain) > 0 {
					fmt.Println("\nPrerequisite chain:")
					fmt.Print(ui.RenderDependencyChain(id, chain))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showChain, "chain", false, "also show the prerequisite chain")
	return cmd
}

// editableStatuses are the statuses in which base priority and agent
// type may still be changed.
var editableStatuses = map[types.TaskStatus]bool{
	types.StatusPending: true,
	types.StatusReady:   true,
}

func newTaskUpdateCmd() *cobra.Command {
	var (
		statusStr string
		priority  int
		agentType string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a queued task's mutable fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.resolveTask(ctx, args[0])
			if err != nil {
				return err
			}
			task, err := a.store.GetTask(ctx, id)
			if err != nil {
				return err
			}

			updates := map[string]interface{}{}
			var changes []string

			targetStatus := task.Status
			if cmd.Flags().Changed("status") {
				st, err := types.ParseStatus(statusStr)
				if err != nil {
					return err
				}
				if st.IsTerminal() || st == types.StatusRunning {
					return fmt.Errorf("cannot set status %q directly: use task cancel, task retry, or the swarm", st)
				}
				targetStatus = st
				updates["status"] = string(st)
				changes = append(changes, fmt.Sprintf("status %s -> %s", task.Status, st))
			}

			if cmd.Flags().Changed("priority") || cmd.Flags().Changed("agent-type") {
				// Priority and agent type are frozen once the task has been
				// picked up, unless this same call moves it back to an
				// editable status.
				if !editableStatuses[task.Status] && !editableStatuses[targetStatus] {
					return fmt.Errorf("task %s is %s: priority and agent type can only change while pending or ready",
						ui.ShortID(id), task.Status)
				}
			}
			if cmd.Flags().Changed("priority") {
				if priority < 0 || priority > 10 {
					return fmt.Errorf("base priority must be between 0 and 10 (got %d)", priority)
				}
				updates["base_priority"] = priority
				changes = append(changes, fmt.Sprintf("base priority %d -> %d", task.BasePriority, priority))
			}
			if cmd.Flags().Changed("agent-type") {
				updates["agent_type"] = agentType
				changes = append(changes, fmt.Sprintf("agent type %s -> %s", task.AgentType, agentType))
			}

			if len(updates) == 0 {
				return fmt.Errorf("nothing to update: pass --status, --priority, or --agent-type")
			}
			if dryRun {
				for _, c := range changes {
					fmt.Printf("would update %s: %s\n", ui.ShortID(id), c)
				}
				return nil
			}

			if err := a.store.UpdateTaskFields(ctx, id, updates); err != nil {
				return err
			}
			if _, ok := updates["base_priority"]; ok {
				if err := refreshPriority(ctx, a, id); err != nil {
					a.log.Warn().Err(err).Str("task_id", id).Msg("priority not recalculated")
				}
			}
			for _, c := range changes {
				fmt.Printf("updated %s: %s\n", ui.ShortID(id), c)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusStr, "status", "", "new status (pending, blocked, or ready)")
	cmd.Flags().IntVar(&priority, "priority", types.DefaultBasePriority, "new base priority 0-10")
	cmd.Flags().StringVar(&agentType, "agent-type", "", "new agent type")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the changes without applying them")
	return cmd
}

func newTaskRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed or cancelled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.resolveTask(ctx, args[0])
			if err != nil {
				return err
			}
			task, err := a.queue.RetryTask(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(task)
			}
			fmt.Printf("retrying %s (%s, attempt %d of %d)\n",
				ui.ShortID(task.ID), task.Status, task.RetryCount, task.MaxRetries)
			return nil
		},
	}
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task and everything that depends on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.resolveTask(ctx, args[0])
			if err != nil {
				return err
			}

			// Cancelling cascades to unresolved dependents; require --force
			// when the blast radius extends past the named task.
			if !force {
				dependents, err := a.store.GetDependentsOf(ctx, id)
				if err != nil {
					return err
				}
				open := 0
				for _, d := range dependents {
					if !d.Resolved() {
						open++
					}
				}
				if open > 0 {
					return fmt.Errorf("cancelling %s would also cancel %d dependent task(s): re-run with --force",
						ui.ShortID(id), open)
				}
			}

			cancelled, err := a.queue.CancelTask(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]interface{}{"cancelled": cancelled})
			}
			if len(cancelled) == 0 {
				fmt.Printf("%s is already in a terminal state\n", ui.ShortID(id))
				return nil
			}
			fmt.Printf("cancelled %d task(s): %s\n", len(cancelled), shortIDs(cancelled))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "cancel even when dependents will be cancelled too")
	return cmd
}

func newTaskCheckStaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-stale",
		Short: "Fail running tasks that exceeded their execution timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			failed, err := a.queue.HandleStaleTasks(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]interface{}{"failed": failed})
			}
			if len(failed) == 0 {
				fmt.Println("no stale tasks")
				return nil
			}
			fmt.Printf("failed %d stale task(s): %s\n", len(failed), shortIDs(failed))
			return nil
		},
	}
	return cmd
}

// readInputData loads executor input from a file or inline JSON. The two
// sources are mutually exclusive.
func readInputData(file, inline string) (json.RawMessage, error) {
	if file != "" && inline != "" {
		return nil, fmt.Errorf("--input-file and --input-json are mutually exclusive")
	}
	var raw []byte
	switch {
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		raw = b
	case inline != "":
		raw = []byte(inline)
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("input data is not valid JSON")
	}
	return raw, nil
}

// refreshPriority recomputes depth and calculated priority after a base
// priority edit.
func refreshPriority(ctx context.Context, a *app, id string) error {
	task, err := a.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	depth, err := a.resolver.CalculateDependencyDepth(ctx, id)
	if err != nil {
		return err
	}
	task.DependencyDepth = depth
	score := priority.Calculate(task, time.Now().UTC())
	return a.store.UpdateTaskPriority(ctx, id, depth, score)
}

func queueEnqueueRequest(prompt, summary, agentType string, input json.RawMessage) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Prompt:    prompt,
		Summary:   summary,
		Source:    types.SourceHuman,
		AgentType: agentType,
		InputData: input,
	}
}

// parseDeadline accepts RFC3339 or a bare date (midnight UTC).
func parseDeadline(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid deadline %q: use RFC3339 or YYYY-MM-DD", s)
}

// renderLineageTree groups the listed tasks under their parents. Tasks
// whose parent is outside the listing render as roots.
func renderLineageTree(tasks []*types.Task, ascii bool) string {
	if len(tasks) == 0 {
		return "no tasks\n"
	}

	branch, last, vert, indent := ui.TreeBranch, ui.TreeLast, "│  ", ui.TreeIndent
	if ascii {
		branch, last, vert = "|- ", "`- ", "|  "
	}

	byID := make(map[string]*types.Task, len(tasks))
	children := make(map[string][]*types.Task)
	var roots []*types.Task
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		if t.ParentTaskID != nil && byID[*t.ParentTaskID] != nil {
			children[*t.ParentTaskID] = append(children[*t.ParentTaskID], t)
			continue
		}
		roots = append(roots, t)
	}
	for _, kids := range children {
		sort.Slice(kids, func(i, j int) bool { return kids[i].SubmittedAt.Before(kids[j].SubmittedAt) })
	}

	var b strings.Builder
	var walk func(t *types.Task, prefix string)
	walk = func(t *types.Task, prefix string) {
		kids := children[t.ID]
		for i, kid := range kids {
			connector, next := branch, prefix+vert
			if i == len(kids)-1 {
				connector, next = last, prefix+indent
			}
			b.WriteString(prefix + connector + taskLine(kid) + "\n")
			walk(kid, next)
		}
	}
	for _, root := range roots {
		b.WriteString(taskLine(root) + "\n")
		walk(root, "")
	}
	return b.String()
}

func taskLine(t *types.Task) string {
	return fmt.Sprintf("%s  %s  %s", ui.ShortID(t.ID), ui.RenderStatus(t.Status), t.Summary)
}
