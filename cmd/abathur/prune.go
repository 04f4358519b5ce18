package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/abathur-dev/abathur/internal/timeparsing"
	"github.com/abathur-dev/abathur/internal/types"
	"github.com/abathur-dev/abathur/internal/ui"
)

func newTaskPruneCmd() *cobra.Command {
	var (
		statuses     []string
		olderThan    string
		beforeStr    string
		limit        int
		force        bool
		dryRun       bool
		vacuumStr    string
		recursive    bool
		previewDepth int
	)

	cmd := &cobra.Command{
		Use:   "prune [id...]",
		Short: "Bulk-delete terminal tasks and their records",
		Long: `Prune deletes tasks together with their dependency edges, agents,
and checkpoints; audit entries are kept with the task reference
detached. Select tasks by explicit ID, by terminal status, or by age.
The selection methods are mutually exclusive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filters, err := buildPruneFilters(args, statuses, olderThan, beforeStr, limit, recursive, vacuumStr)
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			// Explicit IDs accept prefixes.
			for i, ref := range filters.IDs {
				id, err := a.resolveTask(ctx, ref)
				if err != nil {
					return err
				}
				filters.IDs[i] = id
			}

			if dryRun {
				filters.DryRun = true
				res, err := a.store.PruneTasks(ctx, filters)
				if err != nil {
					return err
				}
				return renderPrune(res)
			}

			// Without --force, preview first and ask.
			if !force {
				preview := filters
				preview.DryRun = true
				res, err := a.store.PruneTasks(ctx, preview)
				if err != nil {
					return err
				}
				if res.DeletedTasks == 0 {
					return renderPrune(res)
				}
				if err := renderPrune(res); err != nil {
					return err
				}
				if recursive && previewDepth > 0 {
					if err := previewDescendants(cmd, a, filters.IDs, previewDepth); err != nil {
						return err
					}
				}
				if !stdinIsTTY() {
					return fmt.Errorf("refusing to prune without confirmation: re-run with --force or --dry-run")
				}
				var confirmed bool
				prompt := huh.NewConfirm().
					Title(fmt.Sprintf("Delete %d task(s)?", res.DeletedTasks)).
					Affirmative("Delete").
					Negative("Keep").
					Value(&confirmed)
				if err := prompt.Run(); err != nil {
					return err
				}
				if !confirmed {
					fmt.Println("aborted")
					return nil
				}
			}

			res, err := a.store.PruneTasks(ctx, filters)
			if err != nil {
				return err
			}
			return renderPrune(res)
		},
	}

	cmd.Flags().StringArrayVar(&statuses, "status", nil, "prune tasks in this terminal status (repeatable)")
	cmd.Flags().StringVar(&olderThan, "older-than", "", "prune tasks older than e.g. 30d, 8w, 6m, 1y")
	cmd.Flags().StringVar(&beforeStr, "before", "", "prune tasks submitted before YYYY-MM-DD")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of tasks deleted, oldest first")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().StringVar(&vacuumStr, "vacuum", string(types.VacuumConditional), "vacuum policy: always, conditional, or never")
	cmd.Flags().BoolVar(&recursive, "recursive", false, "expand explicit IDs to their descendants")
	cmd.Flags().IntVar(&previewDepth, "preview-depth", 3, "descendant levels shown in the recursive preview")
	return cmd
}

// buildPruneFilters validates flag combinations before touching the
// database. Exactly one selection method is allowed.
func buildPruneFilters(ids, statuses []string, olderThan, beforeStr string, limit int, recursive bool, vacuumStr string) (types.PruneFilters, error) {
	var filters types.PruneFilters

	methods := 0
	if len(ids) > 0 {
		methods++
	}
	if len(statuses) > 0 {
		methods++
	}
	if olderThan != "" {
		methods++
	}
	if beforeStr != "" {
		methods++
	}
	switch {
	case methods == 0:
		return filters, fmt.Errorf("no prune criteria specified: provide task IDs, --older-than, --before, or --status")
	case methods > 1:
		return filters, fmt.Errorf("task IDs, --status, --older-than, and --before are mutually exclusive")
	}
	if recursive && limit > 0 {
		return filters, fmt.Errorf("--recursive cannot be combined with --limit")
	}
	if recursive && len(ids) == 0 {
		return filters, fmt.Errorf("--recursive requires explicit task IDs")
	}

	filters.IDs = ids
	filters.Limit = limit
	filters.Recursive = recursive

	for _, s := range statuses {
		st, err := types.ParseStatus(s)
		if err != nil {
			return filters, err
		}
		filters.Statuses = append(filters.Statuses, st)
	}
	if olderThan != "" {
		days, err := timeparsing.ParseAgeDays(olderThan)
		if err != nil {
			return filters, err
		}
		filters.OlderThanDays = days
	}
	if beforeStr != "" {
		before, err := timeparsing.ParseDate(beforeStr)
		if err != nil {
			return filters, err
		}
		filters.BeforeDate = &before
	}

	filters.VacuumMode = types.VacuumMode(vacuumStr)
	if !filters.VacuumMode.IsValid() {
		return filters, fmt.Errorf("invalid --vacuum %q: use always, conditional, or never", vacuumStr)
	}
	return filters, filters.Validate()
}

// previewDescendants shows what --recursive will sweep up, a level at a
// time down to the requested depth.
func previewDescendants(cmd *cobra.Command, a *app, roots []string, depth int) error {
	ctx := cmd.Context()
	frontier := roots
	for level := 1; level <= depth && len(frontier) > 0; level++ {
		children, err := a.store.GetChildTasks(ctx, frontier)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			break
		}
		fmt.Printf("descendants at depth %d:\n", level)
		fmt.Print(ui.RenderTaskTable(children))
		frontier = frontier[:0]
		for _, c := range children {
			frontier = append(frontier, c.ID)
		}
	}
	return nil
}

func renderPrune(res *types.PruneResult) error {
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Print(ui.RenderPruneResult(res))
	return nil
}
