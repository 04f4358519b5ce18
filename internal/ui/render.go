package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/abathur-dev/abathur/internal/types"
)

// IDDisplayLen is how many characters of a task UUID listings show.
const IDDisplayLen = 8

// ShortID truncates a task id for display.
func ShortID(id string) string {
	if len(id) <= IDDisplayLen {
		return id
	}
	return id[:IDDisplayLen]
}

// RenderTaskTable formats tasks as an aligned table, most recent last.
func RenderTaskTable(tasks []*types.Task) string {
	if len(tasks) == 0 {
		return MutedStyle.Render("no tasks") + "\n"
	}

	var b strings.Builder
	header := fmt.Sprintf("%-8s  %-9s  %5s  %5s  %-10s  %s",
		"ID", "STATUS", "PRI", "DEPTH", "AGE", "SUMMARY")
	b.WriteString(HeaderStyle.Render(header))
	b.WriteByte('\n')

	now := time.Now().UTC()
	for _, t := range tasks {
		line := fmt.Sprintf("%-8s  %s  %5.1f  %5d  %-10s  %s",
			ShortID(t.ID),
			StatusStyle(t.Status).Render(fmt.Sprintf("%-9s", t.Status)),
			t.CalculatedPriority,
			t.DependencyDepth,
			humanAge(now.Sub(t.SubmittedAt)),
			t.Summary)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderTaskDetail formats a single task with all populated fields.
func RenderTaskDetail(t *types.Task) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(MutedStyle.Render(fmt.Sprintf("%-14s", label)))
		b.WriteString(value)
		b.WriteByte('\n')
	}

	row("ID", t.ID)
	row("Status", RenderStatus(t.Status))
	row("Summary", t.Summary)
	row("Source", string(t.Source))
	row("Agent type", t.AgentType)
	row("Priority", fmt.Sprintf("%.2f (base %d, depth %d)", t.CalculatedPriority, t.BasePriority, t.DependencyDepth))
	row("Submitted", t.SubmittedAt.Format(time.RFC3339))
	if t.Deadline != nil {
		row("Deadline", t.Deadline.Format(time.RFC3339))
	}
	if t.StartedAt != nil {
		row("Started", t.StartedAt.Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		row("Completed", t.CompletedAt.Format(time.RFC3339))
	}
	if t.RetryCount > 0 {
		row("Retries", fmt.Sprintf("%d of %d", t.RetryCount, t.MaxRetries))
	}
	if t.ParentTaskID != nil {
		row("Parent", *t.ParentTaskID)
	}
	if t.ErrorMessage != nil {
		row("Error", FailStyle.Render(*t.ErrorMessage))
	}
	if len(t.Dependencies) > 0 {
		var edges []string
		for _, d := range t.Dependencies {
			marker := WarnStyle.Render("open")
			if d.Resolved() {
				marker = OKStyle.Render("resolved")
			}
			edges = append(edges, fmt.Sprintf("%s (%s)", ShortID(d.PrerequisiteTaskID), marker))
		}
		row("Depends on", strings.Join(edges, ", "))
	}

	b.WriteString(MutedStyle.Render(fmt.Sprintf("%-14s", "Prompt")))
	b.WriteByte('\n')
	b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(t.Prompt))
	b.WriteByte('\n')
	return b.String()
}

// RenderDependencyChain draws the predecessor levels of a task as a
// tree, nearest level first.
func RenderDependencyChain(taskID string, chain [][]string) string {
	var b strings.Builder
	b.WriteString(AccentStyle.Render(ShortID(taskID)))
	b.WriteByte('\n')
	for level, ids := range chain {
		indent := strings.Repeat(TreeIndent, level)
		for i, id := range ids {
			branch := TreeBranch
			if i == len(ids)-1 {
				branch = TreeLast
			}
			b.WriteString(indent + MutedStyle.Render(branch) + ShortID(id))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// RenderQueueStats formats the queue aggregates, statuses in lifecycle
// order.
func RenderQueueStats(stats *types.QueueStats) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%d tasks", stats.TotalTasks)))
	b.WriteByte('\n')

	for _, status := range types.AllStatuses {
		sc, ok := stats.ByStatus[status]
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s  %4d  avg priority %.1f\n",
			StatusStyle(status).Render(fmt.Sprintf("%-9s", status)), sc.Count, sc.AvgPriority))
	}

	b.WriteString(fmt.Sprintf("  max dependency depth: %d\n", stats.MaxDepth))
	if stats.OldestPending != nil {
		b.WriteString(fmt.Sprintf("  oldest pending: %s ago\n", humanAge(time.Since(*stats.OldestPending))))
	}
	return b.String()
}

// RenderPruneResult summarizes a prune pass.
func RenderPruneResult(res *types.PruneResult) string {
	var b strings.Builder
	verb := "deleted"
	if res.DryRun {
		verb = "would delete"
	}
	b.WriteString(fmt.Sprintf("%s %d tasks, %d dependency edges\n", verb, res.DeletedTasks, res.DeletedDependencies))

	statuses := make([]types.TaskStatus, 0, len(res.BreakdownByStatus))
	for s := range res.BreakdownByStatus {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, s := range statuses {
		b.WriteString(fmt.Sprintf("  %s  %d\n",
			StatusStyle(s).Render(fmt.Sprintf("%-9s", s)), res.BreakdownByStatus[s]))
	}

	if len(res.BlockedParents) > 0 {
		b.WriteString(WarnStyle.Render(fmt.Sprintf(
			"refused %d parent task(s) with children outside the selection (use --recursive or include the children)\n",
			len(res.BlockedParents))))
	}
	if res.ReclaimedBytes != nil {
		b.WriteString(fmt.Sprintf("  reclaimed %s\n", humanBytes(*res.ReclaimedBytes)))
	}
	if res.VacuumAutoSkipped {
		b.WriteString(MutedStyle.Render("  vacuum skipped automatically for large deletion; run manually if needed\n"))
	}
	return b.String()
}

// humanAge renders a duration in the largest sensible single unit.
func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
