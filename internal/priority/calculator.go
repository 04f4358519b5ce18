// Package priority computes the composite scheduling score written to
// calculated_priority. The score is a pure function of the task row and
// the clock; the queue service recomputes and persists it on every
// readiness change.
package priority

import (
	"time"

	"github.com/abathur-dev/abathur/internal/types"
)

// Score composition constants. These are pinned by tests; changing them
// changes dispatch order for every queued task.
const (
	// MaxDeadlineUrgency caps the deadline contribution.
	MaxDeadlineUrgency = 5.0

	// DefaultUrgencyWindow is how far ahead of the deadline urgency
	// starts ramping when the task has no duration estimate.
	DefaultUrgencyWindow = 24 * time.Hour

	// DepthBoostPerLevel and MaxDepthBoost shape the dependency-depth
	// contribution. Deeper prerequisites unblock more downstream work,
	// so they get a small bounded head start.
	DepthBoostPerLevel = 0.5
	MaxDepthBoost      = 2.0
)

// sourceWeights favors human-submitted work, then the agent pipeline in
// stage order.
var sourceWeights = map[types.TaskSource]float64{
	types.SourceHuman:               2.0,
	types.SourceAgentRequirements:   1.5,
	types.SourceAgentPlanner:        1.0,
	types.SourceAgentImplementation: 0.5,
}

// Calculate returns the composite score for a task at the given instant:
// base priority plus deadline urgency, depth boost, and source weight.
func Calculate(task *types.Task, now time.Time) float64 {
	score := float64(task.BasePriority)
	score += DeadlineUrgency(task.Deadline, task.EstimatedDurationSeconds, now)
	score += DepthBoost(task.DependencyDepth)
	score += SourceWeight(task.Source)
	return score
}

// DeadlineUrgency ramps linearly from 0 to MaxDeadlineUrgency as now
// approaches the deadline, reaching the maximum at (and past) the
// deadline. The ramp starts one urgency window before the deadline; a
// duration estimate widens the window so long tasks start urgent sooner.
func DeadlineUrgency(deadline *time.Time, estimatedSeconds *int, now time.Time) float64 {
	if deadline == nil {
		return 0
	}

	window := DefaultUrgencyWindow
	if estimatedSeconds != nil && *estimatedSeconds > 0 {
		est := 2 * time.Duration(*estimatedSeconds) * time.Second
		if est > window {
			window = est
		}
	}

	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return MaxDeadlineUrgency
	}
	if remaining >= window {
		return 0
	}
	return MaxDeadlineUrgency * (1 - float64(remaining)/float64(window))
}

// DepthBoost is monotone in depth and capped at MaxDepthBoost.
func DepthBoost(depth int) float64 {
	if depth <= 0 {
		return 0
	}
	boost := DepthBoostPerLevel * float64(depth)
	if boost > MaxDepthBoost {
		return MaxDepthBoost
	}
	return boost
}

// SourceWeight returns the fixed per-source constant. Unknown sources
// contribute nothing.
func SourceWeight(source types.TaskSource) float64 {
	return sourceWeights[source]
}
