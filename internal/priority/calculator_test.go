package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/abathur-dev/abathur/internal/types"
)

func TestDeadlineUrgency(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hours := func(h int) *time.Time {
		d := now.Add(time.Duration(h) * time.Hour)
		return &d
	}

	tests := []struct {
		name      string
		deadline  *time.Time
		estimated *int
		want      float64
	}{
		{name: "no deadline", deadline: nil, want: 0},
		{name: "far future", deadline: hours(48), want: 0},
		{name: "window edge", deadline: hours(24), want: 0},
		{name: "halfway through window", deadline: hours(12), want: 2.5},
		{name: "at deadline", deadline: hours(0), want: 5},
		{name: "overdue clamps to max", deadline: hours(-100), want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeadlineUrgency(tt.deadline, tt.estimated, now)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	t.Run("estimate widens the window", func(t *testing.T) {
		// 24h of estimated work doubles to a 48h window, so a deadline
		// 36h out is already a quarter of the way up the ramp.
		est := int((24 * time.Hour).Seconds())
		got := DeadlineUrgency(hours(36), &est, now)
		assert.InDelta(t, 1.25, got, 1e-9)
	})

	t.Run("short estimate keeps default window", func(t *testing.T) {
		est := 60
		assert.Zero(t, DeadlineUrgency(hours(25), &est, now))
	})
}

func TestDepthBoost(t *testing.T) {
	assert.Equal(t, 0.0, DepthBoost(0))
	assert.Equal(t, 0.5, DepthBoost(1))
	assert.Equal(t, 1.5, DepthBoost(3))
	assert.Equal(t, 2.0, DepthBoost(4))
	assert.Equal(t, 2.0, DepthBoost(50), "boost is capped")
}

func TestSourceWeight(t *testing.T) {
	human := SourceWeight(types.SourceHuman)
	req := SourceWeight(types.SourceAgentRequirements)
	plan := SourceWeight(types.SourceAgentPlanner)
	impl := SourceWeight(types.SourceAgentImplementation)

	assert.Equal(t, 2.0, human)
	assert.Greater(t, human, req)
	assert.Greater(t, req, plan)
	assert.Greater(t, plan, impl)
	assert.Zero(t, SourceWeight(types.TaskSource("martian")))
}

func TestCalculateComposition(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(12 * time.Hour)

	task := &types.Task{
		BasePriority:    7,
		Source:          types.SourceHuman,
		Deadline:        &deadline,
		DependencyDepth: 2,
	}

	// 7 base + 2.5 urgency + 1.0 depth + 2.0 source.
	assert.InDelta(t, 12.5, Calculate(task, now), 1e-9)
}

func TestCalculateIsPure(t *testing.T) {
	now := time.Now().UTC()
	task := &types.Task{BasePriority: 5, Source: types.SourceAgentPlanner}
	first := Calculate(task, now)
	second := Calculate(task, now)
	assert.Equal(t, first, second)
}
