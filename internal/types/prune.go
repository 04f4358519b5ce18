package types

import (
	"fmt"
	"time"
)

// VacuumMode controls space reclamation after a prune.
type VacuumMode string

// Vacuum mode constants.
const (
	VacuumAlways      VacuumMode = "always"
	VacuumConditional VacuumMode = "conditional"
	VacuumNever       VacuumMode = "never"
)

// IsValid checks if the vacuum mode is valid.
func (m VacuumMode) IsValid() bool {
	return m == VacuumAlways || m == VacuumConditional || m == VacuumNever
}

// Vacuum policy thresholds.
const (
	// VacuumConditionalMinDeleted is the minimum delete count before a
	// conditional vacuum runs at all.
	VacuumConditionalMinDeleted = 100

	// VacuumAutoSkipThreshold force-skips a conditional vacuum on very
	// large prunes. VACUUM takes an exclusive lock for the duration and
	// rewrites the whole file; on a multi-GB database that can stall every
	// caller for minutes.
	VacuumAutoSkipThreshold = 10000
)

// PruneFilters selects tasks for bulk deletion. At least one selection
// criterion (IDs, OlderThanDays, BeforeDate, or Statuses) must be set.
type PruneFilters struct {
	// IDs selects explicit tasks regardless of status.
	IDs []string

	// OlderThanDays selects tasks submitted more than N days ago.
	OlderThanDays int

	// BeforeDate selects tasks submitted before the given instant.
	BeforeDate *time.Time

	// Statuses restricts selection to the given statuses. Only terminal
	// statuses are allowed here; when empty and a time filter is set, the
	// terminal set is assumed.
	Statuses []TaskStatus

	// Limit caps the number of tasks deleted, oldest first. Zero means no
	// limit.
	Limit int

	// Recursive expands the selection to descendants, deleting leaves
	// first. Incompatible with Limit.
	Recursive bool

	DryRun     bool
	VacuumMode VacuumMode
}

// Validate rejects empty or unsafe selections before any SQL runs.
func (f *PruneFilters) Validate() error {
	if len(f.IDs) == 0 && f.OlderThanDays == 0 && f.BeforeDate == nil && len(f.Statuses) == 0 {
		return fmt.Errorf("no prune criteria specified: provide task IDs, --older-than, --before, or --status")
	}
	for _, s := range f.Statuses {
		if !s.IsValid() {
			return fmt.Errorf("unknown status %q", s)
		}
		if !s.IsTerminal() {
			return fmt.Errorf("cannot prune tasks by non-terminal status %q: only completed, failed, and cancelled are pruneable by filter", s)
		}
	}
	if f.OlderThanDays < 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	if f.Recursive && f.Limit > 0 {
		return fmt.Errorf("--recursive is incompatible with --limit")
	}
	if f.VacuumMode != "" && !f.VacuumMode.IsValid() {
		return fmt.Errorf("invalid vacuum mode %q (valid: always, conditional, never)", f.VacuumMode)
	}
	return nil
}

// EffectiveStatuses returns the status set the selection actually uses:
// the explicit set, or the terminal statuses when only time filters were
// given. ID-only selections return nil (any status is deletable by ID).
func (f *PruneFilters) EffectiveStatuses() []TaskStatus {
	if len(f.Statuses) > 0 {
		return f.Statuses
	}
	if f.OlderThanDays > 0 || f.BeforeDate != nil {
		return []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}
	}
	return nil
}

// PruneResult reports what a prune deleted (or would delete, for dry runs).
type PruneResult struct {
	DeletedTasks        int                `json:"deleted_tasks"`
	DeletedDependencies int                `json:"deleted_dependencies"`
	BreakdownByStatus   map[TaskStatus]int `json:"breakdown_by_status"`
	DryRun              bool               `json:"dry_run"`

	// ReclaimedBytes is set only when a VACUUM actually ran.
	ReclaimedBytes *int64 `json:"reclaimed_bytes,omitempty"`

	// VacuumAutoSkipped is set when a conditional vacuum was suppressed by
	// the large-prune threshold.
	VacuumAutoSkipped bool `json:"vacuum_auto_skipped"`

	// BlockedParents lists selected tasks that were refused because a live
	// child outside the selection still references them.
	BlockedParents []string `json:"blocked_parents,omitempty"`
}
