// Package deps provides pure graph computations over the unresolved
// dependency edge set: cycle detection, topological ordering, depth, and
// readiness queries.
package deps

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abathur-dev/abathur/internal/storage"
	"github.com/abathur-dev/abathur/internal/types"
)

// DefaultCacheTTL bounds how stale the in-memory graph may get between
// explicit invalidations.
const DefaultCacheTTL = 5 * time.Second

// CircularDependencyError reports a cycle with a readable path.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Path) == 1 {
		return fmt.Sprintf("task %s cannot depend on itself", e.Path[0])
	}
	return "circular dependency: " + strings.Join(e.Path, " -> ")
}

// graph is an adjacency snapshot restricted to unresolved edges.
type graph struct {
	prereqs    map[string][]string // dependent -> prerequisites
	dependents map[string][]string // prerequisite -> dependents
	builtAt    time.Time
}

// Resolver computes over the current edge set, caching the graph for a
// short TTL. The queue service invalidates the cache after every edge
// insert, edge resolution, or readiness-changing status transition.
type Resolver struct {
	store storage.Storage
	ttl   time.Duration

	mu         sync.Mutex
	cached     *graph
	depthCache map[string]int
}

// NewResolver creates a resolver over the given store.
func NewResolver(store storage.Storage) *Resolver {
	return &Resolver{
		store:      store,
		ttl:        DefaultCacheTTL,
		depthCache: make(map[string]int),
	}
}

// Invalidate drops the cached graph and depth memo. Callers invoke this
// after any mutation that changes the unresolved edge set.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.depthCache = make(map[string]int)
	r.mu.Unlock()
}

// snapshot returns the current graph, rebuilding from the store when the
// cache is missing or expired.
func (r *Resolver) snapshot(ctx context.Context) (*graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && time.Since(r.cached.builtAt) < r.ttl {
		return r.cached, nil
	}

	edges, err := r.store.GetUnresolvedDependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}

	g := &graph{
		prereqs:    make(map[string][]string),
		dependents: make(map[string][]string),
		builtAt:    time.Now(),
	}
	for _, e := range edges {
		g.prereqs[e.DependentTaskID] = append(g.prereqs[e.DependentTaskID], e.PrerequisiteTaskID)
		g.dependents[e.PrerequisiteTaskID] = append(g.dependents[e.PrerequisiteTaskID], e.DependentTaskID)
	}
	r.cached = g
	return g, nil
}

// DetectCircularDependencies checks whether adding edges candidate->p for
// each p in newPrereqs would create a cycle. Self-dependency is rejected
// outright; otherwise a DFS over the current graph plus the hypothetical
// edges looks for a path from any new prerequisite back to the candidate.
func (r *Resolver) DetectCircularDependencies(ctx context.Context, candidateID string, newPrereqs []string) error {
	for _, p := range newPrereqs {
		if p == candidateID {
			return &CircularDependencyError{Path: []string{candidateID}}
		}
	}
	if len(newPrereqs) == 0 {
		return nil
	}

	g, err := r.snapshot(ctx)
	if err != nil {
		return err
	}

	// A cycle through the new edges exists iff candidateID is reachable
	// from some new prerequisite by following prerequisite edges.
	for _, start := range newPrereqs {
		if path := findPath(g.prereqs, start, candidateID); path != nil {
			full := append([]string{candidateID}, path...)
			return &CircularDependencyError{Path: full}
		}
	}
	return nil
}

// findPath runs a DFS from start along adjacency and returns the node path
// to target, or nil.
func findPath(adjacency map[string][]string, start, target string) []string {
	visiting := map[string]bool{}
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		if visiting[node] {
			return false
		}
		visiting[node] = true
		path = append(path, node)
		if node == target {
			return true
		}
		for _, next := range adjacency[node] {
			if dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if dfs(start) {
		return path
	}
	return nil
}

// CalculateDependencyDepth returns 0 for tasks with no unresolved
// prerequisites, else 1 + max depth over them. Memoized until the next
// invalidation.
func (r *Resolver) CalculateDependencyDepth(ctx context.Context, taskID string) (int, error) {
	g, err := r.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depthLocked(g, taskID, map[string]bool{})
}

func (r *Resolver) depthLocked(g *graph, taskID string, visiting map[string]bool) (int, error) {
	if d, ok := r.depthCache[taskID]; ok {
		return d, nil
	}
	if visiting[taskID] {
		return 0, &CircularDependencyError{Path: []string{taskID}}
	}
	visiting[taskID] = true
	defer delete(visiting, taskID)

	maxDepth := -1
	for _, p := range g.prereqs[taskID] {
		d, err := r.depthLocked(g, p, visiting)
		if err != nil {
			return 0, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}
	depth := maxDepth + 1 // -1 + 1 == 0 for no prerequisites
	r.depthCache[taskID] = depth
	return depth, nil
}

// GetExecutionOrder runs Kahn's algorithm over the subgraph induced by
// taskIDs and returns a topologically valid linear order. Ties between
// zero-indegree candidates break on (depth asc, submitted_at asc, id asc)
// so the order is deterministic.
func (r *Resolver) GetExecutionOrder(ctx context.Context, taskIDs []string) ([]string, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	if len(taskIDs) == 1 {
		return []string{taskIDs[0]}, nil
	}

	g, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	inSet := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		inSet[id] = true
	}

	submitted, err := r.submittedTimes(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	depths := make(map[string]int, len(taskIDs))
	for _, id := range taskIDs {
		d, err := r.CalculateDependencyDepth(ctx, id)
		if err != nil {
			return nil, err
		}
		depths[id] = d
	}

	indegree := make(map[string]int, len(taskIDs))
	for _, id := range taskIDs {
		indegree[id] = 0
	}
	for _, id := range taskIDs {
		for _, p := range g.prereqs[id] {
			if inSet[p] {
				indegree[id]++
			}
		}
	}

	less := func(a, b string) bool {
		if depths[a] != depths[b] {
			return depths[a] < depths[b]
		}
		if !submitted[a].Equal(submitted[b]) {
			return submitted[a].Before(submitted[b])
		}
		return a < b
	}

	var frontier []string
	for _, id := range taskIDs {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })

	order := make([]string, 0, len(taskIDs))
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		order = append(order, node)

		for _, dep := range g.dependents[node] {
			if !inSet[dep] {
				continue
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
				sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })
			}
		}
	}

	if len(order) != len(taskIDs) {
		var stuck []string
		for _, id := range taskIDs {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &CircularDependencyError{Path: stuck}
	}
	return order, nil
}

func (r *Resolver) submittedTimes(ctx context.Context, ids []string) (map[string]time.Time, error) {
	tasks, err := r.store.GetTasksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	times := make(map[string]time.Time, len(tasks))
	for _, t := range tasks {
		times[t.ID] = t.SubmittedAt
	}
	return times, nil
}

// InducedPrereqs returns, for each task in taskIDs, its unresolved
// prerequisites that are also in taskIDs. Used to batch execution plans.
func (r *Resolver) InducedPrereqs(ctx context.Context, taskIDs []string) (map[string][]string, error) {
	g, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	inSet := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		inSet[id] = true
	}
	induced := make(map[string][]string, len(taskIDs))
	for _, id := range taskIDs {
		for _, p := range g.prereqs[id] {
			if inSet[p] {
				induced[id] = append(induced[id], p)
			}
		}
	}
	return induced, nil
}

// GetUnmetDependencies returns the subset of taskIDs that are not yet
// completed.
func (r *Resolver) GetUnmetDependencies(ctx context.Context, taskIDs []string) ([]string, error) {
	tasks, err := r.store.GetTasksByIDs(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	var unmet []string
	for _, t := range tasks {
		if t.Status != types.StatusCompleted {
			unmet = append(unmet, t.ID)
		}
	}
	return unmet, nil
}

// AreAllDependenciesMet reports whether every prerequisite edge of taskID
// is resolved.
func (r *Resolver) AreAllDependenciesMet(ctx context.Context, taskID string) (bool, error) {
	edges, err := r.store.GetDependenciesFor(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if !e.Resolved() {
			return false, nil
		}
	}
	return true, nil
}

// GetReadyTasks filters taskIDs down to those with no unresolved
// prerequisites.
func (r *Resolver) GetReadyTasks(ctx context.Context, taskIDs []string) ([]string, error) {
	g, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var ready []string
	for _, id := range taskIDs {
		if len(g.prereqs[id]) == 0 {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

// GetBlockedTasks returns the direct dependents gated on prereqID.
func (r *Resolver) GetBlockedTasks(ctx context.Context, prereqID string) ([]string, error) {
	g, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	blocked := append([]string(nil), g.dependents[prereqID]...)
	sort.Strings(blocked)
	return blocked, nil
}

// GetDependencyChain returns taskID's predecessors level by level: level 0
// is its direct prerequisites, level 1 theirs, and so on. Shared
// prerequisites appear once, at the shallowest level reached.
func (r *Resolver) GetDependencyChain(ctx context.Context, taskID string) ([][]string, error) {
	g, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{taskID: true}
	var chain [][]string
	frontier := []string{taskID}
	for len(frontier) > 0 {
		var level []string
		for _, id := range frontier {
			for _, p := range g.prereqs[id] {
				if seen[p] {
					continue
				}
				seen[p] = true
				level = append(level, p)
			}
		}
		if len(level) == 0 {
			break
		}
		sort.Strings(level)
		chain = append(chain, level)
		frontier = level
	}
	return chain, nil
}
