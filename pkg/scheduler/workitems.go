package scheduler

import (
	"context"
	"sort"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// WorkItemManager resolves a goal's ready set and inspects its dependency
// graph.
type WorkItemManager struct {
	repo store.Repository
}

func NewWorkItemManager(repo store.Repository) *WorkItemManager {
	if repo == nil {
		panic("scheduler: WorkItemManager requires a repository")
	}
	return &WorkItemManager{repo: repo}
}

// ResolveReady promotes queued items whose dependencies are all done and
// returns the goal's full ready set ordered by (priority, createdAt, id).
// The promoted slice holds items that changed status in this call so the
// caller can emit events for them.
func (m *WorkItemManager) ResolveReady(ctx context.Context, goalID string) (ready, promoted []*models.WorkItem, err error) {
	items, err := m.repo.GetWorkItemsByGoal(ctx, goalID)
	if err != nil {
		return nil, nil, err
	}
	for _, item := range items {
		if item.Status != models.WorkItemQueued {
			continue
		}
		ok, err := m.repo.UpdateWorkItemStatusIfDependenciesMet(ctx, item.ID)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			item.Status = models.WorkItemReady
			promoted = append(promoted, item)
		}
	}
	for _, item := range items {
		if item.Status == models.WorkItemReady {
			ready = append(ready, item)
		}
	}
	sortWorkItems(ready)
	return ready, promoted, nil
}

// sortWorkItems orders items by priority (lower first), then creation time,
// then id, so equal-priority scheduling stays deterministic.
func sortWorkItems(items []*models.WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// MissingDependencies returns, per item id, the dependency ids that do not
// exist among the goal's items. Such items can never become ready.
func (m *WorkItemManager) MissingDependencies(items []*models.WorkItem) map[string][]string {
	known := make(map[string]struct{}, len(items))
	for _, item := range items {
		known[item.ID] = struct{}{}
	}
	missing := make(map[string][]string)
	for _, item := range items {
		for _, dep := range item.Dependencies {
			if _, ok := known[dep]; !ok {
				missing[item.ID] = append(missing[item.ID], dep)
			}
		}
	}
	return missing
}

// DetectCycles finds dependency cycles among the goal's work items and
// returns one sorted id slice per cycle, cycles ordered by their first id.
// Self-dependencies count as cycles; dependencies on unknown ids are skipped
// (MissingDependencies reports those).
func (m *WorkItemManager) DetectCycles(items []*models.WorkItem) [][]string {
	known := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		known[item.ID] = struct{}{}
		ids = append(ids, item.ID)
	}
	sort.Strings(ids)

	adj := make(map[string][]string, len(items))
	for _, item := range items {
		for _, dep := range item.Dependencies {
			if _, ok := known[dep]; ok {
				adj[item.ID] = append(adj[item.ID], dep)
			}
		}
	}

	// Tarjan's strongly connected components with an explicit stack;
	// recursion depth would be unbounded on caller-supplied graphs.
	index := make(map[string]int, len(items))
	lowlink := make(map[string]int, len(items))
	onStack := make(map[string]bool, len(items))
	var stack []string
	next := 0
	var cycles [][]string

	type frame struct {
		node string
		edge int
	}

	for _, root := range ids {
		if _, visited := index[root]; visited {
			continue
		}
		index[root], lowlink[root] = next, next
		next++
		stack = append(stack, root)
		onStack[root] = true
		frames := []frame{{node: root}}

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			if f.edge < len(adj[f.node]) {
				child := adj[f.node][f.edge]
				f.edge++
				if _, visited := index[child]; !visited {
					index[child], lowlink[child] = next, next
					next++
					stack = append(stack, child)
					onStack[child] = true
					frames = append(frames, frame{node: child})
				} else if onStack[child] && index[child] < lowlink[f.node] {
					lowlink[f.node] = index[child]
				}
				continue
			}

			if lowlink[f.node] == index[f.node] {
				var comp []string
				for {
					n := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[n] = false
					comp = append(comp, n)
					if n == f.node {
						break
					}
				}
				if len(comp) > 1 || (len(comp) == 1 && dependsOnSelf(adj, comp[0])) {
					sort.Strings(comp)
					cycles = append(cycles, comp)
				}
			}

			finished := f.node
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[finished] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[finished]
				}
			}
		}
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

func dependsOnSelf(adj map[string][]string, id string) bool {
	for _, dep := range adj[id] {
		if dep == id {
			return true
		}
	}
	return false
}
