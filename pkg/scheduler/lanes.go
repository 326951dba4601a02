package scheduler

import (
	"sort"
	"sync"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// builtinLaneOrder fixes the display order of the well-known lanes in stats
// output. Custom lanes from config sort alphabetically after them.
var builtinLaneOrder = []models.LaneID{
	models.LaneMain,
	models.LaneSubagent,
	models.LaneCron,
	models.LaneSession,
}

var laneDisplayNames = map[models.LaneID]string{
	models.LaneMain:     "Main",
	models.LaneSubagent: "Subagent",
	models.LaneCron:     "Cron",
	models.LaneSession:  "Session",
}

type laneState struct {
	max    int
	active int
	queued int
}

// laneSet tracks per-lane occupancy. Counts are process-local: Start rebuilds
// active counts from outstanding runs. Only the scheduler loop mutates them;
// the mutex exists because stats snapshots are read from gateway goroutines.
type laneSet struct {
	mu    sync.Mutex
	lanes map[models.LaneID]*laneState
}

func newLaneSet(limits map[string]int) *laneSet {
	ls := &laneSet{lanes: make(map[models.LaneID]*laneState)}
	for name, max := range config.DefaultSchedulerConfig().Lanes {
		ls.lanes[models.LaneID(name)] = &laneState{max: max}
	}
	for name, max := range limits {
		if max < 0 {
			max = 0
		}
		ls.lanes[models.LaneID(name)] = &laneState{max: max}
	}
	return ls
}

func (ls *laneSet) exists(id models.LaneID) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, ok := ls.lanes[id]
	return ok
}

func (ls *laneSet) hasCapacity(id models.LaneID) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l, ok := ls.lanes[id]
	return ok && l.active < l.max
}

// acquire reserves a slot, rechecking capacity under the lock.
func (ls *laneSet) acquire(id models.LaneID) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l, ok := ls.lanes[id]
	if !ok || l.active >= l.max {
		return false
	}
	l.active++
	return true
}

func (ls *laneSet) release(id models.LaneID) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if l, ok := ls.lanes[id]; ok && l.active > 0 {
		l.active--
	}
}

// resetQueued clears the per-tick count of ready items that found no slot.
func (ls *laneSet) resetQueued() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, l := range ls.lanes {
		l.queued = 0
	}
}

func (ls *laneSet) addQueued(id models.LaneID) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if l, ok := ls.lanes[id]; ok {
		l.queued++
	}
}

// snapshot returns lane occupancy in stable order: the builtin lanes first,
// then any custom lanes alphabetically.
func (ls *laneSet) snapshot() []models.Lane {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	out := make([]models.Lane, 0, len(ls.lanes))
	seen := make(map[models.LaneID]bool, len(builtinLaneOrder))
	appendLane := func(id models.LaneID, l *laneState) {
		name := laneDisplayNames[id]
		if name == "" {
			name = string(id)
		}
		out = append(out, models.Lane{
			ID:             id,
			DisplayName:    name,
			MaxConcurrency: l.max,
			ActiveCount:    l.active,
			QueuedCount:    l.queued,
			Available:      l.active < l.max,
		})
	}
	for _, id := range builtinLaneOrder {
		if l, ok := ls.lanes[id]; ok {
			appendLane(id, l)
			seen[id] = true
		}
	}
	var custom []models.LaneID
	for id := range ls.lanes {
		if !seen[id] {
			custom = append(custom, id)
		}
	}
	sort.Slice(custom, func(i, j int) bool { return custom[i] < custom[j] })
	for _, id := range custom {
		appendLane(id, ls.lanes[id])
	}
	return out
}

// LaneSelector routes a work item to a concurrency lane. Rules apply in
// order, first match wins:
//
//  1. explicit "lane" in the item or goal context, when it names a
//     configured lane
//  2. "interactive" context flag, or XL estimated effort: session
//  3. "scheduled" context flag: cron
//  4. small effort with no dependencies: subagent
//  5. everything else: main
//
// Lane capacity is not consulted here; the dispatcher falls back to main
// when the selected lane is full.
type LaneSelector struct {
	lanes *laneSet
}

// Select returns the lane the item should run in.
func (s *LaneSelector) Select(item *models.WorkItem, goal *models.Goal) models.LaneID {
	if l := models.ContextString(item, goal, "lane"); l != "" {
		if id := models.LaneID(l); s.lanes.exists(id) {
			return id
		}
	}
	if models.ContextBool(item, goal, "interactive") {
		return models.LaneSession
	}
	if item.EstimatedEffort == models.EffortXL {
		return models.LaneSession
	}
	if models.ContextBool(item, goal, "scheduled") {
		return models.LaneCron
	}
	if item.EstimatedEffort == models.EffortS && len(item.Dependencies) == 0 {
		return models.LaneSubagent
	}
	return models.LaneMain
}
