package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Memory is an in-memory Repository. A single mutex linearizes every
// transition, which is what gives the scheduler its consistency guarantees
// (conditional updates observe a stable snapshot). All returned values are
// clones; callers never share memory with the store.
type Memory struct {
	mu sync.RWMutex

	goals       map[string]*models.Goal
	goalOrder   []string
	workItems   map[string]*models.WorkItem
	itemsByGoal map[string][]string
	runs        map[string]*models.Run
	runsByItem  map[string][]string
	escalations map[string]*models.Escalation
	escOrder    []string
	approvals   map[string]*models.Approval
	apprOrder   []string
	artifacts   map[string]*models.Artifact
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		goals:       make(map[string]*models.Goal),
		workItems:   make(map[string]*models.WorkItem),
		itemsByGoal: make(map[string][]string),
		runs:        make(map[string]*models.Run),
		runsByItem:  make(map[string][]string),
		escalations: make(map[string]*models.Escalation),
		approvals:   make(map[string]*models.Approval),
		artifacts:   make(map[string]*models.Artifact),
	}
}

var _ Repository = (*Memory)(nil)

// --- Goals ---

// CreateGoal stores a new goal, assigning id and timestamps when unset.
func (m *Memory) CreateGoal(_ context.Context, g *models.Goal) error {
	if g == nil {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stampGoal(g)
	if _, exists := m.goals[g.ID]; exists {
		return ErrConflict
	}
	m.goals[g.ID] = g.Clone()
	m.goalOrder = append(m.goalOrder, g.ID)
	return nil
}

// GetGoal returns a goal by id.
func (m *Memory) GetGoal(_ context.Context, id string) (*models.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.goals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

// ListGoals returns goals ordered by (priority, createdAt, id) plus the
// total match count before pagination.
func (m *Memory) ListGoals(_ context.Context, f GoalFilter) ([]*models.Goal, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*models.Goal, 0, len(m.goals))
	for _, id := range m.goalOrder {
		g := m.goals[id]
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, g.Status) {
			continue
		}
		matched = append(matched, g)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= total {
			return []*models.Goal{}, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}

	out := make([]*models.Goal, len(matched))
	for i, g := range matched {
		out[i] = g.Clone()
	}
	return out, total, nil
}

// UpdateGoalStatus transitions a goal. Terminal goals are immutable.
func (m *Memory) UpdateGoalStatus(_ context.Context, id string, status models.GoalStatus, reason string) (*models.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if g.Status.Terminal() {
		return nil, ErrConflict
	}

	now := time.Now()
	g.Status = status
	g.UpdatedAt = now
	if status == models.GoalBlocked {
		g.BlockedReason = reason
	} else {
		g.BlockedReason = ""
	}
	if status.Terminal() {
		g.CompletedAt = &now
	}
	return g.Clone(), nil
}

// AddGoalSpend increments spend counters. Counters never decrease.
func (m *Memory) AddGoalSpend(_ context.Context, id string, tokens int64, minutes, cost float64) (*models.Goal, error) {
	if tokens < 0 || minutes < 0 || cost < 0 {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[id]
	if !ok {
		return nil, ErrNotFound
	}
	g.Spent.Tokens += tokens
	g.Spent.TimeMinutes += minutes
	g.Spent.CostUsd += cost
	g.UpdatedAt = time.Now()
	return g.Clone(), nil
}

// --- Work items ---

// CreateWorkItem stores a new work item and maintains inverse dependency
// edges on the items it depends on.
func (m *Memory) CreateWorkItem(_ context.Context, w *models.WorkItem) error {
	if w == nil || w.GoalID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.goals[w.GoalID]; !ok {
		return ErrNotFound
	}
	stampWorkItem(w)
	if _, exists := m.workItems[w.ID]; exists {
		return ErrConflict
	}

	m.workItems[w.ID] = w.Clone()
	m.itemsByGoal[w.GoalID] = append(m.itemsByGoal[w.GoalID], w.ID)

	for _, dep := range w.Dependencies {
		if d, ok := m.workItems[dep]; ok {
			d.Blocks = append(d.Blocks, w.ID)
		}
	}
	return nil
}

// GetWorkItem returns a work item by id.
func (m *Memory) GetWorkItem(_ context.Context, id string) (*models.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workItems[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

// GetWorkItemsByGoal returns a goal's work items in creation order.
func (m *Memory) GetWorkItemsByGoal(_ context.Context, goalID string) ([]*models.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.goals[goalID]; !ok {
		return nil, ErrNotFound
	}
	ids := m.itemsByGoal[goalID]
	out := make([]*models.WorkItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.workItems[id].Clone())
	}
	return out, nil
}

// UpdateWorkItemStatus transitions a work item. Terminal items are immutable.
func (m *Memory) UpdateWorkItemStatus(_ context.Context, id string, status models.WorkItemStatus) (*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workItems[id]
	if !ok {
		return nil, ErrNotFound
	}
	if w.Status.Terminal() {
		return nil, ErrConflict
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return w.Clone(), nil
}

// UpdateWorkItemStatusIfDependenciesMet promotes queued → ready when every
// dependency exists and is done. The guard and the write happen under one
// lock, so the scheduler observes a linearized transition.
func (m *Memory) UpdateWorkItemStatusIfDependenciesMet(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workItems[id]
	if !ok {
		return false, ErrNotFound
	}
	if w.Status != models.WorkItemQueued {
		return false, nil
	}
	for _, dep := range w.Dependencies {
		d, ok := m.workItems[dep]
		if !ok || d.Status != models.WorkItemDone {
			return false, nil
		}
	}
	w.Status = models.WorkItemReady
	w.UpdatedAt = time.Now()
	return true, nil
}

// IncrementWorkItemRetry bumps the retry counter after a failed run.
func (m *Memory) IncrementWorkItemRetry(_ context.Context, id string) (*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workItems[id]
	if !ok {
		return nil, ErrNotFound
	}
	w.RetryCount++
	w.UpdatedAt = time.Now()
	return w.Clone(), nil
}

// SetWorkItemVerification records the verification outcome.
func (m *Memory) SetWorkItemVerification(_ context.Context, id string, vs models.VerificationStatus) (*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workItems[id]
	if !ok {
		return nil, ErrNotFound
	}
	w.VerificationStatus = vs
	w.UpdatedAt = time.Now()
	return w.Clone(), nil
}

// --- Runs ---

// CreateRun stores a new run. RunSequence is assigned prevMax+1 when unset;
// a second running run for the same work item is rejected.
func (m *Memory) CreateRun(_ context.Context, r *models.Run) error {
	if r == nil || r.WorkItemID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workItems[r.WorkItemID]; !ok {
		return ErrNotFound
	}

	maxSeq := 0
	for _, runID := range m.runsByItem[r.WorkItemID] {
		existing := m.runs[runID]
		if existing.Status == models.RunRunning {
			return ErrConflict
		}
		if existing.RunSequence > maxSeq {
			maxSeq = existing.RunSequence
		}
	}

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if _, exists := m.runs[r.ID]; exists {
		return ErrConflict
	}
	if r.RunSequence == 0 {
		r.RunSequence = maxSeq + 1
	} else if r.RunSequence <= maxSeq {
		return ErrConflict
	}
	if r.Status == "" {
		r.Status = models.RunRunning
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	m.runs[r.ID] = r.Clone()
	m.runsByItem[r.WorkItemID] = append(m.runsByItem[r.WorkItemID], r.ID)
	return nil
}

// GetRun returns a run by id.
func (m *Memory) GetRun(_ context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// UpdateRunStatus writes a terminal status and merges result accounting.
func (m *Memory) UpdateRunStatus(_ context.Context, id string, status models.RunStatus, result *models.RunResult) (*models.Run, error) {
	if !status.Terminal() {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status.Terminal() {
		return nil, ErrConflict
	}

	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
	if result != nil {
		r.TokensUsed = result.TokensUsed
		r.TimeSeconds = result.TimeSeconds
		r.CostUsd = result.CostUsd
		r.ErrorMessage = result.ErrorMessage
		r.ErrorSignature = result.ErrorSignature
		r.Artifacts = append([]string(nil), result.Artifacts...)
	}
	return r.Clone(), nil
}

// GetRunsByWorkItem returns runs in sequence order.
func (m *Memory) GetRunsByWorkItem(_ context.Context, workItemID string) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.workItems[workItemID]; !ok {
		return nil, ErrNotFound
	}
	ids := m.runsByItem[workItemID]
	out := make([]*models.Run, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.runs[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunSequence < out[j].RunSequence })
	return out, nil
}

// GetRunningRuns returns all currently running runs.
func (m *Memory) GetRunningRuns(_ context.Context) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Run, 0)
	for _, r := range m.runs {
		if r.Status == models.RunRunning {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Escalations ---

// CreateEscalation stores a new escalation.
func (m *Memory) CreateEscalation(_ context.Context, e *models.Escalation) error {
	if e == nil || e.GoalID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stampEscalation(e)
	if _, exists := m.escalations[e.ID]; exists {
		return ErrConflict
	}
	m.escalations[e.ID] = cloneEscalation(e)
	m.escOrder = append(m.escOrder, e.ID)
	return nil
}

// GetEscalation returns an escalation by id.
func (m *Memory) GetEscalation(_ context.Context, id string) (*models.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escalations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEscalation(e), nil
}

// UpdateEscalationStatus transitions an escalation. Resolved and dismissed
// are terminal.
func (m *Memory) UpdateEscalationStatus(_ context.Context, id string, status models.EscalationStatus) (*models.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionEscalation(id, status, "")
}

// ResolveEscalation marks an escalation resolved with a resolution note.
func (m *Memory) ResolveEscalation(_ context.Context, id, resolution string) (*models.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionEscalation(id, models.EscalationResolved, resolution)
}

func (m *Memory) transitionEscalation(id string, status models.EscalationStatus, resolution string) (*models.Escalation, error) {
	e, ok := m.escalations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status == models.EscalationResolved || e.Status == models.EscalationDismissed {
		return nil, ErrConflict
	}

	now := time.Now()
	e.Status = status
	e.UpdatedAt = now
	if status == models.EscalationResolved || status == models.EscalationDismissed {
		e.ResolvedAt = &now
	}
	if resolution != "" {
		if e.Context == nil {
			e.Context = make(map[string]any)
		}
		e.Context["resolution"] = resolution
	}
	return cloneEscalation(e), nil
}

// GetOpenEscalations returns open and acknowledged escalations, optionally
// filtered by goal.
func (m *Memory) GetOpenEscalations(_ context.Context, goalID string) ([]*models.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Escalation, 0)
	for _, id := range m.escOrder {
		e := m.escalations[id]
		if e.Status != models.EscalationOpen && e.Status != models.EscalationAcknowledged {
			continue
		}
		if goalID != "" && e.GoalID != goalID {
			continue
		}
		out = append(out, cloneEscalation(e))
	}
	return out, nil
}

// ListEscalations returns escalations filtered by goal and/or status, in
// creation order.
func (m *Memory) ListEscalations(_ context.Context, goalID string, status models.EscalationStatus) ([]*models.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Escalation, 0)
	for _, id := range m.escOrder {
		e := m.escalations[id]
		if goalID != "" && e.GoalID != goalID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, cloneEscalation(e))
	}
	return out, nil
}

// --- Approvals ---

// CreateApproval stores a new approval request, pending by default.
func (m *Memory) CreateApproval(_ context.Context, a *models.Approval) error {
	if a == nil || a.Title == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.ApprovalPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if _, exists := m.approvals[a.ID]; exists {
		return ErrConflict
	}
	cp := *a
	m.approvals[a.ID] = &cp
	m.apprOrder = append(m.apprOrder, a.ID)
	return nil
}

// GetApproval returns an approval by id.
func (m *Memory) GetApproval(_ context.Context, id string) (*models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListApprovals returns approvals in creation order, optionally filtered.
func (m *Memory) ListApprovals(_ context.Context, f ApprovalFilter) ([]*models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Approval, 0)
	for _, id := range m.apprOrder {
		a := m.approvals[id]
		if f.GoalID != "" && a.GoalID != f.GoalID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// DecideApproval transitions pending → granted|denied exactly once.
func (m *Memory) DecideApproval(_ context.Context, id string, status models.ApprovalStatus, decidedBy, reason string) (*models.Approval, error) {
	if status != models.ApprovalGranted && status != models.ApprovalDenied {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != models.ApprovalPending {
		return nil, ErrConflict
	}

	now := time.Now()
	a.Status = status
	a.DecidedBy = decidedBy
	a.Reason = reason
	a.DecidedAt = &now
	cp := *a
	return &cp, nil
}

// --- Artifacts ---

// CreateArtifact stores a run artifact.
func (m *Memory) CreateArtifact(_ context.Context, a *models.Artifact) error {
	if a == nil || a.RunID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if _, exists := m.artifacts[a.ID]; exists {
		return ErrConflict
	}
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

// GetArtifact returns an artifact by id.
func (m *Memory) GetArtifact(_ context.Context, id string) (*models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// --- helpers ---

func stampGoal(g *models.Goal) {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.Status == "" {
		g.Status = models.GoalQueued
	}
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = now
	}
}

func stampWorkItem(w *models.WorkItem) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = models.WorkItemQueued
	}
	if w.VerificationStatus == "" {
		w.VerificationStatus = models.VerificationNotStarted
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = now
	}
}

func stampEscalation(e *models.Escalation) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.EscalationOpen
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
}

func cloneEscalation(e *models.Escalation) *models.Escalation {
	cp := *e
	if e.Context != nil {
		cp.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func containsStatus(list []models.GoalStatus, s models.GoalStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
