package events

import (
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Publisher emits typed domain events onto the bus. It is the single place
// that knows how each entity is rendered into event data, so every emitter
// produces the same wire shape.
type Publisher struct {
	bus *Bus
}

// NewPublisher creates a publisher over the given bus.
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

// Bus returns the underlying bus.
func (p *Publisher) Bus() *Bus {
	return p.bus
}

// GoalCreated emits goal.created.
func (p *Publisher) GoalCreated(g *models.Goal) {
	p.bus.Emit(EventGoalCreated, goalData(g))
}

// GoalUpdated emits goal.updated.
func (p *Publisher) GoalUpdated(g *models.Goal) {
	p.bus.Emit(EventGoalUpdated, goalData(g))
}

// GoalCompleted emits goal.completed.
func (p *Publisher) GoalCompleted(g *models.Goal) {
	p.bus.Emit(EventGoalCompleted, goalData(g))
}

// GoalCancelled emits goal.cancelled.
func (p *Publisher) GoalCancelled(g *models.Goal) {
	p.bus.Emit(EventGoalCancelled, goalData(g))
}

// GoalBlocked emits goal.blocked with the blocking reason.
func (p *Publisher) GoalBlocked(g *models.Goal, reason string) {
	data := goalData(g)
	data["reason"] = reason
	p.bus.Emit(EventGoalBlocked, data)
}

// WorkItemCreated emits workitem.created.
func (p *Publisher) WorkItemCreated(w *models.WorkItem) {
	p.bus.Emit(EventWorkItemCreated, workItemData(w))
}

// WorkItemUpdated emits workitem.updated.
func (p *Publisher) WorkItemUpdated(w *models.WorkItem) {
	p.bus.Emit(EventWorkItemUpdated, workItemData(w))
}

// WorkItemCompleted emits workitem.completed.
func (p *Publisher) WorkItemCompleted(w *models.WorkItem) {
	p.bus.Emit(EventWorkItemCompleted, workItemData(w))
}

// WorkItemFailed emits workitem.failed.
func (p *Publisher) WorkItemFailed(w *models.WorkItem, errMsg string) {
	data := workItemData(w)
	if errMsg != "" {
		data["errorMessage"] = errMsg
	}
	p.bus.Emit(EventWorkItemFailed, data)
}

// RunStarted emits run.started.
func (p *Publisher) RunStarted(r *models.Run) {
	p.bus.Emit(EventRunStarted, runData(r))
}

// RunCompleted emits run.completed with the terminal status.
func (p *Publisher) RunCompleted(r *models.Run) {
	p.bus.Emit(EventRunCompleted, runData(r))
}

// EscalationCreated emits escalation.created.
func (p *Publisher) EscalationCreated(e *models.Escalation) {
	p.bus.Emit(EventEscalationCreated, escalationData(e))
}

// EscalationResolved emits escalation.resolved.
func (p *Publisher) EscalationResolved(e *models.Escalation) {
	p.bus.Emit(EventEscalationResolved, escalationData(e))
}

// ApprovalRequested emits approval.requested.
func (p *Publisher) ApprovalRequested(a *models.Approval) {
	p.bus.Emit(EventApprovalRequested, approvalData(a))
}

// ApprovalGranted emits approval.granted.
func (p *Publisher) ApprovalGranted(a *models.Approval) {
	p.bus.Emit(EventApprovalGranted, approvalData(a))
}

// ApprovalDenied emits approval.denied.
func (p *Publisher) ApprovalDenied(a *models.Approval) {
	p.bus.Emit(EventApprovalDenied, approvalData(a))
}

// ConnectionAuthenticated emits connection.authenticated.
func (p *Publisher) ConnectionAuthenticated(sessionID string, permissions []string) {
	p.bus.Emit(EventConnectionAuthenticated, map[string]any{
		"sessionId":   sessionID,
		"permissions": permissions,
	})
}

// ConnectionDisconnected emits connection.disconnected.
func (p *Publisher) ConnectionDisconnected(sessionID string) {
	p.bus.Emit(EventConnectionDisconnected, map[string]any{
		"sessionId": sessionID,
	})
}

// StreamStart emits llm.stream.start for a new streaming completion.
func (p *Publisher) StreamStart(req StreamRef, model string) {
	data := req.data()
	data["model"] = model
	p.bus.Emit(EventLLMStreamStart, data)
}

// StreamChunk emits llm.stream.chunk for one streamed delta.
func (p *Publisher) StreamChunk(req StreamRef, index int, content string) {
	data := req.data()
	data["index"] = index
	data["content"] = content
	data["timestamp"] = time.Now().Format(time.RFC3339Nano)
	p.bus.Emit(EventLLMStreamChunk, data)
}

// StreamEnd emits llm.stream.end with final accounting.
func (p *Publisher) StreamEnd(req StreamRef, totalChunks int, tokensUsed int64, finishReason string) {
	data := req.data()
	data["totalChunks"] = totalChunks
	data["tokensUsed"] = tokensUsed
	data["finishReason"] = finishReason
	p.bus.Emit(EventLLMStreamEnd, data)
}

// StreamError emits llm.stream.error.
func (p *Publisher) StreamError(req StreamRef, errMsg string) {
	data := req.data()
	data["error"] = errMsg
	p.bus.Emit(EventLLMStreamError, data)
}

// StreamRef identifies the request a stream event belongs to. GoalID,
// WorkItemID, and RunID are optional; RequestID is always set.
type StreamRef struct {
	RequestID  string
	GoalID     string
	WorkItemID string
	RunID      string
}

func (r StreamRef) data() map[string]any {
	data := map[string]any{"requestId": r.RequestID}
	if r.GoalID != "" {
		data["goalId"] = r.GoalID
	}
	if r.WorkItemID != "" {
		data["workItemId"] = r.WorkItemID
	}
	if r.RunID != "" {
		data["runId"] = r.RunID
	}
	return data
}

func goalData(g *models.Goal) map[string]any {
	return map[string]any{
		"goalId":   g.ID,
		"title":    g.Title,
		"status":   string(g.Status),
		"priority": g.Priority,
		"spent": map[string]any{
			"tokens":      g.Spent.Tokens,
			"timeMinutes": g.Spent.TimeMinutes,
			"costUsd":     g.Spent.CostUsd,
		},
	}
}

func workItemData(w *models.WorkItem) map[string]any {
	return map[string]any{
		"workItemId": w.ID,
		"goalId":     w.GoalID,
		"title":      w.Title,
		"type":       string(w.Type),
		"status":     string(w.Status),
		"retryCount": w.RetryCount,
	}
}

func runData(r *models.Run) map[string]any {
	data := map[string]any{
		"runId":       r.ID,
		"workItemId":  r.WorkItemID,
		"goalId":      r.GoalID,
		"runSequence": r.RunSequence,
		"status":      string(r.Status),
		"lane":        string(r.Lane),
	}
	if r.Model != "" {
		data["model"] = r.Model
	}
	if r.Status.Terminal() {
		data["tokensUsed"] = r.TokensUsed
		data["costUsd"] = r.CostUsd
	}
	if r.ErrorMessage != "" {
		data["errorMessage"] = r.ErrorMessage
	}
	return data
}

func escalationData(e *models.Escalation) map[string]any {
	data := map[string]any{
		"escalationId": e.ID,
		"goalId":       e.GoalID,
		"kind":         string(e.Kind),
		"severity":     string(e.Severity),
		"status":       string(e.Status),
		"title":        e.Title,
	}
	if e.WorkItemID != "" {
		data["workItemId"] = e.WorkItemID
	}
	if e.RunID != "" {
		data["runId"] = e.RunID
	}
	if sig, ok := e.Context["errorSignature"].(string); ok && sig != "" {
		data["errorSignature"] = sig
	}
	return data
}

func approvalData(a *models.Approval) map[string]any {
	data := map[string]any{
		"approvalId": a.ID,
		"title":      a.Title,
		"status":     string(a.Status),
	}
	if a.GoalID != "" {
		data["goalId"] = a.GoalID
	}
	if a.WorkItemID != "" {
		data["workItemId"] = a.WorkItemID
	}
	if a.DecidedBy != "" {
		data["decidedBy"] = a.DecidedBy
	}
	return data
}
