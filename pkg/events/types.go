// Package events provides the process-local event bus. Domain components
// emit typed events, a single broadcast worker drains the queue, and the
// gateway fans events out to subscribed sessions.
//
// Emission is non-blocking and returns after enqueuing. The bus never owns
// sessions; subscription state lives with the gateway's connection manager.
package events

import "time"

// Goal lifecycle event types.
const (
	EventGoalCreated   = "goal.created"
	EventGoalUpdated   = "goal.updated"
	EventGoalCompleted = "goal.completed"
	EventGoalCancelled = "goal.cancelled"
	EventGoalBlocked   = "goal.blocked"
)

// Work item lifecycle event types.
const (
	EventWorkItemCreated   = "workitem.created"
	EventWorkItemUpdated   = "workitem.updated"
	EventWorkItemCompleted = "workitem.completed"
	EventWorkItemFailed    = "workitem.failed"
)

// Run lifecycle event types.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
)

// Escalation and approval event types.
const (
	EventEscalationCreated  = "escalation.created"
	EventEscalationResolved = "escalation.resolved"
	EventApprovalRequested  = "approval.requested"
	EventApprovalGranted    = "approval.granted"
	EventApprovalDenied     = "approval.denied"
)

// Connection lifecycle event types.
const (
	EventConnectionAuthenticated = "connection.authenticated"
	EventConnectionDisconnected  = "connection.disconnected"
)

// LLM streaming event types. High frequency and ephemeral; never persisted.
const (
	EventLLMStreamStart = "llm.stream.start"
	EventLLMStreamChunk = "llm.stream.chunk"
	EventLLMStreamEnd   = "llm.stream.end"
	EventLLMStreamError = "llm.stream.error"
)

// EventSessionLagged is delivered to a single session in place of events
// dropped from its overflowing outbound queue.
const EventSessionLagged = "session.lagged"

// Event is one domain event on the bus.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// GoalID extracts the goal id from the event data, if present. Broadcast
// filters match on it.
func (e Event) GoalID() string {
	if e.Data == nil {
		return ""
	}
	if id, ok := e.Data["goalId"].(string); ok {
		return id
	}
	return ""
}
