package models

// LaneID identifies a bounded concurrency partition for dispatch.
type LaneID string

// Lane identifiers.
const (
	LaneMain     LaneID = "main"
	LaneSubagent LaneID = "subagent"
	LaneCron     LaneID = "cron"
	LaneSession  LaneID = "session"
)

// Lane is a snapshot of one concurrency partition. Counts are process-local;
// a restarted scheduler restores ActiveCount from outstanding runs.
type Lane struct {
	ID             LaneID `json:"id"`
	DisplayName    string `json:"displayName"`
	MaxConcurrency int    `json:"maxConcurrency"`
	ActiveCount    int    `json:"activeCount"`
	QueuedCount    int    `json:"queuedCount"`
	Available      bool   `json:"available"`
}

// ModelTier is an abstract complexity class resolved to a concrete model by
// the LLM layer.
type ModelTier string

// Model tiers.
const (
	TierSimple  ModelTier = "simple"
	TierMedium  ModelTier = "medium"
	TierComplex ModelTier = "complex"
)
