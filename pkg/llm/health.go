package llm

import (
	"sync"
	"time"
)

// DefaultCooloff is how long a failed endpoint stays out of rotation.
const DefaultCooloff = 60 * time.Second

// EndpointHealth is a point-in-time view of one endpoint's state.
type EndpointHealth struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"lastSuccess,omitempty"`
	LastFailure  time.Time `json:"lastFailure,omitempty"`
	FailureCount int       `json:"failureCount"`
	CooloffUntil time.Time `json:"cooloffUntil,omitempty"`
}

// healthTracker keeps per-endpoint failure state keyed by endpoint id.
// A failure puts the endpoint in cool-off; after the window passes it is
// offered again on the next selection with no explicit reset. State is
// keyed by id only, so it survives config reloads.
type healthTracker struct {
	mu      sync.Mutex
	cooloff time.Duration
	entries map[string]*healthEntry
}

type healthEntry struct {
	lastSuccess  time.Time
	lastFailure  time.Time
	failureCount int
	cooloffUntil time.Time
}

func newHealthTracker(cooloff time.Duration) *healthTracker {
	if cooloff <= 0 {
		cooloff = DefaultCooloff
	}
	return &healthTracker{
		cooloff: cooloff,
		entries: make(map[string]*healthEntry),
	}
}

func (h *healthTracker) markSuccess(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.entry(id)
	entry.lastSuccess = time.Now()
	entry.failureCount = 0
	entry.cooloffUntil = time.Time{}
}

func (h *healthTracker) markFailure(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	entry := h.entry(id)
	entry.lastFailure = now
	entry.failureCount++
	entry.cooloffUntil = now.Add(h.cooloff)
}

func (h *healthTracker) available(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[id]
	if !ok {
		return true
	}
	return !time.Now().Before(entry.cooloffUntil)
}

// snapshot returns a copy of all tracked endpoint states.
func (h *healthTracker) snapshot() map[string]EndpointHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	out := make(map[string]EndpointHealth, len(h.entries))
	for id, entry := range h.entries {
		out[id] = EndpointHealth{
			Available:    !now.Before(entry.cooloffUntil),
			LastSuccess:  entry.lastSuccess,
			LastFailure:  entry.lastFailure,
			FailureCount: entry.failureCount,
			CooloffUntil: entry.cooloffUntil,
		}
	}
	return out
}

func (h *healthTracker) entry(id string) *healthEntry {
	entry, ok := h.entries[id]
	if !ok {
		entry = &healthEntry{}
		h.entries[id] = entry
	}
	return entry
}
