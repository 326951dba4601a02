package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/events"
)

// eventQueueSize bounds the per-connection backlog of undelivered event
// frames. Responses are not subject to the bound; they are request-driven
// and every request must receive exactly one response.
const eventQueueSize = 256

// connWriteTimeout bounds a single WebSocket write. A peer that cannot
// drain a frame within it is treated as dead.
const connWriteTimeout = 10 * time.Second

// SubscriptionFilter selects which bus events a session receives. A nil
// filter (never subscribed, or unsubscribed) receives nothing. An empty
// filter matches everything.
type SubscriptionFilter struct {
	// GoalID, when set, restricts delivery to events carrying that goal id.
	GoalID string `json:"goalId,omitempty"`

	// Types, when non-empty, lists event type prefixes; an event matches if
	// any prefix matches (so "goal." covers the whole goal namespace).
	Types []string `json:"types,omitempty"`
}

// Matches reports whether an event passes the filter.
func (f *SubscriptionFilter) Matches(e events.Event) bool {
	if f.GoalID != "" && f.GoalID != e.GoalID() {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, prefix := range f.Types {
		if strings.HasPrefix(e.Type, prefix) {
			return true
		}
	}
	return false
}

// Connection owns one WebSocket. Inbound frames are read and dispatched on
// the connection's read goroutine; all outbound traffic funnels through a
// single writer goroutine, so writes never interleave.
//
// The outbound queue holds two classes of frames. Responses are reliable
// and unbounded. Event frames are bounded by eventQueueSize with
// drop-oldest overflow; a dropped gap is surfaced to the client as one
// session.lagged event carrying the drop count.
type Connection struct {
	// ID is the connection id, assigned at accept time. Challenges bind to
	// it; it is distinct from the session id assigned at promotion.
	ID string

	// RemoteAddr is the peer address as reported by the HTTP request.
	RemoteAddr string

	conn   *websocket.Conn
	logger *slog.Logger

	mu      sync.Mutex
	replies [][]byte // reliable frames, drained before events
	eventsQ [][]byte // droppable event frames
	lagged  int64    // events dropped since the last lagged notice
	closed  bool
	wake    chan struct{}

	session atomic.Pointer[Session]
	filter  atomic.Pointer[SubscriptionFilter]

	// alive is the heartbeat flag: cleared when a ping is sent, set when
	// the pong arrives. A connection still false at the next heartbeat
	// interval is terminated as stale.
	alive atomic.Bool

	lastActivity atomic.Int64 // unix nano

	cancel     context.CancelFunc
	writerDone chan struct{}
}

// newConnection wraps an accepted WebSocket. The cancel function tears down
// the read loop; the writer exits once the queue is closed or the context
// ends.
func newConnection(ws *websocket.Conn, remoteAddr string, cancel context.CancelFunc, logger *slog.Logger) *Connection {
	c := &Connection{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		conn:       ws,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
	c.alive.Store(true)
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// Session returns the authenticated session, or nil while pending.
func (c *Connection) Session() *Session {
	return c.session.Load()
}

// setSession installs the session at promotion time.
func (c *Connection) setSession(s *Session) {
	c.session.Store(s)
}

// Filter returns the current subscription filter, nil if not subscribed.
func (c *Connection) Filter() *SubscriptionFilter {
	return c.filter.Load()
}

// SetFilter replaces the subscription filter. A nil filter unsubscribes.
func (c *Connection) SetFilter(f *SubscriptionFilter) {
	c.filter.Store(f)
}

// touch records inbound activity.
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivityAt returns the time of the most recent inbound frame.
func (c *Connection) LastActivityAt() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// sendReliable queues a response or handshake frame. Reliable frames are
// never dropped; a connection that cannot drain them is closed by the
// writer on write timeout.
func (c *Connection) sendReliable(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.replies = append(c.replies, frame)
	c.mu.Unlock()
	c.signal()
}

// sendEvent queues an event frame, dropping the oldest queued event on
// overflow. Returns the number of events dropped to make room (0 or 1).
func (c *Connection) sendEvent(frame []byte) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	dropped := 0
	if len(c.eventsQ) >= eventQueueSize {
		c.eventsQ = c.eventsQ[1:]
		c.lagged++
		dropped = 1
	}
	c.eventsQ = append(c.eventsQ, frame)
	c.mu.Unlock()
	c.signal()
	return dropped
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// nextFrame pops the next outbound frame, preferring reliable frames. When
// events were dropped, a single session.lagged frame is emitted before the
// oldest surviving event so the client sees the gap where it happened.
// Blocks until a frame is available, the queue closes, or ctx ends.
func (c *Connection) nextFrame(ctx context.Context) ([]byte, bool) {
	for {
		c.mu.Lock()
		if len(c.replies) > 0 {
			frame := c.replies[0]
			c.replies = c.replies[1:]
			c.mu.Unlock()
			return frame, true
		}
		if c.lagged > 0 {
			n := c.lagged
			c.lagged = 0
			c.mu.Unlock()
			frame, err := encodeEvent(events.EventSessionLagged, map[string]any{"dropped": n})
			if err != nil {
				continue
			}
			return frame, true
		}
		if len(c.eventsQ) > 0 {
			frame := c.eventsQ[0]
			c.eventsQ = c.eventsQ[1:]
			c.mu.Unlock()
			return frame, true
		}
		if c.closed {
			c.mu.Unlock()
			return nil, false
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// writeLoop serializes all outbound traffic. Runs until the queue closes or
// a write fails, then cancels the read loop.
func (c *Connection) writeLoop(ctx context.Context) {
	defer close(c.writerDone)
	defer c.cancel()

	for {
		frame, ok := c.nextFrame(ctx)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, connWriteTimeout)
		err := c.conn.Write(wctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			c.logger.Debug("connection write failed", "connection_id", c.ID, "error", err)
			return
		}
	}
}

// ping sends a WebSocket ping and waits up to timeout for the pong,
// updating the alive flag on success.
func (c *Connection) ping(ctx context.Context, timeout time.Duration) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.conn.Ping(pctx); err == nil {
		c.alive.Store(true)
	}
}

// markClosed seals the outbound queue. Returns false if already closed.
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.signal()
	return true
}

// close terminates the connection immediately with the given code. Queued
// frames are discarded. Idempotent; safe from any goroutine.
func (c *Connection) close(code websocket.StatusCode, reason string) {
	if !c.markClosed() {
		return
	}
	_ = c.conn.Close(code, reason)
	c.cancel()
}

// closeGraceful seals the queue, lets the writer drain it for up to grace,
// then closes the socket. Used at gateway shutdown so pending responses get
// out before the close frame.
func (c *Connection) closeGraceful(code websocket.StatusCode, reason string, grace time.Duration) {
	if !c.markClosed() {
		_ = c.conn.Close(code, reason)
		return
	}
	select {
	case <-c.writerDone:
	case <-time.After(grace):
	}
	_ = c.conn.Close(code, reason)
	c.cancel()
}
