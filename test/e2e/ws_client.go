package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSEvent is one server-pushed event frame.
type WSEvent struct {
	Event    string          // event name, e.g. "goal.created"
	Data     map[string]any  // event payload for assertions
	Raw      json.RawMessage // original JSON
	Received time.Time       // when we received it
}

// RPCError is the error half of a response frame.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// wsResponse is the wire shape of a response frame.
type wsResponse struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// WSClient speaks the gateway's frame protocol: it issues requests, matches
// responses by id, and collects pushed events in the background.
type WSClient struct {
	conn    *websocket.Conn
	events  []WSEvent
	pending map[string]chan *wsResponse
	nextID  uint64
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// WSConnect establishes a WebSocket connection and starts the background
// reader. Connections from loopback are authenticated by the gateway
// automatically.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:    conn,
		pending: make(map[string]chan *wsResponse),
		ctx:     clientCtx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
	}

	// Start background reader.
	go c.readLoop()

	return c, nil
}

// Call sends one request and waits for its response. A server-side error
// comes back as *RPCError.
func (c *WSClient) Call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	ch := make(chan *wsResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := map[string]any{
		"type":   "req",
		"id":     json.RawMessage(id),
		"method": method,
	}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("timeout waiting for %s response", method)
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// CallInto sends a request and unmarshals the result into out.
func (c *WSClient) CallInto(method string, params any, out any) error {
	result, err := c.Call(method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Subscribe registers the session's event filter. An empty filter receives
// every broadcast event.
func (c *WSClient) Subscribe(filter map[string]any) error {
	if filter == nil {
		filter = map[string]any{}
	}
	_, err := c.Call("subscribe", filter)
	return err
}

// WaitForEvent waits until an event matching the predicate is received, or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventType waits for an event with the given name.
func (c *WSClient) WaitForEventType(event string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Event == event
	}, timeout)
}

// WaitForGoalEvent waits for a named event carrying the given goal id.
func (c *WSClient) WaitForGoalEvent(event, goalID string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Event == event && e.Data["goalId"] == goalID
	}, timeout)
}

// CollectUntil collects events until predicate returns true or timeout.
func (c *WSClient) CollectUntil(predicate func(events []WSEvent) bool, timeout time.Duration) ([]WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return c.Events(), fmt.Errorf("timeout waiting for condition (collected %d events)", len(c.Events()))
		case <-tick.C:
			evts := c.Events()
			if predicate(evts) {
				return evts, nil
			}
		}
	}
}

// Events returns a snapshot of all collected events.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByType returns events filtered by name.
func (c *WSClient) EventsByType(event string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Event == event {
			result = append(result, e)
		}
	}
	return result
}

// SawEvent reports whether an event with the given name has been collected.
func (c *WSClient) SawEvent(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Event == event {
			return true
		}
	}
	return false
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads frames, routing responses to waiting callers and appending
// events to the collected slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // Connection closed or context cancelled.
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue // Skip malformed messages.
		}

		switch envelope.Type {
		case "res":
			var res wsResponse
			if err := json.Unmarshal(data, &res); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[string(res.ID)]
			c.mu.Unlock()
			if ch != nil {
				ch <- &res
			}

		case "event":
			var frame struct {
				Event string         `json:"event"`
				Data  map[string]any `json:"data"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			c.mu.Lock()
			c.events = append(c.events, WSEvent{
				Event:    frame.Event,
				Data:     frame.Data,
				Raw:      json.RawMessage(data),
				Received: time.Now(),
			})
			c.mu.Unlock()
		}
	}
}
