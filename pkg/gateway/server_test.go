package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// startTestGateway binds the fixture gateway to an ephemeral loopback port
// and starts the bus so broadcast delivery works end to end.
func startTestGateway(t *testing.T, mutate func(*config.GatewayConfig, *Deps)) *gatewayFixture {
	t.Helper()
	fx := newTestGateway(t, mutate)
	fx.bus.Start()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fx.g.StartWithListener(l)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = fx.g.Shutdown(ctx)
		fx.bus.Stop()
	})
	return fx
}

// wsFrame is the client-side view of any frame off the wire.
type wsFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   map[string]any  `json:"data,omitempty"`
}

// wsTestClient is a minimal frame-aware WebSocket client. A background
// reader collects every frame; calls match responses by id, and event
// assertions poll the collected frames.
type wsTestClient struct {
	t      *testing.T
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	frames []wsFrame
	nextID int
}

func dialGateway(t *testing.T, addr string) *wsTestClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/ws", nil)
	require.NoError(t, err)

	c := &wsTestClient{t: t, conn: conn, cancel: cancel}
	go c.readLoop(ctx)
	t.Cleanup(func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	return c
}

func (c *wsTestClient) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var f wsFrame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		c.mu.Lock()
		c.frames = append(c.frames, f)
		c.mu.Unlock()
	}
}

func (c *wsTestClient) sendRaw(raw string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, []byte(raw)))
}

func (c *wsTestClient) call(method string, params any) wsFrame {
	c.t.Helper()
	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("c-%d", c.nextID)
	c.mu.Unlock()

	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	payload, err := json.Marshal(frame)
	require.NoError(c.t, err)
	c.sendRaw(string(payload))

	return c.waitFor(fmt.Sprintf("response to %s", method), func(f wsFrame) bool {
		return f.Type == frameTypeResponse && f.ID == id
	})
}

func (c *wsTestClient) waitFor(what string, match func(wsFrame) bool) wsFrame {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, f := range c.frames {
			if match(f) {
				c.mu.Unlock()
				return f
			}
		}
		c.mu.Unlock()
		time.Sleep(25 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for %s", what)
	return wsFrame{}
}

func (c *wsTestClient) waitForEvent(eventType string) wsFrame {
	c.t.Helper()
	return c.waitFor("event "+eventType, func(f wsFrame) bool {
		return f.Type == frameTypeEvent && f.Event == eventType
	})
}

func (c *wsTestClient) sawEvent(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.Type == frameTypeEvent && f.Event == eventType {
			return true
		}
	}
	return false
}

func decodeResult(t *testing.T, f wsFrame, out any) {
	t.Helper()
	require.Nil(t, f.Error, "expected a success response")
	require.NotNil(t, f.Result)
	require.NoError(t, json.Unmarshal(f.Result, out))
}

func TestGatewayServer_LoopbackAutoAuth(t *testing.T) {
	fx := startTestGateway(t, nil)
	c := dialGateway(t, fx.g.Addr())

	// loopback peers skip pairing and land with full permissions
	res := c.call("system.ping", nil)
	require.Nil(t, res.Error)
	var pong struct {
		Pong int64 `json:"pong"`
	}
	decodeResult(t, res, &pong)
	assert.Positive(t, pong.Pong)

	res = c.call("system.stats", nil)
	require.Nil(t, res.Error)
	var stats struct {
		Sessions struct {
			Pending       int `json:"pending"`
			Authenticated int `json:"authenticated"`
		} `json:"sessions"`
	}
	decodeResult(t, res, &stats)
	assert.Zero(t, stats.Sessions.Pending)
	assert.Equal(t, 1, stats.Sessions.Authenticated)
}

func TestGatewayServer_GoalSubmitBroadcasts(t *testing.T) {
	fx := startTestGateway(t, nil)

	subscribed := dialGateway(t, fx.g.Addr())
	res := subscribed.call("subscribe", map[string]any{"types": []string{"goal."}})
	require.Nil(t, res.Error)

	filtered := dialGateway(t, fx.g.Addr())
	res = filtered.call("subscribe", map[string]any{"types": []string{"run."}})
	require.Nil(t, res.Error)

	silent := dialGateway(t, fx.g.Addr())
	res = silent.call("system.ping", nil)
	require.Nil(t, res.Error)

	res = subscribed.call("goal.submit", map[string]any{"title": "broadcast me"})
	require.Nil(t, res.Error)
	var goal models.Goal
	decodeResult(t, res, &goal)
	assert.Equal(t, models.GoalQueued, goal.Status)

	ev := subscribed.waitForEvent("goal.created")
	assert.Equal(t, goal.ID, ev.Data["goalId"])

	// sessions whose filter excludes the event, or that never subscribed,
	// receive nothing
	time.Sleep(50 * time.Millisecond)
	assert.False(t, filtered.sawEvent("goal.created"))
	assert.False(t, silent.sawEvent("goal.created"))
}

func TestGatewayServer_FrameErrors(t *testing.T) {
	fx := startTestGateway(t, nil)
	c := dialGateway(t, fx.g.Addr())

	t.Run("malformed json", func(t *testing.T) {
		c.sendRaw(`{"type":"req","id`)
		f := c.waitFor("invalid frame error", func(f wsFrame) bool {
			return f.Type == frameTypeResponse && f.Error != nil && f.Error.Code == CodeInvalidFrame
		})
		assert.Empty(t, f.ID, "undecodable frames cannot echo an id")
	})

	t.Run("unknown method", func(t *testing.T) {
		res := c.call("goal.destroy", nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeMethodNotFound, res.Error.Code)
	})

	t.Run("unknown frame type is dropped", func(t *testing.T) {
		c.sendRaw(`{"type":"gossip","id":"x-1"}`)
		res := c.call("system.ping", nil)
		require.Nil(t, res.Error, "connection must survive dropped frames")
	})
}

func TestGatewayServer_PerIPConnectionCap(t *testing.T) {
	fx := startTestGateway(t, func(cfg *config.GatewayConfig, _ *Deps) {
		cfg.MaxConnectionsPerIP = 1
	})

	first := dialGateway(t, fx.g.Addr())
	res := first.call("system.ping", nil)
	require.Nil(t, res.Error)

	// the second socket upgrades, then is closed with the cap code
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+fx.g.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(CloseConnectionCap), websocket.CloseStatus(err))

	// the first connection is unaffected
	res = first.call("system.ping", nil)
	require.Nil(t, res.Error)
}

func TestGatewayServer_ShutdownClosesSessions(t *testing.T) {
	fx := startTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+fx.g.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	require.NoError(t, fx.g.Shutdown(shutdownCtx))

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	// new connections are refused while draining
	_, _, err = websocket.Dial(ctx, "ws://"+fx.g.Addr()+"/ws", nil)
	assert.Error(t, err)
}

func TestGatewayServer_HealthAndMetrics(t *testing.T) {
	fx := startTestGateway(t, nil)
	base := "http://" + fx.g.Addr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	require.Contains(t, health.Checks, "gateway")
	assert.Equal(t, "healthy", health.Checks["gateway"].Status)

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "conductor_gateway_connections"),
		"gateway metrics should be exported")

	// security headers ride on every HTTP response
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}
