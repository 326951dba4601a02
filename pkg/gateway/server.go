package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/llm"
	"github.com/codeready-toolchain/conductor/pkg/metrics"
	"github.com/codeready-toolchain/conductor/pkg/scheduler"
	"github.com/codeready-toolchain/conductor/pkg/services"
	"github.com/codeready-toolchain/conductor/pkg/version"
)

// maxFrameBytes bounds one inbound frame. Goal submissions carry free-form
// context, so the limit is generous.
const maxFrameBytes = 1 << 20

// closeFlushGrace is how long a closing connection's writer may drain
// pending frames before the socket is torn down.
const closeFlushGrace = 2 * time.Second

// SchedulerInfo is what the gateway needs from the scheduler: counters for
// system.stats and the health endpoint.
type SchedulerInfo interface {
	Stats() scheduler.Stats
}

// LLMInfo exposes provider endpoint health for system.stats.
type LLMInfo interface {
	EndpointHealth() map[string]llm.EndpointHealth
}

// Deps are the collaborators behind the RPC surface. Goals, WorkItems,
// Escalations, Approvals and Publisher are required; Scheduler, LLM and Bus
// enrich system.stats when present.
type Deps struct {
	Goals       *services.GoalService
	WorkItems   *services.WorkItemService
	Escalations *services.EscalationService
	Approvals   *services.ApprovalService
	Publisher   *events.Publisher
	Bus         *events.Bus
	Scheduler   SchedulerInfo
	LLM         LLMInfo
}

// Gateway is the WebSocket session layer. It hosts the /ws upgrade
// endpoint plus the liveness and metrics endpoints, authenticates peers,
// routes RPC frames and broadcasts domain events.
type Gateway struct {
	cfg    *config.GatewayConfig
	deps   Deps
	logger *slog.Logger

	router      *Router
	auth        *AuthManager
	connections *ConnectionManager
	broadcaster *Broadcaster

	e          *echo.Echo
	httpServer *http.Server
	listener   net.Listener

	startedAt time.Time
}

// New assembles the gateway. The broadcaster's sink is registered on the
// bus when one is provided; tests without a bus can drive the sink
// directly.
func New(cfg *config.GatewayConfig, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		cfg = config.DefaultGatewayConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Goals == nil || deps.WorkItems == nil || deps.Escalations == nil || deps.Approvals == nil {
		return nil, fmt.Errorf("gateway requires goal, work item, escalation and approval services")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("gateway requires an event publisher")
	}

	log := logger.With("component", "gateway")
	auth := NewAuthManager(cfg.AuthTimeout.Duration(), logger)
	if err := auth.LoadStatic(cfg.PairingTokens); err != nil {
		return nil, fmt.Errorf("loading pairing tokens: %w", err)
	}

	connections := NewConnectionManager(
		cfg.HeartbeatInterval.Duration(),
		cfg.HeartbeatTimeout.Duration(),
		cfg.AuthTimeout.Duration(),
		cfg.MaxConnectionsPerIP,
		logger,
	)

	g := &Gateway{
		cfg:         cfg,
		deps:        deps,
		logger:      log,
		router:      NewRouter(logger),
		auth:        auth,
		connections: connections,
		broadcaster: NewBroadcaster(connections, logger),
	}
	g.registerMethods()

	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/ws", g.wsHandler)
	e.GET("/healthz", g.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})
	g.e = e
	g.httpServer = &http.Server{Handler: e}

	if deps.Bus != nil {
		deps.Bus.AddSink(g.broadcaster.Sink())
	}
	return g, nil
}

// Auth exposes the auth manager so embedding code can mint or revoke
// pairing tokens at runtime.
func (g *Gateway) Auth() *AuthManager {
	return g.auth
}

// Start binds the configured address and begins serving. A bind failure is
// fatal and returned immediately.
func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding gateway listener on %s: %w", addr, err)
	}
	g.StartWithListener(l)
	return nil
}

// StartWithListener begins serving on a caller-provided listener. Tests use
// it with an ephemeral port.
func (g *Gateway) StartWithListener(l net.Listener) {
	g.listener = l
	g.startedAt = time.Now()
	g.connections.Start()

	go func() {
		if err := g.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server stopped", "error", err)
		}
	}()
	g.logger.Info("gateway listening", "addr", l.Addr().String())
}

// Addr returns the bound listener address, empty before Start.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Shutdown stops accepting connections, closes every session with the
// going-away code after a best-effort flush, and stops the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway shutting down")
	g.connections.Stop(closeFlushGrace)
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down gateway server: %w", err)
	}
	return nil
}

// wsHandler upgrades GET /ws and hands the socket to the connection
// lifecycle. Blocks until the connection closes.
func (g *Gateway) wsHandler(c *echo.Context) error {
	opts := &websocket.AcceptOptions{}
	if len(g.cfg.AllowedOrigins) > 0 {
		opts.OriginPatterns = g.cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}
	g.handleSocket(c.Request().Context(), conn, c.Request().RemoteAddr)
	return nil
}

// handleSocket runs one connection: admission, authentication mode, then
// the read loop. The writer goroutine owns all outbound traffic.
func (g *Gateway) handleSocket(parentCtx context.Context, ws *websocket.Conn, remoteAddr string) {
	ws.SetReadLimit(maxFrameBytes)

	if !g.connections.Accepting() {
		_ = ws.Close(CloseGoingAway, "server shutting down")
		return
	}
	if !g.connections.CanAccept(remoteAddr) {
		g.logger.Warn("rejecting connection over per-ip cap", "remote_addr", remoteAddr)
		_ = ws.Close(CloseConnectionCap, "connection limit reached")
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	conn := newConnection(ws, remoteAddr, cancel, g.logger)
	go conn.writeLoop(ctx)

	if isLoopbackAddr(remoteAddr) {
		sess := localSession(remoteAddr, time.Now())
		g.connections.AddAuthenticated(conn, sess)
		g.deps.Publisher.ConnectionAuthenticated(sess.ID, permissionStrings(sess.Permissions))
		g.logger.Info("local connection auto-authenticated",
			"connection_id", conn.ID, "session_id", sess.ID)
	} else {
		g.connections.AddPending(conn)
		g.logger.Info("connection pending authentication",
			"connection_id", conn.ID, "remote_addr", remoteAddr)
	}
	defer g.disconnect(conn)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		g.handleFrame(ctx, conn, data)
	}
}

// disconnect tears down a connection after its read loop exits, emitting
// connection.disconnected if it held a session.
func (g *Gateway) disconnect(conn *Connection) {
	g.auth.DropChallenge(conn.ID)
	sess := g.connections.Remove(conn)
	conn.close(CloseNormal, "")
	if sess != nil {
		g.deps.Publisher.ConnectionDisconnected(sess.ID)
		g.logger.Info("session disconnected", "session_id", sess.ID)
	}
}

// handleFrame decodes one inbound message and routes it. Only request
// frames are acted on; unknown frame types are logged and dropped, and
// undecodable payloads get an invalid-frame error response.
func (g *Gateway) handleFrame(ctx context.Context, conn *Connection, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		metrics.FramesTotal.WithLabelValues("in", "invalid").Inc()
		g.sendResponse(conn, errorResponse(nil, NewError(CodeInvalidFrame, "invalid frame")))
		return
	}

	switch req.Type {
	case frameTypeRequest:
		metrics.FramesTotal.WithLabelValues("in", frameTypeRequest).Inc()
		if req.Method == "" {
			g.sendResponse(conn, errorResponse(req.ID, NewError(CodeInvalidFrame, "request frame missing method")))
			return
		}
		conn.touch()
		res := g.router.Dispatch(ctx, conn, &req)
		g.sendResponse(conn, res)

		// A genuine verification failure forfeits the connection once the
		// error response is flushed. Protocol errors (malformed params, no
		// pending challenge) leave it pending so the client can re-pair;
		// authenticated connections fail their verify calls with a conflict.
		if req.Method == "auth.verify" && res.Error != nil &&
			res.Error.Code == CodeUnauthorized && conn.Session() == nil {
			g.failAuth(conn)
		}
	default:
		metrics.FramesTotal.WithLabelValues("in", "unknown").Inc()
		g.logger.Warn("dropping unknown frame type",
			"connection_id", conn.ID, "frame_type", req.Type)
	}
}

// sendResponse queues a response frame on the connection's reliable queue.
func (g *Gateway) sendResponse(conn *Connection, res *Response) {
	frame, err := encodeFrame(res)
	if err != nil {
		g.logger.Error("failed to encode response", "error", err)
		frame, _ = encodeFrame(errorResponse(res.ID, NewError(CodeInternal, "internal error")))
	}
	conn.sendReliable(frame)
	metrics.FramesTotal.WithLabelValues("out", frameTypeResponse).Inc()
}

// failAuth removes and closes a connection whose pairing handshake failed.
func (g *Gateway) failAuth(conn *Connection) {
	g.connections.Remove(conn)
	conn.closeGraceful(CloseAuthFailure, "authentication failed", closeFlushGrace)
}

// HealthCheck is one component entry in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz. Only the daemon's own components are
// reported; an idle scheduler (deferred start) is healthy.
func (g *Gateway) healthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if g.connections.Accepting() {
		pending, authenticated := g.connections.Counts()
		checks["gateway"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d sessions, %d pending", authenticated, pending),
		}
	} else {
		status = healthStatusUnhealthy
		checks["gateway"] = HealthCheck{Status: healthStatusUnhealthy, Message: "not accepting connections"}
	}

	if g.deps.Scheduler != nil {
		st := g.deps.Scheduler.Stats()
		if st.Running {
			checks["scheduler"] = HealthCheck{Status: healthStatusHealthy, Message: "running"}
		} else {
			checks["scheduler"] = HealthCheck{Status: healthStatusHealthy, Message: "idle"}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
