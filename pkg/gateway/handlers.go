package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/services"
	"github.com/codeready-toolchain/conductor/pkg/version"
)

// registerMethods wires every RPC method into the router. Auth methods and
// system.ping carry no permissions so pending connections can call them;
// everything else requires an authenticated session.
func (g *Gateway) registerMethods() {
	r := g.router

	r.Register("system.ping", g.handleSystemPing)
	r.Register("system.methods", g.handleSystemMethods, PermissionRead)
	r.Register("system.stats", g.handleSystemStats, PermissionAdmin)

	r.Register("auth.pair", g.handleAuthPair)
	r.Register("auth.verify", g.handleAuthVerify)

	r.Register("goal.submit", g.handleGoalSubmit, PermissionWrite)
	r.Register("goal.list", g.handleGoalList, PermissionRead)
	r.Register("goal.get", g.handleGoalGet, PermissionRead)
	r.Register("goal.cancel", g.handleGoalCancel, PermissionWrite)

	r.Register("workitem.list", g.handleWorkItemList, PermissionRead)
	r.Register("workitem.get", g.handleWorkItemGet, PermissionRead)
	r.Register("workitem.cancel", g.handleWorkItemCancel, PermissionWrite)

	r.Register("run.list", g.handleRunList, PermissionRead)
	r.Register("run.get", g.handleRunGet, PermissionRead)

	r.Register("escalation.list", g.handleEscalationList, PermissionRead)
	r.Register("escalation.get", g.handleEscalationGet, PermissionRead)
	r.Register("escalation.respond", g.handleEscalationRespond, PermissionWrite)

	r.Register("approval.list", g.handleApprovalList, PermissionRead)
	r.Register("approval.get", g.handleApprovalGet, PermissionRead)
	r.Register("approval.pending", g.handleApprovalPending, PermissionRead)
	r.Register("approval.create", g.handleApprovalCreate, PermissionAdmin)
	r.Register("approval.grant", g.handleApprovalGrant, PermissionAdmin)
	r.Register("approval.deny", g.handleApprovalDeny, PermissionAdmin)

	r.Register("subscribe", g.handleSubscribe, PermissionRead)
	r.Register("unsubscribe", g.handleUnsubscribe, PermissionRead)
}

// --- system ---

func (g *Gateway) handleSystemPing(_ context.Context, _ *Connection, _ json.RawMessage) (any, error) {
	return map[string]any{"pong": time.Now().UnixMilli()}, nil
}

func (g *Gateway) handleSystemMethods(_ context.Context, _ *Connection, _ json.RawMessage) (any, error) {
	return map[string]any{"methods": g.router.Methods()}, nil
}

func (g *Gateway) handleSystemStats(_ context.Context, _ *Connection, _ json.RawMessage) (any, error) {
	pending, authenticated := g.connections.Counts()
	stats := map[string]any{
		"version":       version.Version,
		"commit":        version.GitCommit,
		"uptimeSeconds": int64(time.Since(g.startedAt).Seconds()),
		"sessions": map[string]int{
			"pending":       pending,
			"authenticated": authenticated,
		},
	}
	if g.deps.Scheduler != nil {
		stats["scheduler"] = g.deps.Scheduler.Stats()
	}
	if g.deps.LLM != nil {
		stats["llm"] = map[string]any{"endpoints": g.deps.LLM.EndpointHealth()}
	}
	if g.deps.Bus != nil {
		stats["bus"] = map[string]any{
			"depth":   g.deps.Bus.Depth(),
			"dropped": g.deps.Bus.Dropped(),
		}
	}
	return stats, nil
}

// --- auth ---

type authPairParams struct {
	Token string `json:"token"`
}

func (g *Gateway) handleAuthPair(_ context.Context, c *Connection, params json.RawMessage) (any, error) {
	if c.Session() != nil {
		return nil, NewError(CodeConflict, "connection already authenticated")
	}
	var p authPairParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, NewError(CodeInvalidParams, "token is required")
	}
	ch, err := g.auth.IssueChallenge(c.ID, p.Token)
	if err != nil {
		g.logger.Warn("pairing rejected", "connection_id", c.ID, "remote_addr", c.RemoteAddr, "error", err)
		return nil, NewError(CodeUnauthorized, "pairing rejected")
	}
	return ch, nil
}

type authVerifyParams struct {
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

type authVerifyResult struct {
	Success     bool     `json:"success"`
	SessionID   string   `json:"sessionId"`
	Permissions []string `json:"permissions"`
}

// handleAuthVerify completes the pairing handshake. Any failure here causes
// the frame loop to close the connection with the auth-failure code after
// the error response is flushed.
func (g *Gateway) handleAuthVerify(_ context.Context, c *Connection, params json.RawMessage) (any, error) {
	if c.Session() != nil {
		return nil, NewError(CodeConflict, "connection already authenticated")
	}
	var p authVerifyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return nil, NewError(CodeInvalidParams, "signature must be base64")
	}
	pub, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, NewError(CodeInvalidParams, "publicKey must be a base64 Ed25519 public key")
	}

	rec, err := g.auth.VerifyChallenge(c.ID, sig, ed25519.PublicKey(pub))
	if err != nil {
		g.logger.Warn("challenge verification failed",
			"connection_id", c.ID, "remote_addr", c.RemoteAddr, "error", err)
		// Challenges are single-use: verifying without a pending one (a
		// replay, or verify before pair) is a protocol error, not an auth
		// failure, and the connection may still pair.
		if errors.Is(err, ErrNoChallenge) {
			return nil, NewError(CodeInvalidParams, "no pending challenge; pair first")
		}
		return nil, NewError(CodeUnauthorized, "authentication failed")
	}

	sess := &Session{
		ID:          uuid.New().String(),
		PublicKey:   p.PublicKey,
		Permissions: rec.Permissions,
		ConnectedAt: time.Now(),
		TokenID:     rec.ID,
	}
	if !g.connections.Promote(c, sess) {
		return nil, NewError(CodeUnauthorized, "connection is no longer pending")
	}
	g.logger.Info("session authenticated",
		"session_id", sess.ID, "token_id", rec.ID, "remote_addr", c.RemoteAddr)
	g.deps.Publisher.ConnectionAuthenticated(sess.ID, permissionStrings(sess.Permissions))

	return &authVerifyResult{
		Success:     true,
		SessionID:   sess.ID,
		Permissions: permissionStrings(sess.Permissions),
	}, nil
}

// --- goals ---

type goalSubmitParams struct {
	Title           string                    `json:"title"`
	Description     string                    `json:"description"`
	SuccessCriteria []models.SuccessCriterion `json:"successCriteria"`
	Priority        *int                      `json:"priority"`
	Budget          *models.Budget            `json:"budget"`
	Tags            []string                  `json:"tags"`
	Context         map[string]any            `json:"context"`
}

func (g *Gateway) handleGoalSubmit(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p goalSubmitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	goal, err := g.deps.Goals.Submit(ctx, services.SubmitGoalInput{
		Title:           p.Title,
		Description:     p.Description,
		SuccessCriteria: p.SuccessCriteria,
		Priority:        p.Priority,
		Budget:          p.Budget,
		Tags:            p.Tags,
		Context:         p.Context,
	})
	if err != nil {
		return nil, err
	}
	return goal, nil
}

type goalListParams struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (g *Gateway) handleGoalList(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p goalListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	input := services.ListGoalsInput{Limit: p.Limit, Offset: p.Offset}
	if p.Status != "" {
		input.Statuses = []models.GoalStatus{models.GoalStatus(p.Status)}
	}
	goals, total, err := g.deps.Goals.List(ctx, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"goals": goals, "total": total}, nil
}

type goalIDParams struct {
	GoalID string `json:"goalId"`
}

func (g *Gateway) handleGoalGet(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p goalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return g.deps.Goals.Get(ctx, p.GoalID)
}

func (g *Gateway) handleGoalCancel(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p goalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if _, err := g.deps.Goals.Cancel(ctx, p.GoalID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// --- work items and runs ---

func (g *Gateway) handleWorkItemList(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p goalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	items, err := g.deps.WorkItems.ListByGoal(ctx, p.GoalID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workItems": items}, nil
}

type workItemIDParams struct {
	WorkItemID string `json:"workItemId"`
}

func (g *Gateway) handleWorkItemGet(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p workItemIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return g.deps.WorkItems.Get(ctx, p.WorkItemID)
}

func (g *Gateway) handleWorkItemCancel(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p workItemIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if _, err := g.deps.WorkItems.Cancel(ctx, p.WorkItemID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (g *Gateway) handleRunList(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p workItemIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	runs, err := g.deps.WorkItems.RunsByWorkItem(ctx, p.WorkItemID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": runs}, nil
}

type runIDParams struct {
	RunID string `json:"runId"`
}

func (g *Gateway) handleRunGet(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p runIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return g.deps.WorkItems.GetRun(ctx, p.RunID)
}

// --- escalations ---

type escalationListParams struct {
	GoalID string `json:"goalId"`
	Status string `json:"status"`
}

func (g *Gateway) handleEscalationList(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p escalationListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	escalations, err := g.deps.Escalations.List(ctx, p.GoalID, models.EscalationStatus(p.Status))
	if err != nil {
		return nil, err
	}
	return map[string]any{"escalations": escalations}, nil
}

type escalationIDParams struct {
	EscalationID string `json:"escalationId"`
}

func (g *Gateway) handleEscalationGet(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p escalationIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return g.deps.Escalations.Get(ctx, p.EscalationID)
}

type escalationRespondParams struct {
	EscalationID string `json:"escalationId"`
	Action       string `json:"action"`
	Data         struct {
		Resolution    string `json:"resolution"`
		SuppressForMs int64  `json:"suppressForMs"`
	} `json:"data"`
}

func (g *Gateway) handleEscalationRespond(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p escalationRespondParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	_, err := g.deps.Escalations.Respond(ctx, services.RespondInput{
		EscalationID: p.EscalationID,
		Action:       p.Action,
		Resolution:   p.Data.Resolution,
		SuppressFor:  time.Duration(p.Data.SuppressForMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// --- approvals ---

type approvalListParams struct {
	GoalID string `json:"goalId"`
	Status string `json:"status"`
}

func (g *Gateway) handleApprovalList(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p approvalListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	approvals, err := g.deps.Approvals.List(ctx, p.GoalID, models.ApprovalStatus(p.Status))
	if err != nil {
		return nil, err
	}
	return map[string]any{"approvals": approvals}, nil
}

type approvalIDParams struct {
	ApprovalID string `json:"approvalId"`
	Reason     string `json:"reason"`
}

func (g *Gateway) handleApprovalGet(ctx context.Context, _ *Connection, params json.RawMessage) (any, error) {
	var p approvalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return g.deps.Approvals.Get(ctx, p.ApprovalID)
}

func (g *Gateway) handleApprovalPending(ctx context.Context, _ *Connection, _ json.RawMessage) (any, error) {
	approvals, err := g.deps.Approvals.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"approvals": approvals}, nil
}

type approvalCreateParams struct {
	GoalID      string `json:"goalId"`
	WorkItemID  string `json:"workItemId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (g *Gateway) handleApprovalCreate(ctx context.Context, c *Connection, params json.RawMessage) (any, error) {
	var p approvalCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return g.deps.Approvals.Create(ctx, services.CreateApprovalInput{
		GoalID:      p.GoalID,
		WorkItemID:  p.WorkItemID,
		Title:       p.Title,
		Description: p.Description,
		RequestedBy: sessionID(c),
	})
}

func (g *Gateway) handleApprovalGrant(ctx context.Context, c *Connection, params json.RawMessage) (any, error) {
	var p approvalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return g.deps.Approvals.Grant(ctx, p.ApprovalID, sessionID(c), p.Reason)
}

func (g *Gateway) handleApprovalDeny(ctx context.Context, c *Connection, params json.RawMessage) (any, error) {
	var p approvalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return g.deps.Approvals.Deny(ctx, p.ApprovalID, sessionID(c), p.Reason)
}

// --- subscriptions ---

func (g *Gateway) handleSubscribe(_ context.Context, c *Connection, params json.RawMessage) (any, error) {
	var f SubscriptionFilter
	if err := decodeParams(params, &f); err != nil {
		return nil, err
	}
	c.SetFilter(&f)
	return map[string]any{"success": true}, nil
}

func (g *Gateway) handleUnsubscribe(_ context.Context, c *Connection, _ json.RawMessage) (any, error) {
	c.SetFilter(nil)
	return map[string]any{"success": true}, nil
}

// sessionID names the caller for audit fields; handlers requiring
// permissions always have a session.
func sessionID(c *Connection) string {
	if sess := c.Session(); sess != nil {
		return sess.ID
	}
	return ""
}
