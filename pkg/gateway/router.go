package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/codeready-toolchain/conductor/pkg/services"
)

// HandlerFunc processes one RPC call. The connection gives handlers access
// to the session and, for the auth methods, to promotion. Returning an
// *Error controls the wire code; any other error is normalized.
type HandlerFunc func(ctx context.Context, c *Connection, params json.RawMessage) (any, error)

// MethodInfo describes a registered method for system.methods.
type MethodInfo struct {
	Method      string   `json:"method"`
	Permissions []string `json:"permissions"`
}

type methodEntry struct {
	handler HandlerFunc
	perms   []Permission
}

// Router maps method names to handlers and enforces session permissions
// before dispatch. Registration happens at construction; dispatch is
// concurrent across connections.
type Router struct {
	mu      sync.RWMutex
	methods map[string]methodEntry
	logger  *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		methods: make(map[string]methodEntry),
		logger:  logger.With("component", "router"),
	}
}

// Register adds a method. Methods with no permissions are callable by
// pending (unauthenticated) connections; that is how auth.pair and
// auth.verify bootstrap a session.
func (r *Router) Register(method string, handler HandlerFunc, perms ...Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = methodEntry{handler: handler, perms: perms}
}

// Methods lists registered methods sorted by name.
func (r *Router) Methods() []MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MethodInfo, 0, len(r.methods))
	for name, entry := range r.methods {
		out = append(out, MethodInfo{
			Method:      name,
			Permissions: permissionStrings(entry.perms),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// Dispatch routes one request and always produces exactly one response.
func (r *Router) Dispatch(ctx context.Context, c *Connection, req *Request) *Response {
	r.mu.RLock()
	entry, ok := r.methods[req.Method]
	r.mu.RUnlock()

	if !ok {
		return errorResponse(req.ID, NewError(CodeMethodNotFound, "unknown method %q", req.Method))
	}

	if len(entry.perms) > 0 {
		sess := c.Session()
		if sess == nil {
			return errorResponse(req.ID, NewError(CodeUnauthorized, "authentication required"))
		}
		for _, p := range entry.perms {
			if !sess.Has(p) {
				return errorResponse(req.ID, NewError(CodeUnauthorized, "missing permission %q", p))
			}
		}
	}

	result, err := entry.handler(ctx, c, req.Params)
	if err != nil {
		return errorResponse(req.ID, r.normalizeError(req.Method, err))
	}
	return resultResponse(req.ID, result)
}

// normalizeError converts handler failures into wire errors. Service
// sentinels map to their reserved codes; anything unrecognized is reported
// as an internal error with the detail kept server-side.
func (r *Router) normalizeError(method string, err error) *Error {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return &Error{Code: CodeInvalidParams, Message: validErr.Error()}
	}
	switch {
	case errors.Is(err, services.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: "not found"}
	case errors.Is(err, services.ErrConflict):
		return &Error{Code: CodeConflict, Message: "conflict with current state"}
	case errors.Is(err, services.ErrUnauthorized):
		return &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	case errors.Is(err, services.ErrForbidden):
		return &Error{Code: CodeForbidden, Message: "forbidden"}
	}

	r.logger.Error("handler failed", "method", method, "error", err)
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// decodeParams unmarshals request params into a typed struct, tolerating
// absent params for methods whose arguments are all optional.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return NewError(CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}
