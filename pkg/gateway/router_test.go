package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/services"
)

func authedConn(perms ...Permission) *Connection {
	c := testConn()
	c.setSession(&Session{
		ID:          "sess-1",
		Permissions: perms,
		ConnectedAt: time.Now(),
	})
	return c
}

func req(method string, params string) *Request {
	r := &Request{Type: frameTypeRequest, ID: json.RawMessage(`"42"`), Method: method}
	if params != "" {
		r.Params = json.RawMessage(params)
	}
	return r
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter(nil)
	r.Register("echo", func(_ context.Context, _ *Connection, params json.RawMessage) (any, error) {
		return map[string]any{"params": string(params)}, nil
	}, PermissionRead)
	r.Register("open", func(context.Context, *Connection, json.RawMessage) (any, error) {
		return "ok", nil
	})
	r.Register("admin-only", func(context.Context, *Connection, json.RawMessage) (any, error) {
		return "ok", nil
	}, PermissionAdmin)

	ctx := context.Background()

	t.Run("unknown method", func(t *testing.T) {
		res := r.Dispatch(ctx, authedConn(PermissionRead), req("nope", ""))
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeMethodNotFound, res.Error.Code)
		assert.Equal(t, json.RawMessage(`"42"`), res.ID)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		res := r.Dispatch(ctx, testConn(), req("echo", ""))
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeUnauthorized, res.Error.Code)
	})

	t.Run("open method works unauthenticated", func(t *testing.T) {
		res := r.Dispatch(ctx, testConn(), req("open", ""))
		require.Nil(t, res.Error)
		assert.Equal(t, "ok", res.Result)
	})

	t.Run("missing permission", func(t *testing.T) {
		res := r.Dispatch(ctx, authedConn(PermissionRead, PermissionWrite), req("admin-only", ""))
		require.NotNil(t, res.Error)
		assert.Equal(t, CodeUnauthorized, res.Error.Code)
	})

	t.Run("success echoes id", func(t *testing.T) {
		res := r.Dispatch(ctx, authedConn(PermissionRead), req("echo", `{"a":1}`))
		require.Nil(t, res.Error)
		assert.Equal(t, json.RawMessage(`"42"`), res.ID)
		assert.Equal(t, map[string]any{"params": `{"a":1}`}, res.Result)
	})
}

func TestRouter_ErrorNormalization(t *testing.T) {
	r := NewRouter(nil)
	errs := map[string]error{
		"not-found":  services.ErrNotFound,
		"conflict":   services.ErrConflict,
		"forbidden":  services.ErrForbidden,
		"validation": services.NewValidationError("title", "title is required"),
		"wire":       NewError(CodeInvalidParams, "custom message"),
		"internal":   context.DeadlineExceeded,
	}
	for name, err := range errs {
		err := err
		r.Register(name, func(context.Context, *Connection, json.RawMessage) (any, error) {
			return nil, err
		})
	}

	ctx := context.Background()
	conn := testConn()

	expect := map[string]int{
		"not-found":  CodeNotFound,
		"conflict":   CodeConflict,
		"forbidden":  CodeForbidden,
		"validation": CodeInvalidParams,
		"wire":       CodeInvalidParams,
		"internal":   CodeInternal,
	}
	for name, wantCode := range expect {
		res := r.Dispatch(ctx, conn, req(name, ""))
		require.NotNil(t, res.Error, "method %s", name)
		assert.Equal(t, wantCode, res.Error.Code, "method %s", name)
	}

	// internal errors never leak detail
	res := r.Dispatch(ctx, conn, req("internal", ""))
	assert.Equal(t, "internal error", res.Error.Message)
	// wire errors pass through verbatim
	res = r.Dispatch(ctx, conn, req("wire", ""))
	assert.Equal(t, "custom message", res.Error.Message)
}

func TestRouter_Methods(t *testing.T) {
	r := NewRouter(nil)
	r.Register("b.two", func(context.Context, *Connection, json.RawMessage) (any, error) { return nil, nil }, PermissionWrite)
	r.Register("a.one", func(context.Context, *Connection, json.RawMessage) (any, error) { return nil, nil })

	methods := r.Methods()
	require.Len(t, methods, 2)
	assert.Equal(t, "a.one", methods[0].Method)
	assert.Empty(t, methods[0].Permissions)
	assert.Equal(t, "b.two", methods[1].Method)
	assert.Equal(t, []string{"write"}, methods[1].Permissions)
}
