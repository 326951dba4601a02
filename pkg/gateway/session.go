package gateway

import (
	"fmt"
	"time"
)

// Permission is one grant on a session. Handlers declare the permissions
// they require; the router enforces them before dispatch.
type Permission string

// The full permission set. Loopback sessions hold all three; paired
// sessions hold whatever their token grants.
const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// ParsePermissions validates and converts a string slice, as read from
// config or token records.
func ParsePermissions(raw []string) ([]Permission, error) {
	out := make([]Permission, 0, len(raw))
	for _, r := range raw {
		p := Permission(r)
		switch p {
		case PermissionRead, PermissionWrite, PermissionAdmin:
			out = append(out, p)
		default:
			return nil, fmt.Errorf("unknown permission %q", r)
		}
	}
	return out, nil
}

// permissionStrings converts back for event payloads and wire results.
func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// Session is the authenticated identity of one connection. It is immutable
// after promotion; activity tracking lives on the Connection.
type Session struct {
	ID          string       `json:"id"`
	PublicKey   string       `json:"publicKey,omitempty"`
	Permissions []Permission `json:"permissions"`
	ConnectedAt time.Time    `json:"connectedAt"`

	// TokenID names the pairing token that authenticated the session.
	// Empty for loopback sessions. Logged, never sent on the wire.
	TokenID string `json:"-"`
}

// Has reports whether the session holds the given permission.
func (s *Session) Has(p Permission) bool {
	for _, have := range s.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// HasAll reports whether the session holds every listed permission.
func (s *Session) HasAll(perms []Permission) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// localSession builds the auto-authenticated session for a loopback peer.
// The synthesized id doubles as the key identity.
func localSession(remoteAddr string, now time.Time) *Session {
	id := "local:" + remoteAddr
	return &Session{
		ID:          id,
		PublicKey:   id,
		Permissions: []Permission{PermissionRead, PermissionWrite, PermissionAdmin},
		ConnectedAt: now,
	}
}
