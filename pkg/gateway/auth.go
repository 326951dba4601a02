package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/metrics"
)

// pairingTokenBytes is the entropy of a generated pairing token. 32 bytes
// keeps a comfortable margin over the 128-bit minimum.
const pairingTokenBytes = 32

// challengeBytes is the entropy of a signature challenge nonce.
const challengeBytes = 32

// Authentication failures. All of them map to -32003 on the wire; the
// distinction feeds logs and the auth_failures metric.
var (
	ErrUnknownToken     = errors.New("unknown pairing token")
	ErrTokenExpired     = errors.New("pairing token expired")
	ErrTokenRevoked     = errors.New("pairing token revoked")
	ErrNoChallenge      = errors.New("no pending challenge for connection")
	ErrChallengeExpired = errors.New("challenge expired")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrKeyMismatch      = errors.New("public key does not match token binding")
)

// TokenRecord is one pairing token. Only the SHA-256 hash of the token
// string is retained; the cleartext exists solely in the CreateToken return
// value and on the client.
type TokenRecord struct {
	ID          string
	TokenHash   [sha256.Size]byte
	PublicKey   ed25519.PublicKey
	Permissions []Permission
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
}

// challenge is a single-use nonce bound to one pending connection.
type challenge struct {
	nonce     string
	tokenID   string
	expiresAt time.Time
}

// Challenge is the wire-visible part of an issued challenge.
type Challenge struct {
	Value     string    `json:"challenge"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthManager owns pairing tokens and the per-connection signature
// challenges of the pairing handshake. All mutations are serialized behind
// one mutex; verification reads work on cloned state.
type AuthManager struct {
	mu         sync.Mutex
	tokens     map[string]*TokenRecord // token id -> record
	challenges map[string]*challenge   // connection id -> pending challenge

	challengeTTL time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewAuthManager creates an AuthManager issuing challenges with the given
// time-to-live (the gateway passes its auth timeout).
func NewAuthManager(challengeTTL time.Duration, logger *slog.Logger) *AuthManager {
	if challengeTTL <= 0 {
		challengeTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthManager{
		tokens:       make(map[string]*TokenRecord),
		challenges:   make(map[string]*challenge),
		challengeTTL: challengeTTL,
		logger:       logger.With("component", "auth"),
		now:          time.Now,
	}
}

// LoadStatic installs tokens provisioned in the gateway config. Hashes are
// lowercase hex SHA-256 of the token string.
func (a *AuthManager) LoadStatic(tokens []config.PairingTokenConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tc := range tokens {
		if tc.ID == "" {
			return fmt.Errorf("pairing token with empty id")
		}
		raw, err := hex.DecodeString(strings.ToLower(tc.TokenHash))
		if err != nil || len(raw) != sha256.Size {
			return fmt.Errorf("pairing token %q: token_hash must be hex SHA-256", tc.ID)
		}
		perms, err := ParsePermissions(tc.Permissions)
		if err != nil {
			return fmt.Errorf("pairing token %q: %w", tc.ID, err)
		}
		rec := &TokenRecord{
			ID:          tc.ID,
			Permissions: perms,
			CreatedAt:   a.now(),
			ExpiresAt:   tc.ExpiresAt,
			RevokedAt:   tc.RevokedAt,
		}
		copy(rec.TokenHash[:], raw)
		a.tokens[rec.ID] = rec
	}
	return nil
}

// CreateToken mints a new pairing token with the given permissions. The
// returned token string is shown once and never stored; expiresIn <= 0
// means the token does not expire.
func (a *AuthManager) CreateToken(perms []Permission, expiresIn time.Duration) (id, token string, err error) {
	raw := make([]byte, pairingTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating pairing token: %w", err)
	}
	token = hex.EncodeToString(raw)

	rec := &TokenRecord{
		ID:          uuid.New().String(),
		TokenHash:   sha256.Sum256([]byte(token)),
		Permissions: append([]Permission(nil), perms...),
		CreatedAt:   a.now(),
	}
	if expiresIn > 0 {
		exp := rec.CreatedAt.Add(expiresIn)
		rec.ExpiresAt = &exp
	}

	a.mu.Lock()
	a.tokens[rec.ID] = rec
	a.mu.Unlock()

	a.logger.Info("pairing token created", "token_id", rec.ID, "permissions", permissionStrings(rec.Permissions))
	return rec.ID, token, nil
}

// RevokeToken marks a token unusable for future pairings. Existing sessions
// are not torn down.
func (a *AuthManager) RevokeToken(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.tokens[id]
	if !ok {
		return ErrUnknownToken
	}
	if rec.RevokedAt == nil {
		now := a.now()
		rec.RevokedAt = &now
	}
	return nil
}

// IssueChallenge validates the presented token and binds a fresh single-use
// challenge to the connection. A repeated pair on the same connection
// replaces the previous challenge.
func (a *AuthManager) IssueChallenge(connID, token string) (*Challenge, error) {
	presented := sha256.Sum256([]byte(token))

	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.findByHashLocked(presented)
	if rec == nil {
		metrics.AuthFailuresTotal.WithLabelValues("unknown_token").Inc()
		return nil, ErrUnknownToken
	}
	now := a.now()
	if rec.RevokedAt != nil && !rec.RevokedAt.After(now) {
		metrics.AuthFailuresTotal.WithLabelValues("revoked_token").Inc()
		return nil, ErrTokenRevoked
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
		metrics.AuthFailuresTotal.WithLabelValues("expired_token").Inc()
		return nil, ErrTokenExpired
	}

	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	ch := &challenge{
		nonce:     hex.EncodeToString(raw),
		tokenID:   rec.ID,
		expiresAt: now.Add(a.challengeTTL),
	}
	a.challenges[connID] = ch

	return &Challenge{Value: ch.nonce, ExpiresAt: ch.expiresAt}, nil
}

// VerifyChallenge consumes the connection's pending challenge and checks the
// Ed25519 signature over the challenge string. On the first successful
// verify the token is bound to the public key; later verifies with the same
// token must present the same key. The challenge is single-use: it is
// removed whether or not verification succeeds.
func (a *AuthManager) VerifyChallenge(connID string, signature []byte, publicKey ed25519.PublicKey) (*TokenRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, ok := a.challenges[connID]
	if !ok {
		metrics.AuthFailuresTotal.WithLabelValues("no_challenge").Inc()
		return nil, ErrNoChallenge
	}
	delete(a.challenges, connID)

	if a.now().After(ch.expiresAt) {
		metrics.AuthFailuresTotal.WithLabelValues("challenge_expired").Inc()
		return nil, ErrChallengeExpired
	}
	rec, ok := a.tokens[ch.tokenID]
	if !ok {
		metrics.AuthFailuresTotal.WithLabelValues("unknown_token").Inc()
		return nil, ErrUnknownToken
	}
	if len(publicKey) != ed25519.PublicKeySize || !ed25519.Verify(publicKey, []byte(ch.nonce), signature) {
		metrics.AuthFailuresTotal.WithLabelValues("bad_signature").Inc()
		return nil, ErrBadSignature
	}
	if rec.PublicKey == nil {
		rec.PublicKey = append(ed25519.PublicKey(nil), publicKey...)
		a.logger.Info("pairing token bound to public key", "token_id", rec.ID)
	} else if subtle.ConstantTimeCompare(rec.PublicKey, publicKey) != 1 {
		metrics.AuthFailuresTotal.WithLabelValues("key_mismatch").Inc()
		return nil, ErrKeyMismatch
	}

	return a.cloneLocked(rec), nil
}

// DropChallenge discards any pending challenge for a connection. Called on
// disconnect so abandoned handshakes do not accumulate.
func (a *AuthManager) DropChallenge(connID string) {
	a.mu.Lock()
	delete(a.challenges, connID)
	a.mu.Unlock()
}

// findByHashLocked scans every record with a constant-time comparison so a
// mismatch costs the same regardless of which byte differs.
func (a *AuthManager) findByHashLocked(hash [sha256.Size]byte) *TokenRecord {
	var found *TokenRecord
	for _, rec := range a.tokens {
		if subtle.ConstantTimeCompare(rec.TokenHash[:], hash[:]) == 1 {
			found = rec
		}
	}
	return found
}

func (a *AuthManager) cloneLocked(rec *TokenRecord) *TokenRecord {
	out := *rec
	out.Permissions = append([]Permission(nil), rec.Permissions...)
	out.PublicKey = append(ed25519.PublicKey(nil), rec.PublicKey...)
	return &out
}

// isLoopbackAddr reports whether a peer address qualifies for local
// auto-authentication: 127.0.0.0/8, ::1, IPv4-mapped loopback, or a literal
// "localhost" host.
func isLoopbackAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
