package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
)

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestAuthManager_PairAndVerify(t *testing.T) {
	am := NewAuthManager(time.Minute, nil)
	_, token, err := am.CreateToken([]Permission{PermissionRead, PermissionWrite}, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(token), 32, "token must carry at least 128 bits of entropy")

	pub, priv := newKeyPair(t)

	ch, err := am.IssueChallenge("conn-1", token)
	require.NoError(t, err)
	assert.NotEmpty(t, ch.Value)
	assert.True(t, ch.ExpiresAt.After(time.Now()))

	rec, err := am.VerifyChallenge("conn-1", ed25519.Sign(priv, []byte(ch.Value)), pub)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Permission{PermissionRead, PermissionWrite}, rec.Permissions)
}

func TestAuthManager_ChallengeSingleUse(t *testing.T) {
	am := NewAuthManager(time.Minute, nil)
	_, token, err := am.CreateToken([]Permission{PermissionRead}, 0)
	require.NoError(t, err)
	pub, priv := newKeyPair(t)

	ch, err := am.IssueChallenge("conn-1", token)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, []byte(ch.Value))

	_, err = am.VerifyChallenge("conn-1", sig, pub)
	require.NoError(t, err)

	// the challenge was consumed; replaying the same signature fails
	_, err = am.VerifyChallenge("conn-1", sig, pub)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestAuthManager_ChallengeConsumedOnFailure(t *testing.T) {
	am := NewAuthManager(time.Minute, nil)
	_, token, err := am.CreateToken([]Permission{PermissionRead}, 0)
	require.NoError(t, err)
	pub, _ := newKeyPair(t)
	_, wrongPriv := newKeyPair(t)

	ch, err := am.IssueChallenge("conn-1", token)
	require.NoError(t, err)

	_, err = am.VerifyChallenge("conn-1", ed25519.Sign(wrongPriv, []byte(ch.Value)), pub)
	assert.ErrorIs(t, err, ErrBadSignature)

	// single-use even on failure: a second attempt finds no challenge
	_, err = am.VerifyChallenge("conn-1", nil, pub)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestAuthManager_KeyBinding(t *testing.T) {
	am := NewAuthManager(time.Minute, nil)
	_, token, err := am.CreateToken([]Permission{PermissionRead}, 0)
	require.NoError(t, err)

	pub1, priv1 := newKeyPair(t)
	pub2, priv2 := newKeyPair(t)

	ch, err := am.IssueChallenge("conn-1", token)
	require.NoError(t, err)
	rec1, err := am.VerifyChallenge("conn-1", ed25519.Sign(priv1, []byte(ch.Value)), pub1)
	require.NoError(t, err)

	// same key pairs again and gets the same permissions
	ch, err = am.IssueChallenge("conn-2", token)
	require.NoError(t, err)
	rec2, err := am.VerifyChallenge("conn-2", ed25519.Sign(priv1, []byte(ch.Value)), pub1)
	require.NoError(t, err)
	assert.Equal(t, rec1.Permissions, rec2.Permissions)

	// a different key is rejected after binding
	ch, err = am.IssueChallenge("conn-3", token)
	require.NoError(t, err)
	_, err = am.VerifyChallenge("conn-3", ed25519.Sign(priv2, []byte(ch.Value)), pub2)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestAuthManager_TokenLifecycle(t *testing.T) {
	am := NewAuthManager(time.Minute, nil)

	t.Run("unknown token", func(t *testing.T) {
		_, err := am.IssueChallenge("conn", "not-a-token")
		assert.ErrorIs(t, err, ErrUnknownToken)
	})

	t.Run("expired token", func(t *testing.T) {
		_, token, err := am.CreateToken([]Permission{PermissionRead}, time.Millisecond)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = am.IssueChallenge("conn", token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("revoked token", func(t *testing.T) {
		id, token, err := am.CreateToken([]Permission{PermissionRead}, 0)
		require.NoError(t, err)
		require.NoError(t, am.RevokeToken(id))
		_, err = am.IssueChallenge("conn", token)
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})
}

func TestAuthManager_ChallengeExpiry(t *testing.T) {
	am := NewAuthManager(10*time.Millisecond, nil)
	_, token, err := am.CreateToken([]Permission{PermissionRead}, 0)
	require.NoError(t, err)
	pub, priv := newKeyPair(t)

	ch, err := am.IssueChallenge("conn-1", token)
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)

	_, err = am.VerifyChallenge("conn-1", ed25519.Sign(priv, []byte(ch.Value)), pub)
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestAuthManager_LoadStatic(t *testing.T) {
	token := "static-pairing-token"
	hash := sha256.Sum256([]byte(token))

	am := NewAuthManager(time.Minute, nil)
	err := am.LoadStatic([]config.PairingTokenConfig{
		{ID: "ops", TokenHash: hex.EncodeToString(hash[:]), Permissions: []string{"read", "write"}},
	})
	require.NoError(t, err)

	ch, err := am.IssueChallenge("conn-1", token)
	require.NoError(t, err)
	pub, priv := newKeyPair(t)
	rec, err := am.VerifyChallenge("conn-1", ed25519.Sign(priv, []byte(ch.Value)), pub)
	require.NoError(t, err)
	assert.Equal(t, "ops", rec.ID)

	t.Run("rejects malformed hash", func(t *testing.T) {
		err := am.LoadStatic([]config.PairingTokenConfig{{ID: "bad", TokenHash: "zz", Permissions: []string{"read"}}})
		assert.Error(t, err)
	})

	t.Run("rejects unknown permission", func(t *testing.T) {
		err := am.LoadStatic([]config.PairingTokenConfig{{ID: "bad", TokenHash: hex.EncodeToString(hash[:]), Permissions: []string{"root"}}})
		assert.Error(t, err)
	})
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:52134", true},
		{"127.8.4.2:9", true},
		{"[::1]:8700", true},
		{"[::ffff:127.0.0.1]:443", true},
		{"localhost:1234", true},
		{"192.168.1.10:52134", false},
		{"[2001:db8::1]:8700", false},
		{"example.com:443", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isLoopbackAddr(tt.addr), "addr %q", tt.addr)
	}
}
