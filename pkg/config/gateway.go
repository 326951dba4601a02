package config

import "time"

// GatewayConfig controls the WebSocket gateway: listener address, heartbeat
// cadence, per-IP connection caps, and the pairing tokens remote clients
// authenticate with.
type GatewayConfig struct {
	// Host is the listener bind address.
	Host string `yaml:"host"`

	// Port is the listener TCP port.
	Port int `yaml:"port"`

	// HeartbeatInterval is how often the gateway pings each connection.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long the gateway waits for a pong before a
	// connection is considered dead.
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`

	// MaxConnectionsPerIP caps concurrent connections from one remote IP.
	// The cap counts pending and authenticated connections together.
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// AuthTimeout is how long an unauthenticated connection may hold a
	// socket (and an issued challenge) before it is closed.
	AuthTimeout Duration `yaml:"auth_timeout"`

	// AllowedOrigins lists origins accepted during the WebSocket upgrade.
	// Empty means same-host only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// PairingTokens are the statically provisioned tokens remote clients
	// pair with. Only hashes appear here; tokens never touch disk.
	PairingTokens []PairingTokenConfig `yaml:"pairing_tokens"`
}

// PairingTokenConfig is one provisioned pairing token. TokenHash is the
// lowercase hex SHA-256 of the token string.
type PairingTokenConfig struct {
	ID          string     `yaml:"id"`
	TokenHash   string     `yaml:"token_hash"`
	Permissions []string   `yaml:"permissions"`
	ExpiresAt   *time.Time `yaml:"expires_at,omitempty"`
	RevokedAt   *time.Time `yaml:"revoked_at,omitempty"`
}

// DefaultGatewayConfig returns the built-in gateway defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Host:                "127.0.0.1",
		Port:                8700,
		HeartbeatInterval:   Duration(30 * time.Second),
		HeartbeatTimeout:    Duration(10 * time.Second),
		MaxConnectionsPerIP: 10,
		AuthTimeout:         Duration(30 * time.Second),
	}
}
