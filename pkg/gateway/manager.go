package gateway

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/metrics"
)

// ConnectionManager tracks every live connection in two pools: pending
// (accepted, not yet authenticated) and authenticated. It enforces the
// per-IP connection cap across both pools, closes pending connections that
// outlive the auth timeout, and drives the heartbeat that reaps stale
// peers.
type ConnectionManager struct {
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	authTimeout       time.Duration
	maxPerIP          int

	mu            sync.RWMutex
	pending       map[string]*Connection // connection id -> conn
	authenticated map[string]*Connection
	byIP          map[string]int
	authTimers    map[string]*time.Timer
	accepting     bool

	onAuthTimeout func(*Connection)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewConnectionManager creates a manager from gateway timing settings.
// onAuthTimeout runs when a pending connection exceeds the auth timeout,
// after the manager has already removed and closed it.
func NewConnectionManager(heartbeatInterval, heartbeatTimeout, authTimeout time.Duration, maxPerIP int, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		authTimeout:       authTimeout,
		maxPerIP:          maxPerIP,
		pending:           make(map[string]*Connection),
		authenticated:     make(map[string]*Connection),
		byIP:              make(map[string]int),
		authTimers:        make(map[string]*time.Timer),
		accepting:         true,
		stopCh:            make(chan struct{}),
		logger:            logger.With("component", "connections"),
	}
}

// SetAuthTimeoutHandler registers the auth-timeout callback. Must be called
// before connections arrive.
func (m *ConnectionManager) SetAuthTimeoutHandler(fn func(*Connection)) {
	m.onAuthTimeout = fn
}

// Start launches the heartbeat loop.
func (m *ConnectionManager) Start() {
	m.wg.Add(1)
	go m.heartbeatLoop()
}

// heartbeatLoop pings every connection each interval. A connection whose
// alive flag is still false from the previous round never ponged and is
// terminated.
func (m *ConnectionManager) heartbeatLoop() {
	defer m.wg.Done()

	if m.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

func (m *ConnectionManager) heartbeat() {
	conns := m.allConnections()
	for _, c := range conns {
		if !c.alive.Load() {
			m.logger.Info("terminating stale connection", "connection_id", c.ID, "remote_addr", c.RemoteAddr)
			m.Remove(c)
			c.close(CloseGoingAway, "heartbeat timeout")
			continue
		}
		c.alive.Store(false)
		m.wg.Add(1)
		go func(c *Connection) {
			defer m.wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			c.ping(ctx, m.heartbeatTimeout)
		}(c)
	}
}

// CanAccept reports whether a new connection from the peer address fits
// under the per-IP cap. The cap counts pending and authenticated
// connections together.
func (m *ConnectionManager) CanAccept(remoteAddr string) bool {
	ip := ipOf(remoteAddr)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.accepting {
		return false
	}
	return m.maxPerIP <= 0 || m.byIP[ip] < m.maxPerIP
}

// AddPending registers an unauthenticated connection and arms its auth
// timer. If the timer fires before promotion, the connection is removed and
// closed with the auth-failure code.
func (m *ConnectionManager) AddPending(c *Connection) {
	m.mu.Lock()
	m.pending[c.ID] = c
	m.byIP[ipOf(c.RemoteAddr)]++
	if m.authTimeout > 0 {
		m.authTimers[c.ID] = time.AfterFunc(m.authTimeout, func() { m.expirePending(c) })
	}
	m.mu.Unlock()
}

// expirePending handles an auth timer firing. The connection may have been
// promoted or removed in the meantime; only a still-pending one is closed.
func (m *ConnectionManager) expirePending(c *Connection) {
	m.mu.Lock()
	_, stillPending := m.pending[c.ID]
	if stillPending {
		delete(m.pending, c.ID)
		delete(m.authTimers, c.ID)
		m.decIPLocked(c.RemoteAddr)
	}
	m.mu.Unlock()

	if !stillPending {
		return
	}
	metrics.AuthFailuresTotal.WithLabelValues("timeout").Inc()
	m.logger.Info("closing unauthenticated connection after timeout",
		"connection_id", c.ID, "remote_addr", c.RemoteAddr)
	c.close(CloseAuthFailure, "authentication timeout")
	if m.onAuthTimeout != nil {
		m.onAuthTimeout(c)
	}
}

// AddAuthenticated registers a connection directly into the authenticated
// pool. Used for loopback auto-auth, which skips the pending stage.
func (m *ConnectionManager) AddAuthenticated(c *Connection, sess *Session) {
	c.setSession(sess)
	m.mu.Lock()
	m.authenticated[c.ID] = c
	m.byIP[ipOf(c.RemoteAddr)]++
	m.mu.Unlock()
	metrics.ActiveConnections.Inc()
}

// Promote moves a pending connection into the authenticated pool and
// disarms its auth timer. Returns false if the connection is no longer
// pending (already timed out or removed).
func (m *ConnectionManager) Promote(c *Connection, sess *Session) bool {
	m.mu.Lock()
	if _, ok := m.pending[c.ID]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, c.ID)
	if t, ok := m.authTimers[c.ID]; ok {
		t.Stop()
		delete(m.authTimers, c.ID)
	}
	c.setSession(sess)
	m.authenticated[c.ID] = c
	m.mu.Unlock()

	metrics.ActiveConnections.Inc()
	return true
}

// Remove drops a connection from whichever pool holds it and clears its
// subscription state. Returns the session if the connection was
// authenticated, nil otherwise. Safe to call more than once.
func (m *ConnectionManager) Remove(c *Connection) *Session {
	m.mu.Lock()
	var sess *Session
	if _, ok := m.pending[c.ID]; ok {
		delete(m.pending, c.ID)
		if t, tok := m.authTimers[c.ID]; tok {
			t.Stop()
			delete(m.authTimers, c.ID)
		}
		m.decIPLocked(c.RemoteAddr)
	} else if _, ok := m.authenticated[c.ID]; ok {
		delete(m.authenticated, c.ID)
		m.decIPLocked(c.RemoteAddr)
		sess = c.Session()
	}
	m.mu.Unlock()

	if sess != nil {
		c.SetFilter(nil)
		metrics.ActiveConnections.Dec()
	}
	return sess
}

func (m *ConnectionManager) decIPLocked(remoteAddr string) {
	ip := ipOf(remoteAddr)
	if n := m.byIP[ip]; n <= 1 {
		delete(m.byIP, ip)
	} else {
		m.byIP[ip] = n - 1
	}
}

// AuthenticatedSnapshot returns the authenticated connections. The slice is
// built under the read lock and released before any sends, so slow writes
// never stall registration.
func (m *ConnectionManager) AuthenticatedSnapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.authenticated))
	for _, c := range m.authenticated {
		out = append(out, c)
	}
	return out
}

func (m *ConnectionManager) allConnections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.pending)+len(m.authenticated))
	for _, c := range m.pending {
		out = append(out, c)
	}
	for _, c := range m.authenticated {
		out = append(out, c)
	}
	return out
}

// Counts returns the pending and authenticated pool sizes.
func (m *ConnectionManager) Counts() (pending, authenticated int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending), len(m.authenticated)
}

// Accepting reports whether new connections are admitted.
func (m *ConnectionManager) Accepting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accepting
}

// Stop refuses new connections, closes every session with the going-away
// code after letting writers flush for up to grace, and stops the
// heartbeat. Idempotent.
func (m *ConnectionManager) Stop(grace time.Duration) {
	m.stopOnce.Do(func() {
		close(m.stopCh)

		m.mu.Lock()
		m.accepting = false
		for id, t := range m.authTimers {
			t.Stop()
			delete(m.authTimers, id)
		}
		m.mu.Unlock()

		conns := m.allConnections()
		var wg sync.WaitGroup
		for _, c := range conns {
			m.Remove(c)
			wg.Add(1)
			go func(c *Connection) {
				defer wg.Done()
				c.closeGraceful(CloseGoingAway, "server shutting down", grace)
			}(c)
		}
		wg.Wait()
		m.wg.Wait()
	})
}

// ipOf extracts the host part of a remote address for per-IP accounting.
func ipOf(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
