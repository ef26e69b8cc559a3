// Copyright 2024 The rosmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rosmq/rosmq/pkg/metrics"
	"github.com/rosmq/rosmq/pkg/storage"
	"github.com/rosmq/rosmq/pkg/topics"
)

// Options bounds the sessions a Manager creates.
type Options struct {
	// DefaultKeepAlive applies when a client connects with keepalive 0.
	DefaultKeepAlive time.Duration
	// MaxInflight caps unacknowledged outbound QoS>0 messages per client.
	// Zero means unlimited.
	MaxInflight int
	// IdleTimeout evicts sessions with no inbound traffic for this long,
	// independent of keepalive. Zero disables the backstop.
	IdleTimeout time.Duration
}

// ConnectOptions carries the CONNECT parameters into a new session.
type ConnectOptions struct {
	Username     string
	RemoteAddr   string
	CleanSession bool
	// KeepAlive is the client-requested interval; 0 falls back to the
	// manager default.
	KeepAlive time.Duration
	// Will is stored with the session. Nil when the CONNECT carried no
	// will flag.
	Will *topics.Message
	// Deliverer receives outbound messages for this client.
	Deliverer Deliverer
	// Closer tears down the transport when the manager evicts the session.
	Closer Closer
}

// Closer matches io.Closer without the import in callers' signatures.
type Closer interface {
	Close() error
}

// Stats aggregates manager-wide counts.
type Stats struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
}

// Manager owns the client table. One live session per client ID; a second
// CONNECT for a live ID is rejected rather than taking over.
type Manager struct {
	opts Options
	// mu serializes session turnover: the connect check-then-insert and
	// every disconnect/remove path. The store's own lock only protects
	// individual map operations.
	mu    sync.Mutex
	store *storage.MemStore[*Client]
}

// NewManager creates a Manager with the given bounds.
func NewManager(opts Options) *Manager {
	if opts.DefaultKeepAlive == 0 {
		opts.DefaultKeepAlive = 60 * time.Second
	}
	return &Manager{
		opts:  opts,
		store: storage.NewMemStore[*Client](),
	}
}

// Connect binds a new session for clientID. It fails with ErrSessionTaken
// while a live session holds the ID.
func (m *Manager) Connect(clientID string, opts ConnectOptions) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, err := m.store.Get(clientID); err == nil && existing.State() == StateConnected {
		return nil, ErrSessionTaken
	}

	keepAlive := opts.KeepAlive
	if keepAlive == 0 {
		keepAlive = m.opts.DefaultKeepAlive
	}
	now := time.Now()
	c := &Client{
		id:           clientID,
		username:     opts.Username,
		remoteAddr:   opts.RemoteAddr,
		cleanSession: opts.CleanSession,
		keepAlive:    keepAlive,
		will:         opts.Will,
		state:        StateConnected,
		connectedAt:  now,
		lastActivity: now,
		inflight:     make(map[uint16]*topics.Message),
		maxInflight:  m.opts.MaxInflight,
		deliverer:    opts.Deliverer,
		closer:       opts.Closer,
	}
	if err := m.store.Set(clientID, c); err != nil {
		return nil, err
	}
	metrics.ConnectedClients.Set(float64(m.ConnectedCount()))
	log.Printf("[INFO] Session connected: client=%s addr=%s keepalive=%s", clientID, opts.RemoteAddr, keepAlive)
	return c, nil
}

// Get returns the session for clientID, or ErrSessionNotFound.
func (m *Manager) Get(clientID string) (*Client, error) {
	c, err := m.store.Get(clientID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// Touch records activity for clientID, if the session exists.
func (m *Manager) Touch(clientID string) {
	if c, err := m.store.Get(clientID); err == nil {
		c.Touch()
	}
}

// Disconnect flips the session bound to clientID to disconnected and
// closes its transport. The record stays until Remove; repeat calls are
// no-ops.
func (m *Manager) Disconnect(clientID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, err := m.store.Get(clientID); err == nil {
		m.disconnectLocked(c, reason)
	}
}

// DisconnectSession is Disconnect for one specific session. A newer
// session that has reclaimed the ID is left untouched; the keepalive
// watchdog and the idle sweep use this so a stale timer cannot kill a
// fresh connection.
func (m *Manager) DisconnectSession(c *Client, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, err := m.store.Get(c.ID()); err != nil || cur != c {
		return
	}
	m.disconnectLocked(c, reason)
}

func (m *Manager) disconnectLocked(c *Client, reason string) {
	if c.State() != StateConnected {
		return
	}
	if closer := c.markDisconnected(); closer != nil {
		_ = closer.Close()
	}
	metrics.ConnectedClients.Set(float64(m.ConnectedCount()))
	log.Printf("[INFO] Session disconnected: client=%s reason=%s", c.ID(), reason)
}

// Remove deletes the session record outright, closing the transport if it
// is still up. Callers must pair this with purging the client's
// subscriptions from the topic registry.
func (m *Manager) Remove(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.store.Get(clientID)
	if err != nil {
		return
	}
	if closer := c.markDisconnected(); closer != nil {
		_ = closer.Close()
	}
	_ = m.store.Delete(clientID)
	metrics.ConnectedClients.Set(float64(m.ConnectedCount()))
	log.Printf("[DEBUG] Session removed: client=%s", clientID)
}

// Release disconnects and deletes one specific session, reporting whether
// it was still the session bound to its ID. Connection teardown uses it so
// a teardown that lost a race with a reconnect leaves the replacement
// session alone.
func (m *Manager) Release(c *Client, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, err := m.store.Get(c.ID()); err != nil || cur != c {
		return false
	}
	m.disconnectLocked(c, reason)
	_ = m.store.Delete(c.ID())
	metrics.ConnectedClients.Set(float64(m.ConnectedCount()))
	log.Printf("[DEBUG] Session removed: client=%s", c.ID())
	return true
}

// ConnectedCount returns the number of live sessions.
func (m *Manager) ConnectedCount() int {
	count := 0
	m.store.Range(func(_ string, c *Client) bool {
		if c.State() == StateConnected {
			count++
		}
		return true
	})
	return count
}

// Stats returns manager-wide counts.
func (m *Manager) Stats() Stats {
	s := Stats{Total: m.store.Len()}
	m.store.Range(func(_ string, c *Client) bool {
		if c.State() == StateConnected {
			s.Connected++
		}
		return true
	})
	return s
}

// ClientInfo returns a snapshot of one session for the admin API.
func (m *Manager) ClientInfo(clientID string) (ClientInfo, error) {
	c, err := m.Get(clientID)
	if err != nil {
		return ClientInfo{}, err
	}
	return c.Info(), nil
}

// AllClientInfo returns snapshots of every session.
func (m *Manager) AllClientInfo() []ClientInfo {
	infos := make([]ClientInfo, 0, m.store.Len())
	m.store.Range(func(_ string, c *Client) bool {
		infos = append(infos, c.Info())
		return true
	})
	return infos
}

// idleClients returns the live sessions past their eviction deadline at
// now: twice the keepalive interval without inbound traffic, or the
// manager-wide idle timeout when one is set.
func (m *Manager) idleClients(now time.Time) []*Client {
	var idle []*Client
	m.store.Range(func(_ string, c *Client) bool {
		if c.State() != StateConnected {
			return true
		}
		elapsed := now.Sub(c.LastActivity())
		if keepAlive := c.KeepAlive(); keepAlive > 0 && elapsed > 2*keepAlive {
			idle = append(idle, c)
			return true
		}
		if m.opts.IdleTimeout > 0 && elapsed > m.opts.IdleTimeout {
			idle = append(idle, c)
		}
		return true
	})
	return idle
}

// StartSweeper evicts idle sessions on the given interval until ctx is
// cancelled. The per-connection keepalive timer is the primary enforcement;
// the sweep catches connections whose timer goroutine died with them.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, c := range m.idleClients(time.Now()) {
					metrics.KeepaliveTimeoutsTotal.Inc()
					m.DisconnectSession(c, "keepalive timeout")
				}
			}
		}
	}()
}
