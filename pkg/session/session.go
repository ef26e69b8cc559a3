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

// Package session tracks per-client broker state: identity, liveness,
// message-ID allocation, in-flight QoS messages, and the stored will. The
// Manager owns the client table and enforces the one-live-session-per-ID
// rule.
package session

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rosmq/rosmq/pkg/topics"
)

var (
	// ErrSessionTaken means a live session already exists for the client ID.
	ErrSessionTaken = errors.New("session already taken")
	// ErrSessionNotFound means no session exists for the client ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInflightFull means the client's in-flight window is exhausted.
	ErrInflightFull = errors.New("inflight window full")
)

// State is the lifecycle state of a client session.
type State int

const (
	// StateConnected means the transport is live.
	StateConnected State = iota
	// StateDisconnected means the transport is gone; the entry survives
	// only until the manager removes it.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Deliverer pushes an outbound application message toward one client. The
// connection layer implements it; delivery is best-effort and must not
// block the caller.
type Deliverer interface {
	Deliver(msg *topics.Message, qos byte) error
}

// queueReporter is optionally implemented by deliverers that can report
// their outbound queue depth.
type queueReporter interface {
	Queued() int
}

// Client is the broker-side state for one MQTT session. All fields are
// guarded by mu; mutate only through methods.
type Client struct {
	mu sync.Mutex

	id           string
	username     string
	remoteAddr   string
	cleanSession bool
	keepAlive    time.Duration
	will         *topics.Message

	state        State
	connectedAt  time.Time
	lastActivity time.Time

	nextMsgID   uint16
	inflight    map[uint16]*topics.Message
	maxInflight int

	deliverer Deliverer
	closer    io.Closer
}

// ClientInfo is a point-in-time snapshot for the admin API.
type ClientInfo struct {
	ID            string    `json:"id"`
	Username      string    `json:"username,omitempty"`
	RemoteAddr    string    `json:"remote_addr"`
	State         string    `json:"state"`
	CleanSession  bool      `json:"clean_session"`
	KeepAliveSecs int       `json:"keepalive_secs"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	InflightCount int       `json:"inflight_count"`
	QueuedCount   int       `json:"queued_count"`
	HasWill       bool      `json:"has_will"`
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch records client activity. Every inbound packet counts.
func (c *Client) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent inbound packet.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// KeepAlive returns the negotiated keepalive interval.
func (c *Client) KeepAlive() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive
}

// Will returns the stored will message, or nil.
func (c *Client) Will() *topics.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.will
}

// NextMessageID allocates the next outbound message ID. IDs cycle through
// [1, 65535], never 0, skipping IDs still in flight.
func (c *Client) NextMessageID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.nextMsgID++
		if c.nextMsgID == 0 {
			c.nextMsgID = 1
		}
		if _, inUse := c.inflight[c.nextMsgID]; !inUse {
			return c.nextMsgID
		}
	}
}

// AddInflight records an unacknowledged outbound message under id.
func (c *Client) AddInflight(id uint16, msg *topics.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxInflight > 0 && len(c.inflight) >= c.maxInflight {
		return ErrInflightFull
	}
	c.inflight[id] = msg
	return nil
}

// AckInflight clears the in-flight entry for id, reporting whether one
// existed. PUBACK and PUBREC both land here.
func (c *Client) AckInflight(id uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; !ok {
		return false
	}
	delete(c.inflight, id)
	return true
}

// InflightCount returns the number of unacknowledged outbound messages.
func (c *Client) InflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Deliver forwards msg to the client's transport at the given QoS.
func (c *Client) Deliver(msg *topics.Message, qos byte) error {
	c.mu.Lock()
	d := c.deliverer
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || d == nil {
		return ErrSessionNotFound
	}
	return d.Deliver(msg, qos)
}

// Info returns a snapshot for the admin API.
func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := 0
	if qr, ok := c.deliverer.(queueReporter); ok {
		queued = qr.Queued()
	}
	return ClientInfo{
		ID:            c.id,
		Username:      c.username,
		RemoteAddr:    c.remoteAddr,
		State:         c.state.String(),
		CleanSession:  c.cleanSession,
		KeepAliveSecs: int(c.keepAlive / time.Second),
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastActivity,
		InflightCount: len(c.inflight),
		QueuedCount:   queued,
		HasWill:       c.will != nil,
	}
}

func (c *Client) markDisconnected() io.Closer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	closer := c.closer
	c.closer = nil
	c.deliverer = nil
	return closer
}
