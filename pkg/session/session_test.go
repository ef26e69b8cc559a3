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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosmq/rosmq/pkg/topics"
)

type recordingDeliverer struct {
	msgs []*topics.Message
	qoss []byte
}

func (d *recordingDeliverer) Deliver(msg *topics.Message, qos byte) error {
	d.msgs = append(d.msgs, msg)
	d.qoss = append(d.qoss, qos)
	return nil
}

type nopCloser struct{ closed bool }

func (c *nopCloser) Close() error {
	c.closed = true
	return nil
}

func TestConnectAndGet(t *testing.T) {
	m := NewManager(Options{})
	c, err := m.Connect("cli-1", ConnectOptions{
		Username:   "alice",
		RemoteAddr: "127.0.0.1:5000",
		KeepAlive:  30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "cli-1", c.ID())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 30*time.Second, c.KeepAlive())

	got, err := m.Get("cli-1")
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = m.Get("nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConnectRejectsLiveDuplicate(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.Connect("cli-1", ConnectOptions{})
	require.NoError(t, err)

	_, err = m.Connect("cli-1", ConnectOptions{})
	assert.ErrorIs(t, err, ErrSessionTaken)

	// After the first session is gone the ID is free again.
	m.Disconnect("cli-1", "test")
	_, err = m.Connect("cli-1", ConnectOptions{})
	assert.NoError(t, err)
}

func TestConnectConcurrentDuplicatesAcceptOne(t *testing.T) {
	m := NewManager(Options{})

	const workers = 32
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = m.Connect("dup", ConnectOptions{})
		}(i)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrSessionTaken)
		}
	}
	assert.Equal(t, 1, accepted)
	s := m.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Connected)
}

func TestReleaseIgnoresReclaimedID(t *testing.T) {
	m := NewManager(Options{})
	stale, err := m.Connect("cli-1", ConnectOptions{})
	require.NoError(t, err)
	m.Disconnect("cli-1", "test")

	replacement, err := m.Connect("cli-1", ConnectOptions{})
	require.NoError(t, err)

	// A teardown that lost the race against the reconnect must leave the
	// replacement session untouched.
	assert.False(t, m.Release(stale, "late teardown"))
	got, err := m.Get("cli-1")
	require.NoError(t, err)
	assert.Same(t, replacement, got)
	assert.Equal(t, StateConnected, got.State())

	assert.True(t, m.Release(replacement, "teardown"))
	_, err = m.Get("cli-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDisconnectSessionSkipsReplacement(t *testing.T) {
	m := NewManager(Options{})
	stale, err := m.Connect("cli-1", ConnectOptions{})
	require.NoError(t, err)
	m.Disconnect("cli-1", "test")

	closer := &nopCloser{}
	replacement, err := m.Connect("cli-1", ConnectOptions{Closer: closer})
	require.NoError(t, err)

	m.DisconnectSession(stale, "keepalive timeout")
	assert.Equal(t, StateConnected, replacement.State())
	assert.False(t, closer.closed)
}

func TestConnectAppliesDefaultKeepAlive(t *testing.T) {
	m := NewManager(Options{DefaultKeepAlive: 45 * time.Second})
	c, err := m.Connect("cli-1", ConnectOptions{KeepAlive: 0})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, c.KeepAlive())
}

func TestDisconnectKeepsRecordUntilRemove(t *testing.T) {
	m := NewManager(Options{})
	closer := &nopCloser{}
	c, err := m.Connect("cli-1", ConnectOptions{Closer: closer})
	require.NoError(t, err)

	m.Disconnect("cli-1", "test")
	assert.True(t, closer.closed)
	assert.Equal(t, StateDisconnected, c.State())

	// The record survives a disconnect; only Remove deletes it.
	got, err := m.Get("cli-1")
	require.NoError(t, err)
	assert.Same(t, c, got)

	m.Remove("cli-1")
	_, err = m.Get("cli-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Both are idempotent.
	m.Disconnect("cli-1", "test")
	m.Remove("cli-1")
}

func TestNextMessageIDCyclesSkippingZero(t *testing.T) {
	m := NewManager(Options{})
	c, err := m.Connect("cli-1", ConnectOptions{})
	require.NoError(t, err)

	assert.Equal(t, uint16(1), c.NextMessageID())
	assert.Equal(t, uint16(2), c.NextMessageID())

	// Walk the full range; the allocator must wrap past 65535 back to 1
	// without ever handing out 0.
	var last uint16
	for i := 0; i < 65533; i++ {
		last = c.NextMessageID()
		require.NotZero(t, last)
	}
	assert.Equal(t, uint16(65535), last)
	assert.Equal(t, uint16(1), c.NextMessageID())
}

func TestNextMessageIDSkipsInflight(t *testing.T) {
	m := NewManager(Options{})
	c, err := m.Connect("cli-1", ConnectOptions{})
	require.NoError(t, err)

	require.NoError(t, c.AddInflight(1, topics.NewMessage("t", []byte("x"), 1, false, "p")))
	require.NoError(t, c.AddInflight(2, topics.NewMessage("t", []byte("y"), 1, false, "p")))
	assert.Equal(t, uint16(3), c.NextMessageID())
}

func TestInflightWindow(t *testing.T) {
	m := NewManager(Options{MaxInflight: 2})
	c, err := m.Connect("cli-1", ConnectOptions{})
	require.NoError(t, err)

	msg := topics.NewMessage("t", []byte("x"), 1, false, "p")
	require.NoError(t, c.AddInflight(1, msg))
	require.NoError(t, c.AddInflight(2, msg))
	assert.ErrorIs(t, c.AddInflight(3, msg), ErrInflightFull)

	assert.True(t, c.AckInflight(1))
	assert.False(t, c.AckInflight(1))
	assert.NoError(t, c.AddInflight(3, msg))
	assert.Equal(t, 2, c.InflightCount())
}

func TestDeliverForwardsToDeliverer(t *testing.T) {
	m := NewManager(Options{})
	d := &recordingDeliverer{}
	c, err := m.Connect("cli-1", ConnectOptions{Deliverer: d})
	require.NoError(t, err)

	msg := topics.NewMessage("t", []byte("x"), 1, false, "p")
	require.NoError(t, c.Deliver(msg, 1))
	require.Len(t, d.msgs, 1)
	assert.Equal(t, byte(1), d.qoss[0])

	// A disconnected client refuses delivery.
	c.markDisconnected()
	assert.Error(t, c.Deliver(msg, 0))
}

func TestIdleClientsKeepaliveDeadline(t *testing.T) {
	m := NewManager(Options{})
	c, err := m.Connect("cli-1", ConnectOptions{KeepAlive: 10 * time.Second})
	require.NoError(t, err)
	_, err = m.Connect("cli-2", ConnectOptions{KeepAlive: 10 * time.Second})
	require.NoError(t, err)

	// cli-1 has been quiet for more than twice its keepalive; cli-2 is
	// fresh.
	c.mu.Lock()
	c.lastActivity = time.Now().Add(-25 * time.Second)
	c.mu.Unlock()

	idle := m.idleClients(time.Now())
	require.Len(t, idle, 1)
	assert.Equal(t, "cli-1", idle[0].ID())
}

func TestIdleClientsIdleTimeoutBackstop(t *testing.T) {
	m := NewManager(Options{IdleTimeout: 5 * time.Second})
	c, err := m.Connect("cli-1", ConnectOptions{KeepAlive: time.Hour})
	require.NoError(t, err)

	c.mu.Lock()
	c.lastActivity = time.Now().Add(-10 * time.Second)
	c.mu.Unlock()

	idle := m.idleClients(time.Now())
	require.Len(t, idle, 1)
	assert.Equal(t, "cli-1", idle[0].ID())
}

func TestSweeperEvictsIdleSession(t *testing.T) {
	m := NewManager(Options{})
	closer := &nopCloser{}
	c, err := m.Connect("cli-1", ConnectOptions{
		KeepAlive: 10 * time.Millisecond,
		Closer:    closer,
	})
	require.NoError(t, err)

	c.mu.Lock()
	c.lastActivity = time.Now().Add(-time.Second)
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartSweeper(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, closer.closed)

	// Disconnected, not removed: the record is the teardown path's to
	// delete.
	_, err = m.Get("cli-1")
	assert.NoError(t, err)
}

func TestStatsAndInfo(t *testing.T) {
	m := NewManager(Options{})
	will := topics.NewMessage("last/will", []byte("gone"), 0, false, "cli-1")
	_, err := m.Connect("cli-1", ConnectOptions{
		Username:  "alice",
		Will:      will,
		KeepAlive: 20 * time.Second,
	})
	require.NoError(t, err)

	s := m.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Connected)

	info, err := m.ClientInfo("cli-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, "connected", info.State)
	assert.Equal(t, 20, info.KeepAliveSecs)
	assert.True(t, info.HasWill)

	all := m.AllClientInfo()
	assert.Len(t, all, 1)
}

func TestTouchUpdatesActivity(t *testing.T) {
	m := NewManager(Options{})
	c, err := m.Connect("cli-1", ConnectOptions{})
	require.NoError(t, err)

	before := c.LastActivity()
	time.Sleep(5 * time.Millisecond)
	m.Touch("cli-1")
	assert.True(t, c.LastActivity().After(before))
}
