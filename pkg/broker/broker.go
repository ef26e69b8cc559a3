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

// Package broker assembles the MQTT broker: it owns the listener, wires the
// connection engine to the session manager and topic registry, and fans
// published messages out to their subscribers. It is also the query surface
// the admin API reads from.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/rosmq/rosmq/pkg/auth"
	"github.com/rosmq/rosmq/pkg/config"
	"github.com/rosmq/rosmq/pkg/connection"
	"github.com/rosmq/rosmq/pkg/metrics"
	"github.com/rosmq/rosmq/pkg/session"
	"github.com/rosmq/rosmq/pkg/topics"
)

const gaugeSyncInterval = 10 * time.Second

// Stats is the broker-wide snapshot served by the admin API.
type Stats struct {
	NodeID     string        `json:"node_id"`
	UptimeSecs int64         `json:"uptime_secs"`
	Sessions   session.Stats `json:"sessions"`
	Topics     topics.Stats  `json:"topics"`
}

// Broker is the assembled service.
type Broker struct {
	cfg      *config.Config
	sessions *session.Manager
	registry *topics.Registry
	engine   *connection.Engine
	authn    *auth.Chain

	listener  net.Listener
	startedAt time.Time
}

// New builds a Broker from cfg. Nothing listens until Listen is called.
func New(cfg *config.Config) (*Broker, error) {
	chain, err := cfg.BuildAuthChain()
	if err != nil {
		return nil, err
	}

	sc := cfg.Broker.Session
	sessions := session.NewManager(session.Options{
		DefaultKeepAlive: time.Duration(sc.DefaultKeepAliveSecs) * time.Second,
		MaxInflight:      sc.MaxInflight,
		IdleTimeout:      time.Duration(sc.IdleTimeoutSecs) * time.Second,
	})
	registry := topics.NewRegistry()
	engine := connection.NewEngine(connection.Options{
		MaxMessageSize: cfg.Broker.MaxMessageSize,
		MaxQueued:      sc.MaxQueued,
	}, sessions, registry, chain)

	b := &Broker{
		cfg:      cfg,
		sessions: sessions,
		registry: registry,
		engine:   engine,
		authn:    chain,
	}
	registry.AddHandler(b.deliver)
	return b, nil
}

// Listen binds the MQTT listener, with TLS when configured. After Listen
// returns, Addr reports the bound address.
func (b *Broker) Listen() error {
	addr := b.cfg.Broker.MQTTAddr
	if b.cfg.Broker.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(b.cfg.Broker.TLS.CertFile, b.cfg.Broker.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS keypair: %w", err)
		}
		listener, err := tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		b.listener = listener
		return nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	b.listener = listener
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (b *Broker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Serve accepts connections until ctx is cancelled. It starts the topic and
// session sweepers and blocks.
func (b *Broker) Serve(ctx context.Context) error {
	if b.listener == nil {
		if err := b.Listen(); err != nil {
			return err
		}
	}
	b.startedAt = time.Now()

	if interval := b.cfg.Broker.TopicSweepIntervalSecs; interval > 0 {
		b.registry.StartSweeper(ctx, time.Duration(interval)*time.Second)
	}
	if interval := b.cfg.Broker.Session.SweepIntervalSecs; interval > 0 {
		b.sessions.StartSweeper(ctx, time.Duration(interval)*time.Second)
	}
	go b.syncGauges(ctx)

	log.Printf("[INFO] MQTT broker %s listening on %s", b.cfg.Broker.NodeID, b.listener.Addr())

	go func() {
		for {
			conn, err := b.listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					if !errors.Is(err, net.ErrClosed) {
						log.Printf("[ERROR] Failed to accept connection: %v", err)
					}
				}
				return
			}
			go b.engine.Handle(ctx, conn)
		}
	}()

	<-ctx.Done()
	log.Println("[INFO] Broker shutting down")
	err := b.listener.Close()
	for _, info := range b.sessions.AllClientInfo() {
		b.sessions.Disconnect(info.ID, "broker shutdown")
	}
	return err
}

// deliver is the registry handler: it pushes one published message to every
// resolved subscriber at the lower of the granted and published QoS. Dead or
// slow subscribers are skipped, never waited on.
func (b *Broker) deliver(msg *topics.Message, subscribers map[string]byte) {
	for id, granted := range subscribers {
		client, err := b.sessions.Get(id)
		if err != nil {
			continue
		}
		qos := granted
		if msg.QoS < qos {
			qos = msg.QoS
		}
		if err := client.Deliver(msg, qos); err != nil {
			log.Printf("[DEBUG] Delivery to %s on %s dropped: %v", id, msg.Topic, err)
		}
	}
}

func (b *Broker) syncGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts := b.registry.Stats()
			metrics.Topics.Set(float64(ts.Topics))
			metrics.RetainedMessages.Set(float64(ts.RetainedMessages))
			metrics.Subscriptions.Set(float64(ts.Subscribers))
			metrics.ConnectedClients.Set(float64(b.sessions.ConnectedCount()))
		}
	}
}

// Stats returns the broker-wide snapshot.
func (b *Broker) Stats() Stats {
	uptime := int64(0)
	if !b.startedAt.IsZero() {
		uptime = int64(time.Since(b.startedAt) / time.Second)
	}
	return Stats{
		NodeID:     b.cfg.Broker.NodeID,
		UptimeSecs: uptime,
		Sessions:   b.sessions.Stats(),
		Topics:     b.registry.Stats(),
	}
}

// Clients returns snapshots of every session.
func (b *Broker) Clients() []session.ClientInfo {
	return b.sessions.AllClientInfo()
}

// Client returns one session snapshot.
func (b *Broker) Client(clientID string) (session.ClientInfo, error) {
	return b.sessions.ClientInfo(clientID)
}

// Topics returns snapshots of every live topic.
func (b *Broker) Topics() []topics.TopicInfo {
	return b.registry.AllTopics()
}

// Topic returns one topic snapshot.
func (b *Broker) Topic(name string) (topics.TopicInfo, bool) {
	return b.registry.TopicInfo(name)
}

// Subscriptions maps every known client to its subscribed filters.
func (b *Broker) Subscriptions() map[string][]string {
	subs := make(map[string][]string)
	for _, info := range b.sessions.AllClientInfo() {
		subs[info.ID] = b.registry.ClientSubscriptions(info.ID)
	}
	return subs
}

// ClientSubscriptions returns the filters one client is subscribed to.
func (b *Broker) ClientSubscriptions(clientID string) []string {
	return b.registry.ClientSubscriptions(clientID)
}

// DisconnectClient force-disconnects one client and drops its
// subscriptions.
func (b *Broker) DisconnectClient(clientID string) error {
	if _, err := b.sessions.Get(clientID); err != nil {
		return err
	}
	b.registry.RemoveClient(clientID)
	b.sessions.Disconnect(clientID, "admin disconnect")
	return nil
}

// Publish routes a message as if a client had published it. The admin API
// uses this for server-originated messages.
func (b *Broker) Publish(msg *topics.Message) []string {
	ids := b.registry.Publish(msg)
	metrics.MessagesRoutedTotal.Inc()
	return ids
}
