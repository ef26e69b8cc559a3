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

// Package connection drives one client transport: it reads and frames
// inbound packets, runs the CONNECT handshake, dispatches the protocol
// state machine, and owns a supervised writer actor so outbound traffic
// never blocks the read loop or the router.
package connection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/rosmq/rosmq/pkg/actor"
	"github.com/rosmq/rosmq/pkg/auth"
	"github.com/rosmq/rosmq/pkg/metrics"
	"github.com/rosmq/rosmq/pkg/protocol/mqtt"
	"github.com/rosmq/rosmq/pkg/session"
	"github.com/rosmq/rosmq/pkg/supervisor"
	"github.com/rosmq/rosmq/pkg/topics"
)

// ErrQueueFull reports a delivery dropped because the client's outbound
// queue was at capacity.
var ErrQueueFull = errors.New("outbound queue full")

const readBufferSize = 4096

// Options bounds each connection the engine handles.
type Options struct {
	// MaxMessageSize rejects inbound packets larger than this many bytes.
	// Zero means unlimited.
	MaxMessageSize int
	// MaxQueued sizes each client's outbound queue.
	MaxQueued int
}

// Engine accepts framed MQTT traffic on raw transports and applies it to
// the session manager and topic registry.
type Engine struct {
	opts     Options
	sessions *session.Manager
	registry *topics.Registry
	authn    *auth.Chain
	sup      supervisor.Supervisor
}

// NewEngine wires an Engine to its session manager, registry, and auth
// chain.
func NewEngine(opts Options, sessions *session.Manager, registry *topics.Registry, authn *auth.Chain) *Engine {
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = 1024
	}
	return &Engine{
		opts:     opts,
		sessions: sessions,
		registry: registry,
		authn:    authn,
		sup:      supervisor.NewOneForOneSupervisor(),
	}
}

// connState is the per-connection protocol state. It lives on the Handle
// goroutine's stack; only the deliverer escapes to other goroutines.
type connState struct {
	clientID string
	client   *session.Client
	mb       *actor.Mailbox
}

// Handle runs the protocol loop for one transport until the peer
// disconnects, the context is cancelled, or a protocol error closes the
// connection. It blocks; the broker runs it in a goroutine per connection.
func (e *Engine) Handle(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	decoder := &mqtt.Decoder{MaxPacketSize: e.opts.MaxMessageSize}
	st := &connState{}
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				raw, err := decoder.Next()
				if err != nil {
					log.Printf("[WARN] Malformed packet from %s: %v", conn.RemoteAddr(), err)
					e.teardown(st, "protocol error")
					return
				}
				if raw == nil {
					break
				}
				metrics.PacketsReceivedTotal.WithLabelValues(mqtt.TypeName(raw.Type)).Inc()
				clean, quit := e.handlePacket(connCtx, conn, st, raw)
				if quit {
					if clean {
						e.teardown(st, "client disconnect")
					} else {
						e.teardown(st, "protocol error")
					}
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[DEBUG] Read from %s failed: %v", conn.RemoteAddr(), err)
			}
			e.teardown(st, "connection lost")
			return
		}
	}
}

// teardown evicts the session, if one was bound, and strips its
// subscriptions. Sessions here carry clean-session semantics regardless of
// the flag: nothing survives the transport.
func (e *Engine) teardown(st *connState, reason string) {
	if st.clientID == "" {
		return
	}
	if st.client != nil && reason != "client disconnect" {
		if will := st.client.Will(); will != nil {
			// TODO: publish the stored will to the registry on ungraceful
			// disconnect instead of only logging it.
			log.Printf("[WARN] Client %s lost with undispatched will for topic %s", st.clientID, will.Topic)
		}
	}
	// Only purge subscriptions when this was still the session bound to
	// the ID; a reconnect that won the race keeps its own registrations.
	if e.sessions.Release(st.client, reason) {
		e.registry.RemoveClient(st.clientID)
	}
	st.clientID = ""
	st.client = nil
}

// handlePacket dispatches one framed packet. It returns quit=true when the
// connection must close, with clean marking an orderly DISCONNECT.
func (e *Engine) handlePacket(ctx context.Context, conn net.Conn, st *connState, raw *mqtt.RawPacket) (clean, quit bool) {
	if st.client == nil && raw.Type != mqtt.TypeCONNECT {
		// No client context to act on yet; the packet is ignored.
		log.Printf("[WARN] Ignoring %s packet from %s before CONNECT", mqtt.TypeName(raw.Type), conn.RemoteAddr())
		return false, false
	}

	switch raw.Type {
	case mqtt.TypeCONNECT:
		return e.handleConnect(ctx, conn, st, raw)

	case mqtt.TypePUBLISH:
		return e.handlePublish(st, raw)

	case mqtt.TypeSUBSCRIBE:
		return e.handleSubscribe(st, raw)

	case mqtt.TypeUNSUBSCRIBE:
		return e.handleUnsubscribe(st, raw)

	case mqtt.TypePUBACK, mqtt.TypePUBREC:
		ack, err := mqtt.DecodePuback(raw)
		if err != nil {
			log.Printf("[WARN] Bad %s from %s: %v", mqtt.TypeName(raw.Type), st.clientID, err)
			return false, false
		}
		st.client.Touch()
		if !st.client.AckInflight(ack.MessageID) {
			log.Printf("[DEBUG] Client %s acked unknown message ID %d", st.clientID, ack.MessageID)
		}
		return false, false

	case mqtt.TypePINGREQ:
		st.client.Touch()
		e.send(st.mb, mqtt.TypePINGRESP, func(w io.Writer) error {
			return mqtt.EncodePingresp(w)
		})
		return false, false

	case mqtt.TypeDISCONNECT:
		// Orderly shutdown discards the will.
		return true, true

	default:
		log.Printf("[DEBUG] Ignoring unhandled packet type %s from %s", mqtt.TypeName(raw.Type), st.clientID)
		return false, false
	}
}

func (e *Engine) handleConnect(ctx context.Context, conn net.Conn, st *connState, raw *mqtt.RawPacket) (clean, quit bool) {
	if st.client != nil {
		log.Printf("[WARN] Client %s sent a second CONNECT", st.clientID)
		return false, true
	}

	pk, err := mqtt.DecodeConnect(raw)
	if err != nil {
		log.Printf("[WARN] Dropping bad CONNECT from %s: %v", conn.RemoteAddr(), err)
		return false, false
	}
	if pk.ClientID == "" {
		_ = mqtt.EncodeConnack(conn, &mqtt.ConnackPacket{ReturnCode: mqtt.CodeIdentifierRejected})
		return false, true
	}

	if e.authn.Authenticate(pk.Username, pk.Password) == auth.Failure {
		metrics.AuthFailuresTotal.Inc()
		_ = mqtt.EncodeConnack(conn, &mqtt.ConnackPacket{ReturnCode: mqtt.CodeNotAuthorized})
		return false, true
	}

	var will *topics.Message
	if pk.WillFlag {
		will = topics.NewMessage(pk.WillTopic, pk.WillMessage, pk.WillQoS, pk.WillRetain, pk.ClientID)
	}

	mb := actor.NewMailbox(e.opts.MaxQueued)
	d := &deliverer{mb: mb}
	client, err := e.sessions.Connect(pk.ClientID, session.ConnectOptions{
		Username:     pk.Username,
		RemoteAddr:   conn.RemoteAddr().String(),
		CleanSession: pk.CleanSession,
		KeepAlive:    time.Duration(pk.KeepAlive) * time.Second,
		Will:         will,
		Deliverer:    d,
		Closer:       conn,
	})
	switch {
	case errors.Is(err, session.ErrSessionTaken):
		log.Printf("[WARN] Rejecting duplicate client ID %s from %s", pk.ClientID, conn.RemoteAddr())
		_ = mqtt.EncodeConnack(conn, &mqtt.ConnackPacket{ReturnCode: mqtt.CodeIdentifierRejected})
		return false, true
	case err != nil:
		log.Printf("[ERROR] Failed to bind session for %s: %v", pk.ClientID, err)
		_ = mqtt.EncodeConnack(conn, &mqtt.ConnackPacket{ReturnCode: mqtt.CodeServerUnavailable})
		return false, true
	}
	d.bind(client)

	st.clientID = pk.ClientID
	st.client = client
	st.mb = mb

	e.sup.StartChild(ctx, supervisor.Spec{
		ID:      "writer-" + pk.ClientID,
		Actor:   &writer{conn: conn, clientID: pk.ClientID},
		Restart: supervisor.RestartTemporary,
		Mailbox: mb,
	})
	e.watchKeepalive(ctx, client)

	e.send(mb, mqtt.TypeCONNACK, func(w io.Writer) error {
		return mqtt.EncodeConnack(w, &mqtt.ConnackPacket{ReturnCode: mqtt.CodeAccepted})
	})
	return false, false
}

func (e *Engine) handlePublish(st *connState, raw *mqtt.RawPacket) (clean, quit bool) {
	pk, err := mqtt.DecodePublish(raw)
	if err != nil {
		log.Printf("[WARN] Dropping bad PUBLISH from %s: %v", st.clientID, err)
		return false, false
	}
	st.client.Touch()

	msg := topics.NewMessage(pk.TopicName, pk.Payload, pk.QoS, pk.Retain, st.clientID)
	msg.Dup = pk.Dup
	msg.MessageID = pk.MessageID
	e.registry.Publish(msg)
	metrics.MessagesRoutedTotal.Inc()

	switch pk.QoS {
	case 1:
		e.send(st.mb, mqtt.TypePUBACK, func(w io.Writer) error {
			return mqtt.EncodePuback(w, &mqtt.PubackPacket{MessageID: pk.MessageID})
		})
	case 2:
		// The QoS 2 exchange deliberately stops at PUBREC; there is no
		// PUBREL/PUBCOMP leg in this broker.
		e.send(st.mb, mqtt.TypePUBREC, func(w io.Writer) error {
			return mqtt.EncodePubrec(w, &mqtt.PubrecPacket{MessageID: pk.MessageID})
		})
	}
	return false, false
}

func (e *Engine) handleSubscribe(st *connState, raw *mqtt.RawPacket) (clean, quit bool) {
	pk, err := mqtt.DecodeSubscribe(raw)
	if err != nil {
		log.Printf("[WARN] Dropping bad SUBSCRIBE from %s: %v", st.clientID, err)
		return false, false
	}
	st.client.Touch()

	codes := make([]byte, len(pk.Topics))
	for i, filter := range pk.Topics {
		granted := pk.QoSs[i]
		if granted > 2 {
			granted = 2
		}
		if !e.registry.Subscribe(st.clientID, filter, granted) {
			codes[i] = mqtt.SubackFailure
			log.Printf("[WARN] Client %s subscribe to %q rejected", st.clientID, filter)
			continue
		}
		codes[i] = granted
		log.Printf("[INFO] Client %s subscribed to %q qos=%d", st.clientID, filter, granted)
	}
	e.send(st.mb, mqtt.TypeSUBACK, func(w io.Writer) error {
		return mqtt.EncodeSuback(w, &mqtt.SubackPacket{MessageID: pk.MessageID, ReturnCodes: codes})
	})

	// Retained messages replay after the SUBACK so the client sees them as
	// regular deliveries on the new subscription.
	for i, filter := range pk.Topics {
		if codes[i] == mqtt.SubackFailure {
			continue
		}
		for _, retained := range e.registry.RetainedMatching(filter) {
			qos := retained.QoS
			if qos > codes[i] {
				qos = codes[i]
			}
			if err := st.client.Deliver(retained, qos); err != nil {
				log.Printf("[WARN] Retained replay to %s failed: %v", st.clientID, err)
			}
		}
	}
	return false, false
}

func (e *Engine) handleUnsubscribe(st *connState, raw *mqtt.RawPacket) (clean, quit bool) {
	pk, err := mqtt.DecodeUnsubscribe(raw)
	if err != nil {
		log.Printf("[WARN] Dropping bad UNSUBSCRIBE from %s: %v", st.clientID, err)
		return false, false
	}
	st.client.Touch()

	for _, filter := range pk.Topics {
		if e.registry.Unsubscribe(st.clientID, filter) {
			log.Printf("[INFO] Client %s unsubscribed from %q", st.clientID, filter)
		}
	}
	e.send(st.mb, mqtt.TypeUNSUBACK, func(w io.Writer) error {
		return mqtt.EncodeUnsuback(w, &mqtt.UnsubackPacket{MessageID: pk.MessageID})
	})
	return false, false
}

// watchKeepalive closes the session when the client misses twice its
// keepalive interval without any inbound packet. The session sweeper is the
// backstop if this goroutine dies with the connection.
func (e *Engine) watchKeepalive(ctx context.Context, client *session.Client) {
	interval := client.KeepAlive()
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Since(client.LastActivity()) > 2*interval {
					metrics.KeepaliveTimeoutsTotal.Inc()
					e.sessions.DisconnectSession(client, "keepalive timeout")
					return
				}
			}
		}
	}()
}

// send encodes a control packet and queues it on the writer mailbox. The
// blocking Send keeps control responses ordered behind earlier writes.
func (e *Engine) send(mb *actor.Mailbox, packetType byte, encode func(io.Writer) error) {
	var buf bytes.Buffer
	if err := encode(&buf); err != nil {
		log.Printf("[ERROR] Failed to encode %s: %v", mqtt.TypeName(packetType), err)
		return
	}
	mb.Send(buf.Bytes())
	metrics.PacketsSentTotal.WithLabelValues(mqtt.TypeName(packetType)).Inc()
}

// deliverer queues outbound application messages for one client. It
// implements session.Deliverer; the router calls it from the publisher's
// goroutine, so it must never block.
type deliverer struct {
	mu     sync.Mutex
	client *session.Client
	mb     *actor.Mailbox
}

func (d *deliverer) bind(client *session.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.client = client
}

// Queued reports the outbound queue depth for the admin API.
func (d *deliverer) Queued() int {
	return d.mb.Len()
}

// Deliver encodes msg as a PUBLISH at the given QoS and queues it. QoS>0
// deliveries take a message ID and enter the in-flight window first.
func (d *deliverer) Deliver(msg *topics.Message, qos byte) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return session.ErrSessionNotFound
	}

	pk := &mqtt.PublishPacket{
		TopicName: msg.Topic,
		Payload:   msg.Payload,
		QoS:       qos,
		Retain:    msg.Retain,
	}
	if qos > 0 {
		id := client.NextMessageID()
		if err := client.AddInflight(id, msg); err != nil {
			metrics.DeliveryFailuresTotal.Inc()
			return err
		}
		pk.MessageID = id
	}

	var buf bytes.Buffer
	if err := mqtt.EncodePublish(&buf, pk); err != nil {
		return err
	}
	if !d.mb.TrySend(buf.Bytes()) {
		metrics.DeliveryFailuresTotal.Inc()
		if qos > 0 {
			client.AckInflight(pk.MessageID)
		}
		return ErrQueueFull
	}
	metrics.PacketsSentTotal.WithLabelValues("PUBLISH").Inc()
	return nil
}
