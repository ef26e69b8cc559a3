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

// Package actor provides the minimal actor primitives the broker is built
// on: an Actor interface and a channel-backed Mailbox. Each client
// connection runs its outbound writer as an actor so a stalled peer never
// blocks the routing path.
package actor

import "context"

// Actor is a supervised process. Start blocks until the actor terminates,
// draining messages from its mailbox, and returns the termination reason.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a buffered message queue for one actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox with the given buffer capacity.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{messages: make(chan any, size)}
}

// Send puts a message into the mailbox, blocking while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox without blocking. It reports
// whether the message was accepted; a full buffer drops the message. The
// broker uses this on the delivery path so one slow subscriber cannot stall
// fan-out to the rest.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or ctx is cancelled.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan exposes the message channel read-only, for callers that need to
// select across several sources.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len reports the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}
