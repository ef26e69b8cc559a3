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

package topics

import "time"

// Message is an application message flowing through the broker. It is built
// once at publish time and treated as immutable while it fans out; the
// registry stores its own copy when the retain flag is set.
type Message struct {
	// Topic is the exact topic name the message was published to.
	Topic string
	// Payload is the opaque message body.
	Payload []byte
	// QoS is the quality-of-service level the publisher used (0, 1, or 2).
	QoS byte
	// Retain marks the message as the topic's retained message.
	Retain bool
	// Dup marks a possible redelivery of an earlier attempt.
	Dup bool
	// MessageID is the publisher's packet identifier; zero for QoS 0.
	MessageID uint16
	// ClientID identifies the publishing client ("system" for broker-origin
	// messages).
	ClientID string
	// Timestamp records when the broker accepted the message.
	Timestamp time.Time
}

// NewMessage builds a timestamped message ready for routing.
func NewMessage(topic string, payload []byte, qos byte, retain bool, clientID string) *Message {
	return &Message{
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Retain:    retain,
		ClientID:  clientID,
		Timestamp: time.Now(),
	}
}
