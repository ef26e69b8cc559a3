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

// Package mqtt provides low-level framing, parsing, and encoding of MQTT
// v3.1.1 control packets. It operates on byte buffers fed from a network
// stream and makes no assumptions about how the bytes arrive: a packet split
// across many reads and a packet coalesced with its successor decode to the
// same result.
package mqtt

// Control packet types, section 2.2.1 of the MQTT v3.1.1 specification.
// The high nibble of the first fixed-header byte carries the type.
const (
	_               byte = iota // 0: Reserved
	TypeCONNECT                 // 1: Client request to connect to server
	TypeCONNACK                 // 2: Connect acknowledgment
	TypePUBLISH                 // 3: Publish message
	TypePUBACK                  // 4: Publish acknowledgment
	TypePUBREC                  // 5: Publish received (assured delivery part 1)
	TypePUBREL                  // 6: Publish release (assured delivery part 2)
	TypePUBCOMP                 // 7: Publish complete (assured delivery part 3)
	TypeSUBSCRIBE               // 8: Client subscribe request
	TypeSUBACK                  // 9: Subscribe acknowledgment
	TypeUNSUBSCRIBE             // 10: Unsubscribe request
	TypeUNSUBACK                // 11: Unsubscribe acknowledgment
	TypePINGREQ                 // 12: PING request
	TypePINGRESP                // 13: PING response
	TypeDISCONNECT              // 14: Client is disconnecting
	_                           // 15: Reserved
)

var typeNames = [16]string{
	1: "CONNECT", 2: "CONNACK", 3: "PUBLISH", 4: "PUBACK", 5: "PUBREC",
	6: "PUBREL", 7: "PUBCOMP", 8: "SUBSCRIBE", 9: "SUBACK",
	10: "UNSUBSCRIBE", 11: "UNSUBACK", 12: "PINGREQ", 13: "PINGRESP",
	14: "DISCONNECT",
}

// TypeName returns the packet type's name, or "RESERVED" for types 0 and 15.
func TypeName(t byte) string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "RESERVED"
}

// CONNACK return codes, section 3.2.2.3 of the MQTT v3.1.1 specification.
const (
	// CodeAccepted means the connection was accepted by the server.
	CodeAccepted byte = 0
	// CodeIdentifierRejected means the client identifier is well-formed but
	// not allowed — here, a second live connection for the same ID.
	CodeIdentifierRejected byte = 2
	// CodeServerUnavailable means the server cannot service the request.
	CodeServerUnavailable byte = 3
	// CodeNotAuthorized means the client is not authorized to connect.
	CodeNotAuthorized byte = 5
)

// SubackFailure is the SUBACK return code reporting a rejected topic filter.
const SubackFailure byte = 0x80

// ConnectPacket represents an MQTT CONNECT packet, the first packet a client
// sends after establishing a network connection.
type ConnectPacket struct {
	// ProtocolName is the protocol identifier; "MQTT" for v3.1.1 and
	// "MQIsdp" for v3.1.
	ProtocolName string
	// ProtocolLevel is the protocol revision; 4 for MQTT v3.1.1.
	ProtocolLevel byte
	// CleanSession requests that any prior session state be discarded.
	CleanSession bool
	// KeepAlive is the maximum interval, in seconds, the client promises to
	// let elapse between control packets.
	KeepAlive uint16
	// ClientID uniquely identifies the client to the server.
	ClientID string

	// WillFlag indicates the packet carries a will topic and will message to
	// be considered for publication when the client vanishes ungracefully.
	WillFlag    bool
	WillTopic   string
	WillMessage []byte
	WillQoS     byte
	WillRetain  bool

	// HasUsername and HasPassword mirror the connect flags; the credential
	// fields are only present on the wire when the respective flag is set.
	HasUsername bool
	HasPassword bool
	Username    string
	Password    string
}

// ConnackPacket represents the server's response to a CONNECT request.
type ConnackPacket struct {
	// SessionPresent tells a non-clean-session client whether the server is
	// resuming stored state.
	SessionPresent bool
	// ReturnCode is one of the Code* constants.
	ReturnCode byte
}

// PublishPacket transports an application message in either direction.
type PublishPacket struct {
	TopicName string
	Payload   []byte
	// QoS, Dup, and Retain come from the fixed-header flags.
	QoS    byte
	Dup    bool
	Retain bool
	// MessageID is present on the wire only when QoS > 0.
	MessageID uint16
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	MessageID uint16
}

// PubrecPacket is the first acknowledgment of a QoS 2 PUBLISH. This broker
// deliberately ends the QoS 2 exchange here; see pkg/connection.
type PubrecPacket struct {
	MessageID uint16
}

// SubscribePacket carries one or more topic filter requests.
type SubscribePacket struct {
	// MessageID correlates the request with its SUBACK.
	MessageID uint16
	// Topics holds the requested topic filters in wire order.
	Topics []string
	// QoSs holds the requested QoS level for each filter, index-aligned
	// with Topics.
	QoSs []byte
}

// SubackPacket confirms a SUBSCRIBE request.
type SubackPacket struct {
	MessageID uint16
	// ReturnCodes carries the granted QoS (or SubackFailure) per requested
	// filter, in request order.
	ReturnCodes []byte
}

// UnsubscribePacket carries one or more topic filters to drop.
type UnsubscribePacket struct {
	MessageID uint16
	Topics    []string
}

// UnsubackPacket confirms an UNSUBSCRIBE request.
type UnsubackPacket struct {
	MessageID uint16
}
