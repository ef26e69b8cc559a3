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

package mqtt

import (
	"encoding/binary"
	"errors"
	"io"
)

// maxRemainingLength is the largest value representable in four
// remaining-length bytes (section 2.2.3).
const maxRemainingLength = 268435455

// ErrPayloadTooLarge reports a packet whose remaining length cannot be
// encoded in the four bytes the protocol allows.
var ErrPayloadTooLarge = errors.New("mqtt: remaining length exceeds protocol maximum")

// EncodeConnack writes a CONNACK packet.
func EncodeConnack(w io.Writer, p *ConnackPacket) error {
	var ack byte
	if p.SessionPresent {
		ack = 1
	}
	_, err := w.Write([]byte{TypeCONNACK << 4, 2, ack, p.ReturnCode})
	return err
}

// EncodePublish writes a PUBLISH packet. The message ID is emitted only when
// the QoS is greater than zero.
func EncodePublish(w io.Writer, p *PublishPacket) error {
	flags := p.QoS << 1
	if p.Dup {
		flags |= 0x08
	}
	if p.Retain {
		flags |= 0x01
	}
	topic := []byte(p.TopicName)
	remaining := 2 + len(topic) + len(p.Payload)
	if p.QoS > 0 {
		remaining += 2
	}
	header, err := fixedHeader(TypePUBLISH<<4|flags, remaining)
	if err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	vh := make([]byte, 0, 4+len(topic))
	vh = append(vh, byte(len(topic)>>8), byte(len(topic)))
	vh = append(vh, topic...)
	if p.QoS > 0 {
		vh = append(vh, byte(p.MessageID>>8), byte(p.MessageID))
	}
	if _, err := w.Write(vh); err != nil {
		return err
	}
	_, err = w.Write(p.Payload)
	return err
}

// EncodePuback writes a PUBACK packet.
func EncodePuback(w io.Writer, p *PubackPacket) error {
	return encodeAck(w, TypePUBACK, p.MessageID)
}

// EncodePubrec writes a PUBREC packet.
func EncodePubrec(w io.Writer, p *PubrecPacket) error {
	return encodeAck(w, TypePUBREC, p.MessageID)
}

// EncodeSuback writes a SUBACK packet carrying one return code per requested
// filter, in request order.
func EncodeSuback(w io.Writer, p *SubackPacket) error {
	header, err := fixedHeader(TypeSUBACK<<4, 2+len(p.ReturnCodes))
	if err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	msgID := make([]byte, 2)
	binary.BigEndian.PutUint16(msgID, p.MessageID)
	if _, err := w.Write(msgID); err != nil {
		return err
	}
	_, err = w.Write(p.ReturnCodes)
	return err
}

// EncodeUnsuback writes an UNSUBACK packet.
func EncodeUnsuback(w io.Writer, p *UnsubackPacket) error {
	return encodeAck(w, TypeUNSUBACK, p.MessageID)
}

// EncodePingresp writes a PINGRESP packet.
func EncodePingresp(w io.Writer) error {
	_, err := w.Write([]byte{TypePINGRESP << 4, 0})
	return err
}

// encodeAck writes the shared two-byte-body acknowledgment shape.
func encodeAck(w io.Writer, packetType byte, messageID uint16) error {
	buf := []byte{packetType << 4, 2, 0, 0}
	binary.BigEndian.PutUint16(buf[2:], messageID)
	_, err := w.Write(buf)
	return err
}

// fixedHeader builds the leading type/flags byte plus the variable-length
// remaining-length field (1-4 bytes, base 128, continuation bit 0x80).
func fixedHeader(typeAndFlags byte, remaining int) ([]byte, error) {
	if remaining > maxRemainingLength {
		return nil, ErrPayloadTooLarge
	}
	header := []byte{typeAndFlags}
	for {
		digit := byte(remaining % 128)
		remaining /= 128
		if remaining > 0 {
			digit |= 0x80
		}
		header = append(header, digit)
		if remaining == 0 {
			return header, nil
		}
	}
}
