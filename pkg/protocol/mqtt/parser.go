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
	"unicode/utf8"
)

var (
	// ErrMalformedLength reports a remaining-length field whose continuation
	// bit is still set after four bytes. The stream cannot be resynchronized
	// past this point.
	ErrMalformedLength = errors.New("mqtt: malformed remaining length")
	// ErrMalformedPacket reports a packet body that is inconsistent with its
	// own length fields.
	ErrMalformedPacket = errors.New("mqtt: malformed packet")
	// ErrInvalidUTF8 reports a string field that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("mqtt: invalid utf-8 in string field")
	// ErrPacketTooLarge reports a packet exceeding the configured limit.
	ErrPacketTooLarge = errors.New("mqtt: packet exceeds maximum size")
)

// RawPacket is a framed but not yet interpreted control packet. Body holds
// exactly the remaining-length bytes after the fixed header.
type RawPacket struct {
	Type  byte
	Flags byte
	Body  []byte
}

// Decoder frames MQTT packets out of an incrementally fed byte stream. Bytes
// are appended with Feed and complete packets pulled with Next; partial
// packets stay buffered until the rest arrives, and any bytes after a
// complete packet are left for the following call. The zero value is ready
// to use.
type Decoder struct {
	buf []byte
	// MaxPacketSize, when non-zero, bounds the remaining length the decoder
	// will accept. Oversized packets yield ErrPacketTooLarge from Next.
	MaxPacketSize int
}

// Feed appends raw bytes from the transport to the receive buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes currently held in the receive buffer.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete packet, or (nil, nil) when the buffer does
// not yet hold one. It consumes exactly the fixed header plus remaining
// length and no more, so trailing bytes survive for the next call. Errors
// are unrecoverable framing faults; the caller should drop the connection.
func (d *Decoder) Next() (*RawPacket, error) {
	if len(d.buf) < 2 {
		return nil, nil
	}
	remaining, lenBytes, err := decodeRemainingLength(d.buf[1:])
	if err != nil {
		return nil, err
	}
	if lenBytes == 0 {
		// Length field itself is still incomplete.
		return nil, nil
	}
	if d.MaxPacketSize > 0 && remaining > d.MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	total := 1 + lenBytes + remaining
	if len(d.buf) < total {
		return nil, nil
	}
	pk := &RawPacket{
		Type:  d.buf[0] >> 4,
		Flags: d.buf[0] & 0x0F,
		Body:  make([]byte, remaining),
	}
	copy(pk.Body, d.buf[1+lenBytes:total])
	d.buf = d.buf[total:]
	return pk, nil
}

// decodeRemainingLength decodes the base-128 variable-length field. It
// returns the value and the number of bytes it occupied, or (0, 0, nil)
// when the field is not yet complete.
func decodeRemainingLength(b []byte) (int, int, error) {
	var value int
	var shift uint
	for i := 0; i < len(b); i++ {
		if i == 4 {
			return 0, 0, ErrMalformedLength
		}
		digit := b[i]
		value |= int(digit&0x7F) << shift
		if digit&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}
	if len(b) >= 4 {
		return 0, 0, ErrMalformedLength
	}
	return 0, 0, nil
}

// DecodeConnect interprets the body of a framed CONNECT packet.
func DecodeConnect(pk *RawPacket) (*ConnectPacket, error) {
	body := pk.Body
	var offset int

	protocolName, offset, err := readString(body, offset)
	if err != nil {
		return nil, err
	}
	if protocolName != "MQTT" && protocolName != "MQIsdp" {
		return nil, ErrMalformedPacket
	}
	if len(body) < offset+4 {
		return nil, ErrMalformedPacket
	}
	p := &ConnectPacket{ProtocolName: protocolName}
	p.ProtocolLevel = body[offset]
	offset++

	flags := body[offset]
	offset++
	p.CleanSession = flags&0x02 != 0
	p.WillFlag = flags&0x04 != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&0x20 != 0
	p.HasPassword = flags&0x40 != 0
	p.HasUsername = flags&0x80 != 0

	p.KeepAlive = binary.BigEndian.Uint16(body[offset : offset+2])
	offset += 2

	p.ClientID, offset, err = readString(body, offset)
	if err != nil {
		return nil, err
	}
	if p.WillFlag {
		p.WillTopic, offset, err = readString(body, offset)
		if err != nil {
			return nil, err
		}
		p.WillMessage, offset, err = readBytes(body, offset)
		if err != nil {
			return nil, err
		}
	}
	if p.HasUsername {
		p.Username, offset, err = readString(body, offset)
		if err != nil {
			return nil, err
		}
	}
	if p.HasPassword {
		p.Password, _, err = readString(body, offset)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// DecodePublish interprets the body of a framed PUBLISH packet. The QoS,
// DUP, and RETAIN flags come from the fixed header, and the 2-byte message
// ID is only present when QoS > 0.
func DecodePublish(pk *RawPacket) (*PublishPacket, error) {
	p := &PublishPacket{
		Dup:    pk.Flags&0x08 != 0,
		QoS:    (pk.Flags >> 1) & 0x03,
		Retain: pk.Flags&0x01 != 0,
	}
	if p.QoS > 2 {
		return nil, ErrMalformedPacket
	}
	topic, offset, err := readString(pk.Body, 0)
	if err != nil {
		return nil, err
	}
	p.TopicName = topic
	if p.QoS > 0 {
		if len(pk.Body) < offset+2 {
			return nil, ErrMalformedPacket
		}
		p.MessageID = binary.BigEndian.Uint16(pk.Body[offset : offset+2])
		offset += 2
	}
	p.Payload = pk.Body[offset:]
	return p, nil
}

// DecodeSubscribe interprets the body of a framed SUBSCRIBE packet.
func DecodeSubscribe(pk *RawPacket) (*SubscribePacket, error) {
	body := pk.Body
	if len(body) < 2 {
		return nil, ErrMalformedPacket
	}
	p := &SubscribePacket{MessageID: binary.BigEndian.Uint16(body[0:2])}
	offset := 2
	for offset < len(body) {
		topic, next, err := readString(body, offset)
		if err != nil {
			return nil, err
		}
		if next >= len(body) {
			return nil, ErrMalformedPacket
		}
		p.Topics = append(p.Topics, topic)
		p.QoSs = append(p.QoSs, body[next]&0x03)
		offset = next + 1
	}
	if len(p.Topics) == 0 {
		return nil, ErrMalformedPacket
	}
	return p, nil
}

// DecodeUnsubscribe interprets the body of a framed UNSUBSCRIBE packet.
func DecodeUnsubscribe(pk *RawPacket) (*UnsubscribePacket, error) {
	body := pk.Body
	if len(body) < 2 {
		return nil, ErrMalformedPacket
	}
	p := &UnsubscribePacket{MessageID: binary.BigEndian.Uint16(body[0:2])}
	offset := 2
	for offset < len(body) {
		topic, next, err := readString(body, offset)
		if err != nil {
			return nil, err
		}
		p.Topics = append(p.Topics, topic)
		offset = next
	}
	if len(p.Topics) == 0 {
		return nil, ErrMalformedPacket
	}
	return p, nil
}

// DecodePuback interprets the body of a framed PUBACK packet. PUBREC shares
// the same body layout and is decoded with the same function.
func DecodePuback(pk *RawPacket) (*PubackPacket, error) {
	if len(pk.Body) < 2 {
		return nil, ErrMalformedPacket
	}
	return &PubackPacket{MessageID: binary.BigEndian.Uint16(pk.Body[0:2])}, nil
}

// readString reads a 2-byte length-prefixed UTF-8 string.
func readString(b []byte, offset int) (string, int, error) {
	raw, next, err := readBytes(b, offset)
	if err != nil {
		return "", 0, err
	}
	if !utf8.Valid(raw) {
		return "", 0, ErrInvalidUTF8
	}
	return string(raw), next, nil
}

// readBytes reads a 2-byte length-prefixed binary field.
func readBytes(b []byte, offset int) ([]byte, int, error) {
	if len(b) < offset+2 {
		return nil, 0, ErrMalformedPacket
	}
	length := int(binary.BigEndian.Uint16(b[offset : offset+2]))
	offset += 2
	if len(b) < offset+length {
		return nil, 0, ErrMalformedPacket
	}
	return b[offset : offset+length], offset + length, nil
}
