// Copyright 2025 The loxone-exporter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package loxone implements the Loxone Miniserver WebSocket protocol:
// the framed binary message codec, the authentication handshake, the
// structure file parser and the per-Miniserver session runner.
package loxone

import (
	"encoding/binary"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Binary message types carried in the 8-byte header.
const (
	MsgText           = 0
	MsgFile           = 1
	MsgValueStates    = 2
	MsgTextStates     = 3
	MsgDaytimerStates = 4
	MsgOutOfService   = 5
	MsgKeepalive      = 6
	MsgWeatherStates  = 7
)

const (
	// HeaderSize is the fixed length of a Loxone binary message header.
	HeaderSize = 8

	headerStartByte = 0x03
	valueEntrySize  = 24 // 16 bytes UUID + 8 bytes float64
	textEntryMin    = 36 // 16 bytes UUID + 16 bytes icon UUID + 4 bytes length
)

// Header is the decoded form of the 8-byte binary message header that
// precedes every payload frame.
type Header struct {
	MsgType int
	// Length of the payload frame that follows. Zero for header-only
	// messages such as keepalive replies.
	Length uint32
	// Estimated is set when the length is a server-side estimate; a
	// corrected header follows before the payload.
	Estimated bool
}

// ParseHeader decodes an 8-byte Loxone message header.
// Layout, little-endian: start (0x03), msg_type, info flags, reserved,
// uint32 payload length.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, errors.Errorf("header requires %d bytes, got %d", HeaderSize, len(data))
	}
	return Header{
		MsgType:   int(data[1]),
		Length:    binary.LittleEndian.Uint32(data[4:8]),
		Estimated: data[2]&0x01 != 0,
	}, nil
}

// EncodeHeader renders a header back into its 8-byte wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = headerStartByte
	buf[1] = byte(h.MsgType)
	if h.Estimated {
		buf[2] = 0x01
	}
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

// ValueEvent is one decoded entry of a VALUE_STATES payload.
type ValueEvent struct {
	UUID  string
	Value float64
}

// TextEvent is one decoded entry of a TEXT_STATES payload.
type TextEvent struct {
	UUID string
	Text string
}

// ParseValueStates decodes a VALUE_STATES payload. Each entry is 24
// bytes: a 16-byte little-endian UUID followed by a little-endian IEEE-754
// double. A trailing partial entry is dropped silently.
func ParseValueStates(payload []byte) []ValueEvent {
	events := make([]ValueEvent, 0, len(payload)/valueEntrySize)
	for off := 0; off+valueEntrySize <= len(payload); off += valueEntrySize {
		events = append(events, ValueEvent{
			UUID:  uuidFromWire(payload[off : off+16]),
			Value: math.Float64frombits(binary.LittleEndian.Uint64(payload[off+16 : off+24])),
		})
	}
	return events
}

// ParseTextStates decodes a TEXT_STATES payload. Each entry is a 16-byte
// state UUID, a 16-byte icon UUID (ignored), a uint32 text length that
// includes the NUL terminator, the UTF-8 text, and padding to a 4-byte
// boundary. A declared length that overruns the payload ends the parse;
// entries decoded before it are kept.
func ParseTextStates(payload []byte) []TextEvent {
	var events []TextEvent
	off := 0
	for off+textEntryMin <= len(payload) {
		id := uuidFromWire(payload[off : off+16])
		off += 32 // state UUID + icon UUID
		textLen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
		off += 4
		if off+textLen > len(payload) {
			break
		}
		text := strings.TrimRight(string(payload[off:off+textLen]), "\x00")
		events = append(events, TextEvent{UUID: id, Text: sanitizeUTF8(text)})
		off += textLen + (4-textLen%4)%4
	}
	return events
}

// uuidFromWire converts the 16-byte little-endian GUID layout used on the
// wire (first three groups byte-swapped) into the canonical lowercase
// 8-4-4-4-12 form.
func uuidFromWire(b []byte) string {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u.String()
}

// uuidToWire is the inverse of uuidFromWire; used to encode identifiers
// for test fixtures and batch encoding.
func uuidToWire(s string) ([]byte, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse uuid %q", s)
	}
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:16])
	return b, nil
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
