// Package packets defines the wire format shared by the server and client:
// delimiter-terminated frames and the text control lines carried inside them.
package packets

import (
	"bytes"
	"errors"
	"unicode/utf8"
)

const (
	// Delimiter terminates every frame on the wire.
	Delimiter byte = 0x01
	// AckMarker is placed right before the delimiter when the sender wants
	// delivery confirmation. A frame consisting of only this byte is the
	// confirmation itself.
	AckMarker byte = 0x07
)

// ErrReservedByte is returned when a payload can't be framed without
// being decoded differently on the other end.
var ErrReservedByte = errors.New("payload contains a reserved framing byte")

// AckFrame is the encoded acknowledgment sent in response to a message
// that had AckRequested set.
var AckFrame = []byte{AckMarker, Delimiter}

// Message is one logical unit of data exchanged between peers.
type Message struct {
	Payload      []byte
	AckRequested bool
}

// NewText returns a Message containing the UTF-8 encoding of text.
func NewText(text string) Message {
	return Message{Payload: []byte(text)}
}

// Text returns the payload interpreted as UTF-8.
func (m Message) Text() string {
	if !utf8.Valid(m.Payload) {
		return string(bytes.ToValidUTF8(m.Payload, []byte("�")))
	}
	return string(m.Payload)
}

// IsAck returns whether the message is the confirmation of an earlier
// message sent with AckRequested.
func (m Message) IsAck() bool {
	return !m.AckRequested && len(m.Payload) == 1 && m.Payload[0] == AckMarker
}

// WireSize returns the number of bytes the message occupies once encoded.
func (m Message) WireSize() int {
	size := len(m.Payload) + 1
	if m.AckRequested {
		size++
	}
	return size
}

// Validate checks that the message survives an encode/decode round trip.
func (m Message) Validate() error {
	if bytes.IndexByte(m.Payload, Delimiter) >= 0 {
		return ErrReservedByte
	}
	// A trailing marker would be stripped by the receiver, and an empty payload
	// with the marker appended is indistinguishable from an acknowledgment.
	if n := len(m.Payload); n > 0 && m.Payload[n-1] == AckMarker {
		return ErrReservedByte
	}
	if m.AckRequested && len(m.Payload) == 0 {
		return ErrReservedByte
	}
	return nil
}

// Encode converts the message into its wire representation.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	data := make([]byte, 0, m.WireSize())
	data = append(data, m.Payload...)
	if m.AckRequested {
		data = append(data, AckMarker)
	}
	return append(data, Delimiter), nil
}
