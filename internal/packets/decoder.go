package packets

import "bytes"

// Decoder reassembles frames from a byte stream that has no message boundaries
// of its own. Bytes that don't yet form a complete frame are kept until the
// next call to Feed. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends p to the pending data and returns every message completed by it,
// in the order their delimiters appeared.
func (d *Decoder) Feed(p []byte) []Message {
	var messages []Message

	for len(p) > 0 {
		i := bytes.IndexByte(p, Delimiter)
		if i < 0 {
			d.buf = append(d.buf, p...)
			break
		}

		d.buf = append(d.buf, p[:i]...)
		messages = append(messages, newMessage(d.buf))
		d.buf = d.buf[:0]
		p = p[i+1:]
	}

	return messages
}

// Buffered returns the number of bytes waiting for a delimiter.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any partially received frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// newMessage copies frame out of the decoder's buffer, stripping the ack marker
// if the frame requested one. A lone marker byte is left intact since it's the
// acknowledgment itself.
func newMessage(frame []byte) Message {
	n := len(frame)
	if n > 1 && frame[n-1] == AckMarker {
		return Message{Payload: append([]byte{}, frame[:n-1]...), AckRequested: true}
	}
	return Message{Payload: append([]byte{}, frame...)}
}
