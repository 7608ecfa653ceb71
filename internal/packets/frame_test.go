package packets

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		want    []byte
		wantErr error
	}{
		{
			name: "plain payload",
			msg:  NewText("hello"),
			want: []byte{'h', 'e', 'l', 'l', 'o', Delimiter},
		},
		{
			name: "ack requested",
			msg:  Message{Payload: []byte("hi"), AckRequested: true},
			want: []byte{'h', 'i', AckMarker, Delimiter},
		},
		{
			name: "empty payload",
			msg:  Message{},
			want: []byte{Delimiter},
		},
		{
			name: "marker in the middle is allowed",
			msg:  Message{Payload: []byte{'a', AckMarker, 'b'}},
			want: []byte{'a', AckMarker, 'b', Delimiter},
		},
		{
			name:    "payload contains the delimiter",
			msg:     Message{Payload: []byte{'a', Delimiter, 'b'}},
			wantErr: ErrReservedByte,
		},
		{
			name:    "payload ends with the marker",
			msg:     Message{Payload: []byte{'a', AckMarker}},
			wantErr: ErrReservedByte,
		},
		{
			name:    "empty payload with ack",
			msg:     Message{AckRequested: true},
			wantErr: ErrReservedByte,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.msg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Encode() error = %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Encode() returned unexpected bytes; diff:\n%s", diff)
			}
			if err == nil && len(got) != tt.msg.WireSize() {
				t.Fatalf("WireSize() = %d, encoded length %d", tt.msg.WireSize(), len(got))
			}
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("USR someone"),
		[]byte("a longer payload with spaces and ünïcödé"),
		{0x00, 0x02, 0x07, 0xff},
		{0x05, 0x17},
		{},
	}

	for _, payload := range payloads {
		for _, ack := range []bool{false, true} {
			msg := Message{Payload: payload, AckRequested: ack}
			data, err := Encode(msg)
			if err != nil {
				if ack && len(payload) == 0 {
					continue
				}
				t.Fatalf("Encode(%q, %v) returned unexpected error: %v", payload, ack, err)
			}

			var d Decoder
			got := d.Feed(data)
			if len(got) != 1 {
				t.Fatalf("Feed() returned %d messages, want 1", len(got))
			}
			if diff := cmp.Diff(msg, got[0], cmp.Comparer(equalPayload)); diff != "" {
				t.Fatalf("round trip of %q changed the message; diff:\n%s", payload, diff)
			}
		}
	}
}

func TestMessage_IsAck(t *testing.T) {
	var d Decoder
	got := d.Feed(AckFrame)
	if len(got) != 1 || !got[0].IsAck() {
		t.Fatalf("Feed(AckFrame) = %+v, want a single acknowledgment", got)
	}
	if NewText("x").IsAck() {
		t.Fatal("IsAck() returned true for a text message")
	}
}

func equalPayload(a, b []byte) bool {
	return string(a) == string(b)
}
