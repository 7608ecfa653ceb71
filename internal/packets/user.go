package packets

import "errors"

// UserMarker is the first byte of an application-defined payload. The byte after
// it selects which handler registered on the server receives the data.
const UserMarker byte = 0x05

var ErrReservedUserType = errors.New("user payload type collides with a framing byte")

// UserMessage builds a payload of the given type.
func UserMessage(typ byte, data []byte) (Message, error) {
	if typ == Delimiter || typ == AckMarker {
		return Message{}, ErrReservedUserType
	}
	payload := make([]byte, 0, len(data)+2)
	payload = append(payload, UserMarker, typ)
	m := Message{Payload: append(payload, data...)}
	return m, m.Validate()
}

// ParseUser splits a user payload into its type and data.
func ParseUser(m Message) (byte, []byte, bool) {
	if len(m.Payload) < 2 || m.Payload[0] != UserMarker {
		return 0, nil, false
	}
	return m.Payload[1], m.Payload[2:], true
}
