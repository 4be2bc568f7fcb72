package holepunch

import (
	"errors"
	"fmt"
)

// Tag is the first byte of every datagram on a punched socket.
type Tag byte

// Datagram tag values. Probes, acks and keep-alives are a bare tag byte.
const (
	TagProbe     Tag = 0x01
	TagAck       Tag = 0x02
	TagKeepAlive Tag = 0x03
	TagData      Tag = 0x10
)

// MaxDatagramSize is the largest datagram the reader accepts.
const MaxDatagramSize = 64 * 1024

// ErrInvalidDatagram is returned by DetachTag for an empty datagram.
var ErrInvalidDatagram = errors.New("invalid datagram")

func (t Tag) String() string {
	switch t {
	case TagProbe:
		return "PROBE"
	case TagAck:
		return "ACK"
	case TagKeepAlive:
		return "KEEPALIVE"
	case TagData:
		return "DATA"
	default:
		return fmt.Sprintf("TAG(0x%02x)", byte(t))
	}
}

// AttachTag prepends tag to data.
func AttachTag(data []byte, tag Tag) []byte {
	return append([]byte{byte(tag)}, data...)
}

// DetachTag splits a datagram into body and tag.
func DetachTag(msg []byte) ([]byte, Tag, error) {
	if len(msg) == 0 {
		return nil, 0, ErrInvalidDatagram
	}
	return msg[1:], Tag(msg[0]), nil
}
