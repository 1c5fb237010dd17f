// Package wire defines the fixed-layout header written in front of every
// multicast payload.
//
// Layout (no padding, native byte order):
//
//	offset 0  uint32  header_size
//	offset 4  uint32  pause_sending_turns
//	offset 8  uint8   cooked_send (0 = raw, 1 = cooked)
//
// The boolean is always encoded as exactly one byte holding 0 or 1. Any other
// value is rejected on decode so that every receiver interprets the flag the
// same way.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the encoded size of a Header in bytes.
const HeaderSize = 9

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
	ErrShortHeader = errors.New("wire: buffer shorter than header")
	// ErrBadHeaderSize is returned when header_size points outside the message.
	ErrBadHeaderSize = errors.New("wire: invalid header size")
	// ErrBadCookedFlag is returned when the cooked byte is neither 0 nor 1.
	ErrBadCookedFlag = errors.New("wire: invalid cooked flag")
)

// Header precedes each message payload on the transport.
type Header struct {
	// HeaderSize is the offset of the payload from the start of the message.
	HeaderSize uint32
	// PauseSendingTurns is the number of future send turns the sender skips.
	PauseSendingTurns uint32
	// Cooked marks RPC-shaped payloads.
	Cooked bool
}

// NewHeader returns a header for a payload that immediately follows it.
func NewHeader(pauseSendingTurns uint32, cooked bool) Header {
	return Header{HeaderSize: HeaderSize, PauseSendingTurns: pauseSendingTurns, Cooked: cooked}
}

// Put encodes h into the first HeaderSize bytes of dst.
func (h Header) Put(dst []byte) error {
	if len(dst) < HeaderSize {
		return ErrShortHeader
	}
	binary.NativeEndian.PutUint32(dst[0:4], h.HeaderSize)
	binary.NativeEndian.PutUint32(dst[4:8], h.PauseSendingTurns)
	if h.Cooked {
		dst[8] = 1
	} else {
		dst[8] = 0
	}
	return nil
}

// Parse decodes the header at the start of msg. It does not check header_size
// against the message length; use Payload for that.
func Parse(msg []byte) (Header, error) {
	if len(msg) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		HeaderSize:        binary.NativeEndian.Uint32(msg[0:4]),
		PauseSendingTurns: binary.NativeEndian.Uint32(msg[4:8]),
	}
	switch msg[8] {
	case 0:
	case 1:
		h.Cooked = true
	default:
		return Header{}, fmt.Errorf("%w: %d", ErrBadCookedFlag, msg[8])
	}
	return h, nil
}

// Payload parses the header of msg and returns it along with the payload bytes
// that follow it.
func Payload(msg []byte) (Header, []byte, error) {
	h, err := Parse(msg)
	if err != nil {
		return Header{}, nil, err
	}
	if h.HeaderSize < HeaderSize || uint64(h.HeaderSize) > uint64(len(msg)) {
		return Header{}, nil, fmt.Errorf("%w: %d (message is %d bytes)", ErrBadHeaderSize, h.HeaderSize, len(msg))
	}
	return h, msg[h.HeaderSize:], nil
}
