// Package frame implements the 47-byte binary header codec used on the chat
// widget push channel. Payloads are JSON documents defined in package wire.
//
// Header layout (47 bytes, big-endian):
//
//	[0]     proto_version   uint8
//	[1]     frame_type      uint8
//	[2]     flags           uint8  (bit0=compressed, bit1=ephemeral)
//	[3-6]   payload_len     uint32
//	[7-22]  frame_id        16 bytes (ULID, used for replay dedup)
//	[23-38] conversation_id 16 bytes (UUID, zero until assigned)
//	[39-46] seq             uint64
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize    = 47
	ProtoVersion  = 1
	MaxPayloadLen = 64 * 1024
)

// Frame types. Must fit in uint8.
const (
	TypeConnect           uint8 = 1
	TypeAuthOK            uint8 = 2
	TypeAuthFail          uint8 = 3
	TypeSubscribe         uint8 = 4
	TypeSubscribeAck      uint8 = 5
	TypeUnsubscribe       uint8 = 6
	TypeMessage           uint8 = 7
	TypeTyping            uint8 = 8
	TypeLock              uint8 = 9
	TypeConversationEnded uint8 = 10
	TypeClose             uint8 = 11
)

// Flag bits.
const (
	FlagCompressed uint8 = 1 << 0
	FlagEphemeral  uint8 = 1 << 1
)

var (
	ErrBadVersion      = errors.New("frame: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrShortRead       = errors.New("frame: short read")
)

// Header is the fixed 47-byte header preceding every frame.
type Header struct {
	Version        uint8
	Type           uint8
	Flags          uint8
	PayloadLen     uint32
	ID             [16]byte
	ConversationID [16]byte
	Seq            uint64
}

// Encode serialises a header and payload into a single byte slice.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	h.PayloadLen = uint32(len(payload))
	h.Version = ProtoVersion

	out := make([]byte, HeaderSize+len(payload))
	putHeader(out, h)
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decode parses a byte slice into a header and payload. The payload aliases data.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrShortRead
	}
	h, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return Header{}, nil, err
	}

	end := HeaderSize + int(h.PayloadLen)
	if len(data) < end {
		return Header{}, nil, ErrShortRead
	}
	return h, data[HeaderSize:end], nil
}

func putHeader(out []byte, h Header) {
	out[0] = h.Version
	out[1] = h.Type
	out[2] = h.Flags
	binary.BigEndian.PutUint32(out[3:7], h.PayloadLen)
	copy(out[7:23], h.ID[:])
	copy(out[23:39], h.ConversationID[:])
	binary.BigEndian.PutUint64(out[39:47], h.Seq)
}

func parseHeader(hdr []byte) (Header, error) {
	var h Header
	h.Version = hdr[0]
	if h.Version != ProtoVersion {
		return Header{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, ProtoVersion)
	}
	h.Type = hdr[1]
	h.Flags = hdr[2]
	h.PayloadLen = binary.BigEndian.Uint32(hdr[3:7])
	copy(h.ID[:], hdr[7:23])
	copy(h.ConversationID[:], hdr[23:39])
	h.Seq = binary.BigEndian.Uint64(hdr[39:47])

	if h.PayloadLen > MaxPayloadLen {
		return Header{}, ErrPayloadTooLarge
	}
	return h, nil
}

// HasID reports whether the frame carries a frame id.
func (h Header) HasID() bool { return h.ID != [16]byte{} }

// IsCompressed returns true if the compressed flag is set.
func (h Header) IsCompressed() bool { return h.Flags&FlagCompressed != 0 }

// IsEphemeral returns true if the ephemeral flag is set. Typing frames are
// sent ephemeral and are never replayed.
func (h Header) IsEphemeral() bool { return h.Flags&FlagEphemeral != 0 }

// TypeName returns a readable name for a frame type, for logging.
func TypeName(t uint8) string {
	switch t {
	case TypeConnect:
		return "connect"
	case TypeAuthOK:
		return "auth_ok"
	case TypeAuthFail:
		return "auth_fail"
	case TypeSubscribe:
		return "subscribe"
	case TypeSubscribeAck:
		return "subscribe_ack"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeMessage:
		return "message"
	case TypeTyping:
		return "typing"
	case TypeLock:
		return "lock"
	case TypeConversationEnded:
		return "conversation_ended"
	case TypeClose:
		return "close"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}
