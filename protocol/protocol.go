// Package protocol implements the frame protocol spoken between mini-cache
// clients and servers.
//
// Every frame is a fixed 14-byte header followed by a body of BodyLen bytes.
// The receiver reads the header, checks it, then reads exactly BodyLen bytes,
// so frames never bleed into each other on the stream.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│ft│   seq   │ bodyLen │    body ...    │
//	│ mcp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "mcp" (mini-cache protocol) let a server drop connections that
// are not speaking the protocol, e.g. an HTTP client on the wrong port.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x63 // 'c'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize caps a single frame body. Values larger than this are refused
	// before any allocation happens.
	MaxBodySize uint32 = 64 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server cache operation
	MsgTypeResponse  MsgType = 1 // Server → Client result
	MsgTypeHeartbeat MsgType = 2 // Keepalive probe, echoed by the server (no body)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("msgtype(%d)", byte(t))
	}
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// ErrBodyTooLarge is returned by Decode when a header announces more than MaxBodySize bytes.
var ErrBodyTooLarge = errors.New("protocol: frame body too large")

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, or Heartbeat
	Seq       uint32  // Matches a response to its request on a multiplexed connection
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w in a single Write.
// Concurrent writers sharing w still need to serialize calls themselves.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodySize {
		return ErrBodyTooLarge
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame from r.
// It validates magic, version, codec type, frame type and body size before reading the body.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
