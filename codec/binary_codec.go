package codec

import (
	"encoding/binary"
	"errors"
	"mini-cache/message"
)

var errShortBuffer = errors.New("BinaryCodec: truncated message")

// BinaryCodec is a compact hand-written layout for CacheMessage:
//
//	op(1) status(1) lifespan(8) cacheLen(2) cache keyLen(4) key valueLen(4) value errLen(2) err
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *CacheMessage
	msg, ok := v.(*message.CacheMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *CacheMessage")
	}
	// Caculate the length of message
	total := 1 + 1 + 8 + 2 + len(msg.Cache) + 4 + len(msg.Key) + 4 + len(msg.Value) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	buf[offset] = byte(msg.Op)
	buf[offset+1] = byte(msg.Status)
	offset += 2

	binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(msg.Lifespan))
	offset += 8

	// Cache name length -- 2 bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Cache)))
	offset += 2
	offset += copy(buf[offset:], msg.Cache)

	// Key -- 4 bytes length + n bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Key)))
	offset += 4
	offset += copy(buf[offset:], msg.Key)

	// Value -- 4 bytes length + n bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Value)))
	offset += 4
	offset += copy(buf[offset:], msg.Value)

	// Error -- 2 bytes length + n bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *CacheMessage
	msg, ok := v.(*message.CacheMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *CacheMessage")
	}

	r := reader{data: data}
	msg.Op = message.Op(r.readByte())
	msg.Status = message.Status(r.readByte())
	msg.Lifespan = int64(r.readUint64())
	msg.Cache = string(r.readBytes(int(r.readUint16())))
	msg.Key = r.readBytes(int(r.readUint32()))
	msg.Value = r.readBytes(int(r.readUint32()))
	msg.Error = string(r.readBytes(int(r.readUint16())))
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a buffer and remembers the first out-of-bounds read.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *reader) readByte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) readUint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) readUint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) readUint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// readBytes copies n bytes so the message does not alias the frame buffer.
// Zero-length fields decode as nil.
func (r *reader) readBytes(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
