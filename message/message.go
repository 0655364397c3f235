// Package message defines the cache message exchanged between client and server.
//
// CacheMessage is the "envelope" for every cache operation. It gets serialized by the
// codec layer and wrapped in a protocol frame for transmission over TCP.
package message

import (
	"encoding/binary"
	"fmt"
)

// Op identifies a cache operation.
type Op byte

const (
	OpPing        Op = 0x01 // Liveness check, no cache involved
	OpGet         Op = 0x03
	OpPut         Op = 0x05
	OpPutIfAbsent Op = 0x07
	OpRemove      Op = 0x09
	OpContainsKey Op = 0x0B
	OpSize        Op = 0x0D
	OpClear       Op = 0x0F
)

func (o Op) String() string {
	switch o {
	case OpPing:
		return "PING"
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpPutIfAbsent:
		return "PUT_IF_ABSENT"
	case OpRemove:
		return "REMOVE"
	case OpContainsKey:
		return "CONTAINS_KEY"
	case OpSize:
		return "SIZE"
	case OpClear:
		return "CLEAR"
	default:
		return fmt.Sprintf("OP(0x%02x)", byte(o))
	}
}

// Keyed reports whether the operation targets a single key (and so benefits from key affinity).
func (o Op) Keyed() bool {
	switch o {
	case OpGet, OpPut, OpPutIfAbsent, OpRemove, OpContainsKey:
		return true
	}
	return false
}

// Status is the outcome of an operation.
type Status byte

const (
	StatusOK             Status = 0x00
	StatusNotFound       Status = 0x02 // Key absent, not an error for Get/Remove
	StatusNotExecuted    Status = 0x01 // Conditional operation did not apply (PutIfAbsent on existing key)
	StatusInvalidRequest Status = 0x81
	StatusServerError    Status = 0x85
	StatusUnavailable    Status = 0x86 // Client side: no connection could be obtained
	StatusTimeout        Status = 0x87
	StatusRateLimited    Status = 0x88
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusNotExecuted:
		return "NOT_EXECUTED"
	case StatusInvalidRequest:
		return "INVALID_REQUEST"
	case StatusServerError:
		return "SERVER_ERROR"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusRateLimited:
		return "RATE_LIMITED"
	default:
		return fmt.Sprintf("STATUS(0x%02x)", byte(s))
	}
}

// IsError reports whether the status means the operation failed.
func (s Status) IsError() bool {
	return s >= StatusInvalidRequest
}

// Retryable reports whether another attempt, possibly on another server, may succeed.
func (s Status) Retryable() bool {
	return s == StatusUnavailable || s == StatusTimeout
}

// CacheMessage carries the data for a single cache request or response.
//
//   - On request:  Op, Cache and (for keyed ops) Key are set; Value for writes.
//   - On response: Status is set, Value carries the read value, Error is non-empty on failure.
type CacheMessage struct {
	Op       Op     // Operation code
	Cache    string // Named cache, "" for the default cache
	Key      []byte
	Value    []byte
	Lifespan int64  // Entry lifespan in milliseconds, 0 = immortal (Put only)
	Status   Status // Response status
	Error    string // Human-readable failure reason
}

// Errorf builds a failed response for req.
func Errorf(req *CacheMessage, status Status, format string, args ...any) *CacheMessage {
	return &CacheMessage{
		Op:     req.Op,
		Cache:  req.Cache,
		Key:    req.Key,
		Status: status,
		Error:  fmt.Sprintf(format, args...),
	}
}

// SizeValue encodes the entry count answered to a SIZE request.
func SizeValue(n int) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(n))
}

// ParseSize decodes the value of a SIZE response.
func ParseSize(v []byte) (int, error) {
	if len(v) != 8 {
		return 0, fmt.Errorf("message: size value has %d bytes, want 8", len(v))
	}
	return int(binary.BigEndian.Uint64(v)), nil
}
