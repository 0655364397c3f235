// Package codec serializes CacheMessage bodies. The codec type travels in every
// frame header, so client and server may mix codecs per connection.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}

// MarshalText lets config files name the codec.
func (t CodecType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts "json" or "binary".
func (t *CodecType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "json":
		*t = CodecTypeJSON
	case "binary":
		*t = CodecTypeBinary
	default:
		return fmt.Errorf("codec: unknown codec %q", text)
	}
	return nil
}
