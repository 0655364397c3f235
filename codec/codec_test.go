package codec

import (
	"bytes"
	"mini-cache/message"
	"testing"
)

func sampleMessage() *message.CacheMessage {
	return &message.CacheMessage{
		Op:       message.OpPut,
		Cache:    "users",
		Key:      []byte("user-123"),
		Value:    []byte(`{"name":"ada"}`),
		Lifespan: 60000,
		Status:   message.StatusOK,
	}
}

func assertSameMessage(t *testing.T, want, got *message.CacheMessage) {
	t.Helper()
	if want.Op != got.Op {
		t.Errorf("Op mismatch: got %s, want %s", got.Op, want.Op)
	}
	if want.Cache != got.Cache {
		t.Errorf("Cache mismatch: got %s, want %s", got.Cache, want.Cache)
	}
	if !bytes.Equal(want.Key, got.Key) {
		t.Errorf("Key mismatch: got %s, want %s", got.Key, want.Key)
	}
	if !bytes.Equal(want.Value, got.Value) {
		t.Errorf("Value mismatch: got %s, want %s", got.Value, want.Value)
	}
	if want.Lifespan != got.Lifespan {
		t.Errorf("Lifespan mismatch: got %d, want %d", got.Lifespan, want.Lifespan)
	}
	if want.Status != got.Status {
		t.Errorf("Status mismatch: got %s, want %s", got.Status, want.Status)
	}
	if want.Error != got.Error {
		t.Errorf("Error mismatch: got %s, want %s", got.Error, want.Error)
	}
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}
	originalMsg := sampleMessage()

	data, err := jsonCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decodedMsg message.CacheMessage
	if err := jsonCodec.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	assertSameMessage(t, originalMsg, &decodedMsg)
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	originalMsg := sampleMessage()
	originalMsg.Status = message.StatusServerError
	originalMsg.Error = "disk on fire"

	data, err := binaryCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("BinaryCodec Encode failed: %v", err)
	}

	var decodedMsg message.CacheMessage
	if err := binaryCodec.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("BinaryCodec Decode failed: %v", err)
	}
	assertSameMessage(t, originalMsg, &decodedMsg)
}

func TestBinaryCodecEmptyFields(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	originalMsg := &message.CacheMessage{Op: message.OpPing}

	data, err := binaryCodec.Encode(originalMsg)
	if err != nil {
		t.Fatal(err)
	}
	var decodedMsg message.CacheMessage
	if err := binaryCodec.Decode(data, &decodedMsg); err != nil {
		t.Fatal(err)
	}
	if decodedMsg.Op != message.OpPing || decodedMsg.Key != nil || decodedMsg.Value != nil {
		t.Fatalf("unexpected decode result: %+v", decodedMsg)
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	data, err := binaryCodec.Encode(sampleMessage())
	if err != nil {
		t.Fatal(err)
	}

	var decodedMsg message.CacheMessage
	if err := binaryCodec.Decode(data[:len(data)-3], &decodedMsg); err == nil {
		t.Fatal("expect error for truncated message")
	}
}

func TestCodecTypeText(t *testing.T) {
	var ct CodecType
	if err := ct.UnmarshalText([]byte("JSON")); err != nil || ct != CodecTypeJSON {
		t.Fatalf("expect json, got %v (%v)", ct, err)
	}
	if err := ct.UnmarshalText([]byte("binary")); err != nil || ct != CodecTypeBinary {
		t.Fatalf("expect binary, got %v (%v)", ct, err)
	}
	if err := ct.UnmarshalText([]byte("xml")); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}

func benchmarkCodec(b *testing.B, c Codec) {
	msg := sampleMessage()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := c.Encode(msg)
		if err != nil {
			b.Fatal(err)
		}
		var out message.CacheMessage
		if err := c.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeJSON))
}

func BenchmarkCodecBinary(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeBinary))
}
