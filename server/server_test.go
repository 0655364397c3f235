package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mini-cache/codec"
	"mini-cache/message"
	"mini-cache/middleware"
	"mini-cache/protocol"
	"mini-cache/registry"
)

// startServer serves on an ephemeral port until the test ends.
func startServer(t *testing.T, reg registry.Registry, opts ...Option) *Server {
	t.Helper()
	svr := NewServer(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln, "", reg)
	<-svr.Ready()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

type rawClient struct {
	conn net.Conn
	seq  uint32
	ct   codec.CodecType
}

func dial(t *testing.T, svr *Server, ct codec.CodecType) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{conn: conn, ct: ct}
}

func (c *rawClient) send(t *testing.T, req *message.CacheMessage) uint32 {
	t.Helper()
	body, err := codec.GetCodec(c.ct).Encode(req)
	require.NoError(t, err)
	c.seq++
	header := protocol.Header{
		CodecType: byte(c.ct),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       c.seq,
		BodyLen:   uint32(len(body)),
	}
	require.NoError(t, protocol.Encode(c.conn, &header, body))
	return c.seq
}

func (c *rawClient) recv(t *testing.T) (*protocol.Header, *message.CacheMessage) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, body, err := protocol.Decode(c.conn)
	require.NoError(t, err)
	resp := &message.CacheMessage{}
	require.NoError(t, codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp))
	return header, resp
}

func (c *rawClient) call(t *testing.T, req *message.CacheMessage) *message.CacheMessage {
	t.Helper()
	seq := c.send(t, req)
	header, resp := c.recv(t)
	require.Equal(t, seq, header.Seq)
	require.Equal(t, protocol.MsgTypeResponse, header.MsgType)
	return resp
}

func TestServerOperations(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			svr := startServer(t, nil)
			c := dial(t, svr, ct)
			key := []byte("user-123")

			resp := c.call(t, &message.CacheMessage{Op: message.OpGet, Cache: "users", Key: key})
			assert.Equal(t, message.StatusNotFound, resp.Status)

			resp = c.call(t, &message.CacheMessage{Op: message.OpPut, Cache: "users", Key: key, Value: []byte("ada")})
			assert.Equal(t, message.StatusOK, resp.Status)
			assert.Empty(t, resp.Value)

			resp = c.call(t, &message.CacheMessage{Op: message.OpGet, Cache: "users", Key: key})
			assert.Equal(t, message.StatusOK, resp.Status)
			assert.Equal(t, []byte("ada"), resp.Value)

			resp = c.call(t, &message.CacheMessage{Op: message.OpPutIfAbsent, Cache: "users", Key: key, Value: []byte("bob")})
			assert.Equal(t, message.StatusNotExecuted, resp.Status)
			assert.Equal(t, []byte("ada"), resp.Value)

			resp = c.call(t, &message.CacheMessage{Op: message.OpContainsKey, Cache: "users", Key: key})
			assert.Equal(t, message.StatusOK, resp.Status)

			resp = c.call(t, &message.CacheMessage{Op: message.OpSize, Cache: "users"})
			n, err := message.ParseSize(resp.Value)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			// Caches are separate namespaces.
			resp = c.call(t, &message.CacheMessage{Op: message.OpGet, Cache: "orders", Key: key})
			assert.Equal(t, message.StatusNotFound, resp.Status)

			resp = c.call(t, &message.CacheMessage{Op: message.OpRemove, Cache: "users", Key: key})
			assert.Equal(t, message.StatusOK, resp.Status)
			assert.Equal(t, []byte("ada"), resp.Value)

			resp = c.call(t, &message.CacheMessage{Op: message.OpRemove, Cache: "users", Key: key})
			assert.Equal(t, message.StatusNotFound, resp.Status)

			c.call(t, &message.CacheMessage{Op: message.OpPut, Cache: "users", Key: []byte("a"), Value: []byte("1")})
			resp = c.call(t, &message.CacheMessage{Op: message.OpClear, Cache: "users"})
			assert.Equal(t, message.StatusOK, resp.Status)
			assert.Equal(t, 0, svr.Store().Size("users"))

			resp = c.call(t, &message.CacheMessage{Op: message.OpPing})
			assert.Equal(t, message.StatusOK, resp.Status)
		})
	}
}

func TestServerInvalidRequests(t *testing.T) {
	svr := startServer(t, nil)
	c := dial(t, svr, codec.CodecTypeBinary)

	resp := c.call(t, &message.CacheMessage{Op: message.OpGet, Cache: "users"})
	assert.Equal(t, message.StatusInvalidRequest, resp.Status)
	assert.Contains(t, resp.Error, "requires a key")

	resp = c.call(t, &message.CacheMessage{Op: message.Op(0x7F)})
	assert.Equal(t, message.StatusInvalidRequest, resp.Status)
}

func TestServerEchoesHeartbeat(t *testing.T) {
	svr := startServer(t, nil)
	c := dial(t, svr, codec.CodecTypeBinary)

	require.NoError(t, protocol.Encode(c.conn, &protocol.Header{CodecType: protocol.CodecTypeBinary, MsgType: protocol.MsgTypeHeartbeat}, nil))
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, body, err := protocol.Decode(c.conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeHeartbeat, header.MsgType)
	assert.Empty(t, body)
}

func TestServerMultiplexedResponses(t *testing.T) {
	svr := startServer(t, nil)
	c := dial(t, svr, codec.CodecTypeBinary)

	const n = 50
	for i := 0; i < n; i++ {
		c.send(t, &message.CacheMessage{Op: message.OpPut, Cache: "c", Key: []byte{byte(i)}, Value: []byte{byte(i)}})
	}
	seen := map[uint32]bool{}
	for i := 0; i < n; i++ {
		header, resp := c.recv(t)
		assert.Equal(t, message.StatusOK, resp.Status)
		seen[header.Seq] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, svr.Store().Size("c"))
}

func TestServerMiddleware(t *testing.T) {
	svr := NewServer(WithLogger(zap.NewNop()))
	svr.Use(middleware.RateLimitMiddleware(1, 1))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln, "", nil)
	<-svr.Ready()
	defer svr.Shutdown(time.Second)

	c := dial(t, svr, codec.CodecTypeJSON)
	assert.Equal(t, message.StatusOK, c.call(t, &message.CacheMessage{Op: message.OpPing}).Status)
	assert.Equal(t, message.StatusRateLimited, c.call(t, &message.CacheMessage{Op: message.OpPing}).Status)
}

func TestServerRegistersAndShutsDown(t *testing.T) {
	reg := registry.NewStaticRegistry(registry.DefaultServiceName)
	svr := NewServer(WithLogger(zap.NewNop()))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var serveErr error
	go func() {
		defer wg.Done()
		serveErr = svr.ServeListener(ln, "", reg)
	}()
	<-svr.Ready()

	instances, err := reg.Discover(registry.DefaultServiceName)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, svr.Addr().String(), instances[0].Addr)

	c := dial(t, svr, codec.CodecTypeBinary)
	c.call(t, &message.CacheMessage{Op: message.OpPing})

	require.NoError(t, svr.Shutdown(time.Second))
	wg.Wait()
	assert.NoError(t, serveErr)

	instances, err = reg.Discover(registry.DefaultServiceName)
	require.NoError(t, err)
	assert.Empty(t, instances, "shutdown must deregister")

	// The open connection is closed by the server.
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = protocol.Decode(c.conn)
	assert.Error(t, err)

	// A second shutdown is a no-op.
	assert.NoError(t, svr.Shutdown(time.Second))
}
