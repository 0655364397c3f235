// Package transport implements the client side of a cache connection: one TCP
// connection multiplexing many in-flight operations, kept alive by heartbeats.
//
// Each request gets a sequence id; a single background reader (recvLoop) routes
// every response frame back to the caller waiting on that id:
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → goroutine-2 wakes up
//
// A ClientTransport is a pool.Conn. When the connection dies, for whatever
// reason, it reports itself exactly once through the OnClose callback, which
// NewFactory wires to Pool.ReleaseClosed.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-cache/codec"
	"mini-cache/message"
	"mini-cache/pool"
	"mini-cache/protocol"
)

var (
	// ErrClosed is returned by Send once the transport is closed or closing.
	ErrClosed = errors.New("transport: connection closed")
	// ErrHeartbeatTimeout closes a connection whose server stopped answering heartbeats.
	ErrHeartbeatTimeout = errors.New("transport: heartbeat timeout")
)

// Options configures a ClientTransport.
type Options struct {
	Codec             codec.CodecType
	DialTimeout       time.Duration
	WriteTimeout      time.Duration // Per frame, 0 = none
	HeartbeatInterval time.Duration // 0 disables heartbeats
	IdleTimeout       time.Duration // Close after sitting idle in the pool this long, 0 = never
	WriteQueueLimit   int           // Writable is false once this many writers wait on the connection
	Logger            *zap.Logger
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Codec:             codec.CodecTypeBinary,
		DialTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		WriteQueueLimit:   16,
	}
}

func (o Options) withDefaults() Options {
	if o.WriteQueueLimit <= 0 {
		o.WriteQueueLimit = DefaultOptions().WriteQueueLimit
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return o
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn   net.Conn
	opts   Options
	record *pool.Record
	log    *zap.Logger

	seq     uint32       // Protected by sending
	sending sync.Mutex   // Serializes whole frames on the wire
	writers atomic.Int32 // Goroutines holding or waiting for sending

	pending     sync.Map // map[uint32]chan *message.CacheMessage
	outstanding atomic.Int32

	alive    atomic.Bool
	draining atomic.Bool
	lastRead atomic.Int64 // Unix nanos of the last frame received
	lastUsed atomic.Int64 // Unix nanos of the last request sent or answered

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	onClose   func(*ClientTransport)
}

// NewClientTransport wraps conn and starts its background reader and keepalive loop.
// onClose, if not nil, is called exactly once after the connection is closed.
func NewClientTransport(conn net.Conn, opts Options, onClose func(*ClientTransport)) *ClientTransport {
	opts = opts.withDefaults()
	t := &ClientTransport{
		conn:    conn,
		opts:    opts,
		record:  pool.NewRecord(),
		log:     opts.Logger.Named("transport").With(zap.Stringer("remote", conn.RemoteAddr())),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	now := time.Now().UnixNano()
	t.lastRead.Store(now)
	t.lastUsed.Store(now)
	t.alive.Store(true)

	go t.recvLoop()
	if tick := t.keepaliveTick(); tick > 0 {
		go t.keepaliveLoop(tick)
	}
	return t
}

// Send serializes req and writes it as one frame. The returned channel
// receives exactly one response: the server's answer, or an UNAVAILABLE
// message if the connection dies first.
func (t *ClientTransport) Send(req *message.CacheMessage) (uint32, <-chan *message.CacheMessage, error) {
	if !t.alive.Load() || t.draining.Load() {
		return 0, nil, ErrClosed
	}
	body, err := codec.GetCodec(t.opts.Codec).Encode(req)
	if err != nil {
		return 0, nil, err
	}

	t.writers.Add(1)
	defer t.writers.Add(-1)
	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.opts.Codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	// Register before writing so recvLoop can never see the response first.
	respChan := make(chan *message.CacheMessage, 1)
	t.pending.Store(seq, respChan)
	t.outstanding.Add(1)

	if err := t.write(&header, body); err != nil {
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			t.outstanding.Add(-1)
		}
		t.shutdown(err)
		return 0, nil, err
	}
	t.lastUsed.Store(time.Now().UnixNano())
	return seq, respChan, nil
}

// write must be called with sending held.
func (t *ClientTransport) write(h *protocol.Header, body []byte) error {
	if t.opts.WriteTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return protocol.Encode(t.conn, h, body)
}

// Forget drops the pending entry for seq, e.g. after the caller gave up waiting.
func (t *ClientTransport) Forget(seq uint32) {
	if _, ok := t.pending.LoadAndDelete(seq); ok {
		t.responded()
	}
}

// recvLoop is the only reader of the connection. Frames must be read
// sequentially to keep their boundaries.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		t.lastRead.Store(time.Now().UnixNano())

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		resp := &message.CacheMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.CacheMessage{Status: message.StatusServerError, Error: "malformed response: " + err.Error()}
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.CacheMessage) <- resp
			t.lastUsed.Store(time.Now().UnixNano())
			t.responded()
		} else {
			t.log.Debug("dropping response without pending request", zap.Uint32("seq", header.Seq))
		}
	}
}

func (t *ClientTransport) responded() {
	if t.outstanding.Add(-1) == 0 && t.draining.Load() {
		t.Close()
	}
}

func (t *ClientTransport) keepaliveTick() time.Duration {
	tick := t.opts.HeartbeatInterval
	if idle := t.opts.IdleTimeout / 2; idle > 0 && (tick == 0 || idle < tick) {
		tick = idle
	}
	return tick
}

// keepaliveLoop sends heartbeats, detects a silent server and evicts the
// connection once it has been idle in the pool for IdleTimeout.
func (t *ClientTransport) keepaliveLoop(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	var lastBeat time.Time
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			if hb := t.opts.HeartbeatInterval; hb > 0 {
				if now.Sub(time.Unix(0, t.lastRead.Load())) > 3*hb {
					t.shutdown(ErrHeartbeatTimeout)
					return
				}
				if now.Sub(lastBeat) >= hb {
					lastBeat = now
					if err := t.heartbeat(); err != nil {
						t.shutdown(err)
						return
					}
				}
			}
			if it := t.opts.IdleTimeout; it > 0 && t.record.IsIdle() && t.outstanding.Load() == 0 &&
				now.Sub(time.Unix(0, t.lastUsed.Load())) >= it {
				t.log.Debug("closing idle connection", zap.Duration("idleTimeout", it))
				t.Close()
				return
			}
		}
	}
}

// heartbeat writes an empty heartbeat frame; the server echoes it.
func (t *ClientTransport) heartbeat() error {
	header := &protocol.Header{
		CodecType: byte(t.opts.Codec),
		MsgType:   protocol.MsgTypeHeartbeat,
	}
	t.sending.Lock()
	defer t.sending.Unlock()
	return t.write(header, nil)
}

// shutdown closes the socket, fails every pending caller and reports the
// death once.
func (t *ClientTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.alive.Store(false)
		close(t.done)
		t.closeErr = t.conn.Close()
		if !errors.Is(cause, ErrClosed) {
			t.log.Debug("connection closed", zap.Error(cause))
		}
		t.closeAllPending(cause)
		if t.onClose != nil {
			t.onClose(t)
		}
	})
}

// closeAllPending answers every pending caller so none blocks forever.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan *message.CacheMessage) <- &message.CacheMessage{
				Status: message.StatusUnavailable,
				Error:  err.Error(),
			}
			t.outstanding.Add(-1)
		}
		return true
	})
}

// Alive reports whether the socket is still open.
func (t *ClientTransport) Alive() bool {
	return t.alive.Load()
}

// Writable reports whether a new request would not queue behind too many writers.
func (t *ClientTransport) Writable() bool {
	return t.alive.Load() && int(t.writers.Load()) < t.opts.WriteQueueLimit
}

// Outstanding returns the number of requests awaiting a response, or -1 once
// the connection is draining or closed.
func (t *ClientTransport) Outstanding() int {
	if !t.alive.Load() || t.draining.Load() {
		return -1
	}
	return int(t.outstanding.Load())
}

// Record returns the pool bookkeeping record of this connection.
func (t *ClientTransport) Record() *pool.Record {
	return t.record
}

// Close closes the connection now; pending callers get UNAVAILABLE.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrClosed)
	return t.closeErr
}

// CloseWhenIdle stops accepting requests and closes once every pending one is answered.
func (t *ClientTransport) CloseWhenIdle() {
	t.draining.Store(true)
	if t.outstanding.Load() == 0 {
		t.Close()
	}
}

// Done is closed when the connection is closed.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// RemoteAddr returns the server address.
func (t *ClientTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// NewFactory returns a pool.Factory dialing addr. Every connection it creates
// reports its closure to the pool that created it.
func NewFactory(addr string, opts Options) pool.Factory {
	opts = opts.withDefaults()
	return func(ctx context.Context, p *pool.Pool) (pool.Conn, error) {
		d := net.Dialer{Timeout: opts.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		return NewClientTransport(conn, opts, func(t *ClientTransport) {
			p.ReleaseClosed(t, t.Record())
		}), nil
	}
}
