// Package server implements the mini-cache server: an in-memory Store behind
// the frame protocol, with a middleware chain, optional registry
// registration and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → heartbeat: echoed back
//	  → request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → Store → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-cache/codec"
	"mini-cache/message"
	"mini-cache/middleware"
	"mini-cache/protocol"
	"mini-cache/registry"
)

const (
	// DefaultSweepInterval is how often expired entries are reclaimed.
	DefaultSweepInterval = time.Minute
	// DefaultRegistrationTTL is the registry lease in seconds.
	DefaultRegistrationTTL = 10
)

// Server serves one Store over TCP.
type Server struct {
	store         *Store
	log           *zap.Logger
	serviceName   string
	sweepInterval time.Duration
	ttl           int64

	listener    net.Listener
	wg          sync.WaitGroup // In-flight requests
	shutdown    atomic.Bool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	registry      registry.Registry
	advertiseAddr string // Address registered in the registry, routable by clients

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
	ready chan struct{}
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithStore serves an existing store instead of a fresh one.
func WithStore(st *Store) Option {
	return func(s *Server) { s.store = st }
}

// WithServiceName sets the name the server registers under.
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

// WithSweepInterval sets how often expired entries are reclaimed; 0 disables sweeping.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) { s.sweepInterval = d }
}

// WithRegistrationTTL sets the lease, in seconds, the server registers with.
func WithRegistrationTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

// NewServer creates a server with an empty store.
func NewServer(opts ...Option) *Server {
	s := &Server{
		store:         NewStore(),
		log:           zap.L(),
		serviceName:   registry.DefaultServiceName,
		sweepInterval: DefaultSweepInterval,
		ttl:           DefaultRegistrationTTL,
		conns:         make(map[net.Conn]struct{}),
		done:          make(chan struct{}),
		ready:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	return s
}

// Store returns the served store.
func (svr *Server) Store() *Store {
	return svr.store
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
//
//   - advertiseAddr: the address registered in reg, e.g. "127.0.0.1:11222".
//     It differs from a listen address like ":11222", which is not routable.
//   - reg: pass nil to skip registration.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener serves on an existing listener until Shutdown.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.listener = listener
	// Build the chain once, not per request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.handle)

	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		if err := reg.Register(svr.serviceName, registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}, svr.ttl); err != nil {
			listener.Close()
			return fmt.Errorf("register %s: %w", advertiseAddr, err)
		}
	}
	if svr.sweepInterval > 0 {
		go svr.sweepLoop()
	}
	svr.log.Info("serving", zap.Stringer("listen", listener.Addr()), zap.String("advertise", advertiseAddr))
	close(svr.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener, which fails Accept on purpose.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.track(conn, true)
		go svr.handleConn(conn)
	}
}

// Ready is closed once the server accepts connections.
func (svr *Server) Ready() <-chan struct{} {
	return svr.ready
}

// Addr returns the listening address, nil before Serve.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) track(conn net.Conn, add bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

func (svr *Server) sweepLoop() {
	ticker := time.NewTicker(svr.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-svr.done:
			return
		case <-ticker.C:
			if n := svr.store.Sweep(); n > 0 {
				svr.log.Debug("swept expired entries", zap.Int("count", n))
			}
		}
	}
}

// handleConn reads frames from one connection sequentially and dispatches
// each request to its own goroutine. A per-connection write mutex keeps
// response frames from interleaving.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		svr.track(conn, false)
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !svr.shutdown.Load() && !errors.Is(err, net.ErrClosed) {
				svr.log.Debug("connection ended", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			writeMu.Lock()
			err := protocol.Encode(conn, header, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest {
			svr.log.Warn("unexpected frame", zap.Stringer("type", header.MsgType))
			continue
		}

		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest decodes one request, runs it through the chain and writes
// the response with the request's sequence id.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := &message.CacheMessage{}
	var resp *message.CacheMessage
	if err := c.Decode(body, req); err != nil {
		resp = message.Errorf(req, message.StatusInvalidRequest, "malformed request: %v", err)
	} else {
		resp = svr.handler(context.Background(), req)
	}

	result, err := c.Encode(resp)
	if err != nil {
		svr.log.Error("failed to encode response", zap.Stringer("op", req.Op), zap.Error(err))
		return
	}
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
		BodyLen:   uint32(len(result)),
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.log.Debug("failed to write response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// handle applies one operation to the store.
func (svr *Server) handle(ctx context.Context, req *message.CacheMessage) *message.CacheMessage {
	if req.Op.Keyed() && len(req.Key) == 0 {
		return message.Errorf(req, message.StatusInvalidRequest, "%s requires a key", req.Op)
	}
	resp := &message.CacheMessage{Op: req.Op, Cache: req.Cache, Key: req.Key, Status: message.StatusOK}
	key := string(req.Key)
	lifespan := time.Duration(req.Lifespan) * time.Millisecond

	switch req.Op {
	case message.OpPing:
	case message.OpGet:
		v, ok := svr.store.Get(req.Cache, key)
		if !ok {
			resp.Status = message.StatusNotFound
		}
		resp.Value = v
	case message.OpPut:
		prev, _ := svr.store.Put(req.Cache, key, req.Value, lifespan)
		resp.Value = prev
	case message.OpPutIfAbsent:
		existing, stored := svr.store.PutIfAbsent(req.Cache, key, req.Value, lifespan)
		if !stored {
			resp.Status = message.StatusNotExecuted
			resp.Value = existing
		}
	case message.OpRemove:
		prev, ok := svr.store.Remove(req.Cache, key)
		if !ok {
			resp.Status = message.StatusNotFound
		}
		resp.Value = prev
	case message.OpContainsKey:
		if !svr.store.ContainsKey(req.Cache, key) {
			resp.Status = message.StatusNotFound
		}
	case message.OpSize:
		resp.Value = message.SizeValue(svr.store.Size(req.Cache))
	case message.OpClear:
		svr.store.Clear(req.Cache)
	default:
		return message.Errorf(req, message.StatusInvalidRequest, "unknown operation %s", req.Op)
	}
	return resp
}

// Shutdown stops the server gracefully:
//  1. Deregister, so clients stop routing new requests here
//  2. Close the listener
//  3. Wait for in-flight requests, at most timeout
//  4. Close the remaining client connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.shutdown.Swap(true) {
		return nil
	}
	if svr.registry != nil {
		if err := svr.registry.Deregister(svr.serviceName, svr.advertiseAddr); err != nil {
			svr.log.Warn("deregister failed", zap.Error(err))
		}
	}
	close(svr.done)
	if svr.listener != nil {
		svr.listener.Close()
	}

	finished := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	svr.log.Info("server stopped")
	return err
}
