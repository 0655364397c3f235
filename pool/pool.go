// Package pool implements the per-address connection pool every outbound
// cache request passes through.
//
// A Pool multiplexes a bounded number of connections to one server among many
// concurrently submitted operations. Connections are kept in an idle store
// (LIFO, so a small hot set is reused and cold connections age out through the
// transport's idle timeout) and callers that cannot get one wait in a FIFO
// queue:
//
//	Acquire(op) ──→ idle conn? ──yes──→ op.Invoke(conn)          (caller's goroutine)
//	                   │no
//	                   ├─ created < max ──→ dial ──→ op.Invoke(conn)  (event loop)
//	                   └─ exhausted ──→ EXCEPTION | CREATE_NEW | WAIT → queue
//
//	Release(conn) ──→ waiter? ──yes──→ executor ──→ waiter.Invoke(conn)
//	                    │no
//	                    └──→ idle store
//
// Each store is thread-safe on its own. A single RWMutex orders the operations
// that must see both stores consistently: enqueueing a waiter (after checking
// the idle store) and removing a specific waiter take the write side; popping
// a waiter or re-stocking the idle store on release take the read side, so
// concurrent releases never serialize against each other.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxFullConnsSeen caps how many saturated connections one fast-path attempt
// inspects before falling through to growth/exhaustion handling.
const maxFullConnsSeen = 10

// Pool is the connection pool for a single server address.
type Pool struct {
	addr     string
	cfg      Config
	maxConns int32
	factory  Factory
	exec     Executor
	listener Listener
	log      *zap.Logger

	lock    sync.RWMutex      // Orders cross-store mutations; see package doc
	idle    *deque[Conn]      // LIFO: push/pop at the front
	waiters *deque[Operation] // FIFO: push back, pop front

	created   atomic.Int32 // Connections constructed and not yet destroyed
	active    atomic.Int32 // Connections currently handed to a caller
	connected atomic.Int32 // Connections whose dial completed

	terminated atomic.Bool
	suspected  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	unregister []func()
}

// Option customizes a Pool.
type Option func(*options)

type options struct {
	listener Listener
	logger   *zap.Logger
	metrics  MetricsSink
}

// WithListener sets the connection event listener.
func WithListener(l Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithLogger sets the logger. The pool names it "pool" and tags it with the address.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers the pool's gauges with sink; Close unregisters them.
func WithMetrics(sink MetricsSink) Option {
	return func(o *options) { o.metrics = sink }
}

// New creates a pool for addr. Connections are created lazily by factory;
// continuations and acquire timeouts run on exec.
func New(addr string, factory Factory, exec Executor, cfg Config, opts ...Option) *Pool {
	o := options{
		listener: func(*Pool, Event) {},
		logger:   zap.L(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.MaxPendingRequests <= 0 {
		cfg.MaxPendingRequests = DefaultConfig().MaxPendingRequests
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		addr:     addr,
		cfg:      cfg,
		maxConns: cfg.maxConnections(),
		factory:  factory,
		exec:     exec,
		listener: o.listener,
		log:      o.logger.Named("pool").With(zap.String("addr", addr)),
		idle:     newDeque[Conn](),
		waiters:  newDeque[Operation](),
		ctx:      ctx,
		cancel:   cancel,
	}
	if o.metrics != nil {
		p.registerGauges(o.metrics)
	}
	p.log.Debug("pool created",
		zap.Int32("maxConnections", p.maxConns),
		zap.Duration("maxWait", cfg.MaxWait),
		zap.Int("maxPendingRequests", cfg.MaxPendingRequests),
		zap.Stringer("exhaustedAction", cfg.ExhaustedAction))
	return p
}

// Acquire hands a connection to op, now or later. It never blocks on I/O and
// never returns an error: every failure reaches op through Cancel.
func (p *Pool) Acquire(op Operation) {
	if p.terminated.Load() {
		op.Cancel(p.addr, ErrTerminated)
		return
	}

	done, err := p.executeDirectlyIfPossible(op, false)
	if err != nil {
		op.Cancel(p.addr, err)
		return
	}
	if done {
		return
	}

	switch {
	case p.cfg.MaxWait == 0:
		op.Cancel(p.addr, ErrAcquireTimeout)
		return
	case p.cfg.MaxWait > 0:
		op = p.guard(op)
	}

	// A connection may have been released between the fast path and the lock.
	if p.executeOrEnqueue(op) {
		// Enqueued. Try once more; the op is removed from the queue before it
		// runs, so whichever path gets there first wins.
		if _, err := p.executeDirectlyIfPossible(op, true); err != nil {
			p.log.Debug("retry after enqueue failed", zap.Error(err))
		}
	}

	// Closed while we were queueing: make sure our op is resolved too.
	if p.terminated.Load() {
		p.Close()
	}
}

// executeDirectlyIfPossible is the lock-free fast path. It reports whether
// the operation was dispatched (or a connection is being created for it).
func (p *Pool) executeDirectlyIfPossible(op Operation, removeBeforeInvoke bool) (bool, error) {
	fullSeen := 0
	for {
		c, ok := p.idle.popFront()
		if !ok {
			break
		}
		if !c.Alive() {
			// Closed while idle; the transport has already reported it.
			continue
		}
		outstanding := c.Outstanding()
		if outstanding < 0 {
			// Shutting down, forget it.
			continue
		}
		if !c.Writable() || outstanding >= p.cfg.MaxPendingRequests {
			p.idle.pushBack(c)
			fullSeen++
			if fullSeen < maxFullConnsSeen {
				continue
			}
			break
		}
		return p.activate(c, op, false, removeBeforeInvoke), nil
	}

	for cur := p.created.Load(); cur < p.maxConns; cur = p.created.Load() {
		if p.created.CompareAndSwap(cur, cur+1) {
			active := p.active.Add(1)
			p.log.Debug("creating new connection", zap.Int32("created", cur+1), zap.Int32("active", active))
			p.createAndInvoke(op, removeBeforeInvoke)
			return true, nil
		}
	}

	switch p.cfg.ExhaustedAction {
	case ExhaustedException:
		return false, ErrExhausted
	case ExhaustedWait:
		return false, nil
	case ExhaustedCreateNew:
		created := p.created.Add(1)
		active := p.active.Add(1)
		p.log.Debug("creating connection beyond limit", zap.Int32("created", created), zap.Int32("active", active))
		p.createAndInvoke(op, removeBeforeInvoke)
		return true, nil
	default:
		return false, fmt.Errorf("pool: unsupported exhausted action %v", p.cfg.ExhaustedAction)
	}
}

// executeOrEnqueue either finds a live idle connection and runs op on it, or
// queues op. It returns true when op was queued.
func (p *Pool) executeOrEnqueue(op Operation) bool {
	for {
		c := p.pollLiveOrEnqueue(op)
		if c == nil {
			return true
		}
		if p.activate(c, op, false, false) {
			return false
		}
	}
}

func (p *Pool) pollLiveOrEnqueue(op Operation) Conn {
	p.lock.Lock()
	defer p.lock.Unlock()
	for {
		// Not picky here: a full connection is still better than waiting.
		c, ok := p.idle.popFront()
		if !ok {
			p.log.Debug("no connection available, queueing operation", zap.Int("pending", p.waiters.size()+1))
			p.waiters.pushBack(op)
			return nil
		}
		if c.Alive() {
			return c
		}
	}
}

func (p *Pool) createAndInvoke(op Operation, removeBeforeInvoke bool) {
	go func() {
		c, err := p.factory(p.ctx, p)
		// Completions run on the event loop, like any other continuation.
		p.exec.Execute(func() {
			p.connectionCreated(op, removeBeforeInvoke, c, err)
		})
	}()
}

func (p *Pool) connectionCreated(op Operation, removeBeforeInvoke bool, c Conn, err error) {
	if err == nil && c == nil {
		err = errors.New("factory returned no connection")
	}
	if err != nil {
		active := p.active.Add(-1)
		if active < 0 {
			p.log.Error("invalid active count after failed connect", zap.Int32("active", active))
		}
		created := p.created.Add(-1)
		if created < 0 {
			p.log.Error("invalid created count after failed connect", zap.Int32("created", created))
		}
		p.log.Debug("connection could not be created", zap.Error(err),
			zap.Int32("created", created), zap.Int32("active", active), zap.Int32("connected", p.connected.Load()))

		cause := fmt.Errorf("%w: %s: %w", ErrConnectFailed, p.addr, err)
		if p.terminated.Load() {
			cause = ErrTerminated
		}
		// Tell routing about a possibly failing server before resolving the caller.
		p.listener(p, EventConnectFailed)
		// A queued op may already have been served by a released connection.
		if !removeBeforeInvoke || p.removeWaiter(op) {
			op.Cancel(p.addr, cause)
		}
		p.maybeRejectWaiters(cause)
		return
	}

	p.suspected.Store(false)
	connected := p.connected.Add(1)
	p.log.Debug("connection established",
		zap.Int32("created", p.created.Load()), zap.Int32("active", p.active.Load()), zap.Int32("connected", connected))
	p.invoke(c, op, removeBeforeInvoke)
	p.listener(p, EventConnected)
}

// Release returns a connection after its operation has been written. The
// connection goes to the oldest waiter if there is one, or back to the idle store.
func (p *Pool) Release(c Conn, rec *Record) {
	if rec.IsIdle() {
		p.log.Warn("cannot release connection because it is idle")
		return
	}
	if rec.SetIdleAndIsClosed() {
		p.log.Debug("attempt to release already closed connection", zap.Int32("active", p.active.Load()))
		return
	}

	active := p.active.Add(-1)
	if active < 0 {
		p.log.Error("invalid active count after releasing connection", zap.Int32("active", active))
	}

	if p.terminated.Load() {
		p.log.Debug("releasing connection after termination", zap.Int32("active", active))
		c.CloseWhenIdle()
		return
	}

	// Concurrent releases only need the read side; it keeps us ordered against
	// an acquire that is about to queue.
	p.lock.RLock()
	op, ok := p.waiters.popFront()
	if !ok {
		p.idle.pushFront(c)
	}
	p.lock.RUnlock()

	if !ok {
		if p.terminated.Load() {
			// Close drained the idle store before our push landed.
			p.closeIdle()
		}
		return
	}

	// Hand over through the executor so that a long chain of release →
	// invoke → release cannot grow the stack.
	if !p.activate(c, op, true, false) {
		p.requeue(op)
	}
}

// ReleaseClosed updates the counters once the transport has closed a
// connection, whether it died idle or in use.
func (p *Pool) ReleaseClosed(c Conn, rec *Record) {
	if c.Alive() {
		p.log.Warn("connection cannot be released because it is not closed")
		return
	}

	prev := rec.Close()
	if prev == StateClosed {
		p.log.Warn("connection was already released as closed")
		return
	}
	idle := prev == StateIdle

	created := p.created.Add(-1)
	active := p.active.Load()
	if !idle {
		active = p.active.Add(-1)
	}
	connected := p.connected.Add(-1)
	p.log.Debug("closed connection", zap.Bool("idle", idle),
		zap.Int32("created", created), zap.Int32("active", active), zap.Int32("connected", connected))
	if created < 0 {
		p.log.Error("invalid created count after closing connection", zap.Int32("created", created))
	}
	if active < 0 {
		p.log.Error("invalid active count after closing connection", zap.Int32("active", active))
	}

	if idle {
		p.listener(p, EventClosedIdle)
	} else {
		p.listener(p, EventClosedActive)
	}
}

func (p *Pool) activate(c Conn, op Operation, useExecutor, removeBeforeInvoke bool) bool {
	if !c.Alive() {
		return false
	}
	if !c.Record().SetAcquired() {
		p.log.Warn("cannot activate closed connection")
		return false
	}
	active := p.active.Add(1)
	p.log.Debug("activated connection", zap.Int32("created", p.created.Load()), zap.Int32("active", active))
	if useExecutor {
		p.exec.Execute(func() { p.invoke(c, op, removeBeforeInvoke) })
		return true
	}
	return p.invoke(c, op, removeBeforeInvoke)
}

// invoke runs op on c. With removeBeforeInvoke, op must still be queued: if a
// timeout or another path has already taken it, c goes back to the pool and
// op is left alone. This is where exactly-once delivery is enforced for
// queued operations.
func (p *Pool) invoke(c Conn, op Operation, removeBeforeInvoke bool) bool {
	if removeBeforeInvoke && !p.removeWaiter(op) {
		p.log.Debug("operation picked up twice, returning connection to pool")
		p.Release(c, c.Record())
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Debug("closing connection after operation panic", zap.Any("panic", r))
			p.discard(c)
			panic(r)
		}
	}()
	if err := op.Invoke(c); err != nil {
		p.log.Debug("closing connection due to operation error", zap.Error(err))
		p.discard(c)
	}
	return true
}

// requeue puts back an operation whose hand-off failed because the
// connection died in between.
func (p *Pool) requeue(op Operation) {
	p.lock.Lock()
	p.waiters.pushFront(op)
	p.lock.Unlock()
	if _, err := p.executeDirectlyIfPossible(op, true); err != nil {
		p.log.Debug("retry after requeue failed", zap.Error(err))
	}
}

func (p *Pool) removeWaiter(op Operation) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.waiters.remove(op)
}

func (p *Pool) pollWaiter() (Operation, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.waiters.popFront()
}

func (p *Pool) discard(c Conn) {
	if err := c.Close(); err != nil {
		p.log.Debug("error closing discarded connection", zap.Error(err))
	}
}

// Inspect is called periodically by the owner of the pool. When the server
// looks dead (nothing connected, nothing active) and callers are queued, it
// dials a single probe connection for the oldest waiter instead of letting
// every waiter time out on its own.
func (p *Pool) Inspect() {
	if p.terminated.Load() || p.suspected.Load() || p.connected.Load() > 0 || p.active.Load() > 0 {
		return
	}
	op, ok := p.pollWaiter()
	if !ok {
		return
	}
	created := p.created.Add(1)
	active := p.active.Add(1)
	p.log.Debug("creating connection to inspect server", zap.Int32("created", created), zap.Int32("active", active))
	p.suspected.Store(true)
	p.createAndInvoke(op, false)
}

// maybeRejectWaiters fails every queued operation when the probe connection
// of a suspected pool could not be established.
func (p *Pool) maybeRejectWaiters(err error) {
	if p.terminated.Load() || !p.suspected.Load() || p.connected.Load() > 0 || p.active.Load() > 0 {
		return
	}
	rejected := 0
	for {
		op, ok := p.pollWaiter()
		if !ok {
			break
		}
		op.Cancel(p.addr, err)
		rejected++
	}
	if rejected > 0 {
		p.log.Debug("rejected pending operations of suspected server", zap.Int("rejected", rejected))
	}
}

// Close terminates the pool. Queued operations are cancelled with
// ErrTerminated and idle connections are asked to close; the transport reports
// each one back through ReleaseClosed. Close may be called more than once.
func (p *Pool) Close() {
	p.terminated.Store(true)

	p.lock.Lock()
	ops := p.waiters.drain()
	p.lock.Unlock()
	for _, op := range ops {
		op.Cancel(p.addr, ErrTerminated)
	}
	p.closeIdle()

	p.closeOnce.Do(func() {
		p.cancel()
		for _, fn := range p.unregister {
			fn()
		}
		p.unregister = nil
		p.log.Debug("pool closed")
	})
}

func (p *Pool) closeIdle() {
	p.lock.Lock()
	conns := p.idle.drain()
	p.lock.Unlock()
	for _, c := range conns {
		// Only the pool lets go of it; operations still in flight finish.
		c.CloseWhenIdle()
	}
}

func (p *Pool) registerGauges(sink MetricsSink) {
	tags := map[string]string{"server": serverTag(p.addr)}
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"connection_pool_active", "The number of current active connections", func() float64 { return float64(p.Active()) }},
		{"connection_pool_idle", "The number of idle connections", func() float64 { return float64(p.Idle()) }},
		{"connection_pool_connected", "The number of connected connections", func() float64 { return float64(p.Connected()) }},
	}
	for _, g := range gauges {
		unregister, err := sink.RegisterGauge(g.name, g.help, tags, g.fn)
		if err != nil {
			p.log.Warn("cannot register pool gauge", zap.String("gauge", g.name), zap.Error(err))
			continue
		}
		p.unregister = append(p.unregister, unregister)
	}
}

func serverTag(addr string) string {
	if host, port, err := net.SplitHostPort(addr); err == nil {
		return net.JoinHostPort(host, port)
	}
	return uuid.NewString()
}

// Address returns the server address this pool connects to.
func (p *Pool) Address() string {
	return p.addr
}

// Active returns the number of connections currently handed out.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Idle returns the number of created connections not handed out.
func (p *Pool) Idle() int {
	return max(0, int(p.created.Load()-p.active.Load()))
}

// Connected returns the number of connections whose dial completed.
func (p *Pool) Connected() int {
	return int(p.connected.Load())
}

// Created returns the number of connections created and not yet destroyed.
func (p *Pool) Created() int {
	return int(p.created.Load())
}

// Pending returns the number of queued operations.
func (p *Pool) Pending() int {
	return p.waiters.size()
}

// Suspected reports whether a liveness probe is in progress.
func (p *Pool) Suspected() bool {
	return p.suspected.Load()
}

// Terminated reports whether Close has been called.
func (p *Pool) Terminated() bool {
	return p.terminated.Load()
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Address        string `json:"address"`
	MaxConnections int    `json:"maxConnections"`
	Created        int    `json:"created"`
	Active         int    `json:"active"`
	Idle           int    `json:"idle"`
	Connected      int    `json:"connected"`
	Pending        int    `json:"pending"`
	Suspected      bool   `json:"suspected"`
	Terminated     bool   `json:"terminated"`
}

// Stats returns current pool statistics. Counters are read independently.
func (p *Pool) Stats() Stats {
	return Stats{
		Address:        p.addr,
		MaxConnections: int(p.maxConns),
		Created:        p.Created(),
		Active:         p.Active(),
		Idle:           p.Idle(),
		Connected:      p.Connected(),
		Pending:        p.Pending(),
		Suspected:      p.Suspected(),
		Terminated:     p.Terminated(),
	}
}

func (p *Pool) String() string {
	return fmt.Sprintf("Pool[address=%s, maxWait=%s, maxConnections=%d, maxPendingRequests=%d, created=%d, active=%d, connected=%d, suspected=%t, terminated=%t]",
		p.addr, p.cfg.MaxWait, p.maxConns, p.cfg.MaxPendingRequests,
		p.created.Load(), p.active.Load(), p.connected.Load(), p.suspected.Load(), p.terminated.Load())
}
