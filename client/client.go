// Package client is the mini-cache client: it discovers cache servers through
// a registry, keeps one connection pool per server and routes every operation
// through a middleware chain to the pool of the server the balancer picks.
//
// Request path:
//
//	Cache.Get → chain (logging, metrics, rate limit, retry, timeout)
//	  → route: balancer.Pick(key, healthy servers) → pool for that address
//	    → pool.Acquire(call) → transport.Send → response by sequence id
//
// A server whose pool fails to connect while holding no live connection is
// marked failed and skipped by routing until one of its connections succeeds
// again. A background prober asks every pool to inspect its server, which
// lets a pool whose callers wait on a dead server fail them quickly.
package client

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-cache/eventloop"
	"mini-cache/loadbalance"
	"mini-cache/message"
	"mini-cache/metrics"
	"mini-cache/middleware"
	"mini-cache/pool"
	"mini-cache/registry"
	"mini-cache/transport"
)

// Options configures a Client.
type Options struct {
	ServiceName string
	// Balancer picks the server of each operation, default consistent hash
	Balancer loadbalance.Balancer
	// EventLoops is the number of loops pool continuations run on
	EventLoops int
	// ProbeInterval is how often every pool inspects its server, 0 disables probing
	ProbeInterval time.Duration
	// RequestTimeout bounds one attempt of an operation, 0 = none
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	// RateLimit is the allowed operations per second, 0 = unlimited
	RateLimit float64
	RateBurst int

	Pool      pool.Config
	Transport transport.Options
	Logger    *zap.Logger
	// Metrics, if set, receives pool gauges and request metrics
	Metrics *metrics.Sink
	// Middlewares run inside the built-in ones, closest to the pool
	Middlewares []middleware.Middleware
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		ServiceName:   registry.DefaultServiceName,
		EventLoops:    4,
		ProbeInterval: 5 * time.Second,
		MaxRetries:    2,
		RetryBackoff:  50 * time.Millisecond,
		Pool:          pool.DefaultConfig(),
		Transport:     transport.DefaultOptions(),
	}
}

// Client is safe for concurrent use.
type Client struct {
	reg      registry.Registry
	opts     Options
	log      *zap.Logger
	loops    *eventloop.Group
	balancer loadbalance.Balancer
	handler  middleware.HandlerFunc

	mu        sync.RWMutex
	instances []registry.ServiceInstance
	pools     map[string]*pool.Pool
	failed    map[string]struct{}
	closed    bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a client routing to the servers reg lists under opts.ServiceName.
func New(reg registry.Registry, opts Options) (*Client, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = registry.DefaultServiceName
	}
	if opts.Balancer == nil {
		opts.Balancer = loadbalance.NewConsistentHashBalancer()
	}
	if opts.EventLoops < 1 {
		opts.EventLoops = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}

	instances, err := reg.Discover(opts.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", opts.ServiceName, err)
	}

	c := &Client{
		reg:       reg,
		opts:      opts,
		log:       opts.Logger.Named("client"),
		loops:     eventloop.NewGroup(opts.EventLoops, opts.Logger),
		balancer:  opts.Balancer,
		instances: instances,
		pools:     make(map[string]*pool.Pool),
		failed:    make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	c.handler = c.chain()(c.route)

	c.wg.Add(1)
	go c.watch(reg.Watch(opts.ServiceName))
	if opts.ProbeInterval > 0 {
		c.wg.Add(1)
		go c.probe(opts.ProbeInterval)
	}
	c.log.Info("client started",
		zap.String("service", opts.ServiceName),
		zap.Strings("servers", registry.Addrs(instances)),
		zap.String("balancer", c.balancer.Name()))
	return c, nil
}

// chain builds the middleware around route, outermost first.
func (c *Client) chain() middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(c.opts.Logger)}
	if c.opts.Metrics != nil {
		mws = append(mws, observe(c.opts.Metrics))
	}
	if c.opts.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.opts.RateLimit, c.opts.RateBurst))
	}
	if c.opts.MaxRetries > 0 {
		mws = append(mws, middleware.RetryMiddleware(c.opts.MaxRetries, c.opts.RetryBackoff, c.opts.Logger))
	}
	if c.opts.RequestTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(c.opts.RequestTimeout))
	}
	mws = append(mws, c.opts.Middlewares...)
	return middleware.Chain(mws...)
}

// observe records every operation on sink.
func observe(sink *metrics.Sink) middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.CacheMessage) *message.CacheMessage {
			start := time.Now()
			resp := next(ctx, req)
			sink.ObserveRequest(req.Op.String(), resp.Status.String(), time.Since(start), resp.Status.IsError())
			return resp
		}
	}
}

type targetKey struct{}

// withTarget pins the operations run with ctx to one server, bypassing the balancer.
func withTarget(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, targetKey{}, addr)
}

// route is the innermost handler: it picks a server and hands the request to its pool.
func (c *Client) route(ctx context.Context, req *message.CacheMessage) *message.CacheMessage {
	addr, ok := ctx.Value(targetKey{}).(string)
	if !ok {
		inst, err := c.pick(req)
		if err != nil {
			return failure(req, err)
		}
		addr = inst.Addr
	}
	p, err := c.poolFor(addr)
	if err != nil {
		return failure(req, err)
	}
	op := newCall(req, p)
	p.Acquire(op)
	return op.wait(ctx)
}

func (c *Client) pick(req *message.CacheMessage) (*registry.ServiceInstance, error) {
	c.mu.RLock()
	instances := c.instances
	candidates := loadbalance.Available(instances, c.isFailedLocked)
	c.mu.RUnlock()
	if len(instances) == 0 {
		return nil, ErrNoServers
	}
	var key []byte
	if req.Op.Keyed() {
		key = req.Key
	}
	return c.balancer.Pick(key, candidates)
}

func (c *Client) isFailedLocked(addr string) bool {
	_, ok := c.failed[addr]
	return ok
}

// poolFor returns the pool of addr, creating it on first use.
func (c *Client) poolFor(addr string) (*pool.Pool, error) {
	c.mu.RLock()
	p, ok := c.pools[addr]
	closed := c.closed
	c.mu.RUnlock()
	if ok {
		return p, nil
	}
	if closed {
		return nil, ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if p, ok := c.pools[addr]; ok {
		return p, nil
	}
	opts := []pool.Option{pool.WithListener(c.onPoolEvent), pool.WithLogger(c.opts.Logger)}
	if c.opts.Metrics != nil {
		opts = append(opts, pool.WithMetrics(c.opts.Metrics))
	}
	p = pool.New(addr, transport.NewFactory(addr, c.opts.Transport), c.loops.Next(), c.opts.Pool, opts...)
	c.pools[addr] = p
	c.log.Debug("pool created", zap.String("addr", addr))
	return p, nil
}

// onPoolEvent maintains the set of failed servers routing avoids.
func (c *Client) onPoolEvent(p *pool.Pool, ev pool.Event) {
	addr := p.Address()
	switch ev {
	case pool.EventConnected:
		c.mu.Lock()
		_, was := c.failed[addr]
		delete(c.failed, addr)
		c.mu.Unlock()
		if was {
			c.log.Info("server recovered", zap.String("addr", addr))
		}
	case pool.EventConnectFailed:
		if p.Connected() > 0 {
			return
		}
		c.mu.Lock()
		if c.pools[addr] != p {
			// Closed pool of a server that left the registry.
			c.mu.Unlock()
			return
		}
		_, was := c.failed[addr]
		c.failed[addr] = struct{}{}
		c.mu.Unlock()
		if !was {
			c.log.Warn("server marked as failed", zap.String("addr", addr))
		}
	}
}

// watch follows registry changes until Close.
func (c *Client) watch(updates <-chan []registry.ServiceInstance) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case instances, ok := <-updates:
			if !ok {
				return
			}
			c.setInstances(instances)
		}
	}
}

// setInstances replaces the server list and closes the pools of servers that left it.
func (c *Client) setInstances(instances []registry.ServiceInstance) {
	keep := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		keep[inst.Addr] = struct{}{}
	}

	var removed []*pool.Pool
	c.mu.Lock()
	c.instances = instances
	for addr, p := range c.pools {
		if _, ok := keep[addr]; !ok {
			removed = append(removed, p)
			delete(c.pools, addr)
			delete(c.failed, addr)
		}
	}
	c.mu.Unlock()

	for _, p := range removed {
		c.log.Info("server left, closing its pool", zap.String("addr", p.Address()))
		p.Close()
	}
	c.log.Debug("servers updated", zap.Strings("servers", registry.Addrs(instances)))
}

// probe periodically lets every pool inspect its server.
func (c *Client) probe(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			for _, p := range c.snapshotPools() {
				p.Inspect()
			}
		}
	}
}

func (c *Client) snapshotPools() []*pool.Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pools := make([]*pool.Pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	return pools
}

// do runs req through the chain.
func (c *Client) do(ctx context.Context, req *message.CacheMessage) *message.CacheMessage {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return failure(req, ErrClosed)
	}
	return c.handler(ctx, req)
}

// Servers returns the addresses of the servers currently listed.
func (c *Client) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return registry.Addrs(c.instances)
}

// Failed returns the addresses routing currently avoids, sorted.
func (c *Client) Failed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addrs := make([]string, 0, len(c.failed))
	for addr := range c.failed {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	return addrs
}

// Stats is a snapshot of the client's routing state.
type Stats struct {
	Servers []string     `json:"servers"`
	Failed  []string     `json:"failed"`
	Pools   []pool.Stats `json:"pools"`
}

// Stats returns the server list, the failed set and the statistics of every pool.
func (c *Client) Stats() Stats {
	pools := c.snapshotPools()
	stats := Stats{
		Servers: c.Servers(),
		Failed:  c.Failed(),
		Pools:   make([]pool.Stats, 0, len(pools)),
	}
	for _, p := range pools {
		stats.Pools = append(stats.Pools, p.Stats())
	}
	slices.SortFunc(stats.Pools, func(a, b pool.Stats) int {
		return strings.Compare(a.Address, b.Address)
	})
	return stats
}

// Close closes every pool and stops the background goroutines. Operations
// still queued in a pool fail with pool.ErrTerminated. The registry is left open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := make([]*pool.Pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.pools = make(map[string]*pool.Pool)
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	for _, p := range pools {
		p.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.loops.Shutdown(ctx)
	c.log.Info("client closed")
	return err
}
