package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mini-cache/message"
)

// Cache is a handle on one named cache. Keyed operations go to the server the
// balancer picks for the key; Size and Clear go to every server.
type Cache struct {
	c    *Client
	name string
}

// Cache returns the handle of the named cache, "" being the default cache.
func (c *Client) Cache(name string) *Cache {
	return &Cache{c: c, name: name}
}

// Name returns the cache name.
func (cc *Cache) Name() string {
	return cc.name
}

func (cc *Cache) request(op message.Op, key string) *message.CacheMessage {
	req := &message.CacheMessage{Op: op, Cache: cc.name}
	if key != "" {
		req.Key = []byte(key)
	}
	return req
}

// Get returns the value of key, or ErrNotFound.
func (cc *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	resp := cc.c.do(ctx, cc.request(message.OpGet, key))
	if resp.Status == message.StatusNotFound {
		return nil, ErrNotFound
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Put stores value under key and returns the previous value, nil if there was
// none. A positive lifespan makes the entry expire; zero keeps it forever.
func (cc *Cache) Put(ctx context.Context, key string, value []byte, lifespan time.Duration) ([]byte, error) {
	req := cc.request(message.OpPut, key)
	req.Value = value
	req.Lifespan = lifespan.Milliseconds()
	resp := cc.c.do(ctx, req)
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// PutIfAbsent stores value only if key is absent. It reports whether the
// value was stored and, if not, returns the value already present.
func (cc *Cache) PutIfAbsent(ctx context.Context, key string, value []byte, lifespan time.Duration) ([]byte, bool, error) {
	req := cc.request(message.OpPutIfAbsent, key)
	req.Value = value
	req.Lifespan = lifespan.Milliseconds()
	resp := cc.c.do(ctx, req)
	if err := statusError(resp); err != nil {
		return nil, false, err
	}
	if resp.Status == message.StatusNotExecuted {
		return resp.Value, false, nil
	}
	return nil, true, nil
}

// Remove deletes key and returns its value, or ErrNotFound.
func (cc *Cache) Remove(ctx context.Context, key string) ([]byte, error) {
	resp := cc.c.do(ctx, cc.request(message.OpRemove, key))
	if resp.Status == message.StatusNotFound {
		return nil, ErrNotFound
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// ContainsKey reports whether key is present.
func (cc *Cache) ContainsKey(ctx context.Context, key string) (bool, error) {
	resp := cc.c.do(ctx, cc.request(message.OpContainsKey, key))
	if resp.Status == message.StatusNotFound {
		return false, nil
	}
	if err := statusError(resp); err != nil {
		return false, err
	}
	return true, nil
}

// Size returns the number of entries summed over every server.
func (cc *Cache) Size(ctx context.Context) (int, error) {
	var total atomic.Int64
	err := cc.c.broadcast(ctx, func() *message.CacheMessage {
		return cc.request(message.OpSize, "")
	}, func(resp *message.CacheMessage) error {
		n, err := message.ParseSize(resp.Value)
		if err != nil {
			return err
		}
		total.Add(int64(n))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(total.Load()), nil
}

// Clear removes every entry of the cache on every server.
func (cc *Cache) Clear(ctx context.Context) error {
	return cc.c.broadcast(ctx, func() *message.CacheMessage {
		return cc.request(message.OpClear, "")
	}, nil)
}

// broadcast sends one request built by newReq to every listed server and
// stops at the first failure.
func (c *Client) broadcast(ctx context.Context, newReq func() *message.CacheMessage, handle func(*message.CacheMessage) error) error {
	servers := c.Servers()
	if len(servers) == 0 {
		return ErrNoServers
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range servers {
		addr := addr
		g.Go(func() error {
			resp := c.do(withTarget(ctx, addr), newReq())
			if err := statusError(resp); err != nil {
				return err
			}
			if handle != nil {
				return handle(resp)
			}
			return nil
		})
	}
	return g.Wait()
}

// Ping checks every listed server and reports all that did not answer.
func (c *Client) Ping(ctx context.Context) error {
	servers := c.Servers()
	if len(servers) == 0 {
		return ErrNoServers
	}
	errs := make([]error, len(servers))
	var g errgroup.Group
	for i, addr := range servers {
		i, addr := i, addr
		g.Go(func() error {
			resp := c.do(withTarget(ctx, addr), &message.CacheMessage{Op: message.OpPing})
			errs[i] = statusError(resp)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Get reads key from the default cache.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return c.Cache("").Get(ctx, key)
}

// Put writes key in the default cache.
func (c *Client) Put(ctx context.Context, key string, value []byte, lifespan time.Duration) ([]byte, error) {
	return c.Cache("").Put(ctx, key, value, lifespan)
}

// PutIfAbsent writes key in the default cache unless it is present.
func (c *Client) PutIfAbsent(ctx context.Context, key string, value []byte, lifespan time.Duration) ([]byte, bool, error) {
	return c.Cache("").PutIfAbsent(ctx, key, value, lifespan)
}

// Remove deletes key from the default cache.
func (c *Client) Remove(ctx context.Context, key string) ([]byte, error) {
	return c.Cache("").Remove(ctx, key)
}

// ContainsKey reports whether the default cache holds key.
func (c *Client) ContainsKey(ctx context.Context, key string) (bool, error) {
	return c.Cache("").ContainsKey(ctx, key)
}

// Size returns the size of the default cache.
func (c *Client) Size(ctx context.Context) (int, error) {
	return c.Cache("").Size(ctx)
}

// Clear empties the default cache.
func (c *Client) Clear(ctx context.Context) error {
	return c.Cache("").Clear(ctx)
}
