package client

import (
	"context"
	"errors"
	"sync/atomic"

	"mini-cache/message"
	"mini-cache/pool"
	"mini-cache/transport"
)

// sent is what a call learns from the pool: either the request went out on a
// connection and the answer will arrive on resp, or err says why it never will.
type sent struct {
	conn *transport.ClientTransport
	seq  uint32
	resp <-chan *message.CacheMessage
	err  error
}

// call is the pool.Operation of one request. The request is written on the
// goroutine that hands over the connection, and the connection is released
// right after the write: responses are matched by sequence id, so the
// connection can carry other requests while this one is outstanding.
type call struct {
	req       *message.CacheMessage
	pool      *pool.Pool
	result    chan sent
	abandoned atomic.Bool
}

func newCall(req *message.CacheMessage, p *pool.Pool) *call {
	return &call{req: req, pool: p, result: make(chan sent, 1)}
}

func (o *call) Invoke(c pool.Conn) error {
	if o.abandoned.Load() {
		o.pool.Release(c, c.Record())
		return nil
	}
	t, ok := c.(*transport.ClientTransport)
	if !ok {
		o.pool.Release(c, c.Record())
		o.result <- sent{err: errors.New("client: unexpected connection type")}
		return nil
	}
	seq, resp, err := t.Send(o.req)
	o.pool.Release(c, c.Record())
	// A failed write has already closed the transport, nothing is left to discard.
	o.result <- sent{conn: t, seq: seq, resp: resp, err: err}
	return nil
}

func (o *call) Cancel(_ string, err error) {
	o.result <- sent{err: err}
}

// wait blocks until the response arrives, the call fails or ctx is done.
func (o *call) wait(ctx context.Context) *message.CacheMessage {
	select {
	case s := <-o.result:
		if s.err != nil {
			return failure(o.req, s.err)
		}
		select {
		case resp := <-s.resp:
			if resp.Op == 0 {
				resp.Op = o.req.Op
			}
			return resp
		case <-ctx.Done():
			s.conn.Forget(s.seq)
			return failure(o.req, ctx.Err())
		}
	case <-ctx.Done():
		o.abandoned.Store(true)
		return failure(o.req, ctx.Err())
	}
}

// failure maps an error that kept a request from being answered to a status.
func failure(req *message.CacheMessage, err error) *message.CacheMessage {
	status := message.StatusUnavailable
	if errors.Is(err, pool.ErrAcquireTimeout) || errors.Is(err, context.DeadlineExceeded) {
		status = message.StatusTimeout
	}
	return message.Errorf(req, status, "%v", err)
}
