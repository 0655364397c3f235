package pool

import "sync/atomic"

// Operation is a caller waiting for a connection. The pool guarantees that
// exactly one of Invoke or Cancel is called, exactly once.
//
// Invoke runs on whichever goroutine found the connection: the caller's own on
// the fast path, an executor loop otherwise. Returning an error (or panicking)
// tells the pool the connection can no longer be trusted; the pool closes it.
type Operation interface {
	Invoke(c Conn) error
	Cancel(addr string, err error)
}

// timeoutGuard bounds how long an operation can sit in the waiting queue.
// The timer and the pool race on resolved; only the winner touches op.
type timeoutGuard struct {
	op       Operation
	pool     *Pool
	timer    Timer
	resolved atomic.Bool
}

func (p *Pool) guard(op Operation) *timeoutGuard {
	g := &timeoutGuard{op: op, pool: p}
	// The guard is not visible to other goroutines until it is enqueued,
	// so the timer field is set before anyone can read it.
	g.timer = p.exec.Schedule(p.cfg.MaxWait, g.fire)
	return g
}

func (g *timeoutGuard) fire() {
	g.pool.removeWaiter(g)
	if g.resolved.CompareAndSwap(false, true) {
		g.pool.log.Debug("acquire timed out")
		g.op.Cancel(g.pool.addr, ErrAcquireTimeout)
	}
}

func (g *timeoutGuard) Invoke(c Conn) error {
	if g.timer != nil {
		g.timer.Stop()
	}
	if !g.resolved.CompareAndSwap(false, true) {
		// Lost to the timer: the caller is already gone, the connection is not.
		g.pool.Release(c, c.Record())
		return nil
	}
	return g.op.Invoke(c)
}

func (g *timeoutGuard) Cancel(addr string, err error) {
	if g.timer != nil {
		g.timer.Stop()
	}
	if g.resolved.CompareAndSwap(false, true) {
		g.op.Cancel(addr, err)
	}
}
