// Package eventloop provides the small, fixed set of goroutines on which
// connection pools run their continuations: connection hand-offs on release,
// completions of asynchronous dials and acquire timeouts.
//
// Each Loop owns one goroutine and an unbounded FIFO task queue. Submitting
// never blocks, so a task may safely submit more tasks to its own loop. This
// is what keeps a long chain of release → invoke → release off the stack.
//
//	Execute(task) ──→ queue ──→ loop goroutine runs tasks one by one
//	Schedule(d, task) ──→ time.AfterFunc(d) ──→ Execute(task)
package eventloop

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-cache/pool"
)

// ErrShutdown is returned by Shutdown when called twice.
var ErrShutdown = errors.New("eventloop: group already shut down")

// Loop runs submitted tasks sequentially on a single goroutine.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{} // Buffered(1): a pending wake-up is enough, extra signals are dropped
	closed bool
	log    *zap.Logger
}

func newLoop(log *zap.Logger) *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		log:  log,
	}
}

// Execute queues task. Tasks submitted after shutdown are run on a fresh
// goroutine so that nothing waiting on them is stranded.
func (l *Loop) Execute(task func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		go l.run(task)
		return
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Schedule runs task on this loop after d.
func (l *Loop) Schedule(d time.Duration, task func()) pool.Timer {
	return time.AfterFunc(d, func() { l.Execute(task) })
}

func (l *Loop) serve() error {
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		closed := l.closed
		l.mu.Unlock()

		for _, task := range batch {
			l.run(task)
		}
		if closed && len(batch) == 0 {
			return nil
		}
		if len(batch) == 0 {
			<-l.wake
		}
	}
}

// run executes one task. A panicking task must not take the loop down with it.
func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Group is a fixed set of loops handed out round-robin.
type Group struct {
	loops   []*Loop
	counter atomic.Uint64
	eg      errgroup.Group
	stopped atomic.Bool
}

// NewGroup starts n loops. n <= 0 uses runtime.NumCPU().
func NewGroup(n int, logger *zap.Logger) *Group {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("eventloop")
	g := &Group{loops: make([]*Loop, n)}
	for i := range g.loops {
		l := newLoop(logger.With(zap.Int("loop", i)))
		g.loops[i] = l
		g.eg.Go(l.serve)
	}
	return g
}

// Next returns the next loop in round-robin order. Each pool is bound to one loop.
func (g *Group) Next() *Loop {
	idx := g.counter.Add(1) % uint64(len(g.loops))
	return g.loops[idx]
}

// Len returns the number of loops.
func (g *Group) Len() int {
	return len(g.loops)
}

// Shutdown lets every loop finish its queued tasks and waits for them, or for ctx.
func (g *Group) Shutdown(ctx context.Context) error {
	if !g.stopped.CompareAndSwap(false, true) {
		return ErrShutdown
	}
	for _, l := range g.loops {
		l.shutdown()
	}
	done := make(chan error, 1)
	go func() { done <- g.eg.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
