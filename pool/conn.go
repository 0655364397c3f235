package pool

import (
	"context"
	"time"
)

// Conn is what the pool needs from a transport connection.
type Conn interface {
	// Alive reports whether the underlying socket is still open.
	Alive() bool
	// Writable reports whether the connection can take another request without
	// queueing behind a congested writer.
	Writable() bool
	// Outstanding is the number of in-flight protocol operations on the
	// connection, or a negative value once it is shutting down.
	Outstanding() int
	// Record is the lifecycle record the pool tracks for this connection.
	Record() *Record
	// Close tears the connection down now. The transport reports the death
	// back through Pool.ReleaseClosed.
	Close() error
	// CloseWhenIdle closes the connection once its in-flight operations finish.
	CloseWhenIdle()
}

// Factory opens a connection for p. It is called concurrently from multiple
// goroutines and always off the caller's goroutine. ctx is cancelled when the
// pool closes.
type Factory func(ctx context.Context, p *Pool) (Conn, error)

// Event is reported to the pool's Listener.
type Event int

const (
	EventConnected Event = iota
	EventClosedIdle
	EventClosedActive
	EventConnectFailed
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "CONNECTED"
	case EventClosedIdle:
		return "CLOSED_IDLE"
	case EventClosedActive:
		return "CLOSED_ACTIVE"
	case EventConnectFailed:
		return "CONNECT_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Listener receives connection lifecycle events so routing can react to a failing server.
type Listener func(p *Pool, ev Event)

// Timer is a scheduled task that may be stopped before it runs.
type Timer interface {
	Stop() bool
}

// Executor runs pool continuations off the caller's stack.
type Executor interface {
	Execute(task func())
	Schedule(d time.Duration, task func()) Timer
}

// MetricsSink registers gauges read on demand. The returned func removes the gauge.
type MetricsSink interface {
	RegisterGauge(name, help string, tags map[string]string, fn func() float64) (unregister func(), err error)
}
