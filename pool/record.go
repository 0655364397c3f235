package pool

import "sync/atomic"

// State is the lifecycle state of a pooled connection.
type State int32

const (
	StateIdle     State = iota // Sitting in the idle store, owned by the pool
	StateAcquired              // Handed to exactly one caller
	StateClosed                // Terminal, the connection is gone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquired:
		return "acquired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Record tracks the state of one connection. It is shared by the pool, the
// releaser and the transport's close path, so every transition is atomic:
//
//	IDLE ──acquire──→ ACQUIRED ──release──→ IDLE
//	IDLE ──destroy──→ CLOSED ←──destroy── ACQUIRED
//
// CLOSED is absorbing. A connection can never be handed out twice, and a
// connection that died while in use can never come back through Release.
type Record struct {
	state atomic.Int32
}

// NewRecord returns a record for a connection that is being created for a
// caller, so it starts out ACQUIRED.
func NewRecord() *Record {
	r := &Record{}
	r.state.Store(int32(StateAcquired))
	return r
}

// State returns the current state.
func (r *Record) State() State {
	return State(r.state.Load())
}

// IsIdle reports whether the connection is currently idle.
func (r *Record) IsIdle() bool {
	return r.State() == StateIdle
}

// SetAcquired moves IDLE → ACQUIRED. It returns false if the record is CLOSED.
func (r *Record) SetAcquired() bool {
	for {
		cur := r.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if r.state.CompareAndSwap(cur, int32(StateAcquired)) {
			return true
		}
	}
}

// SetIdleAndIsClosed moves the record to IDLE and reports, in the same atomic
// step, whether it had already been CLOSED. A CLOSED record stays CLOSED.
func (r *Record) SetIdleAndIsClosed() bool {
	for {
		cur := r.state.Load()
		if State(cur) == StateClosed {
			return true
		}
		if r.state.CompareAndSwap(cur, int32(StateIdle)) {
			return false
		}
	}
}

// Close moves the record to CLOSED and returns the state it had before.
func (r *Record) Close() State {
	return State(r.state.Swap(int32(StateClosed)))
}

// CloseAndWasIdle closes the record and reports whether it was idle.
func (r *Record) CloseAndWasIdle() bool {
	return r.Close() == StateIdle
}
