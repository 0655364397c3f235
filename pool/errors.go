package pool

import "errors"

var (
	// ErrTerminated is delivered to operations submitted to, or queued on, a closed pool.
	ErrTerminated = errors.New("pool: pool was terminated")
	// ErrExhausted is delivered when the pool is full and ExhaustedAction is ExhaustedException.
	ErrExhausted = errors.New("pool: reached maximum number of connections")
	// ErrAcquireTimeout is delivered when no connection became available within MaxWait.
	ErrAcquireTimeout = errors.New("pool: timed out waiting for connection")
	// ErrConnectFailed wraps the factory error of a failed connection attempt.
	ErrConnectFailed = errors.New("pool: connect failed")
)
