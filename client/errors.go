package client

import (
	"errors"
	"fmt"

	"mini-cache/message"
)

var (
	// ErrNotFound is returned by Get and Remove when the key is absent.
	ErrNotFound = errors.New("client: key not found")
	// ErrClosed is returned once the client is closed.
	ErrClosed = errors.New("client: closed")
	// ErrNoServers is returned when the registry lists no server.
	ErrNoServers = errors.New("client: no servers available")

	// ErrServer matches responses the server failed or refused.
	ErrServer = errors.New("client: server error")
	// ErrUnavailable matches operations that never reached a server.
	ErrUnavailable = errors.New("client: server unavailable")
	// ErrTimeout matches operations that did not complete in time.
	ErrTimeout = errors.New("client: operation timed out")
	// ErrRateLimited matches operations rejected by the client rate limit.
	ErrRateLimited = errors.New("client: rate limit exceeded")
)

// StatusError is a failed response. It matches one of ErrServer,
// ErrUnavailable, ErrTimeout or ErrRateLimited with errors.Is.
type StatusError struct {
	Op     message.Op
	Status message.Status
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("client: %s failed: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("client: %s failed: %s: %s", e.Op, e.Status, e.Msg)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case message.StatusUnavailable:
		return ErrUnavailable
	case message.StatusTimeout:
		return ErrTimeout
	case message.StatusRateLimited:
		return ErrRateLimited
	default:
		return ErrServer
	}
}

// statusError converts a failed response into an error, nil for success.
func statusError(resp *message.CacheMessage) error {
	if !resp.Status.IsError() {
		return nil
	}
	return &StatusError{Op: resp.Op, Status: resp.Status, Msg: resp.Error}
}
