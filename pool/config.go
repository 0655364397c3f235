package pool

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ExhaustedAction selects what Acquire does when every connection is busy and
// the pool already holds MaxConnections.
type ExhaustedAction int

const (
	// ExhaustedException fails the operation immediately with ErrExhausted.
	ExhaustedException ExhaustedAction = iota
	// ExhaustedWait queues the operation until a connection is released.
	ExhaustedWait
	// ExhaustedCreateNew opens an extra connection beyond MaxConnections.
	ExhaustedCreateNew
)

func (a ExhaustedAction) String() string {
	switch a {
	case ExhaustedException:
		return "exception"
	case ExhaustedWait:
		return "wait"
	case ExhaustedCreateNew:
		return "create_new"
	default:
		return fmt.Sprintf("ExhaustedAction(%d)", int(a))
	}
}

// ParseExhaustedAction parses the names produced by String. Matching is case-insensitive.
func ParseExhaustedAction(s string) (ExhaustedAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exception":
		return ExhaustedException, nil
	case "wait":
		return ExhaustedWait, nil
	case "create_new", "create-new", "createnew":
		return ExhaustedCreateNew, nil
	default:
		return 0, fmt.Errorf("pool: unknown exhausted action %q", s)
	}
}

// MarshalText lets config files carry the action by name.
func (a ExhaustedAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ExhaustedAction) UnmarshalText(text []byte) error {
	v, err := ParseExhaustedAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Config configures a single-address pool.
type Config struct {
	// MaxWait bounds how long a queued operation waits for a connection.
	// A positive value arms a timeout, zero fails fast instead of queueing,
	// and a negative value waits without limit.
	// Default: -1
	MaxWait time.Duration
	// MaxConnections caps the connections held for the address. Values < 1 mean unlimited.
	// Default: -1
	MaxConnections int
	// MaxPendingRequests is the number of in-flight operations above which an
	// idle connection is considered full and skipped by the fast path.
	// Default: 5
	MaxPendingRequests int
	// ExhaustedAction applies once MaxConnections is reached and nothing is idle.
	// Default: ExhaustedWait
	ExhaustedAction ExhaustedAction
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWait:            -1,
		MaxConnections:     -1,
		MaxPendingRequests: 5,
		ExhaustedAction:    ExhaustedWait,
	}
}

func (c Config) maxConnections() int32 {
	if c.MaxConnections < 1 || c.MaxConnections > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(c.MaxConnections)
}
