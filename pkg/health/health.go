package health

import (
	"context"
	"time"
)

// Result is the outcome of one reachability probe.
type Result struct {
	Reachable bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one endpoint. Implementations must be safe for concurrent
// use.
type Checker interface {
	Check(ctx context.Context) Result
}
