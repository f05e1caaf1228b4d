// Package capacity defines the error type returned when admission control
// rejects a request outright because too many callers are already waiting.
//
// Capacity rejections are retryable and must be distinguishable from
// generator failures, so they carry their own type instead of being plain
// wrapped errors. Use errors.Is(err, capacity.ErrQueueFull) or
// capacity.IsCapacity to branch on them.
package capacity

import (
	"errors"
	"fmt"
)

// ErrQueueFull is the sentinel all queue-capacity rejections match.
var ErrQueueFull = errors.New("capacity: request queue is full")

// Error is a structured capacity rejection. It matches ErrQueueFull under
// errors.Is so callers can branch without depending on the concrete type.
type Error struct {
	// Provider is the provider the rejected request was destined for.
	Provider string

	// Waiting is the number of requests already queued at rejection time.
	Waiting int

	// Limit is the configured maximum queue size.
	Limit int
}

func (e *Error) Error() string {
	return fmt.Sprintf("capacity: request queue is full (provider=%s waiting=%d limit=%d), retry later",
		e.Provider, e.Waiting, e.Limit)
}

// Is makes errors.Is(err, ErrQueueFull) succeed for *Error values.
func (e *Error) Is(target error) bool {
	return target == ErrQueueFull
}

// IsCapacity reports whether err is a capacity rejection.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrQueueFull)
}
