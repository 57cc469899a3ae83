package engine

import (
	"errors"
	"fmt"
)

// Error classes for the clock kernel. Use errors.Is to check the class.
//
//   - ErrConfig: invalid scheduler configuration, fatal at construction
//     or at the tick boundary.
//   - ErrClockStopped: the clock has shut down and cannot be restarted.
//   - ErrPoolClosed: the dispatch pool was torn down. The Dispatcher
//     recovers from this itself; it never reaches the scheduler.
var (
	ErrConfig       = errors.New("configuration error")
	ErrClockStopped = errors.New("master clock stopped")
	ErrPoolClosed   = errors.New("worker pool closed")
)

func wrapConfig(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfig, msg)
}

func wrapConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
