// Package clock abstracts wall-clock time so the scheduler loop can be
// driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(), whose time stands still
// until Advance is called.
package clock

import "time"

// Clock is the subset of the time package the simulation kernel needs.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// After returns a channel that receives the time once d has elapsed.
	// If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return time.After(d)
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
