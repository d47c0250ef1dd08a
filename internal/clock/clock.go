// Package clock abstracts wall-clock time and timers so that heartbeat and
// reconnect scheduling can be driven by logical time in tests.
package clock

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. Returns false if the timer
	// already fired or was already stopped.
	Stop() bool
}

// Clock produces the current time and one-shot timers.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real clock) or inline from
	// Advance (fake clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
