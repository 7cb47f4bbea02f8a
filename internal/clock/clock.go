// Package clock provides an injectable time source.
//
// Production code takes a Clock instead of calling time.Now or
// time.AfterFunc directly. Real() wraps the time package; Fake() gives tests
// a clock that only moves when Advance is called, so join delays, heartbeat
// intervals and the pairing-loop window can be exercised deterministically.
package clock

import "time"

// Clock abstracts the two time operations the relay needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously from
	// Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call. It reports whether the call was still pending.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
