package admission

import "time"

// Timer is the handle of a scheduled dispatch.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the scheduler. AfterFunc must run f on its own
// goroutine or later, never synchronously from within AfterFunc.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock schedules on the runtime timer heap, which measures durations on
// the monotonic clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
