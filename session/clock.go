package session

import "time"

// Timer is the subset of *time.Timer the machine uses.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for deterministic tests. Implementations must be safe
// for concurrent use.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock uses the standard library timers.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc runs f on its own goroutine after d.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
