package orchestrator

import "time"

// Clock abstracts time for the reaper and completion stamps so tests can
// drive it deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }
