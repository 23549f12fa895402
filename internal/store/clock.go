package store

import "time"

// Clock abstracts time so retention and trend jobs are testable without
// real timers.
type Clock interface {
	Now() time.Time
}

// systemClock is the default wall-clock implementation.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock Clock used in production.
func SystemClock() Clock { return systemClock{} }
