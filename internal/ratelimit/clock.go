package ratelimit

import "time"

// Clock abstracts time.Now so rate limiters can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
