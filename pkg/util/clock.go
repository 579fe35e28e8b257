package util

import "time"

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always reports the same instant; used by tests that assert on timestamps.
type FixedClock struct{ At time.Time }

func (c FixedClock) Now() time.Time { return c.At }
