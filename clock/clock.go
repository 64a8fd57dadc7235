// Package clock supplies the wall-clock source the cache uses for age and
// freshness-lifetime arithmetic, so tests can substitute a fixed instant.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by time.Now.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed is a Clock that always reports the same instant. Useful in tests
// that assert on age/freshness math without racing the real clock.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }
