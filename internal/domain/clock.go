package domain

import "time"

// Clock provides the current time. Implementations may be real (production)
// or deterministic (testing). The domain defines the interface; adapters and
// tests provide implementations.
type Clock interface {
	// Now returns the current time. The returned time includes both wall clock
	// and monotonic readings when using RealClock.
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}

// Ensure RealClock implements Clock at compile time.
var _ Clock = RealClock{}
