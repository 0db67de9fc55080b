package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock returns a preset time, advanced manually by tests.
// Params: Current holds the time returned by Now.
// Returns: deterministic clock for unit tests.
type FixedClock struct {
	Current time.Time
}

// Now returns the preset timestamp.
// Params: none.
// Returns: configured timestamp.
func (c *FixedClock) Now() time.Time {
	return c.Current
}

// Advance moves the preset timestamp forward.
// Params: delta to add to the current timestamp.
// Returns: none.
func (c *FixedClock) Advance(delta time.Duration) {
	c.Current = c.Current.Add(delta)
}
