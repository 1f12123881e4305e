package clock

import "time"

// Clock provides monotonic time since process start.
// time.Since reads the monotonic clock, so readings never go backwards
// even if the wall clock is adjusted; lock deadlines and token leases
// are all expressed relative to this clock.
type Clock struct {
	startTime time.Time
}

func New() *Clock {
	return &Clock{
		startTime: time.Now(),
	}
}

// duration since process start, always moving forward
func (c *Clock) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// expiry instant for the given TTL, relative to process start
func (c *Clock) ExpiresAt(ttl time.Duration) time.Duration {
	return c.Elapsed() + ttl
}
