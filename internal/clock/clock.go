package clock

import "time"

// Clock is the time source used by stores and backends. Expiry decisions,
// lease lifetimes and retry backoff all read time through it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the system clock in UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns c when non-nil, otherwise Real.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
