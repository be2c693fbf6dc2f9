package clock

import (
	"fmt"
	"time"
)

// Clock is the authoritative source of "now" for every component. The
// engine and its tests receive time only through this interface.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in a fixed display timezone.
type SystemClock struct {
	loc *time.Location
}

// NewSystemClock loads the given IANA timezone name.
func NewSystemClock(timezone string) (*SystemClock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return &SystemClock{loc: loc}, nil
}

// Now returns the current time in the display timezone.
func (c *SystemClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the display timezone.
func (c *SystemClock) Location() *time.Location {
	return c.loc
}
