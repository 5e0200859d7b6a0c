package domain

import "time"

// Clock is the trusted time source used for window validation and
// timestamp stamping. Production wiring uses SystemClock; tests substitute
// a fixed clock to exercise the time-gated paths.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
