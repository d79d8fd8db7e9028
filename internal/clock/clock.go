// Package clock abstracts the trusted time source. Booking decisions must
// never depend on an unvalidated device clock, so components take a Clock
// instead of calling time.Now directly.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the host wall clock. The host is expected to be NTP-synced;
// that is a deployment concern, not an application one.
func System() Clock { return systemClock{} }

// Func adapts a plain function to the Clock interface. Handy in tests.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }
