// Package clock provides the single source of "now" for the engine.
// Injecting a Clock keeps cron arithmetic and tick behavior testable and
// makes dry runs against a fixed instant possible.
package clock

import "time"

// Clock yields the current UTC instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns a Clock backed by the wall clock.
func System() Clock { return systemClock{} }

// Fixed returns a Clock frozen at t. Test and dry-run use only.
func Fixed(t time.Time) Clock { return fixedClock{t.UTC()} }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
