// Package cronsched wraps robfig/cron with the two operations the scheduler
// needs: the next fire time after a base instant and the previous fire time
// before it. Expressions are standard 5-field cron, evaluated in UTC.
package cronsched

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// prevWindows are the lookback spans Prev probes, narrowest first. A valid
// 5-field expression fires at least once per year, so the widest window is
// definitive.
var prevWindows = []time.Duration{
	25 * time.Hour,
	32 * 24 * time.Hour,
	366 * 24 * time.Hour,
}

// Expression is a parsed cron expression.
type Expression struct {
	src   string
	sched cron.Schedule
}

// Parse parses a 5-field cron expression (min hour dom month dow).
func Parse(expr string) (*Expression, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return &Expression{src: expr, sched: sched}, nil
}

// String returns the original expression.
func (e *Expression) String() string { return e.src }

// Next returns the first fire time strictly after base.
func (e *Expression) Next(base time.Time) time.Time {
	return e.sched.Next(base.UTC())
}

// Prev returns the last fire time strictly before base, or the zero time if
// none falls within the past year. robfig/cron only walks forward, so Prev
// walks fire times forward from the start of a lookback window and keeps the
// last one before base, widening the window when a sparse expression had no
// fire in it.
func (e *Expression) Prev(base time.Time) time.Time {
	b := base.UTC()
	for _, window := range prevWindows {
		var last time.Time
		for t := e.sched.Next(b.Add(-window)); !t.IsZero() && t.Before(b); t = e.sched.Next(t) {
			last = t
		}
		if !last.IsZero() {
			return last
		}
	}
	return time.Time{}
}
