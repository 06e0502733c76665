// Package recurrence computes when a scheduled broadcast is next due.
//
// All arithmetic happens in one fixed location (the configured
// schedule.timezone), never UTC or the host's local zone, so "14:30" means
// the same wall-clock time wherever the service runs.
package recurrence

import (
	"time"

	"github.com/teranos/groupcast/errors"
)

// Kind is the recurrence type of a job.
type Kind string

const (
	Once   Kind = "once"
	Weekly Kind = "weekly"
)

// DefaultTimezone is used when no schedule.timezone is configured.
const DefaultTimezone = "America/Sao_Paulo"

// Spec is a parsed recurrence.
type Spec struct {
	Kind      Kind
	TimeOfDay TimeOfDay
	Date      Date           // once only
	Weekdays  []time.Weekday // weekly only
}

// Calculator computes next-due timestamps in a fixed location.
type Calculator struct {
	loc *time.Location
}

// NewCalculator binds a calculator to loc.
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// LoadCalculator resolves an IANA zone name. Empty means DefaultTimezone.
func LoadCalculator(name string) (*Calculator, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", name)
	}
	return NewCalculator(loc), nil
}

// Location returns the calculator's zone.
func (c *Calculator) Location() *time.Location {
	return c.loc
}

// Validate checks the structure of spec without regard to the current time.
func (c *Calculator) Validate(spec Spec) error {
	switch spec.Kind {
	case Once:
		if spec.Date == (Date{}) {
			return Invalid("date", "required for once schedules")
		}
	case Weekly:
		if len(spec.Weekdays) == 0 {
			return Invalid("weekdays", "at least one weekday is required")
		}
	default:
		return Invalid("kind", "unknown schedule type %q", spec.Kind)
	}
	return nil
}

// ComputeNextRun returns the next due instant strictly after now, or a
// ValidationError when spec cannot produce one. The result is in the
// calculator's location.
func (c *Calculator) ComputeNextRun(spec Spec, now time.Time) (time.Time, error) {
	if err := c.Validate(spec); err != nil {
		return time.Time{}, err
	}
	now = now.In(c.loc)

	if spec.Kind == Once {
		at := c.at(spec.Date.Year, spec.Date.Month, spec.Date.Day, spec.TimeOfDay)
		if !at.After(now) {
			return time.Time{}, Invalid("date", "%s %s is not in the future", spec.Date, spec.TimeOfDay)
		}
		return at, nil
	}

	days := make(map[time.Weekday]bool, len(spec.Weekdays))
	for _, wd := range spec.Weekdays {
		days[wd] = true
	}

	// AddDate walks calendar days, so a DST shift never moves the time of day.
	for i := 0; i < 7; i++ {
		day := now.AddDate(0, 0, i)
		if !days[day.Weekday()] {
			continue
		}
		at := c.at(day.Year(), day.Month(), day.Day(), spec.TimeOfDay)
		if at.After(now) {
			return at, nil
		}
	}

	// Only reachable when today is the sole matching weekday and its slot has passed.
	week := now.AddDate(0, 0, 7)
	return c.at(week.Year(), week.Month(), week.Day(), spec.TimeOfDay), nil
}

func (c *Calculator) at(year int, month time.Month, day int, tod TimeOfDay) time.Time {
	return time.Date(year, month, day, tod.Hour, tod.Minute, 0, 0, c.loc)
}
