package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time in the calculator's location.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM" (24h). "9:05" is accepted as well.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, Invalid("time", "%q is not HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || len(h) > 2 || hour < 0 || hour > 23 {
		return TimeOfDay{}, Invalid("time", "%q has an invalid hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 || minute < 0 || minute > 59 {
		return TimeOfDay{}, Invalid("time", "%q has an invalid minute", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// Date is a calendar day without a location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format(time.DateOnly)
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, Invalid("date", "%q is not YYYY-MM-DD", s)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday accepts English names ("monday"), three-letter abbreviations
// ("Mon") and the numeric form 0-6 with 0 = Sunday. Case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(key); err == nil {
		if n < 0 || n > 6 {
			return 0, Invalid("weekdays", "%q is out of range 0-6", s)
		}
		return time.Weekday(n), nil
	}
	if wd, ok := weekdayNames[key]; ok {
		return wd, nil
	}
	if len(key) == 3 {
		for name, wd := range weekdayNames {
			if strings.HasPrefix(name, key) {
				return wd, nil
			}
		}
	}
	return 0, Invalid("weekdays", "unknown weekday %q", s)
}

// ParseWeekdays parses every entry and drops duplicates, keeping first-seen order.
func ParseWeekdays(in []string) ([]time.Weekday, error) {
	seen := make(map[time.Weekday]bool, len(in))
	out := make([]time.Weekday, 0, len(in))
	for _, s := range in {
		wd, err := ParseWeekday(s)
		if err != nil {
			return nil, err
		}
		if !seen[wd] {
			seen[wd] = true
			out = append(out, wd)
		}
	}
	return out, nil
}

// WeekdayName is the lowercase English name used for storage.
func WeekdayName(wd time.Weekday) string {
	return strings.ToLower(wd.String())
}

// ParseSpec builds a Spec from its stored or submitted string form.
func ParseSpec(kind, timeOfDay, date string, weekdays []string) (Spec, error) {
	spec := Spec{Kind: Kind(strings.ToLower(strings.TrimSpace(kind)))}
	if spec.Kind != Once && spec.Kind != Weekly {
		return Spec{}, Invalid("kind", "unknown schedule type %q", kind)
	}

	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return Spec{}, err
	}
	spec.TimeOfDay = tod

	switch spec.Kind {
	case Once:
		if spec.Date, err = ParseDate(date); err != nil {
			return Spec{}, err
		}
	case Weekly:
		if len(weekdays) == 0 {
			return Spec{}, Invalid("weekdays", "at least one weekday is required")
		}
		if spec.Weekdays, err = ParseWeekdays(weekdays); err != nil {
			return Spec{}, err
		}
	}
	return spec, nil
}
