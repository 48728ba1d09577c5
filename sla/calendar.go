package sla

import (
	"slices"
	"time"
)

// dateFormat is the layout for holiday entries.
const dateFormat = "2006-01-02"

// Calendar defines the business-hours windows SLA time accrues in. All
// calendar math happens in the calendar's location; there is no wall-clock
// DST adjustment beyond what the location itself applies.
type Calendar struct {
	// Weekdays are the working days of the week. Must not be empty.
	Weekdays []time.Weekday `json:"weekdays"`

	// StartHour (inclusive) and EndHour (exclusive) bound the working window
	// on a working day.
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`

	// Holidays lists non-working dates as "2006-01-02" strings.
	Holidays []string `json:"holidays,omitempty"`

	Location *time.Location `json:"-"`
}

// DefaultCalendar is Monday through Friday, 09:00-17:00 UTC, no holidays.
func DefaultCalendar() Calendar {
	return Calendar{
		Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour: 9,
		EndHour:   17,
		Location:  time.UTC,
	}
}

func (c Calendar) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}

	return time.UTC
}

// IsBusinessDay reports whether t falls on a working day that is not a
// holiday.
func (c Calendar) IsBusinessDay(t time.Time) bool {
	t = t.In(c.location())

	if !slices.Contains(c.Weekdays, t.Weekday()) {
		return false
	}

	return !slices.Contains(c.Holidays, t.Format(dateFormat))
}

// dayWindow returns the working window of t's calendar date.
func (c Calendar) dayWindow(t time.Time) (time.Time, time.Time) {
	year, month, day := t.In(c.location()).Date()

	start := time.Date(year, month, day, c.StartHour, 0, 0, 0, c.location())
	end := time.Date(year, month, day, c.EndHour, 0, 0, 0, c.location())

	return start, end
}

// NextWindowStart returns the next instant inside business hours: t itself
// when t already falls inside a window, otherwise the start of the next
// window.
func (c Calendar) NextWindowStart(t time.Time) time.Time {
	t = t.In(c.location())

	for {
		start, end := c.dayWindow(t)

		if c.IsBusinessDay(t) && t.Before(end) {
			if t.Before(start) {
				return start
			}

			return t
		}

		t = start.AddDate(0, 0, 1)
	}
}

// AddBusinessHours adds the given number of business hours to t, accruing
// day by day inside the calendar's windows. The accrual starts at
// NextWindowStart(t); a result landing exactly on a window end rolls over to
// the next window start.
func (c Calendar) AddBusinessHours(t time.Time, hours float64) time.Time {
	remaining := time.Duration(hours * float64(time.Hour))
	current := c.NextWindowStart(t)

	for remaining > 0 {
		_, end := c.dayWindow(current)
		available := end.Sub(current)

		if remaining < available {
			return current.Add(remaining)
		}

		remaining -= available
		current = c.NextWindowStart(end)
	}

	return current
}

// BusinessHoursBetween returns the number of business hours between start and
// end, iterating day by day and clamping each day's window to the interval.
// It returns 0 when start is not before end.
func (c Calendar) BusinessHoursBetween(start, end time.Time) float64 {
	start = start.In(c.location())
	end = end.In(c.location())

	if !start.Before(end) {
		return 0
	}

	total := 0.0

	year, month, day := start.Date()
	current := time.Date(year, month, day, 0, 0, 0, 0, c.location())

	for !current.After(end) {
		if c.IsBusinessDay(current) {
			dayStart, dayEnd := c.dayWindow(current)

			from := maxTime(start, dayStart)
			to := minTime(end, dayEnd)

			if from.Before(to) {
				total += to.Sub(from).Hours()
			}
		}

		current = current.AddDate(0, 0, 1)
	}

	return total
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}

	return b
}
