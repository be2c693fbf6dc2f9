package clock

import (
	"fmt"
	"time"
)

const (
	// DayKeyLayout is the local-date key for a logical day.
	DayKeyLayout = "2006-01-02"
	// SlotIDLayout is the key for one schedulable hour within a day.
	SlotIDLayout = "2006-01-02T15:04"

	HoursPerDay = 24
)

// Calendar derives day and slot keys from timestamps. A logical day starts
// at the configured transition hour and runs for 24 hours; a timestamp
// before the transition hour still belongs to the previous logical day.
type Calendar struct {
	loc *time.Location
}

// NewCalendar builds a calendar in the given timezone.
func NewCalendar(timezone string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return &Calendar{loc: loc}, nil
}

// Location returns the calendar's timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// DayStartFor returns the start of the logical day containing t.
//
// With transition hour 6:
//   - 2024-01-15 08:00 -> 2024-01-15 06:00 (day "2024-01-15")
//   - 2024-01-15 03:00 -> 2024-01-14 06:00 (day "2024-01-14")
func (c *Calendar) DayStartFor(t time.Time, transitionHour int) time.Time {
	t = t.In(c.loc)
	if t.Hour() < transitionHour {
		t = t.AddDate(0, 0, -1)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), transitionHour, 0, 0, 0, c.loc)
}

// DayKeyFor returns the day key (YYYY-MM-DD) for the logical day containing t.
func (c *Calendar) DayKeyFor(t time.Time, transitionHour int) string {
	return c.DayStartFor(t, transitionHour).Format(DayKeyLayout)
}

// ParseDay parses a day key to its start instant, with the transition hour
// applied.
func (c *Calendar) ParseDay(dayKey string, transitionHour int) (time.Time, error) {
	t, err := time.ParseInLocation(DayKeyLayout, dayKey, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day key %q: %w", dayKey, err)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), transitionHour, 0, 0, 0, c.loc), nil
}

// DayCloseTime returns the cutoff instant for a day start: one second
// before the next day's transition hour.
func DayCloseTime(dayStart time.Time) time.Time {
	return dayStart.Add(24*time.Hour - time.Second)
}

// SlotID formats a slot key from the day key and a calendar hour.
func SlotID(dayKey string, hour int) string {
	return fmt.Sprintf("%sT%02d:00", dayKey, hour)
}

// SlotStart returns the start instant of the slot at (dayKey, hour).
func (c *Calendar) SlotStart(dayKey string, hour int) (time.Time, error) {
	t, err := time.ParseInLocation(SlotIDLayout, SlotID(dayKey, hour), c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slot %s hour %d: %w", dayKey, hour, err)
	}
	return t, nil
}

// HourStart truncates t to the start of its hour.
func HourStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// NextHourStart returns the start of the hour after t.
func NextHourStart(t time.Time) time.Time {
	return HourStart(t).Add(time.Hour)
}

// LogicalToCalendarHour maps a grid index (0-23, counted from the
// transition hour) to a calendar hour.
func LogicalToCalendarHour(logical, transitionHour int) int {
	return (transitionHour + logical) % HoursPerDay
}

// CalendarToLogicalHour maps a calendar hour back to its grid index.
func CalendarToLogicalHour(calendarHour, transitionHour int) int {
	return (calendarHour - transitionHour + HoursPerDay) % HoursPerDay
}

// FormatHourRange renders a calendar hour as "HH:00-HH:00".
func FormatHourRange(calendarHour int) string {
	return fmt.Sprintf("%02d:00-%02d:00", calendarHour, (calendarHour+1)%HoursPerDay)
}
