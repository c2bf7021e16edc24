package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay is the largest valid TimeOfDay, used as an end-of-day marker.
const MinutesPerDay = 24 * 60

// TimeOfDay is a local wall-clock time as minutes after midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM". "24:00" is accepted as end of day.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time format: %s", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour: %w", err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute: %w", err)
	}
	if minute < 0 || minute > 59 || hour < 0 || hour > 24 || (hour == 24 && minute != 0) {
		return 0, fmt.Errorf("time out of range: %s", s)
	}
	return TimeOfDay(hour*60 + minute), nil
}

// MustTimeOfDay is ParseTimeOfDay for literals.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// On places the time of day on the given local date. 24:00 becomes the
// following midnight.
func (t TimeOfDay) On(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, int(t)/60, int(t)%60, 0, 0, loc)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Date is a civil calendar date without a time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the civil date of t in its own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date format '%s', expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// In returns local midnight of the date in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) Weekday() time.Weekday {
	return d.In(time.UTC).Weekday()
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool {
	return d.In(time.UTC).Before(o.In(time.UTC))
}

func (d Date) After(o Date) bool {
	return d.In(time.UTC).After(o.In(time.UTC))
}

// MarshalText renders the zero date as an empty string.
func (d Date) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// AvailabilityEntry is a recurring or date-specific window on an agent's
// calendar. Recurring entries use DayOfWeek, explicit ones use Date.
type AvailabilityEntry struct {
	ID               string            `json:"id"`
	UserID           string            `json:"userId"`
	Kind             AvailabilityKind  `json:"kind"`
	DayOfWeek        time.Weekday      `json:"dayOfWeek"`
	IsRecurring      bool              `json:"isRecurring"`
	RecurringPattern *RecurringPattern `json:"recurringPattern,omitempty"`
	Date             Date              `json:"date,omitempty"`
	StartTime        TimeOfDay         `json:"startTime"`
	EndTime          TimeOfDay         `json:"endTime"`
	Timezone         string            `json:"timezone"`
	EffectiveFrom    Date              `json:"effectiveFrom,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// Location loads the entry's timezone, defaulting to UTC.
func (e *AvailabilityEntry) Location() (*time.Location, error) {
	if e.Timezone == "" || e.Timezone == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return nil, fmt.Errorf("entry %s: load timezone %q: %w", e.ID, e.Timezone, err)
	}
	return loc, nil
}

// Window returns the entry's interval on the given local date in UTC.
func (e *AvailabilityEntry) Window(d Date, loc *time.Location) (time.Time, time.Time) {
	start := e.StartTime.On(d.Year, d.Month, d.Day, loc)
	end := e.EndTime.On(d.Year, d.Month, d.Day, loc)
	return start.UTC(), end.UTC()
}

// IntervalState tells whether a resolved interval can be booked.
type IntervalState string

const (
	StateAvailable   IntervalState = "available"
	StateUnavailable IntervalState = "unavailable"
)

// Interval is a resolved span of an agent's calendar in UTC.
type Interval struct {
	Start time.Time     `json:"start"`
	End   time.Time     `json:"end"`
	State IntervalState `json:"state"`
}

// Duration returns the length of the interval.
func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Contains reports whether [start, end) lies inside the interval.
func (i Interval) Contains(start, end time.Time) bool {
	return !start.Before(i.Start) && !end.After(i.End)
}
