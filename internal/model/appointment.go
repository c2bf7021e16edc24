// Package model holds the calendar domain types shared by every component.
package model

import (
	"time"
)

// Attendee is a participant of an appointment.
type Attendee struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Reminder describes when a participant should be notified.
type Reminder struct {
	Type          ReminderType `json:"type"`
	MinutesBefore int          `json:"minutesBefore"`
	Sent          bool         `json:"sent"`
}

// RecurringPattern is a single repeat rule attached to an appointment or
// availability entry. It is never expanded into stored instances.
type RecurringPattern struct {
	Frequency  Frequency      `json:"frequency"`
	Interval   int            `json:"interval"`
	EndDate    *time.Time     `json:"endDate,omitempty"`
	DaysOfWeek []time.Weekday `json:"daysOfWeek,omitempty"`
}

// EffectiveInterval returns the interval with the default of 1 applied.
func (p *RecurringPattern) EffectiveInterval() int {
	if p == nil || p.Interval <= 0 {
		return 1
	}
	return p.Interval
}

// Appointment is a booked meeting on an agent's calendar.
type Appointment struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Type             AppointmentType   `json:"type"`
	Status           Status            `json:"status"`
	Priority         Priority          `json:"priority"`
	StartTime        time.Time         `json:"startTime"`
	EndTime          time.Time         `json:"endTime"`
	Location         string            `json:"location,omitempty"`
	MeetingURL       string            `json:"meetingUrl,omitempty"`
	ContactID        string            `json:"contactId,omitempty"`
	AssignedToID     string            `json:"assignedToId"`
	PropertyID       string            `json:"propertyId,omitempty"`
	Attendees        []Attendee        `json:"attendees"`
	Reminders        []Reminder        `json:"reminders"`
	Metadata         map[string]string `json:"metadata"`
	RecurringPattern *RecurringPattern `json:"recurringPattern,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Duration returns the length of the appointment.
func (a *Appointment) Duration() time.Duration {
	return a.EndTime.Sub(a.StartTime)
}

// Overlaps reports whether the appointment intersects [start, end).
// Touching boundaries do not overlap.
func (a *Appointment) Overlaps(start, end time.Time) bool {
	return Overlaps(a.StartTime, a.EndTime, start, end)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (a *Appointment) Clone() *Appointment {
	if a == nil {
		return nil
	}
	out := *a
	if a.Attendees != nil {
		out.Attendees = append([]Attendee(nil), a.Attendees...)
	}
	if a.Reminders != nil {
		out.Reminders = append([]Reminder(nil), a.Reminders...)
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.RecurringPattern != nil {
		p := *a.RecurringPattern
		p.DaysOfWeek = append([]time.Weekday(nil), a.RecurringPattern.DaysOfWeek...)
		if a.RecurringPattern.EndDate != nil {
			end := *a.RecurringPattern.EndDate
			p.EndDate = &end
		}
		out.RecurringPattern = &p
	}
	return &out
}

// Overlaps is the half-open interval test [aStart, aEnd) vs [bStart, bEnd).
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
