package store

import (
	"fmt"
	"strings"
	"time"

	"agentcal/internal/apperr"
	"agentcal/internal/model"
)

// CreateRequest carries the caller-supplied fields of a new appointment.
type CreateRequest struct {
	Title            string                  `json:"title"`
	Description      string                  `json:"description,omitempty"`
	Type             model.AppointmentType   `json:"type"`
	Status           model.Status            `json:"status,omitempty"`
	Priority         model.Priority          `json:"priority,omitempty"`
	StartTime        time.Time               `json:"startTime"`
	EndTime          time.Time               `json:"endTime"`
	Location         string                  `json:"location,omitempty"`
	MeetingURL       string                  `json:"meetingUrl,omitempty"`
	ContactID        string                  `json:"contactId,omitempty"`
	AssignedToID     string                  `json:"assignedToId"`
	PropertyID       string                  `json:"propertyId,omitempty"`
	Attendees        []model.Attendee        `json:"attendees,omitempty"`
	Reminders        []model.Reminder        `json:"reminders,omitempty"`
	Metadata         map[string]string       `json:"metadata,omitempty"`
	RecurringPattern *model.RecurringPattern `json:"recurringPattern,omitempty"`
}

// UpdateRequest is a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	Title            *string                 `json:"title,omitempty"`
	Description      *string                 `json:"description,omitempty"`
	Type             *model.AppointmentType  `json:"type,omitempty"`
	Status           *model.Status           `json:"status,omitempty"`
	Priority         *model.Priority         `json:"priority,omitempty"`
	StartTime        *time.Time              `json:"startTime,omitempty"`
	EndTime          *time.Time              `json:"endTime,omitempty"`
	Location         *string                 `json:"location,omitempty"`
	MeetingURL       *string                 `json:"meetingUrl,omitempty"`
	ContactID        *string                 `json:"contactId,omitempty"`
	AssignedToID     *string                 `json:"assignedToId,omitempty"`
	PropertyID       *string                 `json:"propertyId,omitempty"`
	Attendees        *[]model.Attendee       `json:"attendees,omitempty"`
	Reminders        *[]model.Reminder       `json:"reminders,omitempty"`
	Metadata         map[string]string       `json:"metadata,omitempty"`
	RecurringPattern *model.RecurringPattern `json:"recurringPattern,omitempty"`
	ClearRecurrence  bool                    `json:"clearRecurrence,omitempty"`
}

// IsEmpty reports whether the request changes nothing.
func (r UpdateRequest) IsEmpty() bool {
	return r.Title == nil && r.Description == nil && r.Type == nil && r.Status == nil &&
		r.Priority == nil && r.StartTime == nil && r.EndTime == nil && r.Location == nil &&
		r.MeetingURL == nil && r.ContactID == nil && r.AssignedToID == nil && r.PropertyID == nil &&
		r.Attendees == nil && r.Reminders == nil && r.Metadata == nil && r.RecurringPattern == nil &&
		!r.ClearRecurrence
}

// Validate checks a create request and applies defaults.
func (r *CreateRequest) Validate() error {
	v := &apperr.ValidationError{}
	if strings.TrimSpace(r.Title) == "" {
		v.Add("title", "is required")
	}
	if strings.TrimSpace(r.AssignedToID) == "" {
		v.Add("assignedToId", "is required")
	}
	if !r.Type.Valid() {
		v.Add("type", "must be one of %v", model.AppointmentTypes)
	}
	if r.Priority == "" {
		r.Priority = model.PriorityMedium
	} else if !r.Priority.Valid() {
		v.Add("priority", "unknown priority %q", r.Priority)
	}
	if r.Status == "" {
		r.Status = model.StatusScheduled
	} else if r.Status != model.StatusScheduled && r.Status != model.StatusConfirmed {
		v.Add("status", "new appointments must be scheduled or confirmed")
	}
	validateTimes(v, r.StartTime, r.EndTime)
	validateAttendees(v, r.Attendees)
	validateReminders(v, r.Reminders)
	validatePattern(v, r.RecurringPattern)
	return v.OrNil()
}

// Validate checks the fields present in an update request.
func (r *UpdateRequest) Validate() error {
	v := &apperr.ValidationError{}
	if r.IsEmpty() {
		v.Add("body", "no fields to update")
	}
	if r.Title != nil && strings.TrimSpace(*r.Title) == "" {
		v.Add("title", "must not be empty")
	}
	if r.AssignedToID != nil && strings.TrimSpace(*r.AssignedToID) == "" {
		v.Add("assignedToId", "must not be empty")
	}
	if r.Type != nil && !r.Type.Valid() {
		v.Add("type", "unknown type %q", *r.Type)
	}
	if r.Priority != nil && !r.Priority.Valid() {
		v.Add("priority", "unknown priority %q", *r.Priority)
	}
	if r.Status != nil && !r.Status.Valid() {
		v.Add("status", "unknown status %q", *r.Status)
	}
	if r.Attendees != nil {
		validateAttendees(v, *r.Attendees)
	}
	if r.Reminders != nil {
		validateReminders(v, *r.Reminders)
	}
	if r.RecurringPattern != nil && r.ClearRecurrence {
		v.Add("clearRecurrence", "cannot be combined with recurringPattern")
	}
	validatePattern(v, r.RecurringPattern)
	return v.OrNil()
}

func validateTimes(v *apperr.ValidationError, start, end time.Time) {
	if start.IsZero() {
		v.Add("startTime", "is required")
	}
	if end.IsZero() {
		v.Add("endTime", "is required")
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		v.Add("endTime", "must be after startTime")
	}
}

func validateAttendees(v *apperr.ValidationError, attendees []model.Attendee) {
	for i, a := range attendees {
		if strings.TrimSpace(a.Name) == "" && strings.TrimSpace(a.Email) == "" {
			v.Add(fmt.Sprintf("attendees[%d]", i), "name or email is required")
		}
		if a.Email != "" && !strings.Contains(a.Email, "@") {
			v.Add(fmt.Sprintf("attendees[%d].email", i), "invalid email %q", a.Email)
		}
	}
}

func validateReminders(v *apperr.ValidationError, reminders []model.Reminder) {
	for i, r := range reminders {
		if !r.Type.Valid() {
			v.Add(fmt.Sprintf("reminders[%d].type", i), "unknown reminder type %q", r.Type)
		}
		if r.MinutesBefore < 0 {
			v.Add(fmt.Sprintf("reminders[%d].minutesBefore", i), "must not be negative")
		}
	}
}

func validatePattern(v *apperr.ValidationError, p *model.RecurringPattern) {
	if p == nil {
		return
	}
	if !p.Frequency.Valid() {
		v.Add("recurringPattern.frequency", "unknown frequency %q", p.Frequency)
	}
	if p.Interval < 0 {
		v.Add("recurringPattern.interval", "must not be negative")
	}
	for i, d := range p.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			v.Add(fmt.Sprintf("recurringPattern.daysOfWeek[%d]", i), "must be between 0 and 6")
		}
	}
}
