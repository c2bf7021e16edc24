package model

import "fmt"

// AppointmentType is the kind of meeting being booked.
type AppointmentType string

const (
	TypeViewing      AppointmentType = "viewing"
	TypeMeeting      AppointmentType = "meeting"
	TypeCall         AppointmentType = "call"
	TypeInspection   AppointmentType = "inspection"
	TypeSigning      AppointmentType = "signing"
	TypeConsultation AppointmentType = "consultation"
)

// AppointmentTypes lists every type in display order.
var AppointmentTypes = []AppointmentType{
	TypeViewing, TypeMeeting, TypeCall, TypeInspection, TypeSigning, TypeConsultation,
}

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeViewing, TypeMeeting, TypeCall, TypeInspection, TypeSigning, TypeConsultation:
		return true
	}
	return false
}

// ParseAppointmentType converts raw input into a known type.
func ParseAppointmentType(s string) (AppointmentType, error) {
	t := AppointmentType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown appointment type %q", s)
	}
	return t, nil
}

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
	StatusNoShow      Status = "no_show"
)

// Statuses lists every status.
var Statuses = []Status{
	StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusRescheduled, StatusNoShow,
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusRescheduled, StatusNoShow:
		return true
	}
	return false
}

// Blocking reports whether an appointment in this status takes part in
// double-booking checks.
func (s Status) Blocking() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusRescheduled:
		return true
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return false
	}
	return false
}

// OccupiesTime reports whether the appointment still consumes the agent's
// time when generating slots.
func (s Status) OccupiesTime() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusRescheduled, StatusCompleted:
		return true
	case StatusCancelled, StatusNoShow:
		return false
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	case StatusScheduled, StatusConfirmed, StatusRescheduled:
		return false
	}
	return false
}

// ParseStatus converts raw input into a known status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// BlockingStatuses returns the statuses considered by conflict detection.
func BlockingStatuses() []Status {
	return []Status{StatusScheduled, StatusConfirmed, StatusRescheduled}
}

// Priority orders requests by urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank returns 0 for low up to 3 for urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return 0
}

// ParsePriority converts raw input into a known priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// AvailabilityKind marks what an availability entry means for the agent.
type AvailabilityKind string

const (
	KindAvailable AvailabilityKind = "available"
	KindBusy      AvailabilityKind = "busy"
	KindBreak     AvailabilityKind = "break"
	KindVacation  AvailabilityKind = "vacation"
)

func (k AvailabilityKind) Valid() bool {
	switch k {
	case KindAvailable, KindBusy, KindBreak, KindVacation:
		return true
	}
	return false
}

// Subtracts reports whether the kind removes time from available windows.
func (k AvailabilityKind) Subtracts() bool {
	switch k {
	case KindBusy, KindBreak, KindVacation:
		return true
	case KindAvailable:
		return false
	}
	return false
}

// Frequency is the repeat unit of a recurring pattern.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// ReminderType is the delivery channel of a reminder.
type ReminderType string

const (
	ReminderEmail ReminderType = "email"
	ReminderSMS   ReminderType = "sms"
	ReminderPush  ReminderType = "push"
)

func (r ReminderType) Valid() bool {
	switch r {
	case ReminderEmail, ReminderSMS, ReminderPush:
		return true
	}
	return false
}
