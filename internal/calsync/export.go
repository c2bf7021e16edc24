// Package calsync converts between appointments and iCalendar data.
package calsync

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"agentcal/internal/availability"
	"agentcal/internal/model"
)

const defaultProductID = "-//agentcal//calendar//EN"

// ExportOptions tune the generated calendar.
type ExportOptions struct {
	ProductID string
	Name      string
	// IncludeCancelled keeps cancelled and no-show appointments as
	// STATUS:CANCELLED events.
	IncludeCancelled bool
	Now              time.Time
}

var statusMap = map[model.Status]ical.ObjectStatus{
	model.StatusScheduled:   ical.ObjectStatusTentative,
	model.StatusRescheduled: ical.ObjectStatusTentative,
	model.StatusConfirmed:   ical.ObjectStatusConfirmed,
	model.StatusCompleted:   ical.ObjectStatusConfirmed,
	model.StatusCancelled:   ical.ObjectStatusCancelled,
	model.StatusNoShow:      ical.ObjectStatusCancelled,
}

// ExportICS writes appts as a VCALENDAR with one VEVENT per appointment.
func ExportICS(w io.Writer, appts []model.Appointment, opts ExportOptions) error {
	if opts.ProductID == "" {
		opts.ProductID = defaultProductID
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(opts.ProductID)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}

	for i := range appts {
		a := &appts[i]
		if !opts.IncludeCancelled && (a.Status == model.StatusCancelled || a.Status == model.StatusNoShow) {
			continue
		}
		if err := addEvent(cal, a, opts.Now); err != nil {
			return fmt.Errorf("export appointment %s: %w", a.ID, err)
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

func addEvent(cal *ical.Calendar, a *model.Appointment, now time.Time) error {
	ev := cal.AddEvent(a.ID)
	ev.SetDtStampTime(now.UTC())
	ev.SetCreatedTime(a.CreatedAt.UTC())
	ev.SetModifiedAt(a.UpdatedAt.UTC())
	ev.SetProperty(ical.ComponentPropertySequence, strconv.FormatInt(a.Version-1, 10))
	ev.SetStartAt(a.StartTime.UTC())
	ev.SetEndAt(a.EndTime.UTC())
	ev.SetSummary(a.Title)
	if a.Description != "" {
		ev.SetDescription(a.Description)
	}
	if a.Location != "" {
		ev.SetLocation(a.Location)
	}
	if a.MeetingURL != "" {
		ev.SetURL(a.MeetingURL)
	}
	if s, ok := statusMap[a.Status]; ok {
		ev.SetStatus(s)
	}
	ev.AddProperty(ical.ComponentPropertyCategories, strings.ToUpper(string(a.Type)))
	for _, at := range a.Attendees {
		if at.Email == "" {
			continue
		}
		var params []ical.PropertyParameter
		if at.Name != "" {
			params = append(params, ical.WithCN(at.Name))
		}
		ev.AddAttendee(at.Email, params...)
	}
	if a.RecurringPattern != nil {
		rule, err := availability.RuleFor(a.RecurringPattern, a.StartTime.UTC(), a.StartTime.UTC().Weekday())
		if err != nil {
			return err
		}
		ev.AddRrule(rule.OrigOptions.RRuleString())
	}
	return nil
}
