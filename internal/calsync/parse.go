package calsync

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

const defaultMaxOccurrences = 500

// BusyBlock is one busy span read from a calendar.
type BusyBlock struct {
	UID     string    `json:"uid"`
	Summary string    `json:"summary,omitempty"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	AllDay  bool      `json:"allDay,omitempty"`
}

// ParseOptions bound recurrence expansion.
type ParseOptions struct {
	From           time.Time
	To             time.Time
	MaxOccurrences int
}

// ParseBusy reads VEVENTs as busy blocks intersecting [From, To).
// Transparent and cancelled events are skipped. RRULE and EXDATE are
// expanded within the range.
func ParseBusy(r io.Reader, opts ParseOptions) ([]BusyBlock, error) {
	if !opts.To.After(opts.From) {
		return nil, errors.New("parse range end must be after start")
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = defaultMaxOccurrences
	}

	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var out []BusyBlock
	for _, ve := range cal.Events() {
		blocks, err := busyFromEvent(ve, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, blocks...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func busyFromEvent(ve *ical.VEvent, opts ParseOptions) ([]BusyBlock, error) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if strings.EqualFold(propValue(ve, ical.ComponentPropertyTransp), "TRANSPARENT") ||
		strings.EqualFold(propValue(ve, ical.ComponentPropertyStatus), string(ical.ObjectStatusCancelled)) {
		return nil, nil
	}

	start, end, allDay, err := eventTimes(ve)
	if err != nil {
		return nil, fmt.Errorf("event %q: %w", uid, err)
	}
	block := BusyBlock{UID: uid, Summary: propValue(ve, ical.ComponentPropertySummary), AllDay: allDay}

	raw := propValue(ve, ical.ComponentPropertyRrule)
	if raw == "" {
		if start.Before(opts.To) && end.After(opts.From) {
			block.Start, block.End = start.UTC(), end.UTC()
			return []BusyBlock{block}, nil
		}
		return nil, nil
	}

	rule, err := rrule.StrToRRule(raw)
	if err != nil {
		return nil, fmt.Errorf("event %q: rrule: %w", uid, err)
	}
	rule.DTStart(start)
	var set rrule.Set
	set.RRule(rule)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(strings.TrimSpace(part), start.Location()); err == nil {
				set.ExDate(t)
			}
		}
	}

	length := end.Sub(start)
	// Occurrences that started before From may still overlap it.
	occurrences := set.Between(opts.From.Add(-length), opts.To, true)
	var out []BusyBlock
	for _, occ := range occurrences {
		b := block
		b.Start, b.End = occ.UTC(), occ.Add(length).UTC()
		if !b.Start.Before(opts.To) || !b.End.After(opts.From) {
			continue
		}
		out = append(out, b)
		if len(out) == opts.MaxOccurrences {
			break
		}
	}
	return out, nil
}

func eventTimes(ve *ical.VEvent) (time.Time, time.Time, bool, error) {
	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return time.Time{}, time.Time{}, false, errors.New("missing DTSTART")
	}
	if !strings.Contains(dtstart.Value, "T") {
		start, err := time.ParseInLocation("20060102", dtstart.Value, time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("DTSTART: %w", err)
		}
		end := start.AddDate(0, 0, 1)
		if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
			if e, err := time.ParseInLocation("20060102", p.Value, time.UTC); err == nil && e.After(start) {
				end = e
			}
		}
		return start, end, true, nil
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil || !end.After(start) {
		// Without a usable DTEND the event is treated as one hour.
		end = start.Add(time.Hour)
	}
	return start, end, false, nil
}

func propValue(ve *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ve.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}

func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
