package availability

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"agentcal/internal/model"
)

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

func toRRuleFrequency(f model.Frequency) (rrule.Frequency, error) {
	switch f {
	case model.FrequencyDaily:
		return rrule.DAILY, nil
	case model.FrequencyWeekly, "":
		return rrule.WEEKLY, nil
	case model.FrequencyMonthly:
		return rrule.MONTHLY, nil
	}
	return 0, fmt.Errorf("unsupported frequency %q", f)
}

// RuleFor builds the recurrence rule of a pattern anchored at dtstart.
// Without explicit days the weekday of fallback is used for weekly rules.
func RuleFor(p *model.RecurringPattern, dtstart time.Time, fallback time.Weekday) (*rrule.RRule, error) {
	freq, err := toRRuleFrequency(p.Frequency)
	if err != nil {
		return nil, err
	}
	opt := rrule.ROption{
		Freq:     freq,
		Interval: p.EffectiveInterval(),
		Dtstart:  dtstart,
	}
	days := p.DaysOfWeek
	if len(days) == 0 && freq == rrule.WEEKLY {
		days = []time.Weekday{fallback}
	}
	for _, d := range days {
		opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
	}
	if p.EndDate != nil {
		// EndDate is inclusive of its whole day.
		end := p.EndDate.UTC()
		opt.Until = time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, dtstart.Location())
	}
	return rrule.NewRRule(opt)
}

// matcher decides lazily whether a recurring entry applies to a date.
// Compiled rules are cached per entry for the duration of one resolution.
type matcher struct {
	rules map[int]*rrule.RRule
}

func newMatcher() *matcher {
	return &matcher{rules: make(map[int]*rrule.RRule)}
}

func (m *matcher) matches(idx int, e *model.AvailabilityEntry, d model.Date, loc *time.Location) (bool, error) {
	p := e.RecurringPattern
	if p == nil {
		return d.Weekday() == e.DayOfWeek && !d.Before(e.EffectiveFrom), nil
	}
	if !d.Before(e.EffectiveFrom) && p.EndDate == nil && p.EffectiveInterval() == 1 &&
		(p.Frequency == model.FrequencyWeekly || p.Frequency == "") && len(p.DaysOfWeek) == 0 {
		return d.Weekday() == e.DayOfWeek, nil
	}

	rule, ok := m.rules[idx]
	if !ok {
		anchor := e.EffectiveFrom
		if anchor.IsZero() {
			anchor = model.DateOf(e.CreatedAt.In(loc))
		}
		var err error
		rule, err = RuleFor(p, anchor.In(loc), e.DayOfWeek)
		if err != nil {
			return false, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		m.rules[idx] = rule
	}

	dayStart := d.In(loc)
	dayEnd := dayStart.AddDate(0, 0, 1).Add(-time.Second)
	return len(rule.Between(dayStart, dayEnd, true)) > 0, nil
}
