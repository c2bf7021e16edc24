// Package availability resolves an agent's recurring schedule and
// date-specific exceptions into concrete UTC intervals.
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"agentcal/internal/model"
)

// EntrySource loads the availability entries of an agent.
type EntrySource interface {
	ListAvailability(ctx context.Context, agentID string) ([]model.AvailabilityEntry, error)
}

// Resolver turns stored entries into free/busy intervals.
type Resolver struct {
	source EntrySource
	logger zerolog.Logger
}

// NewResolver creates a resolver over source.
func NewResolver(source EntrySource, logger zerolog.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger.With().Str("component", "availability").Logger(),
	}
}

// Resolve returns an ordered, non-overlapping list of intervals covering
// [rangeStart, rangeEnd) for the agent.
func (r *Resolver) Resolve(ctx context.Context, agentID string, rangeStart, rangeEnd time.Time) ([]model.Interval, error) {
	entries, err := r.source.ListAvailability(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load availability for %s: %w", agentID, err)
	}
	intervals, err := ResolveEntries(entries, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().
		Str("agent_id", agentID).
		Int("entries", len(entries)).
		Int("intervals", len(intervals)).
		Msg("availability resolved")
	return intervals, nil
}

// ResolveEntries is the pure core of Resolve. For each local date the
// explicit-date entries replace the recurring ones. busy, break and vacation
// time is subtracted from available time, and the result is clipped to the
// range and normalized to UTC.
func ResolveEntries(entries []model.AvailabilityEntry, rangeStart, rangeEnd time.Time) ([]model.Interval, error) {
	rangeStart, rangeEnd = rangeStart.UTC(), rangeEnd.UTC()
	if !rangeEnd.After(rangeStart) {
		return nil, nil
	}

	locs := make([]*time.Location, len(entries))
	for i := range entries {
		loc, err := entries[i].Location()
		if err != nil {
			return nil, err
		}
		locs[i] = loc
	}

	var avail, blocked []span
	m := newMatcher()
	for _, d := range datesTouching(rangeStart, rangeEnd, locs) {
		selected, err := effectiveIndexes(m, entries, locs, d)
		if err != nil {
			return nil, err
		}
		for _, i := range selected {
			start, end := entries[i].Window(d, locs[i])
			if !end.After(start) {
				continue
			}
			if entries[i].Kind.Subtracts() {
				blocked = append(blocked, span{start, end})
			} else {
				avail = append(avail, span{start, end})
			}
		}
	}

	free := clip(subtract(avail, blocked), rangeStart, rangeEnd)
	return cover(merge(free), rangeStart, rangeEnd), nil
}

// EffectiveEntries returns the entries that apply on local date d.
func EffectiveEntries(entries []model.AvailabilityEntry, d model.Date) ([]model.AvailabilityEntry, error) {
	locs := make([]*time.Location, len(entries))
	for i := range entries {
		loc, err := entries[i].Location()
		if err != nil {
			return nil, err
		}
		locs[i] = loc
	}
	idx, err := effectiveIndexes(newMatcher(), entries, locs, d)
	if err != nil {
		return nil, err
	}
	out := make([]model.AvailabilityEntry, 0, len(idx))
	for _, i := range idx {
		out = append(out, entries[i])
	}
	return out, nil
}

// MaterializeDate returns the entries effective on d rewritten as
// explicit-date entries, so new exceptions for d can be added without
// losing the recurring schedule.
func MaterializeDate(entries []model.AvailabilityEntry, d model.Date) ([]model.AvailabilityEntry, error) {
	effective, err := EffectiveEntries(entries, d)
	if err != nil {
		return nil, err
	}
	out := make([]model.AvailabilityEntry, 0, len(effective))
	for _, e := range effective {
		if !e.IsRecurring {
			out = append(out, e)
			continue
		}
		e.ID = ""
		e.IsRecurring = false
		e.RecurringPattern = nil
		e.Date = d
		e.DayOfWeek = d.Weekday()
		e.EffectiveFrom = model.Date{}
		out = append(out, e)
	}
	return out, nil
}

func effectiveIndexes(m *matcher, entries []model.AvailabilityEntry, locs []*time.Location, d model.Date) ([]int, error) {
	var explicit, recurring []int
	for i := range entries {
		e := &entries[i]
		if !e.IsRecurring {
			if e.Date == d {
				explicit = append(explicit, i)
			}
			continue
		}
		ok, err := m.matches(i, e, d, locs[i])
		if err != nil {
			return nil, err
		}
		if ok {
			recurring = append(recurring, i)
		}
	}
	if len(explicit) > 0 {
		return explicit, nil
	}
	return recurring, nil
}

// datesTouching lists every local date, in any of the entry zones, whose
// day may intersect [from, to).
func datesTouching(from, to time.Time, locs []*time.Location) []model.Date {
	first := model.DateOf(from).AddDays(-1)
	last := model.DateOf(to).AddDays(1)
	for _, loc := range locs {
		if d := model.DateOf(from.In(loc)); d.Before(first) {
			first = d
		}
		if d := model.DateOf(to.In(loc)); d.After(last) {
			last = d
		}
	}

	var out []model.Date
	for d := first; !d.After(last); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}
