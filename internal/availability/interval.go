package availability

import (
	"sort"
	"time"

	"agentcal/internal/model"
)

type span struct {
	start, end time.Time
}

func (s span) empty() bool {
	return !s.end.After(s.start)
}

func sortSpans(spans []span) {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start.Equal(spans[j].start) {
			return spans[i].end.Before(spans[j].end)
		}
		return spans[i].start.Before(spans[j].start)
	})
}

// merge joins overlapping and adjacent spans. The result is sorted.
func merge(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	sorted := append([]span(nil), spans...)
	sortSpans(sorted)

	out := []span{sorted[0]}
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		if !s.start.After(last.end) {
			if s.end.After(last.end) {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// subtract removes every span in cut from base. Both inputs may be unsorted.
func subtract(base, cut []span) []span {
	base = merge(base)
	cut = merge(cut)
	if len(cut) == 0 {
		return base
	}

	var out []span
	for _, b := range base {
		remaining := []span{b}
		for _, c := range cut {
			if !c.start.Before(b.end) {
				break
			}
			var next []span
			for _, r := range remaining {
				if !model.Overlaps(r.start, r.end, c.start, c.end) {
					next = append(next, r)
					continue
				}
				if c.start.After(r.start) {
					next = append(next, span{r.start, c.start})
				}
				if c.end.Before(r.end) {
					next = append(next, span{c.end, r.end})
				}
			}
			remaining = next
		}
		out = append(out, remaining...)
	}
	return out
}

// clip trims spans to [from, to) and drops the empty ones.
func clip(spans []span, from, to time.Time) []span {
	out := make([]span, 0, len(spans))
	for _, s := range spans {
		if s.start.Before(from) {
			s.start = from
		}
		if s.end.After(to) {
			s.end = to
		}
		if !s.empty() {
			out = append(out, s)
		}
	}
	return out
}

// cover turns sorted, disjoint available spans into a list of intervals
// covering [from, to) with unavailable gaps in between.
func cover(available []span, from, to time.Time) []model.Interval {
	out := make([]model.Interval, 0, 2*len(available)+1)
	cursor := from
	for _, s := range available {
		if s.start.After(cursor) {
			out = append(out, model.Interval{Start: cursor, End: s.start, State: model.StateUnavailable})
		}
		out = append(out, model.Interval{Start: s.start, End: s.end, State: model.StateAvailable})
		cursor = s.end
	}
	if to.After(cursor) {
		out = append(out, model.Interval{Start: cursor, End: to, State: model.StateUnavailable})
	}
	return out
}

// FreeIntervals returns only the available intervals of a resolved list.
func FreeIntervals(intervals []model.Interval) []model.Interval {
	out := make([]model.Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.State == model.StateAvailable {
			out = append(out, iv)
		}
	}
	return out
}
