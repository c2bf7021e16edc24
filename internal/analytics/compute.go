// Package analytics reduces appointments over a date range into summary
// and trend statistics.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"agentcal/internal/apperr"
	"agentcal/internal/model"
)

// GroupBy selects an optional breakdown.
type GroupBy string

const (
	GroupNone     GroupBy = ""
	GroupDay      GroupBy = "day"
	GroupWeek     GroupBy = "week"
	GroupMonth    GroupBy = "month"
	GroupType     GroupBy = "type"
	GroupStatus   GroupBy = "status"
	GroupPriority GroupBy = "priority"
	GroupAgent    GroupBy = "agent"
)

// Valid reports whether g is a known grouping.
func (g GroupBy) Valid() bool {
	switch g {
	case GroupNone, GroupDay, GroupWeek, GroupMonth, GroupType, GroupStatus, GroupPriority, GroupAgent:
		return true
	}
	return false
}

const (
	DefaultTopN  = 3
	MaxRangeDays = 366
)

// Query selects the appointments to analyse. Range is [From, To) on start time.
type Query struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	AgentIDs []string  `json:"agentIds,omitempty"`
	GroupBy  GroupBy   `json:"groupBy,omitempty"`
	TopN     int       `json:"topN,omitempty"`
}

// Validate checks the query and applies defaults.
func (q *Query) Validate() error {
	v := &apperr.ValidationError{}
	if q.From.IsZero() {
		v.Add("from", "is required")
	}
	if q.To.IsZero() {
		v.Add("to", "is required")
	}
	if !q.From.IsZero() && !q.To.IsZero() {
		if !q.To.After(q.From) {
			v.Add("to", "must be after from")
		} else if q.To.Sub(q.From) > MaxRangeDays*24*time.Hour {
			v.Add("to", "range must not exceed %d days", MaxRangeDays)
		}
	}
	if !q.GroupBy.Valid() {
		v.Add("groupBy", "unknown grouping %q", q.GroupBy)
	}
	if q.TopN < 0 {
		v.Add("topN", "must not be negative")
	}
	if q.TopN == 0 {
		q.TopN = DefaultTopN
	}
	q.From = q.From.UTC()
	q.To = q.To.UTC()
	return v.OrNil()
}

// Summary counts appointments by status.
type Summary struct {
	Total       int `json:"total"`
	Scheduled   int `json:"scheduled"`
	Confirmed   int `json:"confirmed"`
	Completed   int `json:"completed"`
	Cancelled   int `json:"cancelled"`
	NoShow      int `json:"noShow"`
	Rescheduled int `json:"rescheduled"`
}

func (s *Summary) add(status model.Status) {
	s.Total++
	switch status {
	case model.StatusScheduled:
		s.Scheduled++
	case model.StatusConfirmed:
		s.Confirmed++
	case model.StatusCompleted:
		s.Completed++
	case model.StatusCancelled:
		s.Cancelled++
	case model.StatusNoShow:
		s.NoShow++
	case model.StatusRescheduled:
		s.Rescheduled++
	}
}

// DayCount is the volume on one weekday.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// HourCount is the volume in one UTC hour of day.
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// Trends describe when appointments happen.
type Trends struct {
	DailyAverage float64     `json:"dailyAverage"`
	PeakDays     []DayCount  `json:"peakDays"`
	PeakHours    []HourCount `json:"peakHours"`
}

// Group is one bucket of a breakdown.
type Group struct {
	Key            string  `json:"key"`
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	ConversionRate float64 `json:"conversionRate"`
}

// CalendarAnalytics is the aggregate over a range.
type CalendarAnalytics struct {
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	GroupBy        GroupBy   `json:"groupBy,omitempty"`
	Summary        Summary   `json:"summary"`
	ConversionRate float64   `json:"conversionRate"`
	Trends         Trends    `json:"trends"`
	Groups         []Group   `json:"groups,omitempty"`
}

// Compute reduces appts over q. Appointments starting outside [From, To)
// are ignored. q must already be validated.
func Compute(appts []model.Appointment, q Query) CalendarAnalytics {
	out := CalendarAnalytics{From: q.From, To: q.To, GroupBy: q.GroupBy}
	var byDay [7]int
	var byHour [24]int
	groups := make(map[string]*Group)

	for i := range appts {
		a := &appts[i]
		start := a.StartTime.UTC()
		if start.Before(q.From) || !start.Before(q.To) {
			continue
		}
		out.Summary.add(a.Status)
		byDay[start.Weekday()]++
		byHour[start.Hour()]++

		if q.GroupBy == GroupNone {
			continue
		}
		key := groupKey(q.GroupBy, a)
		g, ok := groups[key]
		if !ok {
			g = &Group{Key: key}
			groups[key] = g
		}
		g.Total++
		if a.Status == model.StatusCompleted {
			g.Completed++
		}
	}

	out.ConversionRate = rate(out.Summary.Completed, out.Summary.Total)
	out.Trends = Trends{
		DailyAverage: float64(out.Summary.Total) / float64(rangeDays(q.From, q.To)),
		PeakDays:     peakDays(byDay, q.TopN),
		PeakHours:    peakHours(byHour, q.TopN),
	}

	if q.GroupBy != GroupNone {
		out.Groups = make([]Group, 0, len(groups))
		for _, g := range groups {
			g.ConversionRate = rate(g.Completed, g.Total)
			out.Groups = append(out.Groups, *g)
		}
		sort.Slice(out.Groups, func(i, j int) bool { return out.Groups[i].Key < out.Groups[j].Key })
	}
	return out
}

func groupKey(g GroupBy, a *model.Appointment) string {
	start := a.StartTime.UTC()
	switch g {
	case GroupDay:
		return start.Format("2006-01-02")
	case GroupWeek:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case GroupMonth:
		return start.Format("2006-01")
	case GroupType:
		return string(a.Type)
	case GroupStatus:
		return string(a.Status)
	case GroupPriority:
		return string(a.Priority)
	case GroupAgent:
		return a.AssignedToID
	}
	return ""
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func rangeDays(from, to time.Time) int {
	days := int(math.Ceil(to.Sub(from).Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}

// peakDays returns the busiest weekdays, ties by the smaller weekday.
// Weekdays without appointments are never reported.
func peakDays(counts [7]int, n int) []DayCount {
	idx := topIndexes(counts[:], n)
	out := make([]DayCount, len(idx))
	for i, d := range idx {
		out[i] = DayCount{Day: time.Weekday(d).String(), Count: counts[d]}
	}
	return out
}

func peakHours(counts [24]int, n int) []HourCount {
	idx := topIndexes(counts[:], n)
	out := make([]HourCount, len(idx))
	for i, h := range idx {
		out[i] = HourCount{Hour: h, Count: counts[h]}
	}
	return out
}

func topIndexes(counts []int, n int) []int {
	idx := make([]int, 0, len(counts))
	for i, c := range counts {
		if c > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(i, j int) bool { return counts[idx[i]] > counts[idx[j]] })
	if len(idx) > n {
		idx = idx[:n]
	}
	return idx
}

// minHourSamples is the number of finished appointments an hour needs
// before its completion rate is trusted.
const minHourSamples = 3

// WorstHour returns the UTC hour with the lowest completion rate among
// finished appointments (completed, cancelled, no-show). Ties go to the
// earlier hour.
func WorstHour(appts []model.Appointment) (int, bool) {
	var finished, completed [24]int
	for _, a := range appts {
		if !a.Status.Terminal() {
			continue
		}
		h := a.StartTime.UTC().Hour()
		finished[h]++
		if a.Status == model.StatusCompleted {
			completed[h]++
		}
	}

	worst, worstRate := -1, 2.0
	for h := 0; h < 24; h++ {
		if finished[h] < minHourSamples {
			continue
		}
		if r := rate(completed[h], finished[h]); r < worstRate {
			worst, worstRate = h, r
		}
	}
	return worst, worst >= 0
}
