// Package slots turns free intervals and existing bookings into bookable
// candidate slots.
package slots

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"agentcal/internal/availability"
	"agentcal/internal/model"
)

// Default candidate granularity.
const DefaultStep = 15 * time.Minute

// Request holds the parameters of one slot search.
type Request struct {
	Duration time.Duration
	Buffer   time.Duration
	Step     time.Duration
	// NotBefore marks earlier candidates unavailable ("in the past").
	NotBefore time.Time
	// From and To bound the candidates without moving the step grid,
	// which stays anchored at each free interval's start. Zero means
	// unbounded.
	From time.Time
	To   time.Time
	// IncludeUnavailable keeps blocked candidates in the output with a
	// ConflictReason instead of dropping them.
	IncludeUnavailable bool
}

// Busy is a span of the agent's time that slots must keep clear of,
// padded by the request buffer on both sides.
type Busy struct {
	Start  time.Time
	End    time.Time
	Reason string
}

// AvailabilityResolver resolves free intervals for an agent.
type AvailabilityResolver interface {
	Resolve(ctx context.Context, agentID string, from, to time.Time) ([]model.Interval, error)
}

// AppointmentLister lists an agent's appointments intersecting a range.
type AppointmentLister interface {
	ListForAgent(ctx context.Context, agentID string, from, to time.Time) ([]model.Appointment, error)
}

// Generator generates available slots for an agent.
type Generator struct {
	resolver     AvailabilityResolver
	appointments AppointmentLister
	holds        *HoldRegistry
	now          func() time.Time
	logger       zerolog.Logger
}

// NewGenerator creates a new slot generator. holds may be nil.
func NewGenerator(resolver AvailabilityResolver, appointments AppointmentLister, holds *HoldRegistry, logger zerolog.Logger) *Generator {
	return &Generator{
		resolver:     resolver,
		appointments: appointments,
		holds:        holds,
		now:          time.Now,
		logger:       logger.With().Str("component", "slots").Logger(),
	}
}

// WithClock overrides the clock used for NotBefore defaults.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// AvailableSlots resolves availability for [from, to) and returns the slots
// that can be booked. Slots starting before now are never offered.
func (g *Generator) AvailableSlots(ctx context.Context, agentID string, from, to time.Time, req Request) ([]model.TimeSlot, error) {
	if req.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}

	// Resolve from the previous UTC midnight so intervals already open at
	// from keep their real start as the grid anchor.
	req.From, req.To = from, to
	intervals, err := g.resolver.Resolve(ctx, agentID, gridAnchor(from), to)
	if err != nil {
		return nil, fmt.Errorf("resolve availability: %w", err)
	}

	// Appointments ending inside the leading buffer still matter.
	appts, err := g.appointments.ListForAgent(ctx, agentID, from.Add(-req.Buffer), to.Add(req.Buffer))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	busy := OccupiedBy(appts)
	if g.holds != nil {
		busy = append(busy, g.holds.Active(agentID)...)
	}

	if now := g.now(); req.NotBefore.Before(now) {
		req.NotBefore = now
	}

	slots := Generate(availability.FreeIntervals(intervals), busy, req)
	g.logger.Debug().
		Str("agent_id", agentID).
		Int("busy", len(busy)).
		Int("slots", len(slots)).
		Dur("duration", req.Duration).
		Msg("slots generated")
	return slots, nil
}

func gridAnchor(from time.Time) time.Time {
	return from.UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
}

// OccupiedBy converts appointments that still consume the agent's time into
// busy spans.
func OccupiedBy(appts []model.Appointment) []Busy {
	busy := make([]Busy, 0, len(appts))
	for _, a := range appts {
		if !a.Status.OccupiesTime() {
			continue
		}
		busy = append(busy, Busy{Start: a.StartTime, End: a.EndTime, Reason: "appointment " + a.ID})
	}
	return busy
}

// Generate walks each free interval in Step increments from the interval's
// start, skipping candidates before req.From. A candidate is kept only if
// [start, start+Duration+Buffer] fits inside one interval and ends by
// req.To; it is available only if [start, start+Duration) stays clear of
// every busy span widened by Buffer on both sides.
func Generate(free []model.Interval, busy []Busy, req Request) []model.TimeSlot {
	if req.Duration <= 0 {
		return nil
	}
	if req.Step <= 0 {
		req.Step = DefaultStep
	}

	sorted := append([]Busy(nil), busy...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var slots []model.TimeSlot
	for _, iv := range free {
		limit := iv.End
		if !req.To.IsZero() && req.To.Before(limit) {
			limit = req.To
		}
		cursor := iv.Start
		if !req.From.IsZero() && cursor.Before(req.From) {
			steps := (req.From.Sub(cursor) + req.Step - 1) / req.Step
			cursor = cursor.Add(steps * req.Step)
		}
		for ; !cursor.Add(req.Duration + req.Buffer).After(limit); cursor = cursor.Add(req.Step) {
			slot := model.NewTimeSlot(cursor, req.Duration)

			switch {
			case !req.NotBefore.IsZero() && cursor.Before(req.NotBefore):
				slot.Available = false
				slot.ConflictReason = "in the past"
			default:
				if reason, blocked := blockedBy(sorted, slot.StartTime, slot.EndTime, req.Buffer); blocked {
					slot.Available = false
					slot.ConflictReason = reason
				}
			}

			if slot.Available || req.IncludeUnavailable {
				slots = append(slots, slot)
			}
		}
	}
	return slots
}

func blockedBy(busy []Busy, start, end time.Time, buffer time.Duration) (string, bool) {
	for _, b := range busy {
		if !b.Start.Add(-buffer).Before(end) {
			break
		}
		if model.Overlaps(start, end, b.Start.Add(-buffer), b.End.Add(buffer)) {
			return "overlaps " + b.Reason, true
		}
	}
	return "", false
}

// OnlyAvailable returns only available slots.
func OnlyAvailable(slots []model.TimeSlot) []model.TimeSlot {
	var available []model.TimeSlot
	for _, s := range slots {
		if s.Available {
			available = append(available, s)
		}
	}
	return available
}

// DatesWithSlots returns the distinct UTC dates that have at least one
// available slot, in order, capped at limit (0 means no cap).
func DatesWithSlots(slots []model.TimeSlot, limit int) []model.Date {
	var dates []model.Date
	seen := make(map[model.Date]bool)
	for _, s := range slots {
		if !s.Available {
			continue
		}
		d := model.DateOf(s.StartTime.UTC())
		if seen[d] {
			continue
		}
		seen[d] = true
		dates = append(dates, d)
		if limit > 0 && len(dates) == limit {
			break
		}
	}
	return dates
}
