// Package conflict detects double bookings and proposes alternatives.
package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"agentcal/internal/metrics"
	"agentcal/internal/model"
	"agentcal/internal/slots"
)

// Proposal is an interval an agent is about to be booked for.
type Proposal struct {
	AgentID   string    `json:"agentId"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	ExcludeID string    `json:"excludeId,omitempty"`
}

// Result is the outcome of a conflict check.
// HasConflicts is always len(Conflicts) > 0.
type Result struct {
	HasConflicts bool                `json:"hasConflicts"`
	Conflicts    []model.Appointment `json:"conflicts"`
	Suggestions  []model.TimeSlot    `json:"suggestions"`
}

// AppointmentLister lists an agent's appointments intersecting a range.
type AppointmentLister interface {
	ListForAgent(ctx context.Context, agentID string, from, to time.Time) ([]model.Appointment, error)
}

// SlotFinder produces bookable slots for suggestions.
type SlotFinder interface {
	AvailableSlots(ctx context.Context, agentID string, from, to time.Time, req slots.Request) ([]model.TimeSlot, error)
}

// Options tune suggestion generation.
type Options struct {
	WindowDays     int
	Step           time.Duration
	Buffer         time.Duration
	MaxSuggestions int
}

func (o Options) withDefaults() Options {
	if o.WindowDays <= 0 {
		o.WindowDays = 3
	}
	if o.Step <= 0 {
		o.Step = slots.DefaultStep
	}
	if o.MaxSuggestions <= 0 {
		o.MaxSuggestions = 5
	}
	return o
}

// Detector checks proposals against stored appointments.
type Detector struct {
	appointments AppointmentLister
	finder       SlotFinder
	opts         Options
	logger       zerolog.Logger
}

// NewDetector creates a detector. finder may be nil to skip suggestions.
func NewDetector(appointments AppointmentLister, finder SlotFinder, opts Options, logger zerolog.Logger) *Detector {
	return &Detector{
		appointments: appointments,
		finder:       finder,
		opts:         opts.withDefaults(),
		logger:       logger.With().Str("component", "conflict").Logger(),
	}
}

// Check tests p against the agent's blocking appointments. When conflicts
// exist, suggestions of the same duration are searched over the same day
// plus and minus the configured window.
func (d *Detector) Check(ctx context.Context, p Proposal) (Result, error) {
	existing, err := d.appointments.ListForAgent(ctx, p.AgentID, p.Start, p.End)
	if err != nil {
		return Result{}, fmt.Errorf("list appointments: %w", err)
	}

	conflicts := FindConflicts(existing, p)
	res := Result{
		HasConflicts: len(conflicts) > 0,
		Conflicts:    conflicts,
		Suggestions:  []model.TimeSlot{},
	}
	if !res.HasConflicts {
		return res, nil
	}
	metrics.IncConflict("check")

	suggestions, err := d.Suggest(ctx, p)
	if err != nil {
		// Conflicts are still authoritative without suggestions.
		d.logger.Warn().Err(err).Str("agent_id", p.AgentID).Msg("suggestion search failed")
		return res, nil
	}
	res.Suggestions = suggestions
	return res, nil
}

// Suggest returns up to MaxSuggestions free slots with the proposal's
// duration, ordered by closeness to the proposed start.
func (d *Detector) Suggest(ctx context.Context, p Proposal) ([]model.TimeSlot, error) {
	if d.finder == nil {
		return []model.TimeSlot{}, nil
	}
	day := model.DateOf(p.Start.UTC())
	from := day.AddDays(-d.opts.WindowDays).In(time.UTC)
	to := day.AddDays(d.opts.WindowDays + 1).In(time.UTC)

	found, err := d.finder.AvailableSlots(ctx, p.AgentID, from, to, slots.Request{
		Duration: p.End.Sub(p.Start),
		Buffer:   d.opts.Buffer,
		Step:     d.opts.Step,
	})
	if err != nil {
		return nil, err
	}
	return closest(found, p.Start, d.opts.MaxSuggestions), nil
}

// FindConflicts returns the blocking appointments overlapping the proposal.
// Touching boundaries are not conflicts.
func FindConflicts(existing []model.Appointment, p Proposal) []model.Appointment {
	conflicts := []model.Appointment{}
	for _, a := range existing {
		if a.ID == p.ExcludeID && p.ExcludeID != "" {
			continue
		}
		if a.AssignedToID != "" && a.AssignedToID != p.AgentID {
			continue
		}
		if !a.Status.Blocking() {
			continue
		}
		if a.Overlaps(p.Start, p.End) {
			conflicts = append(conflicts, a)
		}
	}
	return conflicts
}

func closest(candidates []model.TimeSlot, target time.Time, limit int) []model.TimeSlot {
	picked := make([]model.TimeSlot, 0, limit)
	used := make([]bool, len(candidates))
	for len(picked) < limit {
		best := -1
		var bestDist time.Duration
		for i, c := range candidates {
			if used[i] || !c.Available {
				continue
			}
			dist := c.StartTime.Sub(target)
			if dist < 0 {
				dist = -dist
			}
			if best < 0 || dist < bestDist {
				best, bestDist = i, dist
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		picked = append(picked, candidates[best])
	}
	return picked
}
