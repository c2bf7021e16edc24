// Package scheduler picks and books the best slot for a request.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"agentcal/internal/apperr"
	"agentcal/internal/conflict"
	"agentcal/internal/metrics"
	"agentcal/internal/model"
	"agentcal/internal/slots"
	"agentcal/internal/store"
)

const (
	defaultSearchDays     = 14
	defaultMaxRetries     = 3
	defaultLookaheadDays  = 30
	defaultNearestDates   = 3
	worstHourLookbackDays = 90
)

// Request describes what to schedule.
type Request struct {
	ContactID      string                `json:"contactId"`
	Type           model.AppointmentType `json:"type"`
	Duration       int                   `json:"duration"` // minutes
	Priority       model.Priority        `json:"priority"`
	AssignedToID   string                `json:"assignedToId"`
	PropertyID     string                `json:"propertyId,omitempty"`
	PreferredDates []model.Date          `json:"preferredDates,omitempty"`
	Requirements   []string              `json:"requirements,omitempty"`
	Title          string                `json:"title,omitempty"`
}

// Recommendation explains the booked slot.
type Recommendation struct {
	Priority             model.Priority `json:"priority"`
	Reason               string         `json:"reason"`
	SuggestedPreparation []string       `json:"suggestedPreparation"`
}

// Result is a committed smart booking.
type Result struct {
	Appointment    *model.Appointment `json:"appointment"`
	Recommendation Recommendation     `json:"recommendation"`
}

// SlotFinder produces bookable slots.
type SlotFinder interface {
	AvailableSlots(ctx context.Context, agentID string, from, to time.Time, req slots.Request) ([]model.TimeSlot, error)
}

// ConflictChecker re-validates a candidate before commit.
type ConflictChecker interface {
	Check(ctx context.Context, p conflict.Proposal) (conflict.Result, error)
}

// Booker commits appointments and reports existing load.
type Booker interface {
	Create(ctx context.Context, req store.CreateRequest) (*model.Appointment, error)
	ListForAgent(ctx context.Context, agentID string, from, to time.Time) ([]model.Appointment, error)
}

// CompletionStats reports the hour of day with the worst completion rate.
type CompletionStats interface {
	WorstCompletionHour(ctx context.Context, agentID string, from, to time.Time) (int, bool, error)
}

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	Weights       Weights
	SearchDays    int
	MaxRetries    int
	LookaheadDays int
	Step          time.Duration
	Buffer        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Weights.IsZero() {
		c.Weights = DefaultWeights
	}
	if c.SearchDays <= 0 {
		c.SearchDays = defaultSearchDays
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = defaultLookaheadDays
	}
	if c.Step <= 0 {
		c.Step = slots.DefaultStep
	}
	return c
}

// Scheduler is the smart scheduler.
type Scheduler struct {
	finder  SlotFinder
	checker ConflictChecker
	booker  Booker
	holds   *slots.HoldRegistry
	stats   CompletionStats
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCompletionStats enables peak-hour avoidance.
func WithCompletionStats(s CompletionStats) Option {
	return func(sc *Scheduler) { sc.stats = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(sc *Scheduler) { sc.now = now }
}

// New creates a scheduler. holds may be nil.
func New(finder SlotFinder, checker ConflictChecker, booker Booker, holds *slots.HoldRegistry, cfg Config, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		finder:  finder,
		checker: checker,
		booker:  booker,
		holds:   holds,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule books the highest scoring slot for req.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (res *Result, err error) {
	started := time.Now()
	ctx, span := otel.Tracer("agentcal/scheduler").Start(ctx, "scheduler.Schedule")
	span.SetAttributes(
		attribute.String("agent.id", req.AssignedToID),
		attribute.String("appointment.type", string(req.Type)),
		attribute.String("appointment.priority", string(req.Priority)),
	)
	defer func() {
		outcome := outcomeOf(err)
		metrics.ObserveSmartSchedule(outcome, time.Since(started).Seconds())
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
		}
		span.End()
	}()

	if err := validate(&req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	from, to := s.window(now, req.PreferredDates)
	duration := time.Duration(req.Duration) * time.Minute

	if err := ctx.Err(); err != nil {
		return nil, apperr.FromContext("smart schedule", started, err)
	}
	found, err := s.finder.AvailableSlots(ctx, req.AssignedToID, from, to, slots.Request{
		Duration: duration,
		Buffer:   s.cfg.Buffer,
		Step:     s.cfg.Step,
	})
	if err != nil {
		return nil, s.fail(ctx, started, "find slots", err)
	}
	found = slots.OnlyAvailable(found)
	if len(found) == 0 {
		return nil, s.noAvailability(ctx, req, to, duration)
	}

	in := scoringInput{
		preferred:  req.PreferredDates,
		priority:   req.Priority,
		windowFrom: from,
		windowTo:   to,
		weights:    s.cfg.Weights,
	}
	if in.loadByDay, err = s.loadByDay(ctx, req.AssignedToID, from, to); err != nil {
		return nil, s.fail(ctx, started, "load appointments", err)
	}
	in.worstHour, in.hasWorst = s.worstHour(ctx, req.AssignedToID, now)

	cands := make([]Candidate, 0, len(found))
	for i, slot := range found {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, apperr.FromContext("smart schedule", started, err)
			}
		}
		cands = append(cands, in.score(slot))
	}
	rank(cands)

	appt, chosen, err := s.commit(ctx, started, req, cands)
	if err != nil {
		var noAvail *apperr.NoAvailabilityError
		if errors.As(err, &noAvail) {
			return nil, s.noAvailability(ctx, req, to, duration)
		}
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", appt.ID).
		Str("agent_id", appt.AssignedToID).
		Time("start", appt.StartTime).
		Float64("score", chosen.Score).
		Msg("smart schedule booked")

	return &Result{
		Appointment: appt,
		Recommendation: Recommendation{
			Priority:             req.Priority,
			Reason:               reason(req, chosen),
			SuggestedPreparation: SuggestedPreparation(req.Type),
		},
	}, nil
}

// commit walks the ranked candidates: hold, re-check, create. Conflicts
// and stale writes move on to the next candidate until retries run out.
func (s *Scheduler) commit(ctx context.Context, started time.Time, req Request, cands []Candidate) (*model.Appointment, Candidate, error) {
	retries := 0
	var lastConflicts []model.Appointment
	for i, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, Candidate{}, apperr.FromContext("smart schedule", started, err)
		}

		holdID := ""
		if s.holds != nil {
			id, ok := s.holds.Hold(req.AssignedToID, c.Slot.StartTime, c.Slot.EndTime)
			if !ok {
				continue
			}
			holdID = id
		}

		appt, conflicts, err := s.attempt(ctx, req, c)
		if s.holds != nil {
			s.holds.Release(holdID)
		}
		if err == nil {
			return appt, c, nil
		}
		if !apperr.Retryable(err) {
			if ctx.Err() != nil {
				return nil, Candidate{}, apperr.FromContext("smart schedule", started, ctx.Err())
			}
			return nil, Candidate{}, err
		}
		if len(conflicts) > 0 {
			lastConflicts = conflicts
		}

		s.logger.Debug().Err(err).Str("agent_id", req.AssignedToID).
			Time("start", c.Slot.StartTime).Int("retry", retries).Msg("candidate lost")
		if retries == s.cfg.MaxRetries {
			if rest := cands[i+1:]; len(rest) > 0 {
				return nil, Candidate{}, &apperr.ConflictError{
					Conflicts:   nonNil(lastConflicts),
					Suggestions: topSlots(rest, 5),
				}
			}
			break
		}
		retries++
	}
	return nil, Candidate{}, &apperr.NoAvailabilityError{AgentID: req.AssignedToID}
}

func (s *Scheduler) attempt(ctx context.Context, req Request, c Candidate) (*model.Appointment, []model.Appointment, error) {
	check, err := s.checker.Check(ctx, conflict.Proposal{
		AgentID: req.AssignedToID,
		Start:   c.Slot.StartTime,
		End:     c.Slot.EndTime,
	})
	if err != nil {
		return nil, nil, err
	}
	if check.HasConflicts {
		return nil, check.Conflicts, &apperr.ConflictError{Conflicts: check.Conflicts, Suggestions: check.Suggestions}
	}

	appt, err := s.booker.Create(ctx, createRequest(req, c.Slot))
	if err != nil {
		var ce *apperr.ConflictError
		if errors.As(err, &ce) {
			return nil, ce.Conflicts, err
		}
		return nil, nil, err
	}
	return appt, nil, nil
}

func (s *Scheduler) window(now time.Time, preferred []model.Date) (time.Time, time.Time) {
	to := now.AddDate(0, 0, s.cfg.SearchDays)
	for _, d := range preferred {
		if end := d.AddDays(1).In(time.UTC); end.After(to) {
			to = end
		}
	}
	return now, to
}

func (s *Scheduler) loadByDay(ctx context.Context, agentID string, from, to time.Time) (map[model.Date]int, error) {
	appts, err := s.booker.ListForAgent(ctx, agentID, from, to)
	if err != nil {
		return nil, err
	}
	load := make(map[model.Date]int)
	for _, a := range appts {
		if a.Status.Blocking() {
			load[model.DateOf(a.StartTime.UTC())]++
		}
	}
	return load, nil
}

func (s *Scheduler) worstHour(ctx context.Context, agentID string, now time.Time) (int, bool) {
	if s.stats == nil {
		return 0, false
	}
	hour, ok, err := s.stats.WorstCompletionHour(ctx, agentID, now.AddDate(0, 0, -worstHourLookbackDays), now)
	if err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("completion stats unavailable")
		return 0, false
	}
	return hour, ok
}

// noAvailability reports the nearest dates that still have slots, looking
// past the search window.
func (s *Scheduler) noAvailability(ctx context.Context, req Request, windowEnd time.Time, duration time.Duration) error {
	e := &apperr.NoAvailabilityError{AgentID: req.AssignedToID, NearestDates: []model.Date{}}
	if ctx.Err() != nil {
		return e
	}
	ahead, err := s.finder.AvailableSlots(ctx, req.AssignedToID, s.now().UTC(), windowEnd.AddDate(0, 0, s.cfg.LookaheadDays), slots.Request{
		Duration: duration,
		Buffer:   s.cfg.Buffer,
		Step:     s.cfg.Step,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("agent_id", req.AssignedToID).Msg("look-ahead failed")
		return e
	}
	if dates := slots.DatesWithSlots(ahead, defaultNearestDates); dates != nil {
		e.NearestDates = dates
	}
	return e
}

func (s *Scheduler) fail(ctx context.Context, started time.Time, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperr.FromContext("smart schedule", started, ctxErr)
	}
	return apperr.Internal("smart schedule: "+op, err)
}

func validate(req *Request) error {
	v := &apperr.ValidationError{}
	if strings.TrimSpace(req.AssignedToID) == "" {
		v.Add("assignedToId", "is required")
	}
	if !req.Type.Valid() {
		v.Add("type", "must be one of viewing, meeting, call, inspection, signing, consultation")
	}
	if req.Duration <= 0 {
		v.Add("duration", "must be a positive number of minutes")
	} else if req.Duration > 24*60 {
		v.Add("duration", "must not exceed one day")
	}
	if req.Priority == "" {
		req.Priority = model.PriorityMedium
	} else if !req.Priority.Valid() {
		v.Add("priority", "must be one of low, medium, high, urgent")
	}
	for i, d := range req.PreferredDates {
		if d.IsZero() {
			v.Add(fmt.Sprintf("preferredDates[%d]", i), "is not a valid date")
		}
	}
	return v.OrNil()
}

func createRequest(req Request, slot model.TimeSlot) store.CreateRequest {
	title := req.Title
	if title == "" {
		title = strings.ToUpper(string(req.Type[:1])) + string(req.Type[1:])
	}
	cr := store.CreateRequest{
		Title:        title,
		Type:         req.Type,
		Priority:     req.Priority,
		StartTime:    slot.StartTime,
		EndTime:      slot.EndTime,
		ContactID:    req.ContactID,
		AssignedToID: req.AssignedToID,
		PropertyID:   req.PropertyID,
		Metadata:     map[string]string{"scheduledBy": "smart"},
	}
	if len(req.Requirements) > 0 {
		cr.Description = "Requirements: " + strings.Join(req.Requirements, ", ")
		cr.Metadata["requirements"] = strings.Join(req.Requirements, ";")
	}
	return cr
}

func reason(req Request, c Candidate) string {
	var parts []string
	switch req.Priority {
	case model.PriorityUrgent, model.PriorityHigh:
		parts = append(parts, fmt.Sprintf("%s priority, earliest suitable slot chosen", req.Priority))
	}
	if len(req.PreferredDates) > 0 {
		switch d := c.Factors.DaysFromPreferred; d {
		case 0:
			parts = append(parts, "on a preferred date")
		case 1:
			parts = append(parts, "1 day from a preferred date")
		default:
			parts = append(parts, fmt.Sprintf("%d days from the nearest preferred date", d))
		}
	}
	if c.Factors.SameDayLoad == 0 {
		parts = append(parts, "agent has no other appointments that day")
	} else {
		parts = append(parts, fmt.Sprintf("agent has %d other appointments that day", c.Factors.SameDayLoad))
	}
	return strings.Join(parts, "; ")
}

func topSlots(cands []Candidate, n int) []model.TimeSlot {
	if len(cands) > n {
		cands = cands[:n]
	}
	out := make([]model.TimeSlot, len(cands))
	for i, c := range cands {
		out[i] = c.Slot
	}
	return out
}

func nonNil(in []model.Appointment) []model.Appointment {
	if in == nil {
		return []model.Appointment{}
	}
	return in
}

func outcomeOf(err error) string {
	switch apperr.CodeOf(err) {
	case "":
		return "booked"
	case apperr.CodeValidation:
		return "invalid"
	case apperr.CodeNoAvailability:
		return "no_availability"
	case apperr.CodeConflict:
		return "conflict"
	case apperr.CodeTimeout:
		return "timeout"
	default:
		return "error"
	}
}
