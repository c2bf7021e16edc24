// Package calendar is the application facade: it authorizes the caller,
// validates request ranges and delegates to the scheduling components.
package calendar

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"agentcal/internal/analytics"
	"agentcal/internal/apperr"
	"agentcal/internal/auth"
	"agentcal/internal/availability"
	"agentcal/internal/calsync"
	"agentcal/internal/conflict"
	"agentcal/internal/events"
	"agentcal/internal/model"
	"agentcal/internal/scheduler"
	"agentcal/internal/slots"
	"agentcal/internal/store"
)

const (
	defaultMaxRangeDays  = 90
	defaultImportHorizon = 90
	defaultScheduleLimit = 10 * time.Second
)

// Config tunes the facade.
type Config struct {
	MaxRangeDays      int
	ScheduleTimeout   time.Duration
	SlotStep          time.Duration
	ImportHorizonDays int
	CalendarProductID string
}

func (c Config) withDefaults() Config {
	if c.MaxRangeDays <= 0 {
		c.MaxRangeDays = defaultMaxRangeDays
	}
	if c.ScheduleTimeout <= 0 {
		c.ScheduleTimeout = defaultScheduleLimit
	}
	if c.SlotStep <= 0 {
		c.SlotStep = slots.DefaultStep
	}
	if c.ImportHorizonDays <= 0 {
		c.ImportHorizonDays = defaultImportHorizon
	}
	return c
}

// Deps are the components behind the facade. Observer may be nil.
type Deps struct {
	Store     *store.Store
	Entries   availability.EntryStore
	Resolver  *availability.Resolver
	Slots     *slots.Generator
	Detector  *conflict.Detector
	Scheduler *scheduler.Scheduler
	Analytics *analytics.Aggregator
	Observer  store.Observer
}

// Service implements the calendar operations.
type Service struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates the facade.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "calendar").Logger(),
		now:    time.Now,
	}
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateAppointment books a new appointment for req.AssignedToID.
func (s *Service) CreateAppointment(ctx context.Context, req store.CreateRequest) (*model.Appointment, error) {
	if req.AssignedToID != "" {
		if err := auth.RequireAgentAccess(ctx, req.AssignedToID); err != nil {
			return nil, err
		}
	}
	return s.deps.Store.Create(ctx, req)
}

// GetAppointment returns one appointment the caller may see.
func (s *Service) GetAppointment(ctx context.Context, id string) (*model.Appointment, error) {
	a, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireAgentAccess(ctx, a.AssignedToID); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAppointment applies a partial update at the given version.
func (s *Service) UpdateAppointment(ctx context.Context, id string, version int64, req store.UpdateRequest) (*model.Appointment, error) {
	if err := s.authorizeUpdate(ctx, id, req); err != nil {
		return nil, err
	}
	return s.deps.Store.Update(ctx, id, version, req)
}

func (s *Service) authorizeUpdate(ctx context.Context, id string, req store.UpdateRequest) error {
	if _, err := s.GetAppointment(ctx, id); err != nil {
		return err
	}
	if req.AssignedToID != nil {
		return auth.RequireAgentAccess(ctx, *req.AssignedToID)
	}
	return nil
}

// DeleteAppointment cancels the appointment, or removes it when hard is
// set. version zero skips the caller version check.
func (s *Service) DeleteAppointment(ctx context.Context, id string, hard bool, version int64) error {
	if _, err := s.GetAppointment(ctx, id); err != nil {
		return err
	}
	return s.deps.Store.Delete(ctx, id, store.DeleteOptions{Hard: hard, Version: version})
}

// ListAppointments returns one page of matching appointments. Agents only
// ever see their own calendar.
func (s *Service) ListAppointments(ctx context.Context, f store.Filter) (store.ListResult, error) {
	agents, err := scopeAgents(ctx, f.AgentIDs)
	if err != nil {
		return store.ListResult{}, err
	}
	f.AgentIDs = agents
	if !f.From.IsZero() && !f.To.IsZero() && !f.To.After(f.From) {
		return store.ListResult{}, apperr.Invalid("to", "must be after from")
	}
	return s.deps.Store.List(ctx, f)
}

// BulkUpdate applies each item independently. Items the caller may not
// touch are reported as failures.
func (s *Service) BulkUpdate(ctx context.Context, items []store.BulkUpdateItem) store.BulkResult {
	allowed := make([]store.BulkUpdateItem, 0, len(items))
	var denied []store.BulkFailure
	for _, item := range items {
		if err := s.authorizeUpdate(ctx, item.ID, item.Changes); err != nil {
			denied = append(denied, failure(item.ID, err))
			continue
		}
		allowed = append(allowed, item)
	}
	res := s.deps.Store.BulkUpdate(ctx, allowed)
	res.Failed = append(denied, res.Failed...)
	return res
}

// BulkDelete cancels or removes each id independently.
func (s *Service) BulkDelete(ctx context.Context, ids []string, hard bool) store.BulkResult {
	allowed := make([]string, 0, len(ids))
	var denied []store.BulkFailure
	for _, id := range ids {
		if _, err := s.GetAppointment(ctx, id); err != nil {
			denied = append(denied, failure(id, err))
			continue
		}
		allowed = append(allowed, id)
	}
	res := s.deps.Store.BulkDelete(ctx, allowed, store.DeleteOptions{Hard: hard})
	res.Failed = append(denied, res.Failed...)
	return res
}

func failure(id string, err error) store.BulkFailure {
	return store.BulkFailure{ID: id, Code: apperr.CodeOf(err), Reason: err.Error()}
}

// SmartSchedule picks and books the best slot for req within the
// configured deadline.
func (s *Service) SmartSchedule(ctx context.Context, req scheduler.Request) (*scheduler.Result, error) {
	if req.AssignedToID != "" {
		if err := auth.RequireAgentAccess(ctx, req.AssignedToID); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScheduleTimeout)
	defer cancel()
	return s.deps.Scheduler.Schedule(ctx, req)
}

// SlotQuery selects free slots. Duration and Buffer are minutes.
type SlotQuery struct {
	AgentID            string    `json:"agentId"`
	From               time.Time `json:"from"`
	To                 time.Time `json:"to"`
	Duration           int       `json:"duration"`
	Buffer             int       `json:"bufferMinutes"`
	IncludeUnavailable bool      `json:"includeUnavailable,omitempty"`
}

// AvailableSlots lists bookable slots of q.Duration in [From, To).
func (s *Service) AvailableSlots(ctx context.Context, q SlotQuery) ([]model.TimeSlot, error) {
	started := time.Now()
	v := &apperr.ValidationError{}
	if q.AgentID == "" {
		v.Add("agentId", "is required")
	}
	if q.Duration <= 0 {
		v.Add("duration", "must be positive")
	} else if q.Duration > model.MinutesPerDay {
		v.Add("duration", "must not exceed one day")
	}
	if q.Buffer < 0 {
		v.Add("bufferMinutes", "cannot be negative")
	}
	s.checkRange(v, q.From, q.To)
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	if err := auth.RequireAgentAccess(ctx, q.AgentID); err != nil {
		return nil, err
	}

	found, err := s.deps.Slots.AvailableSlots(ctx, q.AgentID, q.From.UTC(), q.To.UTC(), slots.Request{
		Duration:           time.Duration(q.Duration) * time.Minute,
		Buffer:             time.Duration(q.Buffer) * time.Minute,
		Step:               s.cfg.SlotStep,
		IncludeUnavailable: q.IncludeUnavailable,
	})
	if err != nil {
		return nil, s.internal(ctx, started, "available slots", err)
	}
	if found == nil {
		found = []model.TimeSlot{}
	}
	return found, nil
}

// CheckConflicts reports blocking appointments overlapping p, with
// alternative slots when there are any.
func (s *Service) CheckConflicts(ctx context.Context, p conflict.Proposal) (conflict.Result, error) {
	started := time.Now()
	v := &apperr.ValidationError{}
	if p.AgentID == "" {
		v.Add("agentId", "is required")
	}
	if p.Start.IsZero() {
		v.Add("start", "is required")
	}
	if p.End.IsZero() {
		v.Add("end", "is required")
	} else if !p.End.After(p.Start) {
		v.Add("end", "must be after start")
	}
	if err := v.OrNil(); err != nil {
		return conflict.Result{}, err
	}
	if err := auth.RequireAgentAccess(ctx, p.AgentID); err != nil {
		return conflict.Result{}, err
	}

	p.Start, p.End = p.Start.UTC(), p.End.UTC()
	res, err := s.deps.Detector.Check(ctx, p)
	if err != nil {
		return conflict.Result{}, s.internal(ctx, started, "check conflicts", err)
	}
	return res, nil
}

// UpsertAvailability validates entries and stores them for agentID.
// Entries whose id already exists are replaced.
func (s *Service) UpsertAvailability(ctx context.Context, agentID string, entries []model.AvailabilityEntry) ([]model.AvailabilityEntry, error) {
	started := time.Now()
	prepared, err := availability.PrepareEntries(agentID, entries, s.now())
	if err != nil {
		return nil, err
	}
	if err := auth.RequireAgentAccess(ctx, agentID); err != nil {
		return nil, err
	}
	if err := s.deps.Entries.UpsertAvailability(ctx, agentID, prepared); err != nil {
		return nil, s.internal(ctx, started, "upsert availability", err)
	}

	s.logger.Info().Str("agent_id", agentID).Int("entries", len(prepared)).Msg("availability updated")
	s.publish(ctx, events.New(events.AvailabilityUpdated, agentID, nil, nil))
	return prepared, nil
}

// ResolveAvailability returns the agent's resolved intervals over [from, to).
func (s *Service) ResolveAvailability(ctx context.Context, agentID string, from, to time.Time) ([]model.Interval, error) {
	started := time.Now()
	v := &apperr.ValidationError{}
	if agentID == "" {
		v.Add("agentId", "is required")
	}
	s.checkRange(v, from, to)
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	if err := auth.RequireAgentAccess(ctx, agentID); err != nil {
		return nil, err
	}

	intervals, err := s.deps.Resolver.Resolve(ctx, agentID, from.UTC(), to.UTC())
	if err != nil {
		return nil, s.internal(ctx, started, "resolve availability", err)
	}
	return intervals, nil
}

// Analytics aggregates the appointments selected by q.
func (s *Service) Analytics(ctx context.Context, q analytics.Query) (analytics.CalendarAnalytics, error) {
	agents, err := scopeAgents(ctx, q.AgentIDs)
	if err != nil {
		return analytics.CalendarAnalytics{}, err
	}
	q.AgentIDs = agents
	return s.deps.Analytics.Analytics(ctx, q)
}

// ExportAnalyticsXLSX renders the analytics of q as a spreadsheet.
func (s *Service) ExportAnalyticsXLSX(ctx context.Context, q analytics.Query, w io.Writer) error {
	started := time.Now()
	a, err := s.Analytics(ctx, q)
	if err != nil {
		return err
	}
	if err := analytics.WriteXLSX(w, a); err != nil {
		return s.internal(ctx, started, "write analytics report", err)
	}
	return nil
}

// ExportICS writes the agent's appointments starting in [from, to) as an
// iCalendar feed.
func (s *Service) ExportICS(ctx context.Context, agentID string, from, to time.Time, includeCancelled bool, w io.Writer) error {
	started := time.Now()
	v := &apperr.ValidationError{}
	s.checkRange(v, from, to)
	if err := v.OrNil(); err != nil {
		return err
	}
	if err := auth.RequireAgentAccess(ctx, agentID); err != nil {
		return err
	}

	appts, err := s.deps.Store.ListForAgent(ctx, agentID, from.UTC(), to.UTC())
	if err != nil {
		return err
	}
	err = calsync.ExportICS(w, appts, calsync.ExportOptions{
		ProductID:        s.cfg.CalendarProductID,
		Name:             fmt.Sprintf("%s appointments", agentID),
		IncludeCancelled: includeCancelled,
		Now:              s.now(),
	})
	if err != nil {
		return s.internal(ctx, started, "export calendar", err)
	}
	return nil
}

// ImportResult summarizes an ICS import.
type ImportResult struct {
	Blocks  int          `json:"blocks"`
	Dates   []model.Date `json:"dates"`
	Entries int          `json:"entries"`
}

// ImportBusyICS reads busy blocks from an external calendar and records them
// as busy availability entries. Each affected date is first materialized
// into explicit entries so the recurring schedule still applies there.
func (s *Service) ImportBusyICS(ctx context.Context, agentID string, r io.Reader) (ImportResult, error) {
	started := time.Now()
	if err := auth.RequireAgentAccess(ctx, agentID); err != nil {
		return ImportResult{}, err
	}

	now := s.now().UTC()
	from := model.DateOf(now).In(time.UTC)
	blocks, err := calsync.ParseBusy(r, calsync.ParseOptions{
		From: from,
		To:   from.AddDate(0, 0, s.cfg.ImportHorizonDays),
	})
	if err != nil {
		return ImportResult{}, apperr.Invalid("calendar", "%v", err)
	}

	current, err := s.deps.Entries.ListAvailability(ctx, agentID)
	if err != nil {
		return ImportResult{}, s.internal(ctx, started, "list availability", err)
	}
	tz, loc := agentZone(current)

	byDate := make(map[model.Date][]model.AvailabilityEntry)
	var dates []model.Date
	for _, b := range blocks {
		for _, part := range splitByDay(b, loc) {
			if _, seen := byDate[part.date]; !seen {
				materialized, err := availability.MaterializeDate(current, part.date)
				if err != nil {
					return ImportResult{}, s.internal(ctx, started, "materialize availability", err)
				}
				byDate[part.date] = materialized
				dates = append(dates, part.date)
			}
			byDate[part.date] = append(byDate[part.date], model.AvailabilityEntry{
				ID:        fmt.Sprintf("ics:%s:%s:%d:%s", agentID, b.UID, b.Start.Unix(), part.date),
				Kind:      model.KindBusy,
				Date:      part.date,
				DayOfWeek: part.date.Weekday(),
				StartTime: part.start,
				EndTime:   part.end,
				Timezone:  tz,
			})
		}
	}

	res := ImportResult{Blocks: len(blocks), Dates: dates}
	if res.Dates == nil {
		res.Dates = []model.Date{}
	}
	var all []model.AvailabilityEntry
	for _, d := range dates {
		all = append(all, byDate[d]...)
	}
	if len(all) == 0 {
		return res, nil
	}

	prepared, err := s.UpsertAvailability(ctx, agentID, all)
	if err != nil {
		return ImportResult{}, err
	}
	res.Entries = len(prepared)
	return res, nil
}

type dayPart struct {
	date       model.Date
	start, end model.TimeOfDay
}

// splitByDay cuts a busy block at local midnights.
func splitByDay(b calsync.BusyBlock, loc *time.Location) []dayPart {
	var parts []dayPart
	start, end := b.Start.In(loc), b.End.In(loc)
	for start.Before(end) {
		d := model.DateOf(start)
		next := d.AddDays(1).In(loc)
		partEnd := end
		if next.Before(partEnd) {
			partEnd = next
		}
		p := dayPart{date: d, start: clock(start), end: clock(partEnd)}
		if !partEnd.Before(next) {
			p.end = model.MinutesPerDay
		}
		if p.end > p.start {
			parts = append(parts, p)
		}
		start = next
	}
	return parts
}

func clock(t time.Time) model.TimeOfDay {
	return model.TimeOfDay(t.Hour()*60 + t.Minute())
}

// agentZone picks the timezone of the agent's existing entries.
func agentZone(entries []model.AvailabilityEntry) (string, *time.Location) {
	for i := range entries {
		if entries[i].Timezone == "" {
			continue
		}
		if loc, err := entries[i].Location(); err == nil {
			return entries[i].Timezone, loc
		}
	}
	return "UTC", time.UTC
}

func (s *Service) checkRange(v *apperr.ValidationError, from, to time.Time) {
	switch {
	case from.IsZero():
		v.Add("from", "is required")
	case to.IsZero():
		v.Add("to", "is required")
	case !to.After(from):
		v.Add("to", "must be after from")
	case to.Sub(from) > time.Duration(s.cfg.MaxRangeDays)*24*time.Hour:
		v.Add("to", "range must not exceed %d days", s.cfg.MaxRangeDays)
	}
}

// scopeAgents restricts an agent principal to its own calendar.
func scopeAgents(ctx context.Context, requested []string) ([]string, error) {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return nil, &apperr.ForbiddenError{Action: "read calendars"}
	}
	if p.Role != auth.RoleAgent {
		return requested, nil
	}
	for _, id := range requested {
		if id != p.Subject {
			return nil, &apperr.ForbiddenError{Action: fmt.Sprintf("read calendar of %s", id)}
		}
	}
	return []string{p.Subject}, nil
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.deps.Observer != nil {
		s.deps.Observer.Publish(ctx, e)
	}
}

func (s *Service) internal(ctx context.Context, started time.Time, op string, err error) error {
	if ctx.Err() != nil {
		return apperr.FromContext(op, started, ctx.Err())
	}
	if apperr.CodeOf(err) != apperr.CodeInternal {
		return err
	}
	s.logger.Error().Err(err).Str("op", op).Msg("operation failed")
	return apperr.Internal(op, err)
}
