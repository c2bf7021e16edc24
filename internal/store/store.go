// Package store is the authoritative appointment store. It owns the status
// state machine, optimistic versioning and the per-agent booking invariant.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agentcal/internal/apperr"
	"agentcal/internal/auth"
	"agentcal/internal/booking"
	"agentcal/internal/conflict"
	"agentcal/internal/events"
	"agentcal/internal/metrics"
	"agentcal/internal/model"
)

// Suggester proposes alternative slots for a conflicting proposal.
type Suggester interface {
	Suggest(ctx context.Context, p conflict.Proposal) ([]model.TimeSlot, error)
}

// Observer receives committed changes. Publish must not block.
type Observer interface {
	Publish(ctx context.Context, event events.Event)
}

// DeleteOptions control Delete. Version zero skips the caller version check
// but the write is still compare-and-swap against the version read.
type DeleteOptions struct {
	Hard    bool  `json:"hard,omitempty"`
	Version int64 `json:"version,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithSuggester attaches a conflict suggester used to enrich ConflictError.
func WithSuggester(s Suggester) Option {
	return func(st *Store) { st.suggester = s }
}

// WithObserver attaches a post-commit observer.
func WithObserver(o Observer) Option {
	return func(st *Store) { st.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// Store serializes writes per agent on top of a Repository.
type Store struct {
	repo      Repository
	fsm       *booking.FSM
	locks     *agentLocks
	suggester Suggester
	observer  Observer
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a Store over repo.
func New(repo Repository, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		fsm:    booking.NewFSM(),
		locks:  newAgentLocks(),
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Create validates req, re-checks conflicts and inserts under the agent's
// lock.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*model.Appointment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.timestamp()
	appt := &model.Appointment{
		ID:               uuid.NewString(),
		Title:            req.Title,
		Description:      req.Description,
		Type:             req.Type,
		Status:           req.Status,
		Priority:         req.Priority,
		StartTime:        normalize(req.StartTime),
		EndTime:          normalize(req.EndTime),
		Location:         req.Location,
		MeetingURL:       req.MeetingURL,
		ContactID:        req.ContactID,
		AssignedToID:     req.AssignedToID,
		PropertyID:       req.PropertyID,
		Attendees:        nonNilAttendees(req.Attendees),
		Reminders:        nonNilReminders(req.Reminders),
		Metadata:         nonNilMetadata(req.Metadata),
		RecurringPattern: req.RecurringPattern,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	appt = appt.Clone()

	unlock := s.locks.lock(appt.AssignedToID)
	conflicts, err := s.conflictsLocked(ctx, appt, "")
	if err == nil && len(conflicts) == 0 {
		err = s.repo.Insert(ctx, appt)
		if errors.Is(err, ErrOverlap) {
			err = nil
			conflicts = []model.Appointment{}
		}
	}
	unlock()

	if err != nil {
		return nil, apperr.Internal("create appointment", err)
	}
	if conflicts != nil {
		metrics.IncConflict("create")
		return nil, s.conflictError(ctx, appt, "", conflicts)
	}

	metrics.IncAppointmentCreated(string(appt.Type))
	s.logger.Info().
		Str("appointment_id", appt.ID).
		Str("agent_id", appt.AssignedToID).
		Time("start", appt.StartTime).
		Msg("appointment created")
	s.publish(ctx, events.New(events.AppointmentCreated, appt.AssignedToID, appt, nil))
	return appt.Clone(), nil
}

// conflictsLocked returns nil when there is nothing to report and a
// non-nil slice when the write must be rejected.
func (s *Store) conflictsLocked(ctx context.Context, a *model.Appointment, excludeID string) ([]model.Appointment, error) {
	if !a.Status.Blocking() {
		return nil, nil
	}
	existing, err := s.repo.ListForAgent(ctx, a.AssignedToID, a.StartTime, a.EndTime)
	if err != nil {
		return nil, err
	}
	found := conflict.FindConflicts(existing, conflict.Proposal{
		AgentID:   a.AssignedToID,
		Start:     a.StartTime,
		End:       a.EndTime,
		ExcludeID: excludeID,
	})
	if len(found) == 0 {
		return nil, nil
	}
	return found, nil
}

func (s *Store) conflictError(ctx context.Context, a *model.Appointment, excludeID string, conflicts []model.Appointment) error {
	ce := &apperr.ConflictError{Conflicts: conflicts, Suggestions: []model.TimeSlot{}}
	if s.suggester == nil {
		return ce
	}
	suggestions, err := s.suggester.Suggest(ctx, conflict.Proposal{
		AgentID:   a.AssignedToID,
		Start:     a.StartTime,
		End:       a.EndTime,
		ExcludeID: excludeID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("agent_id", a.AssignedToID).Msg("suggestions for conflict failed")
		return ce
	}
	ce.Suggestions = suggestions
	return ce
}

// Get returns the appointment with id.
func (s *Store) Get(ctx context.Context, id string) (*model.Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, s.mapErr(ctx, "get appointment", id, err)
	}
	return a, nil
}

// Update applies req to appointment id if version is current. A change of
// start or end moves the appointment to rescheduled.
func (s *Store) Update(ctx context.Context, id string, version int64, req UpdateRequest) (*model.Appointment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if version <= 0 {
		return nil, apperr.Invalid("version", "is required")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	agents := []string{current.AssignedToID}
	if req.AssignedToID != nil {
		agents = append(agents, *req.AssignedToID)
	}

	unlock := s.locks.lock(agents...)
	prev, next, conflicts, err := s.updateLocked(ctx, id, version, req, agents)
	unlock()

	if err != nil {
		return nil, err
	}
	if conflicts != nil {
		metrics.IncConflict("update")
		return nil, s.conflictError(ctx, next, id, conflicts)
	}

	if prev.Status != next.Status {
		metrics.IncTransition(string(prev.Status), string(next.Status))
	}
	s.logger.Info().
		Str("appointment_id", id).
		Str("status", string(next.Status)).
		Int64("version", next.Version).
		Msg("appointment updated")
	s.publish(ctx, events.New(updateEventType(prev, next), next.AssignedToID, next, prev))
	return next.Clone(), nil
}

func (s *Store) updateLocked(ctx context.Context, id string, version int64, req UpdateRequest, locked []string) (*model.Appointment, *model.Appointment, []model.Appointment, error) {
	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, nil, s.mapErr(ctx, "update appointment", id, err)
	}
	if prev.Version != version || !contains(locked, prev.AssignedToID) {
		metrics.IncConcurrencyFailure()
		return nil, nil, nil, &apperr.ConcurrencyError{ID: id, Expected: version, Actual: prev.Version}
	}

	next, err := s.apply(prev, req)
	if err != nil {
		return nil, nil, nil, err
	}

	moved := !next.StartTime.Equal(prev.StartTime) || !next.EndTime.Equal(prev.EndTime) ||
		next.AssignedToID != prev.AssignedToID
	if moved {
		conflicts, err := s.conflictsLocked(ctx, next, id)
		if err != nil {
			return nil, nil, nil, apperr.Internal("update appointment", err)
		}
		if conflicts != nil {
			return prev, next, conflicts, nil
		}
	}

	if err := s.repo.Replace(ctx, next, version); err != nil {
		if errors.Is(err, ErrOverlap) {
			return prev, next, []model.Appointment{}, nil
		}
		return nil, nil, nil, s.mapErr(ctx, "update appointment", id, err)
	}
	return prev, next, nil, nil
}

// apply builds the next state of prev. It validates the resulting times
// and the status transition.
func (s *Store) apply(prev *model.Appointment, req UpdateRequest) (*model.Appointment, error) {
	next := prev.Clone()
	if req.Title != nil {
		next.Title = *req.Title
	}
	if req.Description != nil {
		next.Description = *req.Description
	}
	if req.Type != nil {
		next.Type = *req.Type
	}
	if req.Priority != nil {
		next.Priority = *req.Priority
	}
	if req.StartTime != nil {
		next.StartTime = normalize(*req.StartTime)
	}
	if req.EndTime != nil {
		next.EndTime = normalize(*req.EndTime)
	}
	if req.Location != nil {
		next.Location = *req.Location
	}
	if req.MeetingURL != nil {
		next.MeetingURL = *req.MeetingURL
	}
	if req.ContactID != nil {
		next.ContactID = *req.ContactID
	}
	if req.AssignedToID != nil {
		next.AssignedToID = *req.AssignedToID
	}
	if req.PropertyID != nil {
		next.PropertyID = *req.PropertyID
	}
	if req.Attendees != nil {
		next.Attendees = nonNilAttendees(*req.Attendees)
	}
	if req.Reminders != nil {
		next.Reminders = nonNilReminders(*req.Reminders)
	}
	if req.Metadata != nil {
		next.Metadata = nonNilMetadata(req.Metadata)
	}
	if req.RecurringPattern != nil {
		next.RecurringPattern = req.RecurringPattern
	}
	if req.ClearRecurrence {
		next.RecurringPattern = nil
	}
	next = next.Clone()

	if !next.EndTime.After(next.StartTime) {
		return nil, apperr.Invalid("endTime", "must be after startTime")
	}

	timeChanged := !next.StartTime.Equal(prev.StartTime) || !next.EndTime.Equal(prev.EndTime)
	target := prev.Status
	switch {
	case timeChanged:
		if req.Status != nil && *req.Status != model.StatusRescheduled {
			return nil, apperr.Invalid("status", "a time change always moves the appointment to %s", model.StatusRescheduled)
		}
		target = model.StatusRescheduled
	case req.Status != nil:
		target = *req.Status
	}
	if target != prev.Status || timeChanged {
		if err := s.fsm.Validate(prev.Status, target); err != nil {
			return nil, err
		}
	}
	next.Status = target
	next.Version = prev.Version + 1
	next.UpdatedAt = s.timestamp()
	return next, nil
}

// Delete cancels id, or removes it when opts.Hard is set and the caller is
// an admin. Cancelling an already cancelled appointment is a no-op.
func (s *Store) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	if opts.Hard {
		if err := auth.RequireAdmin(ctx, "hard delete appointments"); err != nil {
			return err
		}
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(current.AssignedToID)
	prev, next, err := s.deleteLocked(ctx, id, opts, current.AssignedToID)
	unlock()
	if err != nil {
		return err
	}

	if opts.Hard {
		s.logger.Warn().Str("appointment_id", id).Msg("appointment hard deleted")
		s.publish(ctx, events.New(events.AppointmentDeleted, prev.AssignedToID, nil, prev))
		return nil
	}
	if next == nil {
		return nil
	}
	metrics.IncTransition(string(prev.Status), string(next.Status))
	s.logger.Info().Str("appointment_id", id).Msg("appointment cancelled")
	s.publish(ctx, events.New(events.AppointmentCancelled, next.AssignedToID, next, prev))
	return nil
}

func (s *Store) deleteLocked(ctx context.Context, id string, opts DeleteOptions, locked string) (*model.Appointment, *model.Appointment, error) {
	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, s.mapErr(ctx, "delete appointment", id, err)
	}
	if (opts.Version != 0 && opts.Version != prev.Version) || prev.AssignedToID != locked {
		metrics.IncConcurrencyFailure()
		return nil, nil, &apperr.ConcurrencyError{ID: id, Expected: opts.Version, Actual: prev.Version}
	}

	if opts.Hard {
		if err := s.repo.Remove(ctx, id, prev.Version); err != nil {
			return nil, nil, s.mapErr(ctx, "delete appointment", id, err)
		}
		return prev, nil, nil
	}

	if prev.Status == model.StatusCancelled {
		return prev, nil, nil
	}
	if err := s.fsm.Validate(prev.Status, model.StatusCancelled); err != nil {
		return nil, nil, err
	}
	next := prev.Clone()
	next.Status = model.StatusCancelled
	next.Version = prev.Version + 1
	next.UpdatedAt = s.timestamp()
	if err := s.repo.Replace(ctx, next, prev.Version); err != nil {
		return nil, nil, s.mapErr(ctx, "delete appointment", id, err)
	}
	return prev, next, nil
}

// List returns appointments matching f.
func (s *Store) List(ctx context.Context, f Filter) (ListResult, error) {
	if !f.From.IsZero() && !f.To.IsZero() && !f.To.After(f.From) {
		return ListResult{}, apperr.Invalid("to", "must be after from")
	}
	items, count, err := s.repo.List(ctx, f)
	if err != nil {
		return ListResult{}, apperr.Internal("list appointments", err)
	}
	if items == nil {
		items = []model.Appointment{}
	}
	return ListResult{Items: items, Count: count}, nil
}

// ListForAgent returns the agent's appointments intersecting [from, to).
func (s *Store) ListForAgent(ctx context.Context, agentID string, from, to time.Time) ([]model.Appointment, error) {
	appts, err := s.repo.ListForAgent(ctx, agentID, from, to)
	if err != nil {
		return nil, apperr.Internal("list agent appointments", err)
	}
	return appts, nil
}

func (s *Store) publish(ctx context.Context, e events.Event) {
	if s.observer == nil {
		return
	}
	s.observer.Publish(ctx, e)
}

func (s *Store) mapErr(ctx context.Context, op, id string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return &apperr.NotFoundError{Resource: "appointment", ID: id}
	case errors.Is(err, ErrVersionMismatch):
		metrics.IncConcurrencyFailure()
		actual := int64(0)
		if cur, getErr := s.repo.Get(ctx, id); getErr == nil {
			actual = cur.Version
		}
		return &apperr.ConcurrencyError{ID: id, Actual: actual}
	}
	return apperr.Internal(op, err)
}

func updateEventType(prev, next *model.Appointment) events.Type {
	switch {
	case !prev.StartTime.Equal(next.StartTime) || !prev.EndTime.Equal(next.EndTime):
		return events.AppointmentRescheduled
	case prev.Status != next.Status && next.Status == model.StatusCancelled:
		return events.AppointmentCancelled
	case prev.Status != next.Status:
		return events.AppointmentStatusChanged
	}
	return events.AppointmentUpdated
}

func nonNilAttendees(in []model.Attendee) []model.Attendee {
	if in == nil {
		return []model.Attendee{}
	}
	return in
}

func nonNilReminders(in []model.Reminder) []model.Reminder {
	if in == nil {
		return []model.Reminder{}
	}
	return in
}

func nonNilMetadata(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
