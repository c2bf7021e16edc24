// Package reminders turns appointment events into reminder jobs for an
// external delivery scheduler.
package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"agentcal/internal/events"
	"agentcal/internal/metrics"
	"agentcal/internal/model"
)

// Job is one reminder due for delivery.
type Job struct {
	AppointmentID string             `json:"appointmentId"`
	AgentID       string             `json:"agentId"`
	Index         int                `json:"index"`
	Type          model.ReminderType `json:"type"`
	DueAt         time.Time          `json:"dueAt"`
	StartTime     time.Time          `json:"startTime"`
	Title         string             `json:"title"`
}

// Key identifies the job across reschedules.
func (j Job) Key() string {
	return fmt.Sprintf("%s/%d", j.AppointmentID, j.Index)
}

// Scheduler delivers reminders. It lives outside this service.
type Scheduler interface {
	ScheduleReminder(ctx context.Context, job Job) error
	CancelReminders(ctx context.Context, appointmentID string) error
}

// Config paces hand-offs and retries failed ones.
type Config struct {
	Rate        float64
	Burst       int
	RetryDelays []time.Duration
}

// DefaultConfig returns the default pacing.
func DefaultConfig() Config {
	return Config{
		Rate:        20,
		Burst:       30,
		RetryDelays: []time.Duration{time.Second, 5 * time.Second},
	}
}

// Handoff subscribes to appointment events.
type Handoff struct {
	scheduler Scheduler
	limiter   *rate.Limiter
	delays    []time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewHandoff creates a hand-off to scheduler.
func NewHandoff(scheduler Scheduler, cfg Config, logger zerolog.Logger) *Handoff {
	def := DefaultConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = def.RetryDelays
	}
	return &Handoff{
		scheduler: scheduler,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		delays:    cfg.RetryDelays,
		now:       time.Now,
		logger:    logger.With().Str("component", "reminders").Logger(),
	}
}

// WithClock overrides time.Now.
func (h *Handoff) WithClock(now func() time.Time) *Handoff {
	h.now = now
	return h
}

// Types lists the events Handle reacts to.
func Types() []events.Type {
	return []events.Type{
		events.AppointmentCreated,
		events.AppointmentRescheduled,
		events.AppointmentUpdated,
		events.AppointmentStatusChanged,
		events.AppointmentCancelled,
		events.AppointmentDeleted,
	}
}

// Handle is an events.Handler.
func (h *Handoff) Handle(ctx context.Context, e events.Event) error {
	a := e.Appointment
	if a == nil && e.Type == events.AppointmentDeleted {
		// Hard deletes carry only the removed appointment.
		a = e.Previous
	}
	if a == nil {
		return nil
	}
	switch e.Type {
	case events.AppointmentCreated:
		return h.schedule(ctx, a)
	case events.AppointmentRescheduled, events.AppointmentUpdated:
		if err := h.cancel(ctx, a.ID); err != nil {
			return err
		}
		return h.schedule(ctx, a)
	case events.AppointmentStatusChanged:
		if a.Status.Blocking() {
			return nil
		}
		return h.cancel(ctx, a.ID)
	case events.AppointmentCancelled, events.AppointmentDeleted:
		return h.cancel(ctx, a.ID)
	}
	return nil
}

func (h *Handoff) schedule(ctx context.Context, a *model.Appointment) error {
	for _, job := range DueJobs(a, h.now()) {
		err := h.retry(ctx, func() error { return h.scheduler.ScheduleReminder(ctx, job) })
		if err != nil {
			metrics.IncReminderHandoff("schedule", "error")
			return fmt.Errorf("schedule reminder %s: %w", job.Key(), err)
		}
		metrics.IncReminderHandoff("schedule", "ok")
		h.logger.Debug().Str("job", job.Key()).Time("due_at", job.DueAt).Msg("reminder handed off")
	}
	return nil
}

func (h *Handoff) cancel(ctx context.Context, appointmentID string) error {
	err := h.retry(ctx, func() error { return h.scheduler.CancelReminders(ctx, appointmentID) })
	if err != nil {
		metrics.IncReminderHandoff("cancel", "error")
		return fmt.Errorf("cancel reminders for %s: %w", appointmentID, err)
	}
	metrics.IncReminderHandoff("cancel", "ok")
	return nil
}

// retry paces every attempt through the limiter and waits between failures.
func (h *Handoff) retry(ctx context.Context, call func() error) error {
	var err error
	for attempt := 0; attempt <= len(h.delays); attempt++ {
		if werr := h.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("rate limiter: %w", werr)
		}
		if err = call(); err == nil {
			return nil
		}
		if attempt == len(h.delays) {
			break
		}
		h.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reminder hand-off failed, retrying")
		select {
		case <-time.After(h.delays[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// DueJobs lists the unsent reminders of a blocking appointment that are
// still in the future.
func DueJobs(a *model.Appointment, now time.Time) []Job {
	if !a.Status.Blocking() {
		return nil
	}
	var jobs []Job
	for i, r := range a.Reminders {
		if r.Sent {
			continue
		}
		due := a.StartTime.Add(-time.Duration(r.MinutesBefore) * time.Minute)
		if !due.After(now) {
			continue
		}
		jobs = append(jobs, Job{
			AppointmentID: a.ID,
			AgentID:       a.AssignedToID,
			Index:         i,
			Type:          r.Type,
			DueAt:         due,
			StartTime:     a.StartTime,
			Title:         a.Title,
		})
	}
	return jobs
}

// LogScheduler records hand-offs in the log when no delivery service is
// configured.
type LogScheduler struct {
	Logger zerolog.Logger
}

func (s LogScheduler) ScheduleReminder(ctx context.Context, job Job) error {
	s.Logger.Info().
		Str("appointment_id", job.AppointmentID).
		Str("agent_id", job.AgentID).
		Str("type", string(job.Type)).
		Time("due_at", job.DueAt).
		Msg("reminder scheduled")
	return nil
}

func (s LogScheduler) CancelReminders(ctx context.Context, appointmentID string) error {
	s.Logger.Info().Str("appointment_id", appointmentID).Msg("reminders cancelled")
	return nil
}
