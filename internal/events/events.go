package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcal/internal/model"
)

// Type names a domain event.
type Type string

const (
	AppointmentCreated       Type = "appointment.created"
	AppointmentUpdated       Type = "appointment.updated"
	AppointmentRescheduled   Type = "appointment.rescheduled"
	AppointmentStatusChanged Type = "appointment.status_changed"
	AppointmentCancelled     Type = "appointment.cancelled"
	AppointmentDeleted       Type = "appointment.deleted"
	AvailabilityUpdated      Type = "availability.updated"
)

// Event is a committed change, published after the write is durable.
type Event struct {
	ID          string             `json:"id"`
	Type        Type               `json:"type"`
	AgentID     string             `json:"agentId"`
	Appointment *model.Appointment `json:"appointment,omitempty"`
	Previous    *model.Appointment `json:"previous,omitempty"`
	OccurredAt  time.Time          `json:"occurredAt"`
}

// New builds an event with a fresh id. appt and prev are cloned.
func New(t Type, agentID string, appt, prev *model.Appointment) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		AgentID:     agentID,
		Appointment: appt.Clone(),
		Previous:    prev.Clone(),
		OccurredAt:  time.Now().UTC(),
	}
}

// Handler reacts to an event.
type Handler func(ctx context.Context, event Event) error

// Bus provides in-process pub/sub for events.
type Bus struct {
	subscribers map[Type][]Handler
	all         []Handler
	mu          sync.RWMutex
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for the given event types.
func (b *Bus) Subscribe(handler Handler, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Deliver runs every matching handler synchronously and returns the
// number of handlers that failed.
func (b *Bus) Deliver(ctx context.Context, event Event, onError func(error)) int {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	failed := 0
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			failed++
			if onError != nil {
				onError(err)
			}
		}
	}
	return failed
}
