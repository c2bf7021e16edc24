// Package booking provides the appointment status state machine.
package booking

import (
	"agentcal/internal/apperr"
	"agentcal/internal/model"
)

// FSM manages appointment status transitions.
type FSM struct {
	transitions map[model.Status][]model.Status
}

// NewFSM creates a new FSM with predefined transitions.
func NewFSM() *FSM {
	return &FSM{
		transitions: map[model.Status][]model.Status{
			model.StatusScheduled: {
				model.StatusConfirmed, model.StatusCancelled, model.StatusRescheduled, model.StatusNoShow,
			},
			model.StatusConfirmed: {
				model.StatusCompleted, model.StatusCancelled, model.StatusRescheduled, model.StatusNoShow,
			},
			model.StatusRescheduled: {
				model.StatusConfirmed, model.StatusCompleted, model.StatusCancelled, model.StatusRescheduled, model.StatusNoShow,
			},
			model.StatusCompleted: nil,
			model.StatusCancelled: nil,
			model.StatusNoShow:    nil,
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to model.Status) bool {
	allowed, ok := f.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Validate returns an InvalidTransitionError when from -> to is not allowed.
func (f *FSM) Validate(from, to model.Status) error {
	if !f.CanTransition(from, to) {
		return &apperr.InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Allowed lists the statuses reachable from s.
func (f *FSM) Allowed(s model.Status) []model.Status {
	return append([]model.Status(nil), f.transitions[s]...)
}
