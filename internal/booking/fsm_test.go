package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"agentcal/internal/apperr"
	"agentcal/internal/model"
)

func TestFSMTransitions(t *testing.T) {
	fsm := NewFSM()

	tests := []struct {
		name        string
		from        model.Status
		to          model.Status
		shouldAllow bool
	}{
		{"scheduled to confirmed", model.StatusScheduled, model.StatusConfirmed, true},
		{"scheduled to cancelled", model.StatusScheduled, model.StatusCancelled, true},
		{"scheduled to rescheduled", model.StatusScheduled, model.StatusRescheduled, true},
		{"scheduled to no show", model.StatusScheduled, model.StatusNoShow, true},
		{"confirmed to completed", model.StatusConfirmed, model.StatusCompleted, true},
		{"confirmed to rescheduled", model.StatusConfirmed, model.StatusRescheduled, true},
		{"rescheduled to confirmed", model.StatusRescheduled, model.StatusConfirmed, true},
		{"rescheduled again", model.StatusRescheduled, model.StatusRescheduled, true},
		// Invalid transitions
		{"scheduled to completed", model.StatusScheduled, model.StatusCompleted, false},
		{"confirmed back to scheduled", model.StatusConfirmed, model.StatusScheduled, false},
		{"completed to confirmed", model.StatusCompleted, model.StatusConfirmed, false},
		{"cancelled to scheduled", model.StatusCancelled, model.StatusScheduled, false},
		{"no show to completed", model.StatusNoShow, model.StatusCompleted, false},
		{"unknown source", model.Status("pending"), model.StatusConfirmed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.shouldAllow, fsm.CanTransition(tt.from, tt.to),
				"transition %s -> %s", tt.from, tt.to)
		})
	}
}

func TestFSM_TerminalStatesHaveNoExits(t *testing.T) {
	fsm := NewFSM()
	for _, from := range model.Statuses {
		if !from.Terminal() {
			continue
		}
		assert.Empty(t, fsm.Allowed(from), "terminal status %s", from)
		for _, to := range model.Statuses {
			err := fsm.Validate(from, to)
			assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err), "%s -> %s", from, to)
		}
	}
}
