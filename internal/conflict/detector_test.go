package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agentcal/internal/model"
	"agentcal/internal/slots"
)

func mon(hour, min int) time.Time {
	return time.Date(2026, time.March, 2, hour, min, 0, 0, time.UTC)
}

func appt(id string, status model.Status, start, end time.Time) model.Appointment {
	return model.Appointment{ID: id, AssignedToID: "agent-1", Status: status, StartTime: start, EndTime: end}
}

type mockLister struct{ mock.Mock }

func (m *mockLister) ListForAgent(ctx context.Context, agentID string, from, to time.Time) ([]model.Appointment, error) {
	args := m.Called(ctx, agentID, from, to)
	if v := args.Get(0); v != nil {
		return v.([]model.Appointment), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockFinder struct{ mock.Mock }

func (m *mockFinder) AvailableSlots(ctx context.Context, agentID string, from, to time.Time, req slots.Request) ([]model.TimeSlot, error) {
	args := m.Called(ctx, agentID, from, to, req)
	if v := args.Get(0); v != nil {
		return v.([]model.TimeSlot), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestFindConflicts(t *testing.T) {
	existing := []model.Appointment{
		appt("scheduled", model.StatusScheduled, mon(10, 0), mon(11, 0)),
		appt("confirmed", model.StatusConfirmed, mon(11, 0), mon(12, 0)),
		appt("rescheduled", model.StatusRescheduled, mon(13, 0), mon(14, 0)),
		appt("cancelled", model.StatusCancelled, mon(10, 0), mon(11, 0)),
		appt("completed", model.StatusCompleted, mon(10, 0), mon(11, 0)),
		appt("noshow", model.StatusNoShow, mon(10, 0), mon(11, 0)),
	}

	tests := []struct {
		name     string
		proposal Proposal
		want     []string
	}{
		{"touching start", Proposal{AgentID: "agent-1", Start: mon(9, 0), End: mon(10, 0)}, nil},
		{"touching end", Proposal{AgentID: "agent-1", Start: mon(12, 0), End: mon(13, 0)}, nil},
		{"only blocking statuses", Proposal{AgentID: "agent-1", Start: mon(10, 30), End: mon(10, 45)}, []string{"scheduled"}},
		{"spans two", Proposal{AgentID: "agent-1", Start: mon(10, 30), End: mon(11, 30)}, []string{"scheduled", "confirmed"}},
		{"rescheduled blocks", Proposal{AgentID: "agent-1", Start: mon(13, 30), End: mon(15, 0)}, []string{"rescheduled"}},
		{"exclude self", Proposal{AgentID: "agent-1", Start: mon(10, 30), End: mon(10, 45), ExcludeID: "scheduled"}, nil},
		{"other agent", Proposal{AgentID: "agent-2", Start: mon(10, 30), End: mon(10, 45)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindConflicts(existing, tt.proposal)
			var ids []string
			for _, a := range got {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.NotNil(t, got)
		})
	}
}

func TestDetector_CheckWithoutConflicts(t *testing.T) {
	lister := &mockLister{}
	finder := &mockFinder{}
	lister.On("ListForAgent", mock.Anything, "agent-1", mon(9, 0), mon(10, 0)).
		Return([]model.Appointment{appt("a", model.StatusScheduled, mon(10, 0), mon(11, 0))}, nil)

	d := NewDetector(lister, finder, Options{}, zerolog.Nop())
	res, err := d.Check(context.Background(), Proposal{AgentID: "agent-1", Start: mon(9, 0), End: mon(10, 0)})
	require.NoError(t, err)

	assert.False(t, res.HasConflicts)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Suggestions)
	finder.AssertNotCalled(t, "AvailableSlots", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDetector_CheckSuggestsNearbySlots(t *testing.T) {
	lister := &mockLister{}
	finder := &mockFinder{}
	lister.On("ListForAgent", mock.Anything, "agent-1", mon(10, 0), mon(11, 0)).
		Return([]model.Appointment{appt("a", model.StatusConfirmed, mon(10, 0), mon(11, 0))}, nil)

	from := time.Date(2026, time.February, 27, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, time.March, 6, 0, 0, 0, 0, time.UTC)
	finder.On("AvailableSlots", mock.Anything, "agent-1", from, to, slots.Request{
		Duration: time.Hour,
		Buffer:   15 * time.Minute,
		Step:     slots.DefaultStep,
	}).Return([]model.TimeSlot{
		model.NewTimeSlot(mon(8, 0), time.Hour),
		model.NewTimeSlot(mon(11, 15), time.Hour),
		model.NewTimeSlot(mon(15, 0), time.Hour),
		model.NewTimeSlot(mon(9, 0).AddDate(0, 0, 1), time.Hour),
	}, nil)

	d := NewDetector(lister, finder, Options{Buffer: 15 * time.Minute, MaxSuggestions: 2}, zerolog.Nop())
	res, err := d.Check(context.Background(), Proposal{AgentID: "agent-1", Start: mon(10, 0), End: mon(11, 0)})
	require.NoError(t, err)

	assert.True(t, res.HasConflicts)
	assert.Equal(t, res.HasConflicts, len(res.Conflicts) > 0)
	require.Len(t, res.Suggestions, 2)
	assert.Equal(t, mon(11, 15), res.Suggestions[0].StartTime)
	assert.Equal(t, mon(8, 0), res.Suggestions[1].StartTime)
	lister.AssertExpectations(t)
	finder.AssertExpectations(t)
}

func TestDetector_SuggestionFailureKeepsConflicts(t *testing.T) {
	lister := &mockLister{}
	finder := &mockFinder{}
	lister.On("ListForAgent", mock.Anything, "agent-1", mock.Anything, mock.Anything).
		Return([]model.Appointment{appt("a", model.StatusScheduled, mon(10, 0), mon(11, 0))}, nil)
	finder.On("AvailableSlots", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("resolver unavailable"))

	d := NewDetector(lister, finder, Options{}, zerolog.Nop())
	res, err := d.Check(context.Background(), Proposal{AgentID: "agent-1", Start: mon(10, 0), End: mon(11, 0)})
	require.NoError(t, err)
	assert.True(t, res.HasConflicts)
	assert.Empty(t, res.Suggestions)
}

func TestDetector_ListError(t *testing.T) {
	lister := &mockLister{}
	lister.On("ListForAgent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("db down"))

	d := NewDetector(lister, nil, Options{}, zerolog.Nop())
	_, err := d.Check(context.Background(), Proposal{AgentID: "agent-1", Start: mon(10, 0), End: mon(11, 0)})
	assert.ErrorContains(t, err, "db down")
}
