package availability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcal/internal/apperr"
	"agentcal/internal/model"
)

func TestMemoryEntryStore_ForeignID(t *testing.T) {
	ctx := context.Background()
	owned := weekly(monday.Weekday(), model.KindAvailable, "09:00", "17:00")
	owned.UserID = "agent-1"

	tests := []struct {
		name  string
		write func(s *MemoryEntryStore, e model.AvailabilityEntry) error
	}{
		{"upsert", func(s *MemoryEntryStore, e model.AvailabilityEntry) error {
			return s.UpsertAvailability(ctx, "agent-2", []model.AvailabilityEntry{e})
		}},
		{"replace", func(s *MemoryEntryStore, e model.AvailabilityEntry) error {
			return s.ReplaceAvailability(ctx, "agent-2", []model.AvailabilityEntry{e})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryEntryStore()
			require.NoError(t, s.UpsertAvailability(ctx, "agent-1", []model.AvailabilityEntry{owned}))

			stolen := owned
			stolen.UserID = "agent-2"
			err := tt.write(s, stolen)
			assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

			got, err := s.ListAvailability(ctx, "agent-2")
			require.NoError(t, err)
			assert.Empty(t, got)
			got, err = s.ListAvailability(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, []model.AvailabilityEntry{owned}, got)
		})
	}
}

func TestMemoryEntryStore_ReplaceReleasesIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEntryStore()
	e := weekly(monday.Weekday(), model.KindAvailable, "09:00", "17:00")
	require.NoError(t, s.ReplaceAvailability(ctx, "agent-1", []model.AvailabilityEntry{e}))
	require.NoError(t, s.ReplaceAvailability(ctx, "agent-1", nil))

	e.UserID = "agent-2"
	assert.NoError(t, s.UpsertAvailability(ctx, "agent-2", []model.AvailabilityEntry{e}))
}
