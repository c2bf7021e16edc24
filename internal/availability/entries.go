package availability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcal/internal/apperr"
	"agentcal/internal/model"
)

// EntryStore persists availability entries.
type EntryStore interface {
	EntrySource
	// UpsertAvailability inserts entries without an id and replaces the
	// ones whose id already exists for the agent. An id owned by another
	// agent fails with ForeignEntryError.
	UpsertAvailability(ctx context.Context, agentID string, entries []model.AvailabilityEntry) error
	// ReplaceAvailability swaps the agent's whole entry set.
	ReplaceAvailability(ctx context.Context, agentID string, entries []model.AvailabilityEntry) error
}

// ForeignEntryError reports that entries[index] reuses an id stored for a
// different agent.
func ForeignEntryError(index int, id string) error {
	return apperr.Invalid(fmt.Sprintf("entries[%d].id", index), "%q belongs to another agent", id)
}

// PrepareEntries validates entries for agentID and fills ids, owner,
// timezone and creation time. Field names in errors are indexed.
func PrepareEntries(agentID string, entries []model.AvailabilityEntry, now time.Time) ([]model.AvailabilityEntry, error) {
	v := &apperr.ValidationError{}
	if agentID == "" {
		v.Add("agentId", "is required")
	}
	out := make([]model.AvailabilityEntry, len(entries))
	for i, e := range entries {
		field := fmt.Sprintf("entries[%d]", i)
		if e.UserID != "" && e.UserID != agentID {
			v.Add(field+".userId", "must match agent %s", agentID)
		}
		e.UserID = agentID
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Timezone == "" {
			e.Timezone = "UTC"
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now.UTC()
		}
		if !e.Kind.Valid() {
			v.Add(field+".kind", "unknown kind %q", e.Kind)
		}
		if e.IsRecurring {
			if e.DayOfWeek < time.Sunday || e.DayOfWeek > time.Saturday {
				v.Add(field+".dayOfWeek", "must be between 0 and 6")
			}
			if p := e.RecurringPattern; p != nil && !p.Frequency.Valid() {
				v.Add(field+".recurringPattern.frequency", "unknown frequency %q", p.Frequency)
			}
		} else if e.Date.IsZero() {
			v.Add(field+".date", "is required for non-recurring entries")
		}
		if e.StartTime < 0 || e.EndTime > model.MinutesPerDay {
			v.Add(field+".startTime", "must be within the day")
		}
		if e.EndTime <= e.StartTime {
			v.Add(field+".endTime", "must be after startTime")
		}
		if _, err := e.Location(); err != nil {
			v.Add(field+".timezone", "unknown timezone %q", e.Timezone)
		}
		out[i] = e
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryEntryStore keeps availability entries in process memory.
type MemoryEntryStore struct {
	mu      sync.RWMutex
	byAgent map[string][]model.AvailabilityEntry
	owner   map[string]string
}

// NewMemoryEntryStore creates an empty store.
func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{
		byAgent: make(map[string][]model.AvailabilityEntry),
		owner:   make(map[string]string),
	}
}

func (m *MemoryEntryStore) ListAvailability(ctx context.Context, agentID string) ([]model.AvailabilityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.AvailabilityEntry{}, m.byAgent[agentID]...), nil
}

func (m *MemoryEntryStore) UpsertAvailability(ctx context.Context, agentID string, entries []model.AvailabilityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOwner(agentID, entries); err != nil {
		return err
	}
	current := m.byAgent[agentID]
	index := make(map[string]int, len(current))
	for i, e := range current {
		index[e.ID] = i
	}
	for _, e := range entries {
		if i, ok := index[e.ID]; ok {
			current[i] = e
			continue
		}
		index[e.ID] = len(current)
		current = append(current, e)
		m.owner[e.ID] = agentID
	}
	m.byAgent[agentID] = sortEntries(current)
	return nil
}

func (m *MemoryEntryStore) ReplaceAvailability(ctx context.Context, agentID string, entries []model.AvailabilityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOwner(agentID, entries); err != nil {
		return err
	}
	for _, e := range m.byAgent[agentID] {
		delete(m.owner, e.ID)
	}
	for _, e := range entries {
		m.owner[e.ID] = agentID
	}
	m.byAgent[agentID] = sortEntries(append([]model.AvailabilityEntry{}, entries...))
	return nil
}

func (m *MemoryEntryStore) checkOwner(agentID string, entries []model.AvailabilityEntry) error {
	for i, e := range entries {
		if owner, ok := m.owner[e.ID]; ok && owner != agentID {
			return ForeignEntryError(i, e.ID)
		}
	}
	return nil
}

func sortEntries(entries []model.AvailabilityEntry) []model.AvailabilityEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}
