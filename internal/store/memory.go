package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentcal/internal/model"
)

// MemoryRepository keeps appointments in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]*model.Appointment
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*model.Appointment)}
}

func (r *MemoryRepository) Insert(ctx context.Context, a *model.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[a.ID] = a.Clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*model.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (r *MemoryRepository) Replace(ctx context.Context, a *model.Appointment, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expected {
		return ErrVersionMismatch
	}
	r.items[a.ID] = a.Clone()
	return nil
}

func (r *MemoryRepository) Remove(ctx context.Context, id string, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expected {
		return ErrVersionMismatch
	}
	delete(r.items, id)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, f Filter) ([]model.Appointment, int, error) {
	r.mu.RLock()
	matched := make([]model.Appointment, 0)
	for _, a := range r.items {
		if f.Matches(a) {
			matched = append(matched, *a.Clone())
		}
	}
	r.mu.RUnlock()

	sortByStart(matched)
	total := len(matched)
	offset, limit := f.Page()
	if offset >= total {
		return []model.Appointment{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *MemoryRepository) ListForAgent(ctx context.Context, agentID string, from, to time.Time) ([]model.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Appointment, 0)
	for _, a := range r.items {
		if a.AssignedToID == agentID && a.Overlaps(from, to) {
			out = append(out, *a.Clone())
		}
	}
	sortByStart(out)
	return out, nil
}

func sortByStart(appts []model.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if !appts[i].StartTime.Equal(appts[j].StartTime) {
			return appts[i].StartTime.Before(appts[j].StartTime)
		}
		return appts[i].ID < appts[j].ID
	})
}
