package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentcal/internal/model"
)

// Sentinel errors returned by Repository implementations. The Store maps
// them to typed outcomes.
var (
	ErrNotFound        = errors.New("appointment not found")
	ErrVersionMismatch = errors.New("appointment version mismatch")
	ErrOverlap         = errors.New("appointment overlaps an existing booking")
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Filter narrows List results. Zero values do not filter. From/To match
// appointments whose start lies in [From, To).
type Filter struct {
	AgentIDs   []string                `json:"agentIds,omitempty"`
	Statuses   []model.Status          `json:"statuses,omitempty"`
	Types      []model.AppointmentType `json:"types,omitempty"`
	Priorities []model.Priority        `json:"priorities,omitempty"`
	ContactID  string                  `json:"contactId,omitempty"`
	PropertyID string                  `json:"propertyId,omitempty"`
	From       time.Time               `json:"from,omitempty"`
	To         time.Time               `json:"to,omitempty"`
	Search     string                  `json:"search,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ListResult is one page of appointments plus the total match count.
type ListResult struct {
	Items []model.Appointment `json:"items"`
	Count int                 `json:"count"`
}

// Repository persists appointments. Implementations must be safe for
// concurrent use and must treat Replace and Remove as compare-and-swap on
// the stored version.
type Repository interface {
	Insert(ctx context.Context, a *model.Appointment) error
	Get(ctx context.Context, id string) (*model.Appointment, error)
	// Replace stores a when the stored version equals expected.
	Replace(ctx context.Context, a *model.Appointment, expected int64) error
	// Remove deletes id when the stored version equals expected.
	Remove(ctx context.Context, id string, expected int64) error
	// List returns the page selected by f and the total number of matches.
	List(ctx context.Context, f Filter) ([]model.Appointment, int, error)
	// ListForAgent returns all of the agent's appointments intersecting
	// [from, to), in any status, ordered by start.
	ListForAgent(ctx context.Context, agentID string, from, to time.Time) ([]model.Appointment, error)
}

// Matches reports whether a satisfies every non-empty criterion of f except
// paging. Backends that cannot express a criterion natively use it as a
// post-filter.
func (f Filter) Matches(a *model.Appointment) bool {
	if len(f.AgentIDs) > 0 && !contains(f.AgentIDs, a.AssignedToID) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, a.Status) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, a.Type) {
		return false
	}
	if len(f.Priorities) > 0 && !contains(f.Priorities, a.Priority) {
		return false
	}
	if f.ContactID != "" && a.ContactID != f.ContactID {
		return false
	}
	if f.PropertyID != "" && a.PropertyID != f.PropertyID {
		return false
	}
	if !f.From.IsZero() && a.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.StartTime.Before(f.To) {
		return false
	}
	if f.Search != "" && !containsFold(a.Title, f.Search) && !containsFold(a.Description, f.Search) {
		return false
	}
	return true
}

// Page applies Offset and Limit with defaults.
func (f Filter) Page() (offset, limit int) {
	offset, limit = f.Offset, f.Limit
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return offset, limit
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
