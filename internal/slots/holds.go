package slots

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHoldTTL bounds how long an uncommitted selection blocks a slot.
const DefaultHoldTTL = 30 * time.Second

type hold struct {
	id        string
	agentID   string
	start     time.Time
	end       time.Time
	expiresAt time.Time
}

// HoldRegistry tracks slots that were selected but not yet committed, so
// concurrent slot searches skip them.
type HoldRegistry struct {
	mu    sync.Mutex
	holds map[string]hold
	ttl   time.Duration
	now   func() time.Time
}

// NewHoldRegistry creates an empty registry.
func NewHoldRegistry(ttl time.Duration) *HoldRegistry {
	if ttl <= 0 {
		ttl = DefaultHoldTTL
	}
	return &HoldRegistry{
		holds: make(map[string]hold),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Hold reserves [start, end) for agentID and returns the hold id.
// It fails when an active hold of the agent already overlaps the window.
func (r *HoldRegistry) Hold(agentID string, start, end time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, h := range r.holds {
		if now.After(h.expiresAt) {
			delete(r.holds, id)
			continue
		}
		if h.agentID == agentID && h.start.Before(end) && h.end.After(start) {
			return "", false
		}
	}

	id := uuid.NewString()
	r.holds[id] = hold{id: id, agentID: agentID, start: start, end: end, expiresAt: now.Add(r.ttl)}
	return id, true
}

// Release drops a hold. Unknown ids are ignored.
func (r *HoldRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.holds, id)
}

// Active returns the agent's unexpired holds as busy spans.
func (r *HoldRegistry) Active(agentID string) []Busy {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []Busy
	for _, h := range r.holds {
		if h.agentID != agentID || now.After(h.expiresAt) {
			continue
		}
		out = append(out, Busy{Start: h.start, End: h.end, Reason: "held slot"})
	}
	return out
}

// Len returns the number of tracked holds, expired ones included.
func (r *HoldRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.holds)
}
