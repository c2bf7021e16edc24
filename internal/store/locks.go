package store

import (
	"sort"
	"sync"
)

// agentLocks serializes writes per agent. Entries are reference counted
// and removed when no goroutine holds or waits on them.
type agentLocks struct {
	mu    sync.Mutex
	locks map[string]*agentLock
}

type agentLock struct {
	mu   sync.Mutex
	refs int
}

func newAgentLocks() *agentLocks {
	return &agentLocks{locks: make(map[string]*agentLock)}
}

// lock acquires the locks of every distinct agent in a stable order and
// returns the matching unlock.
func (l *agentLocks) lock(agentIDs ...string) func() {
	ids := uniqueSorted(agentIDs)
	held := make([]*agentLock, 0, len(ids))
	for _, id := range ids {
		l.mu.Lock()
		al, ok := l.locks[id]
		if !ok {
			al = &agentLock{}
			l.locks[id] = al
		}
		al.refs++
		l.mu.Unlock()

		al.mu.Lock()
		held = append(held, al)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, ids[i])
			}
			l.mu.Unlock()
		}
	}
}

func (l *agentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func uniqueSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
