package transport

import (
	"sort"
	"sync"
)

// Groups is the transport-level fan-out primitive: named sets of senders.
type Groups struct {
	mu     sync.RWMutex
	groups map[string]map[string]Sender // group -> connection id -> sender
}

func NewGroups() *Groups {
	return &Groups{groups: make(map[string]map[string]Sender)}
}

// Join adds a sender to group. Joining twice is a no-op.
func (g *Groups) Join(group, id string, s Sender) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.groups[group]
	if !ok {
		m = make(map[string]Sender)
		g.groups[group] = m
	}
	m[id] = s
}

// Leave removes id from group and drops the group once empty.
func (g *Groups) Leave(group, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.groups[group]
	if !ok {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(g.groups, group)
	}
}

// Emit sends data to every member of group and returns how many accepted it.
// An empty or unknown group is a silent no-op.
func (g *Groups) Emit(group string, data []byte) int {
	g.mu.RLock()
	m, ok := g.groups[group]
	if !ok {
		g.mu.RUnlock()
		return 0
	}
	// Copy so sends happen without holding the lock.
	targets := make([]Sender, 0, len(m))
	for _, s := range m {
		targets = append(targets, s)
	}
	g.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(data) {
			delivered++
		}
	}
	return delivered
}

func (g *Groups) Size(group string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups[group])
}

func (g *Groups) Has(group, id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.groups[group][id]
	return ok
}

// Members returns the sorted connection ids in group.
func (g *Groups) Members(group string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.groups[group]))
	for id := range g.groups[group] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of non-empty groups.
func (g *Groups) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups)
}
