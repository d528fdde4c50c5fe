package service

import (
	"sort"
	"sync"
	"time"

	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/model"
	"github.com/crystal-devs/rc-realtime/internal/transport"
)

// Health is the liveness bookkeeping of one connection.
type Health struct {
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	IsHealthy       bool      `json:"is_healthy"`
	UnhealthySince  time.Time `json:"unhealthy_since,omitempty"`
	ReconnectCount  int       `json:"reconnect_count"`
}

// Connection is a point-in-time copy of one live transport session.
type Connection struct {
	ID            string
	Authenticated bool
	Identity      model.Identity
	Health        Health
	Subscriptions []string
}

type connEntry struct {
	sender        transport.Sender
	authenticated bool
	identity      model.Identity
	health        Health
	subs          map[string]struct{}
}

func (e *connEntry) snapshot(id string) Connection {
	subs := make([]string, 0, len(e.subs))
	for ev := range e.subs {
		subs = append(subs, ev)
	}
	sort.Strings(subs)
	return Connection{
		ID:            id,
		Authenticated: e.authenticated,
		Identity:      e.identity,
		Health:        e.health,
		Subscriptions: subs,
	}
}

type departure struct {
	at         time.Time
	reconnects int
}

// Registry owns per-connection state. Subscription edges and health flags are
// changed only through the SubscriptionManager and HealthMonitor.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*connEntry
	departed map[string]departure // user id -> last authenticated disconnect

	reconnectWindow time.Duration
	now             func() time.Time
}

func NewRegistry(reconnectWindow time.Duration) *Registry {
	return &Registry{
		conns:           make(map[string]*connEntry),
		departed:        make(map[string]departure),
		reconnectWindow: reconnectWindow,
		now:             time.Now,
	}
}

// Register adds an unauthenticated connection.
func (r *Registry) Register(id string, sender transport.Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return errs.ErrAlreadyRegistered
	}
	now := r.now()
	r.conns[id] = &connEntry{
		sender: sender,
		health: Health{ConnectedAt: now, LastHeartbeatAt: now, IsHealthy: true},
		subs:   make(map[string]struct{}),
	}
	return nil
}

// Promote sets the identity of an authenticated connection. The identity is
// fixed from then on.
func (r *Registry) Promote(id string, identity model.Identity) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, errs.ErrConnectionNotFound
	}
	if e.authenticated {
		return Connection{}, errs.ErrAlreadyAuthenticated
	}
	now := r.now()
	e.authenticated = true
	e.identity = identity
	e.health.LastHeartbeatAt = now
	if d, ok := r.departed[identity.UserID]; ok {
		if r.reconnectWindow > 0 && now.Sub(d.at) <= r.reconnectWindow {
			e.health.ReconnectCount = d.reconnects + 1
		}
		delete(r.departed, identity.UserID)
	}
	return e.snapshot(id), nil
}

func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return e.snapshot(id), true
}

func (r *Registry) Sender(id string) (transport.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.sender, true
}

// Remove drops the connection and returns its final state. An authenticated
// user's departure is remembered for the reconnect window.
func (r *Registry) Remove(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, id)
	now := r.now()
	if e.authenticated && e.identity.UserID != "" && r.reconnectWindow > 0 {
		r.departed[e.identity.UserID] = departure{at: now, reconnects: e.health.ReconnectCount}
	}
	for user, d := range r.departed {
		if now.Sub(d.at) > r.reconnectWindow {
			delete(r.departed, user)
		}
	}
	return e.snapshot(id), true
}

// List returns every connection ordered by id.
func (r *Registry) List() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, e.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.conns {
		if e.authenticated {
			n++
		}
	}
	return n
}

func (r *Registry) senders() []transport.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.Sender, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.sender)
	}
	return out
}

func (r *Registry) addSubscription(id, eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.subs[eventID] = struct{}{}
	return true
}

func (r *Registry) removeSubscription(id, eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		delete(e.subs, eventID)
	}
}

func (r *Registry) touchHeartbeat(id string, at time.Time) (Health, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Health{}, errs.ErrConnectionNotFound
	}
	e.health.LastHeartbeatAt = at
	e.health.IsHealthy = true
	e.health.UnhealthySince = time.Time{}
	return e.health, nil
}

// markUnhealthy flips a healthy connection to unhealthy as of since. It reports
// whether the state changed.
func (r *Registry) markUnhealthy(id string, since time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || !e.health.IsHealthy {
		return false
	}
	e.health.IsHealthy = false
	e.health.UnhealthySince = since
	return true
}
