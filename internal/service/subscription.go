package service

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/model"
	"github.com/crystal-devs/rc-realtime/internal/transport"
)

// SubscriptionManager keeps the event <-> connection graph and mirrors it into
// transport groups. The forward index lives here, the reverse index is each
// registry entry's subscription set; both change under s.mu.
type SubscriptionManager struct {
	mu       sync.Mutex
	events   map[string]map[string]struct{} // event id -> connection ids
	registry *Registry
	groups   *transport.Groups
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewSubscriptionManager(registry *Registry, groups *transport.Groups, m *metrics.Metrics, log *zap.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		events:   make(map[string]map[string]struct{}),
		registry: registry,
		groups:   groups,
		metrics:  m,
		log:      log.With(zap.String("component", "subscriptions")),
	}
}

// Subscribe adds connID to eventID and returns the group it was placed in.
// Subscribing twice returns the same group and changes nothing.
func (s *SubscriptionManager) Subscribe(connID, eventID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.registry.Get(connID)
	if !ok {
		return "", errs.ErrConnectionNotFound
	}
	if !c.Authenticated {
		return "", errs.ErrNotAuthenticated
	}
	if !c.Identity.CanAccess(eventID) {
		return "", errs.ErrNotEntitled
	}
	group := model.GroupFor(c.Identity.Role, eventID)
	if _, ok := s.events[eventID][connID]; ok {
		return group, nil
	}
	sender, ok := s.registry.Sender(connID)
	if !ok || !s.registry.addSubscription(connID, eventID) {
		return "", errs.ErrConnectionNotFound
	}
	members, ok := s.events[eventID]
	if !ok {
		members = make(map[string]struct{})
		s.events[eventID] = members
	}
	members[connID] = struct{}{}
	s.groups.Join(group, connID, sender)
	s.metrics.Subscriptions.WithLabelValues(audience(c.Identity.Role)).Inc()

	s.log.Debug("subscribed",
		zap.String("connection_id", connID),
		zap.String("event_id", eventID),
		zap.String("group", group))
	return group, nil
}

// Unsubscribe removes connID from eventID. Missing edges are ignored.
func (s *SubscriptionManager) Unsubscribe(connID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked(connID, eventID)
}

// CleanupConnection removes connID from every event it joined and returns
// those events.
func (s *SubscriptionManager) CleanupConnection(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(connID)
}

// Disconnect cleans up connID and removes it from the registry in one step, so
// no subscribe can slip in between.
func (s *SubscriptionManager) Disconnect(connID string) (Connection, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.cleanupLocked(connID)
	c, ok := s.registry.Remove(connID)
	if ok {
		c.Subscriptions = events
	}
	return c, events, ok
}

func (s *SubscriptionManager) cleanupLocked(connID string) []string {
	c, ok := s.registry.Get(connID)
	if !ok {
		return nil
	}
	for _, eventID := range c.Subscriptions {
		s.unsubscribeLocked(connID, eventID)
	}
	return c.Subscriptions
}

func (s *SubscriptionManager) unsubscribeLocked(connID, eventID string) {
	members, ok := s.events[eventID]
	if !ok {
		return
	}
	if _, ok := members[connID]; !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.events, eventID)
	}
	s.registry.removeSubscription(connID, eventID)

	if c, ok := s.registry.Get(connID); ok {
		s.groups.Leave(model.GroupFor(c.Identity.Role, eventID), connID)
		s.metrics.Subscriptions.WithLabelValues(audience(c.Identity.Role)).Dec()
	}
}

// Occupancy counts the live subscribers of eventID by audience.
func (s *SubscriptionManager) Occupancy(eventID string) model.Occupancy {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ := model.Occupancy{EventID: eventID}
	for connID := range s.events[eventID] {
		c, ok := s.registry.Get(connID)
		if !ok {
			continue
		}
		if c.Identity.Role.IsAdmin() {
			occ.AdminCount++
		} else {
			occ.GuestCount++
		}
	}
	occ.Total = occ.AdminCount + occ.GuestCount
	return occ
}

// Members returns the sorted connection ids subscribed to eventID.
func (s *SubscriptionManager) Members(eventID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.events[eventID]))
	for id := range s.events[eventID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubscribedEvents returns the events connID belongs to.
func (s *SubscriptionManager) SubscribedEvents(connID string) []string {
	c, ok := s.registry.Get(connID)
	if !ok {
		return nil
	}
	return c.Subscriptions
}

// Events returns every event with at least one subscriber.
func (s *SubscriptionManager) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for id := range s.events {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Emit sends payload to every member of group. An empty group is a no-op.
func (s *SubscriptionManager) Emit(group string, payload []byte) int {
	return s.groups.Emit(group, payload)
}

// EmitAll sends payload to every registered connection, authenticated or not.
func (s *SubscriptionManager) EmitAll(payload []byte) int {
	n := 0
	for _, sender := range s.registry.senders() {
		if sender.Send(payload) {
			n++
		}
	}
	return n
}

func audience(r model.Role) string {
	if r.IsAdmin() {
		return "admin"
	}
	return "guest"
}
