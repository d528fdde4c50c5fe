package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/auth"
	"github.com/crystal-devs/rc-realtime/internal/config"
	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/model"
	"github.com/crystal-devs/rc-realtime/internal/transport"
)

const (
	eventE1 = "6f1c2f0e-8a43-4c55-9d3b-5b2f0d1a7c11"
	eventE2 = "0b9e7c52-14d6-4f0a-b7a1-2a6f3c9e8d20"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// frame is an outbound envelope with its payload left raw.
type frame struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id"`
	Data    json.RawMessage `json:"data"`
}

type fakeSender struct {
	mu     sync.Mutex
	raw    [][]byte
	closed bool
}

func (s *fakeSender) Send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.raw = append(s.raw, append([]byte(nil), data...))
	return true
}

func (s *fakeSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSender) frames(t *testing.T) []frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame, 0, len(s.raw))
	for _, b := range s.raw {
		var f frame
		require.NoError(t, json.Unmarshal(b, &f))
		out = append(out, f)
	}
	return out
}

// ofType returns the frames of msgType.
func (s *fakeSender) ofType(t *testing.T, msgType string) []frame {
	t.Helper()
	var out []frame
	for _, f := range s.frames(t) {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSender) last(t *testing.T) frame {
	t.Helper()
	fs := s.frames(t)
	require.NotEmpty(t, fs, "no frames sent")
	return fs[len(fs)-1]
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = nil
}

type fakeStore struct {
	mu     sync.Mutex
	events map[string]model.Event
	err    error
}

func newFakeStore(events ...model.Event) *fakeStore {
	s := &fakeStore{events: make(map[string]model.Event)}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *fakeStore) GetEvent(_ context.Context, id string) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.Event{}, s.err
	}
	if e, ok := s.events[id]; ok {
		return e, nil
	}
	return model.Event{}, errs.ErrEventNotFound
}

func (s *fakeStore) ResolveEventByShareHandle(_ context.Context, handle string) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.Event{}, s.err
	}
	for _, e := range s.events {
		if e.ShareToken == handle {
			return e, nil
		}
	}
	return model.Event{}, errs.ErrEventNotFound
}

type fakeVerifier map[string]auth.Principal

func (v fakeVerifier) Verify(token string) (auth.Principal, error) {
	if p, ok := v[token]; ok {
		return p, nil
	}
	return auth.Principal{}, errs.ErrCredentialInvalid
}

type fabric struct {
	clock       *testClock
	metrics     *metrics.Metrics
	store       *fakeStore
	registry    *Registry
	groups      *transport.Groups
	subs        *SubscriptionManager
	gate        *Gate
	health      *HealthMonitor
	throttle    *ProgressThrottle
	broadcaster *Broadcaster
	hub         *Hub
}

var (
	testHeartbeat = config.HeartbeatConfig{
		Interval:        25 * time.Second,
		Timeout:         60 * time.Second,
		Grace:           30 * time.Second,
		SweepInterval:   15 * time.Second,
		ReconnectWindow: 2 * time.Minute,
	}
	testProgress = config.ProgressConfig{MinInterval: time.Second, MinDelta: 10, LockDuration: 30 * time.Second}
	testBulk     = config.BulkConfig{ChunkThreshold: 50, ChunkSize: 25}
)

func newFabric(t *testing.T, authTimeout time.Duration) *fabric {
	t.Helper()
	log := zap.NewNop()
	clock := newTestClock()
	m := metrics.New(nil)
	st := newFakeStore(
		model.Event{ID: eventE1, OwnerID: "user-host", Title: "Wedding", ShareToken: "evt_share_e1", ShareEnabled: true},
		model.Event{ID: eventE2, OwnerID: "user-other", Title: "Closed", ShareToken: "evt_share_e2", ShareEnabled: false},
	)
	verifier := fakeVerifier{
		"tok-host":   {UserID: "user-host", DisplayName: "Hana"},
		"tok-cohost": {UserID: "user-cohost", DisplayName: "Cole"},
		"tok-multi":  {UserID: "user-multi", DisplayName: "Mia", MultiEvent: true},
	}

	f := &fabric{clock: clock, metrics: m, store: st}
	f.registry = NewRegistry(testHeartbeat.ReconnectWindow)
	f.registry.now = clock.Now
	f.groups = transport.NewGroups()
	f.subs = NewSubscriptionManager(f.registry, f.groups, m, log)
	f.gate = NewGate(f.registry, st, verifier, "Guest", m, log)
	f.gate.now = clock.Now
	f.health = NewHealthMonitor(f.registry, f.subs, testHeartbeat, m, log)
	f.health.now = clock.Now
	f.throttle = NewProgressThrottle(testProgress, m)
	f.throttle.now = clock.Now
	f.broadcaster = NewBroadcaster(f.subs, f.throttle, testBulk, m, log)
	f.broadcaster.now = clock.Now
	f.hub = NewHub(f.registry, f.gate, f.subs, f.health, f.broadcaster, authTimeout, m, log)
	f.hub.now = clock.Now
	return f
}

// connect opens a connection through the hub.
func (f *fabric) connect(t *testing.T, id string) *fakeSender {
	t.Helper()
	s := &fakeSender{}
	require.NoError(t, f.hub.Open(id, s))
	return s
}

// join opens, authenticates and subscribes a connection directly.
func (f *fabric) join(t *testing.T, id string, identity model.Identity, events ...string) *fakeSender {
	t.Helper()
	s := f.connect(t, id)
	_, err := f.registry.Promote(id, identity)
	require.NoError(t, err)
	for _, ev := range events {
		_, err := f.subs.Subscribe(id, ev)
		require.NoError(t, err)
	}
	s.reset()
	return s
}

func (f *fabric) send(t *testing.T, id string, msgType string, data any) {
	t.Helper()
	msg := map[string]any{"type": msgType}
	if data != nil {
		msg["data"] = data
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	f.hub.HandleMessage(context.Background(), id, raw)
}

func host(userID string) model.Identity {
	return model.Identity{UserID: userID, DisplayName: userID, Role: model.RoleHost, EventID: eventE1}
}

func guest(userID string) model.Identity {
	return model.Identity{UserID: userID, DisplayName: "Guest", Role: model.RoleGuest, EventID: eventE1, ShareToken: "evt_share_e1"}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
