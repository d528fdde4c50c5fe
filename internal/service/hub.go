package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/model"
	"github.com/crystal-devs/rc-realtime/internal/transport"
)

const storeCallTimeout = 10 * time.Second

// Hub owns the connection lifecycle and the inbound protocol. It turns client
// messages into calls on the gate, subscription manager and health monitor and
// answers each one on the same connection.
type Hub struct {
	registry    *Registry
	gate        *Gate
	subs        *SubscriptionManager
	health      *HealthMonitor
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time

	authTimeout time.Duration
	mu          sync.Mutex
	authTimers  map[string]*time.Timer
	closing     atomic.Bool
}

func NewHub(registry *Registry, gate *Gate, subs *SubscriptionManager, health *HealthMonitor, broadcaster *Broadcaster, authTimeout time.Duration, m *metrics.Metrics, log *zap.Logger) *Hub {
	h := &Hub{
		registry:    registry,
		gate:        gate,
		subs:        subs,
		health:      health,
		broadcaster: broadcaster,
		metrics:     m,
		log:         log.With(zap.String("component", "hub")),
		now:         time.Now,
		authTimeout: authTimeout,
		authTimers:  make(map[string]*time.Timer),
	}
	health.OnEvicted(h.evicted)
	return h
}

// Open registers a new transport session and arms its authentication deadline.
func (h *Hub) Open(connID string, sender transport.Sender) error {
	if h.closing.Load() {
		return errs.ErrShuttingDown
	}
	if err := h.registry.Register(connID, sender); err != nil {
		return err
	}
	if h.authTimeout > 0 {
		t := time.AfterFunc(h.authTimeout, func() { h.authExpired(connID) })
		h.mu.Lock()
		h.authTimers[connID] = t
		h.mu.Unlock()
	}
	h.updateGauges()
	h.log.Debug("connection opened", zap.String("connection_id", connID))
	return nil
}

// Close tears down a connection whose transport went away and tells the
// admins of every event it had joined.
func (h *Hub) Close(connID string) {
	h.stopAuthTimer(connID)
	if sender, ok := h.registry.Sender(connID); ok {
		sender.Close()
	}
	_, events, ok := h.subs.Disconnect(connID)
	if !ok {
		return
	}
	h.updateGauges()
	for _, eventID := range events {
		h.broadcaster.Occupancy(eventID)
	}
	h.log.Debug("connection closed", zap.String("connection_id", connID))
}

// MarkUnhealthy is called when writing to the connection failed.
func (h *Hub) MarkUnhealthy(connID string) { h.health.MarkUnhealthy(connID) }

// HandleMessage dispatches one inbound frame.
func (h *Hub) HandleMessage(ctx context.Context, connID string, raw []byte) {
	if !gjson.ValidBytes(raw) {
		h.sendError(connID, "", "Invalid message format", "invalid_message")
		return
	}
	msgType := gjson.GetBytes(raw, "type").String()
	data := gjson.GetBytes(raw, "data")

	switch msgType {
	case model.MsgAuthenticate:
		var req model.AuthenticateRequest
		if !h.decode(connID, data, &req) {
			return
		}
		h.authenticate(ctx, connID, req)
	case model.MsgSubscribe:
		var req model.SubscribeRequest
		if !h.decode(connID, data, &req) {
			return
		}
		h.subscribe(ctx, connID, req)
	case model.MsgUnsubscribe:
		var req model.SubscribeRequest
		if !h.decode(connID, data, &req) {
			return
		}
		h.unsubscribe(ctx, connID, req.EventID)
	case model.MsgHeartbeat:
		var req model.HeartbeatRequest
		if !h.decode(connID, data, &req) {
			return
		}
		h.heartbeat(connID, req.Timestamp)
	case model.MsgConnectionCheck:
		h.connectionStatus(connID)
	case model.MsgJoinEvent:
		h.subscribe(ctx, connID, legacyEventRef(data))
	case model.MsgLeaveEvent:
		h.unsubscribe(ctx, connID, legacyEventRef(data).EventID)
	default:
		h.sendError(connID, "", "Unknown message type", "unknown_message_type")
	}
}

func (h *Hub) decode(connID string, data gjson.Result, v any) bool {
	if !data.Exists() {
		return true
	}
	if err := json.Unmarshal([]byte(data.Raw), v); err != nil {
		h.sendError(connID, "", "Invalid message format", "invalid_message")
		return false
	}
	return true
}

// legacyEventRef reads the payload of join_event / leave_event, which is either
// a bare event id or an object with camelCase or snake_case fields.
func legacyEventRef(data gjson.Result) model.SubscribeRequest {
	if data.Type == gjson.String {
		return model.SubscribeRequest{EventID: data.String()}
	}
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := data.Get(k); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
		return ""
	}
	return model.SubscribeRequest{
		EventID:    pick("eventId", "event_id"),
		ShareToken: pick("shareToken", "share_token"),
	}
}

func (h *Hub) authenticate(ctx context.Context, connID string, req model.AuthenticateRequest) {
	ctx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	identity, err := h.gate.Authenticate(ctx, connID, Credentials{
		Token:      req.Token,
		EventID:    req.EventID,
		ShareToken: req.ShareToken,
		GuestName:  req.GuestName,
	})
	switch {
	case errors.Is(err, errs.ErrAlreadyAuthenticated):
		h.sendError(connID, "", errs.ClientMessage(err), errs.Code(err))
		return
	case errors.Is(err, errs.ErrConnectionNotFound):
		return
	case err != nil:
		h.send(connID, model.MsgAuthError, "", model.ErrorPayload{Message: errs.ClientMessage(err), Code: errs.Code(err)})
		h.drop(connID)
		return
	}

	h.stopAuthTimer(connID)
	h.updateGauges()
	h.send(connID, model.MsgAuthSuccess, identity.EventID, model.AuthSuccess{
		Role:               identity.Role,
		UserID:             identity.UserID,
		DisplayName:        identity.DisplayName,
		EventID:            identity.EventID,
		ConnectionID:       connID,
		ConnectionSettings: h.health.Settings(),
	})
}

func (h *Hub) subscribe(ctx context.Context, connID string, req model.SubscribeRequest) {
	eventID, err := h.resolveEventRef(ctx, connID, req.EventID)
	if err == nil {
		var group string
		group, err = h.subs.Subscribe(connID, eventID)
		if err == nil {
			h.send(connID, model.MsgSubscriptionSuccess, eventID, model.SubscriptionSuccess{EventID: eventID, Group: group})
			h.broadcaster.Occupancy(eventID)
			return
		}
	}
	if errors.Is(err, errs.ErrConnectionNotFound) {
		return
	}
	if eventID == "" {
		eventID = req.EventID
	}
	h.log.Debug("subscribe rejected",
		zap.String("connection_id", connID),
		zap.String("event_id", eventID),
		zap.Error(err))
	h.send(connID, model.MsgSubscriptionError, eventID, model.ErrorPayload{
		EventID: eventID,
		Message: errs.ClientMessage(err),
		Code:    errs.Code(err),
	})
}

func (h *Hub) unsubscribe(ctx context.Context, connID string, ref string) {
	eventID, err := h.resolveEventRef(ctx, connID, ref)
	if err != nil {
		h.send(connID, model.MsgSubscriptionError, ref, model.ErrorPayload{
			EventID: ref,
			Message: errs.ClientMessage(err),
			Code:    errs.Code(err),
		})
		return
	}
	wasMember := false
	for _, ev := range h.subs.SubscribedEvents(connID) {
		if ev == eventID {
			wasMember = true
			break
		}
	}
	h.subs.Unsubscribe(connID, eventID)
	h.send(connID, model.MsgUnsubscribed, eventID, model.SubscriptionSuccess{EventID: eventID})
	if wasMember {
		h.broadcaster.Occupancy(eventID)
	}
}

// resolveEventRef turns what the client sent into a canonical event id. An
// empty ref means the connection's own event; a share handle is looked up.
func (h *Hub) resolveEventRef(ctx context.Context, connID, ref string) (string, error) {
	c, ok := h.registry.Get(connID)
	if !ok {
		return "", errs.ErrConnectionNotFound
	}
	if !c.Authenticated {
		return "", errs.ErrNotAuthenticated
	}
	if ref == "" {
		return c.Identity.EventID, nil
	}
	if IsCanonicalEventID(ref) || ref == c.Identity.EventID {
		return ref, nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()
	ev, err := h.gate.ResolveEvent(ctx, ref)
	if err != nil {
		if errors.Is(err, errs.ErrEventNotFound) {
			return "", errs.ErrEventNotFound
		}
		h.log.Warn("resolve share handle", zap.String("connection_id", connID), zap.Error(err))
		return "", err
	}
	return ev.ID, nil
}

func (h *Hub) heartbeat(connID string, clientTimestamp int64) {
	latency, err := h.health.RecordHeartbeat(connID, clientTimestamp)
	if err != nil {
		return
	}
	h.send(connID, model.MsgHeartbeatAck, "", model.HeartbeatAck{
		ServerTimestamp: h.now().UnixMilli(),
		LatencyMs:       latency.Milliseconds(),
	})
}

func (h *Hub) connectionStatus(connID string) {
	c, ok := h.registry.Get(connID)
	if !ok {
		return
	}
	h.send(connID, model.MsgConnectionStatus, "", model.ConnectionStatus{
		Healthy:         c.Health.IsHealthy,
		ConnectedAt:     c.Health.ConnectedAt,
		LastHeartbeatAt: c.Health.LastHeartbeatAt,
		ReconnectCount:  c.Health.ReconnectCount,
		Subscriptions:   c.Subscriptions,
	})
}

// authExpired purges a connection that did not authenticate in time.
func (h *Hub) authExpired(connID string) {
	h.mu.Lock()
	delete(h.authTimers, connID)
	h.mu.Unlock()

	c, ok := h.registry.Get(connID)
	if !ok || c.Authenticated {
		return
	}
	h.send(connID, model.MsgAuthError, "", model.ErrorPayload{
		Message: errs.ClientMessage(errs.ErrAuthTimeout),
		Code:    errs.Code(errs.ErrAuthTimeout),
	})
	h.drop(connID)
	h.metrics.Evictions.WithLabelValues("auth_timeout").Inc()
	h.log.Info("authentication timeout", zap.String("connection_id", connID))
}

// drop closes the transport and purges the connection without notifying anyone.
func (h *Hub) drop(connID string) {
	h.stopAuthTimer(connID)
	if sender, ok := h.registry.Sender(connID); ok {
		sender.Close()
	}
	h.subs.Disconnect(connID)
	h.updateGauges()
}

func (h *Hub) evicted(conn Connection, events []string) {
	h.stopAuthTimer(conn.ID)
	h.updateGauges()
	for _, eventID := range events {
		h.broadcaster.Occupancy(eventID)
	}
}

// Shutdown announces the shutdown, waits up to grace for clients to leave and
// then force-closes the rest. It returns how many connections were forced.
func (h *Hub) Shutdown(ctx context.Context, grace time.Duration) int {
	h.closing.Store(true)
	h.broadcaster.BroadcastShutdown("server shutting down")

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
wait:
	for h.registry.Count() > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			break wait
		case <-tick.C:
		}
	}

	forced := 0
	for _, c := range h.registry.List() {
		h.drop(c.ID)
		forced++
	}
	h.mu.Lock()
	for id, t := range h.authTimers {
		t.Stop()
		delete(h.authTimers, id)
	}
	h.mu.Unlock()
	h.log.Info("hub shut down", zap.Int("forced", forced))
	return forced
}

func (h *Hub) stopAuthTimer(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.authTimers[connID]; ok {
		t.Stop()
		delete(h.authTimers, connID)
	}
}

func (h *Hub) send(connID, msgType, eventID string, data any) bool {
	sender, ok := h.registry.Sender(connID)
	if !ok {
		return false
	}
	frame, err := encodeEnvelope(msgType, eventID, data, h.now())
	if err != nil {
		h.log.Error("encode reply", zap.String("type", msgType), zap.Error(err))
		return false
	}
	return sender.Send(frame)
}

func (h *Hub) sendError(connID, eventID, message, code string) {
	h.send(connID, model.MsgError, eventID, model.ErrorPayload{EventID: eventID, Message: message, Code: code})
}

func (h *Hub) updateGauges() {
	total := h.registry.Count()
	authed := h.registry.AuthenticatedCount()
	h.metrics.Connections.WithLabelValues("authenticated").Set(float64(authed))
	h.metrics.Connections.WithLabelValues("pending").Set(float64(total - authed))
}
