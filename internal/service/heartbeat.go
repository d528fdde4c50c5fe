package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/config"
	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/model"
)

// EvictionFunc is told about a connection the health monitor force-closed and
// the events it was subscribed to.
type EvictionFunc func(conn Connection, events []string)

// HealthMonitor runs the heartbeat protocol. A connection silent for longer
// than the timeout turns unhealthy; unhealthy for longer than the grace period,
// it is evicted.
type HealthMonitor struct {
	registry *Registry
	subs     *SubscriptionManager
	cfg      config.HeartbeatConfig
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	onEvicted EvictionFunc
}

func NewHealthMonitor(registry *Registry, subs *SubscriptionManager, cfg config.HeartbeatConfig, m *metrics.Metrics, log *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		registry: registry,
		subs:     subs,
		cfg:      cfg,
		metrics:  m,
		log:      log.With(zap.String("component", "health")),
		now:      time.Now,
	}
}

// OnEvicted registers the eviction callback. Call before Run.
func (h *HealthMonitor) OnEvicted(fn EvictionFunc) { h.onEvicted = fn }

// Settings is the heartbeat configuration handed to clients on auth.
func (h *HealthMonitor) Settings() model.ConnectionSettings {
	return model.ConnectionSettings{
		HeartbeatIntervalMs: h.cfg.Interval.Milliseconds(),
		HeartbeatTimeoutMs:  h.cfg.Timeout.Milliseconds(),
	}
}

// RecordHeartbeat marks id alive and returns the one-way latency implied by the
// client's unix-millisecond timestamp (zero when absent or in the future).
func (h *HealthMonitor) RecordHeartbeat(id string, clientTimestamp int64) (time.Duration, error) {
	now := h.now()
	if _, err := h.registry.touchHeartbeat(id, now); err != nil {
		return 0, err
	}
	var latency time.Duration
	if clientTimestamp > 0 {
		latency = now.Sub(time.UnixMilli(clientTimestamp))
		if latency < 0 {
			latency = 0
		}
	}
	if c, ok := h.registry.Get(id); ok {
		h.metrics.HeartbeatLatency.WithLabelValues(roleLabel(c)).Observe(latency.Seconds())
	}
	return latency, nil
}

// MarkUnhealthy records a transport-reported failure. The grace period starts now.
func (h *HealthMonitor) MarkUnhealthy(id string) bool {
	changed := h.registry.markUnhealthy(id, h.now())
	if changed {
		h.log.Debug("connection marked unhealthy", zap.String("connection_id", id))
	}
	return changed
}

func (h *HealthMonitor) Status(id string) (Health, error) {
	c, ok := h.registry.Get(id)
	if !ok {
		return Health{}, errs.ErrConnectionNotFound
	}
	return c.Health, nil
}

// Sweep applies the timeout and grace rules to every connection and returns the
// ids it evicted.
func (h *HealthMonitor) Sweep() []string {
	now := h.now()
	var evict []string
	for _, c := range h.registry.List() {
		since := c.Health.UnhealthySince
		if c.Health.IsHealthy {
			if now.Sub(c.Health.LastHeartbeatAt) <= h.cfg.Timeout {
				continue
			}
			since = c.Health.LastHeartbeatAt.Add(h.cfg.Timeout)
			if !h.registry.markUnhealthy(c.ID, since) {
				continue
			}
			h.log.Debug("heartbeat timeout", zap.String("connection_id", c.ID))
		}
		if now.Sub(since) > h.cfg.Grace {
			evict = append(evict, c.ID)
		}
	}
	for _, id := range evict {
		h.Evict(id, "heartbeat_timeout")
	}
	return evict
}

// Evict notifies, closes and cleans up a connection.
func (h *HealthMonitor) Evict(id, reason string) {
	if sender, ok := h.registry.Sender(id); ok {
		if frame, err := encodeEnvelope(model.MsgConnectionTimeout, "", map[string]string{"reason": reason}, h.now()); err == nil {
			sender.Send(frame)
		}
		sender.Close()
	}
	conn, events, ok := h.subs.Disconnect(id)
	if !ok {
		return
	}
	h.metrics.Evictions.WithLabelValues(reason).Inc()
	h.log.Info("connection evicted",
		zap.String("connection_id", id),
		zap.String("reason", reason),
		zap.Strings("events", events))
	if h.onEvicted != nil {
		h.onEvicted(conn, events)
	}
}

// Run sweeps on every tick until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) {
	interval := h.cfg.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

func roleLabel(c Connection) string {
	if !c.Authenticated {
		return "unauthenticated"
	}
	return string(c.Identity.Role)
}
