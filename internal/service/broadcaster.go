package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/config"
	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/model"
)

// Broadcaster shapes notifications per audience and fans them out to the
// event's admin and guest groups. Delivery is fire-and-forget: failures are
// logged and counted, never returned to the caller.
type Broadcaster struct {
	subs     *SubscriptionManager
	throttle *ProgressThrottle
	bulk     config.BulkConfig
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	// background bulk fan-outs
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewBroadcaster(subs *SubscriptionManager, throttle *ProgressThrottle, bulk config.BulkConfig, m *metrics.Metrics, log *zap.Logger) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		subs:     subs,
		throttle: throttle,
		bulk:     bulk,
		metrics:  m,
		log:      log.With(zap.String("component", "broadcaster")),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Publish sends n to every audience that has a view of it and returns the
// number of frames delivered.
func (b *Broadcaster) Publish(n model.Notification) (delivered int) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.NotificationFailures.WithLabelValues(n.Kind()).Inc()
			b.log.Error("broadcast panicked",
				zap.String("kind", n.Kind()),
				zap.String("event_id", n.Event()),
				zap.Any("panic", r))
		}
	}()
	eventID := n.Event()
	if eventID == "" {
		b.metrics.NotificationFailures.WithLabelValues(n.Kind()).Inc()
		b.log.Warn("notification without event id dropped", zap.String("kind", n.Kind()))
		return 0
	}
	at := b.now()
	delivered += b.send(n, "admin", model.AdminGroup(eventID), n.AdminView(), at)
	delivered += b.send(n, "guest", model.GuestGroup(eventID), n.GuestView(), at)
	return delivered
}

func (b *Broadcaster) send(n model.Notification, aud, group string, view *model.View, at time.Time) int {
	if view == nil {
		return 0
	}
	frame, err := encodeEnvelope(view.Type, n.Event(), view.Data, at)
	if err != nil {
		b.metrics.NotificationFailures.WithLabelValues(n.Kind()).Inc()
		b.log.Error("encode notification",
			zap.String("kind", n.Kind()),
			zap.String("group", group),
			zap.Error(err))
		return 0
	}
	delivered := b.subs.Emit(group, frame)
	if delivered > 0 {
		b.metrics.NotificationsSent.WithLabelValues(view.Type, aud).Add(float64(delivered))
	}
	return delivered
}

func (b *Broadcaster) StatusChange(n model.StatusChange) int   { return b.Publish(n) }
func (b *Broadcaster) NewMedia(n model.NewMedia) int           { return b.Publish(n) }
func (b *Broadcaster) MediaRemoved(n model.MediaRemoved) int   { return b.Publish(n) }
func (b *Broadcaster) BulkStarted(n model.BulkStarted) int     { return b.Publish(n) }
func (b *Broadcaster) BulkProgress(n model.BulkProgress) int   { return b.Publish(n) }
func (b *Broadcaster) BulkCompleted(n model.BulkCompleted) int { return b.Publish(n) }
func (b *Broadcaster) QueueAlert(eventID string, a model.Alert) int {
	return b.Publish(model.QueueAlert{EventID: eventID, Alert: a})
}

// Occupancy publishes the live occupancy of eventID to its admins.
func (b *Broadcaster) Occupancy(eventID string) int {
	return b.Publish(b.subs.Occupancy(eventID))
}

// ReportProgress runs p through the throttle and publishes it when admitted.
func (b *Broadcaster) ReportProgress(p model.Progress) bool {
	if !b.throttle.Admit(p.MediaID, p.Stage, p.Percentage) {
		return false
	}
	b.Publish(p)
	return true
}

func (b *Broadcaster) chunkSize(n int) int {
	if n > b.bulk.ChunkThreshold && b.bulk.ChunkSize > 0 {
		return b.bulk.ChunkSize
	}
	return n
}

// ChunkCount returns how many chunks n bulk items are split into.
func (b *Broadcaster) ChunkCount(n int) int {
	if n <= 0 {
		return 0
	}
	size := b.chunkSize(n)
	return (n + size - 1) / size
}

// DispatchBulkItems starts the chunked fan-out of items in the background and
// returns the planned chunk count without waiting for delivery. The fan-out
// outlives the caller and stops only when the broadcaster is closed.
func (b *Broadcaster) DispatchBulkItems(eventID, operationID string, items []model.BulkItem) (int, error) {
	total := b.ChunkCount(len(items))
	if total == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errs.ErrShuttingDown
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if _, err := b.PublishBulkItems(b.ctx, eventID, operationID, items); err != nil {
			b.log.Warn("bulk item fan-out interrupted",
				zap.String("event_id", eventID),
				zap.String("operation_id", operationID),
				zap.Error(err))
		}
	}()
	return total, nil
}

// Close cancels background bulk fan-outs and waits for them to return.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

// PublishBulkItems fans out per-item bulk results. Above the chunk threshold the
// items go out in fixed-size chunks with a pause between them, so one large
// action does not flood slow clients. It returns the number of chunks sent.
func (b *Broadcaster) PublishBulkItems(ctx context.Context, eventID, operationID string, items []model.BulkItem) (int, error) {
	total := b.ChunkCount(len(items))
	if total == 0 {
		return 0, nil
	}
	size := b.chunkSize(len(items))

	for i := 0; i < total; i++ {
		if i > 0 && b.bulk.ChunkDelay > 0 {
			timer := time.NewTimer(b.bulk.ChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return i, fmt.Errorf("bulk fan-out interrupted after %d/%d chunks: %w", i, total, ctx.Err())
			case <-timer.C:
			}
		}
		end := (i + 1) * size
		if end > len(items) {
			end = len(items)
		}
		b.Publish(model.BulkItems{
			EventID:     eventID,
			OperationID: operationID,
			Chunk:       i + 1,
			TotalChunks: total,
			Items:       items[i*size : end],
			At:          b.now(),
		})
	}
	return total, nil
}

// BroadcastShutdown tells every connection the server is going away.
func (b *Broadcaster) BroadcastShutdown(reason string) int {
	frame, err := encodeEnvelope(model.MsgServerShutdown, "", map[string]string{"reason": reason}, b.now())
	if err != nil {
		b.log.Error("encode shutdown notice", zap.Error(err))
		return 0
	}
	return b.subs.EmitAll(frame)
}
