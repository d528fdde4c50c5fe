package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/config"
	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/model"
	"github.com/crystal-devs/rc-realtime/internal/queue"
)

// QueueMonitor polls the job queue for each watched event and turns what it
// sees into alerts and dashboard metrics for that event's admins.
type QueueMonitor struct {
	inspector   queue.Inspector
	broadcaster *Broadcaster
	cfg         config.QueueConfig
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	watches   map[string]context.CancelFunc
	lastAlert map[string]time.Time // "<event>|<alert type>"
	wg        sync.WaitGroup
	stopped   bool
}

// NewQueueMonitor creates a monitor. A nil inspector makes Start fail with
// errs.ErrQueueUnavailable.
func NewQueueMonitor(inspector queue.Inspector, broadcaster *Broadcaster, cfg config.QueueConfig, m *metrics.Metrics, log *zap.Logger) *QueueMonitor {
	return &QueueMonitor{
		inspector:   inspector,
		broadcaster: broadcaster,
		cfg:         cfg,
		metrics:     m,
		log:         log.With(zap.String("component", "queue_monitor")),
		now:         time.Now,
		watches:     make(map[string]context.CancelFunc),
		lastAlert:   make(map[string]time.Time),
	}
}

// Start begins polling for eventID. Starting an already watched event is a no-op.
func (q *QueueMonitor) Start(eventID string) error {
	if q.inspector == nil {
		return errs.ErrQueueUnavailable
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return errs.ErrShuttingDown
	}
	if _, ok := q.watches[eventID]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.watches[eventID] = cancel
	q.wg.Add(1)
	go q.loop(ctx, eventID)
	q.log.Info("queue monitoring started", zap.String("event_id", eventID))
	return nil
}

// Stop ends polling for eventID and reports whether it was being watched.
func (q *QueueMonitor) Stop(eventID string) bool {
	q.mu.Lock()
	cancel, ok := q.watches[eventID]
	delete(q.watches, eventID)
	for key := range q.lastAlert {
		if strings.HasPrefix(key, eventID+"|") {
			delete(q.lastAlert, key)
		}
	}
	q.mu.Unlock()
	if ok {
		cancel()
		q.log.Info("queue monitoring stopped", zap.String("event_id", eventID))
	}
	return ok
}

// StopAll stops every monitor and waits for in-flight polls to finish. Later
// calls to Start fail with errs.ErrShuttingDown.
func (q *QueueMonitor) StopAll() {
	q.mu.Lock()
	q.stopped = true
	for id, cancel := range q.watches {
		cancel()
		delete(q.watches, id)
	}
	q.lastAlert = make(map[string]time.Time)
	q.mu.Unlock()
	q.wg.Wait()
}

// Watching returns the watched event ids.
func (q *QueueMonitor) Watching() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.watches))
	for id := range q.watches {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (q *QueueMonitor) loop(ctx context.Context, eventID string) {
	defer q.wg.Done()
	interval := q.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		// A failed poll has already been reported as an alert.
		_, _, _ = q.Poll(ctx, eventID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type queueSnapshot struct {
	waiting, active, completed, failed []queue.Job
}

func (q *QueueMonitor) fetch(ctx context.Context) (queueSnapshot, error) {
	var s queueSnapshot
	var err error
	if s.waiting, err = q.inspector.Waiting(ctx); err != nil {
		return s, fmt.Errorf("waiting jobs: %w", err)
	}
	if s.active, err = q.inspector.Active(ctx); err != nil {
		return s, fmt.Errorf("active jobs: %w", err)
	}
	if s.completed, err = q.inspector.Completed(ctx); err != nil {
		return s, fmt.Errorf("completed jobs: %w", err)
	}
	if s.failed, err = q.inspector.Failed(ctx); err != nil {
		return s, fmt.Errorf("failed jobs: %w", err)
	}
	return s, nil
}

// Poll runs one check for eventID: it broadcasts the queue metrics and every
// alert whose condition holds, and returns both. An inspector failure becomes
// a worker_error alert and is returned.
func (q *QueueMonitor) Poll(ctx context.Context, eventID string) (model.QueueStats, []model.Alert, error) {
	if q.inspector == nil {
		return model.QueueStats{}, nil, errs.ErrQueueUnavailable
	}
	snap, err := q.fetch(ctx)
	now := q.now()
	if err != nil {
		if ctx.Err() != nil {
			return model.QueueStats{}, nil, ctx.Err()
		}
		q.metrics.QueuePolls.WithLabelValues("error").Inc()
		q.log.Warn("queue poll failed", zap.String("event_id", eventID), zap.Error(err))
		alert := model.Alert{
			Type:     model.AlertWorkerError,
			Severity: model.SeverityCritical,
			Message:  "Unable to read the processing queue",
			Error:    err.Error(),
			At:       now,
		}
		q.raise(eventID, alert)
		return model.QueueStats{}, []model.Alert{alert}, err
	}
	q.metrics.QueuePolls.WithLabelValues("ok").Inc()

	snap = snap.forEvent(eventID)
	stats := q.stats(snap, now)
	alerts := q.evaluate(snap, stats, now)

	q.broadcaster.Publish(model.QueueMetrics{EventID: eventID, Stats: stats})
	for _, a := range alerts {
		q.raise(eventID, a)
	}
	return stats, alerts, nil
}

// forEvent keeps jobs for eventID. Jobs that name no event count for every event.
func (s queueSnapshot) forEvent(eventID string) queueSnapshot {
	keep := func(jobs []queue.Job) []queue.Job {
		out := jobs[:0:0]
		for _, j := range jobs {
			if j.EventID == "" || j.EventID == eventID {
				out = append(out, j)
			}
		}
		return out
	}
	return queueSnapshot{
		waiting:   keep(s.waiting),
		active:    keep(s.active),
		completed: keep(s.completed),
		failed:    keep(s.failed),
	}
}

func (q *QueueMonitor) stats(s queueSnapshot, now time.Time) model.QueueStats {
	st := model.QueueStats{
		Waiting:       len(s.waiting),
		Active:        len(s.active),
		Completed:     len(s.completed),
		Failed:        len(s.failed),
		ActiveWorkers: len(s.active),
		Backlog:       len(s.waiting),
		At:            now,
	}
	st.Total = st.Waiting + st.Active + st.Completed + st.Failed
	if st.Total > 0 {
		st.FailureRate = float64(st.Failed) / float64(st.Total) * 100
	}

	window := q.cfg.ThroughputWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	st.WindowSeconds = int(window.Seconds())
	finished := 0
	for _, j := range s.completed {
		if !j.FinishedOn.IsZero() && now.Sub(j.FinishedOn) <= window {
			finished++
		}
	}
	st.ThroughputPerMinute = float64(finished) / window.Minutes()

	var waited time.Duration
	n := 0
	for _, j := range s.active {
		if j.Timestamp.IsZero() {
			continue
		}
		started := j.ProcessedOn
		if started.IsZero() {
			started = now
		}
		if d := started.Sub(j.Timestamp); d > 0 {
			waited += d
		}
		n++
	}
	if n > 0 {
		st.AvgWaitMs = (waited / time.Duration(n)).Milliseconds()
	}
	return st
}

func (q *QueueMonitor) evaluate(s queueSnapshot, st model.QueueStats, now time.Time) []model.Alert {
	var alerts []model.Alert

	if st.Total > 0 && st.FailureRate > q.cfg.FailureRateThreshold && st.Failed > q.cfg.FailureMinCount {
		alerts = append(alerts, model.Alert{
			Type:        model.AlertHighFailureRate,
			Severity:    model.SeverityCritical,
			Message:     fmt.Sprintf("%.1f%% of recent processing jobs failed", st.FailureRate),
			FailureRate: st.FailureRate,
			Failed:      st.Failed,
			Total:       st.Total,
			At:          now,
		})
	}

	if q.cfg.StuckAfter > 0 {
		var stuck []string
		for _, j := range s.active {
			started := j.ProcessedOn
			if started.IsZero() {
				started = j.Timestamp
			}
			if !started.IsZero() && now.Sub(started) > q.cfg.StuckAfter {
				stuck = append(stuck, j.ID)
			}
		}
		if len(stuck) > 0 {
			alerts = append(alerts, model.Alert{
				Type:        model.AlertStuckJobs,
				Severity:    model.SeverityWarning,
				Message:     fmt.Sprintf("%d job(s) active for more than %s", len(stuck), q.cfg.StuckAfter),
				StuckJobIDs: stuck,
				At:          now,
			})
		}
	}

	if st.Waiting > q.cfg.BacklogThreshold {
		alerts = append(alerts, model.Alert{
			Type:     model.AlertBacklog,
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("%d jobs waiting to be processed", st.Waiting),
			Waiting:  st.Waiting,
			At:       now,
		})
	}
	return alerts
}

// raise publishes a unless the same alert for the event went out within the
// suppression window.
func (q *QueueMonitor) raise(eventID string, a model.Alert) {
	if q.cfg.AlertSuppression > 0 {
		key := eventID + "|" + string(a.Type)
		q.mu.Lock()
		last, seen := q.lastAlert[key]
		if seen && a.At.Sub(last) < q.cfg.AlertSuppression {
			q.mu.Unlock()
			return
		}
		q.lastAlert[key] = a.At
		q.mu.Unlock()
	}
	q.metrics.QueueAlerts.WithLabelValues(string(a.Type)).Inc()
	q.broadcaster.QueueAlert(eventID, a)
}
