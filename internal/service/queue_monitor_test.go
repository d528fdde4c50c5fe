package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/config"
	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/model"
	"github.com/crystal-devs/rc-realtime/internal/queue"
)

type fakeInspector struct {
	mu                                 sync.Mutex
	waiting, active, completed, failed []queue.Job
	err                                error
	polls                              int
}

func (f *fakeInspector) get(jobs []queue.Job, count bool) ([]queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if count {
		f.polls++
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]queue.Job(nil), jobs...), nil
}

func (f *fakeInspector) Waiting(context.Context) ([]queue.Job, error)   { return f.get(f.waiting, true) }
func (f *fakeInspector) Active(context.Context) ([]queue.Job, error)    { return f.get(f.active, false) }
func (f *fakeInspector) Completed(context.Context) ([]queue.Job, error) { return f.get(f.completed, false) }
func (f *fakeInspector) Failed(context.Context) ([]queue.Job, error)    { return f.get(f.failed, false) }

func (f *fakeInspector) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeInspector) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

var testQueue = config.QueueConfig{
	PollInterval:         time.Minute,
	FailureRateThreshold: 30,
	FailureMinCount:      2,
	StuckAfter:           10 * time.Minute,
	BacklogThreshold:     100,
	ThroughputWindow:     5 * time.Minute,
}

func newQueueMonitor(f *fabric, in queue.Inspector, cfg config.QueueConfig) *QueueMonitor {
	q := NewQueueMonitor(in, f.broadcaster, cfg, f.metrics, zap.NewNop())
	q.now = f.clock.Now
	return q
}

func jobs(n int, eventID string, mod func(i int, j *queue.Job)) []queue.Job {
	out := make([]queue.Job, n)
	for i := range out {
		out[i] = queue.Job{ID: fmt.Sprintf("%s-%d", eventID, i), EventID: eventID}
		if mod != nil {
			mod(i, &out[i])
		}
	}
	return out
}

func TestPoll_HighFailureRate(t *testing.T) {
	f := newFabric(t, 0)
	admin := f.join(t, "h1", host("user-host"), eventE1)
	g := f.join(t, "g1", guest("guest-1"), eventE1)
	in := &fakeInspector{
		completed: jobs(6, eventE1, nil),
		failed:    jobs(4, eventE1, nil),
	}
	q := newQueueMonitor(f, in, testQueue)

	stats, alerts, err := q.Poll(context.Background(), eventE1)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Total)
	assert.InDelta(t, 40.0, stats.FailureRate, 0.001)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertHighFailureRate, alerts[0].Type)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)

	require.Len(t, admin.ofType(t, "queue_alert"), 1)
	require.Len(t, admin.ofType(t, "queue_metrics"), 1)
	assert.Empty(t, g.frames(t), "guests never see queue health")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueueAlerts.WithLabelValues("high_failure_rate")))
}

func TestPoll_NoAlertBelowFloors(t *testing.T) {
	f := newFabric(t, 0)
	q := newQueueMonitor(f, &fakeInspector{}, testQueue)
	stats, alerts, err := q.Poll(context.Background(), eventE1)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.FailureRate)
	assert.Empty(t, alerts)

	q = newQueueMonitor(f, &fakeInspector{failed: jobs(1, eventE1, nil)}, testQueue)
	stats, alerts, err = q.Poll(context.Background(), eventE1)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, stats.FailureRate, 0.001)
	assert.Empty(t, alerts, "a single failure is not a trend")
}

func TestPoll_StuckJobsAndBacklog(t *testing.T) {
	f := newFabric(t, 0)
	now := f.clock.Now()
	in := &fakeInspector{
		waiting: jobs(101, eventE1, nil),
		active: jobs(2, eventE1, func(i int, j *queue.Job) {
			j.Timestamp = now.Add(-20 * time.Minute)
			j.ProcessedOn = now.Add(-time.Duration(5+i*10) * time.Minute)
		}),
	}
	q := newQueueMonitor(f, in, testQueue)

	stats, alerts, err := q.Poll(context.Background(), eventE1)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, model.AlertStuckJobs, alerts[0].Type)
	assert.Equal(t, []string{eventE1 + "-1"}, alerts[0].StuckJobIDs)
	assert.Equal(t, model.AlertBacklog, alerts[1].Type)
	assert.Equal(t, 101, alerts[1].Waiting)
	assert.Equal(t, 101, stats.Backlog)
	assert.Equal(t, 2, stats.ActiveWorkers)
}

func TestPoll_StatsFilteredByEvent(t *testing.T) {
	f := newFabric(t, 0)
	now := f.clock.Now()
	in := &fakeInspector{
		completed: append(
			jobs(3, eventE1, func(_ int, j *queue.Job) { j.FinishedOn = now.Add(-time.Minute) }),
			append(jobs(5, eventE2, nil), jobs(1, eventE1, func(_ int, j *queue.Job) { j.FinishedOn = now.Add(-time.Hour) })...)...,
		),
		active: append(jobs(1, "", func(_ int, j *queue.Job) {
			j.Timestamp = now.Add(-10 * time.Second)
			j.ProcessedOn = now.Add(-4 * time.Second)
		}), jobs(2, eventE2, nil)...),
	}
	q := newQueueMonitor(f, in, testQueue)

	stats, _, err := q.Poll(context.Background(), eventE1)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Completed)
	assert.Equal(t, 1, stats.Active, "jobs without an event count everywhere")
	assert.InDelta(t, 0.6, stats.ThroughputPerMinute, 0.0001)
	assert.Equal(t, int64(6000), stats.AvgWaitMs)
	assert.Equal(t, 300, stats.WindowSeconds)
}

func TestPoll_InspectorFailureRaisesWorkerError(t *testing.T) {
	f := newFabric(t, 0)
	admin := f.join(t, "h1", host("user-host"), eventE1)
	in := &fakeInspector{}
	in.setErr(errors.New("redis: connection refused"))
	q := newQueueMonitor(f, in, testQueue)

	_, alerts, err := q.Poll(context.Background(), eventE1)
	require.Error(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertWorkerError, alerts[0].Type)
	alert := decode[model.Alert](t, admin.last(t).Data)
	assert.Equal(t, model.AlertWorkerError, alert.Type)
	assert.Contains(t, alert.Error, "connection refused")

	in.setErr(nil)
	_, alerts, err = q.Poll(context.Background(), eventE1)
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Equal(t, "queue_metrics", admin.last(t).Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueuePolls.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueuePolls.WithLabelValues("ok")))
}

func TestPoll_SuppressesRepeatedAlerts(t *testing.T) {
	f := newFabric(t, 0)
	admin := f.join(t, "h1", host("user-host"), eventE1)
	cfg := testQueue
	cfg.AlertSuppression = time.Minute
	q := newQueueMonitor(f, &fakeInspector{waiting: jobs(150, eventE1, nil)}, cfg)

	for i := 0; i < 3; i++ {
		_, alerts, err := q.Poll(context.Background(), eventE1)
		require.NoError(t, err)
		assert.Len(t, alerts, 1, "conditions are still reported to the caller")
	}
	assert.Len(t, admin.ofType(t, "queue_alert"), 1)

	f.clock.Advance(time.Minute)
	_, _, err := q.Poll(context.Background(), eventE1)
	require.NoError(t, err)
	assert.Len(t, admin.ofType(t, "queue_alert"), 2)
}

func TestQueueMonitor_StartStop(t *testing.T) {
	f := newFabric(t, 0)
	in := &fakeInspector{}
	cfg := testQueue
	cfg.PollInterval = 10 * time.Millisecond
	q := newQueueMonitor(f, in, cfg)

	require.NoError(t, q.Start(eventE1))
	require.NoError(t, q.Start(eventE1))
	require.NoError(t, q.Start(eventE2))
	assert.Equal(t, []string{eventE2, eventE1}, q.Watching())

	assert.Eventually(t, func() bool { return in.pollCount() >= 4 }, time.Second, 5*time.Millisecond)

	assert.True(t, q.Stop(eventE2))
	assert.False(t, q.Stop(eventE2))
	assert.Equal(t, []string{eventE1}, q.Watching())

	q.StopAll()
	assert.Empty(t, q.Watching())
	settled := in.pollCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, in.pollCount(), "no polling after StopAll")

	assert.ErrorIs(t, q.Start(eventE1), errs.ErrShuttingDown)
	assert.Empty(t, q.Watching())
}

func TestQueueMonitor_WithoutInspector(t *testing.T) {
	f := newFabric(t, 0)
	q := newQueueMonitor(f, nil, testQueue)
	assert.ErrorIs(t, q.Start(eventE1), errs.ErrQueueUnavailable)
	_, _, err := q.Poll(context.Background(), eventE1)
	assert.ErrorIs(t, err, errs.ErrQueueUnavailable)
	assert.Empty(t, q.Watching())
}
