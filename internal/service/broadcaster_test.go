package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/model"
)

type panickingNotification struct{ model.Occupancy }

func (panickingNotification) AdminView() *model.View { panic("boom") }

type unencodable struct{ model.Occupancy }

func (n unencodable) Kind() string { return "unencodable" }
func (n unencodable) AdminView() *model.View {
	return &model.View{Type: "broken", Data: map[string]any{"ch": make(chan int)}}
}

func TestPublish_StatusChangeAudiences(t *testing.T) {
	f := newFabric(t, 0)
	admin := f.join(t, "h1", host("user-host"), eventE1)
	g := f.join(t, "g1", guest("guest-1"), eventE1)

	n := f.broadcaster.StatusChange(model.StatusChange{
		EventID:        eventE1,
		Media:          model.MediaSummary{ID: "m1", Type: "image", URL: "https://cdn/m1.jpg"},
		PreviousStatus: model.MediaPending,
		Status:         model.MediaApproved,
		Uploader:       model.Uploader{ID: "guest-9", Name: "Ivy"},
		ModeratorID:    "user-host",
	})
	assert.Equal(t, 2, n)

	af := admin.last(t)
	assert.Equal(t, "media_status_updated", af.Type)
	assert.Equal(t, eventE1, af.EventID)
	assert.Contains(t, string(af.Data), `"moderator_id":"user-host"`)

	gf := g.last(t)
	assert.Equal(t, "media_approved", gf.Type)
	assert.NotContains(t, string(gf.Data), "guest-9")
	assert.NotContains(t, string(gf.Data), "Ivy")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.NotificationsSent.WithLabelValues("media_approved", "guest")))
}

func TestPublish_AdminOnlyWhenGuestsHaveNoView(t *testing.T) {
	f := newFabric(t, 0)
	admin := f.join(t, "h1", host("user-host"), eventE1)
	g := f.join(t, "g1", guest("guest-1"), eventE1)

	f.broadcaster.NewMedia(model.NewMedia{EventID: eventE1, Media: model.MediaSummary{ID: "m2"}, Status: model.MediaPending})
	assert.Equal(t, "new_media_uploaded", admin.last(t).Type)
	assert.Empty(t, g.frames(t))

	f.broadcaster.NewMedia(model.NewMedia{EventID: eventE1, Media: model.MediaSummary{ID: "m3"}, Status: model.MediaApproved, Instant: true})
	assert.Equal(t, "new_media_available", g.last(t).Type)
}

func TestPublish_MediaRemovedReasons(t *testing.T) {
	f := newFabric(t, 0)
	g := f.join(t, "g1", guest("guest-1"), eventE1)

	f.broadcaster.MediaRemoved(model.MediaRemoved{EventID: eventE1, MediaID: "m1", ReasonCode: "duplicate", Note: "internal note"})
	f.broadcaster.MediaRemoved(model.MediaRemoved{EventID: eventE1, MediaID: "m2", ReasonCode: "something_new"})

	removed := g.ofType(t, "media_removed")
	require.Len(t, removed, 2)
	first := decode[map[string]string](t, removed[0].Data)
	assert.Equal(t, "This photo was a duplicate", first["reason"])
	assert.NotContains(t, string(removed[0].Data), "internal note")
	second := decode[map[string]string](t, removed[1].Data)
	assert.Equal(t, "This photo is no longer available", second["reason"])
}

func TestPublish_NoSubscribers(t *testing.T) {
	f := newFabric(t, 0)
	assert.Zero(t, f.broadcaster.NewMedia(model.NewMedia{EventID: eventE1, Status: model.MediaApproved}))
}

func TestPublish_FailuresAreContained(t *testing.T) {
	f := newFabric(t, 0)
	admin := f.join(t, "h1", host("user-host"), eventE1)

	assert.Zero(t, f.broadcaster.Publish(panickingNotification{model.Occupancy{EventID: eventE1}}))
	assert.Zero(t, f.broadcaster.Publish(unencodable{model.Occupancy{EventID: eventE1}}))
	assert.Zero(t, f.broadcaster.Publish(model.Occupancy{}))

	assert.Empty(t, admin.frames(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.NotificationFailures.WithLabelValues("unencodable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.NotificationFailures.WithLabelValues("occupancy")))

	assert.Equal(t, 1, f.broadcaster.Occupancy(eventE1), "broadcaster still usable")
}

func TestReportProgress_ThrottledFanOut(t *testing.T) {
	f := newFabric(t, 0)
	admin := f.join(t, "h1", host("user-host"), eventE1)
	g := f.join(t, "g1", guest("guest-1"), eventE1)

	p := model.Progress{EventID: eventE1, MediaID: "m1", Stage: model.StageProcessing, Percentage: 40}
	assert.True(t, f.broadcaster.ReportProgress(p))
	p.Percentage = 42
	assert.False(t, f.broadcaster.ReportProgress(p))
	p.Stage, p.Percentage, p.Public = model.StageCompleted, 100, true
	assert.True(t, f.broadcaster.ReportProgress(p))
	assert.False(t, f.broadcaster.ReportProgress(p))

	types := make([]string, 0)
	for _, fr := range admin.frames(t) {
		types = append(types, fr.Type)
	}
	assert.Equal(t, []string{"media_processing_progress", "media_processing_complete"}, types)
	require.Len(t, g.frames(t), 1)
	assert.Equal(t, "media_processing_complete", g.last(t).Type)
}

func bulkItems(n int) []model.BulkItem {
	items := make([]model.BulkItem, n)
	for i := range items {
		items[i] = model.BulkItem{MediaID: "m", Status: model.MediaHidden}
	}
	return items
}

func TestPublishBulkItems_Chunking(t *testing.T) {
	f := newFabric(t, 0)
	f.broadcaster.bulk.ChunkDelay = time.Millisecond
	admin := f.join(t, "h1", host("user-host"), eventE1)
	g := f.join(t, "g1", guest("guest-1"), eventE1)

	chunks, err := f.broadcaster.PublishBulkItems(context.Background(), eventE1, "op-1", bulkItems(120))
	require.NoError(t, err)
	assert.Equal(t, 5, chunks)

	frames := admin.ofType(t, "bulk_items_updated")
	require.Len(t, frames, 5)
	last := decode[model.BulkItems](t, frames[4].Data)
	assert.Equal(t, 5, last.Chunk)
	assert.Equal(t, 5, last.TotalChunks)
	assert.Len(t, last.Items, 20)
	assert.Len(t, g.ofType(t, "media_bulk_updated"), 5)

	admin.reset()
	chunks, err = f.broadcaster.PublishBulkItems(context.Background(), eventE1, "op-2", bulkItems(50))
	require.NoError(t, err)
	assert.Equal(t, 1, chunks, "at the threshold items go out in one frame")
	assert.Len(t, decode[model.BulkItems](t, admin.last(t).Data).Items, 50)
}

func TestPublishBulkItems_StopsOnCancel(t *testing.T) {
	f := newFabric(t, 0)
	f.broadcaster.bulk.ChunkDelay = time.Hour
	admin := f.join(t, "h1", host("user-host"), eventE1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunks, err := f.broadcaster.PublishBulkItems(ctx, eventE1, "op-1", bulkItems(120))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, chunks)
	assert.Len(t, admin.frames(t), 1)
}

func TestDispatchBulkItems_OutlivesCaller(t *testing.T) {
	f := newFabric(t, 0)
	f.broadcaster.bulk.ChunkDelay = 5 * time.Millisecond
	admin := f.join(t, "h1", host("user-host"), eventE1)

	chunks, err := f.broadcaster.DispatchBulkItems(eventE1, "op-1", bulkItems(120))
	require.NoError(t, err)
	assert.Equal(t, 5, chunks)
	assert.Eventually(t, func() bool {
		return len(admin.ofType(t, "bulk_items_updated")) == 5
	}, time.Second, 5*time.Millisecond)

	chunks, err = f.broadcaster.DispatchBulkItems(eventE1, "op-2", nil)
	require.NoError(t, err)
	assert.Zero(t, chunks)
}

func TestDispatchBulkItems_CloseStopsFanOut(t *testing.T) {
	f := newFabric(t, 0)
	f.broadcaster.bulk.ChunkDelay = time.Hour
	admin := f.join(t, "h1", host("user-host"), eventE1)

	chunks, err := f.broadcaster.DispatchBulkItems(eventE1, "op-1", bulkItems(120))
	require.NoError(t, err)
	assert.Equal(t, 5, chunks)
	assert.Eventually(t, func() bool { return len(admin.frames(t)) == 1 }, time.Second, 5*time.Millisecond)

	f.broadcaster.Close()
	assert.Len(t, admin.frames(t), 1)

	_, err = f.broadcaster.DispatchBulkItems(eventE1, "op-2", bulkItems(10))
	assert.ErrorIs(t, err, errs.ErrShuttingDown)
}

func TestBulkLifecycle(t *testing.T) {
	f := newFabric(t, 0)
	admin := f.join(t, "h1", host("user-host"), eventE1)
	g := f.join(t, "g1", guest("guest-1"), eventE1)

	f.broadcaster.BulkStarted(model.BulkStarted{EventID: eventE1, OperationID: "op", Action: "approve", Total: 10})
	f.broadcaster.BulkProgress(model.BulkProgress{EventID: eventE1, OperationID: "op", Action: "approve", Processed: 5, Total: 10})
	f.broadcaster.BulkCompleted(model.BulkCompleted{EventID: eventE1, OperationID: "op", Action: "approve", Total: 10, Succeeded: 10, Duration: 1500 * time.Millisecond})

	progress := decode[map[string]any](t, admin.ofType(t, "bulk_operation_progress")[0].Data)
	assert.EqualValues(t, 50, progress["percentage"])
	done := decode[map[string]any](t, admin.ofType(t, "bulk_operation_completed")[0].Data)
	assert.EqualValues(t, 1500, done["duration_ms"])

	require.Len(t, g.frames(t), 1)
	assert.Equal(t, "gallery_refresh", g.last(t).Type)
}

func TestBroadcastShutdown(t *testing.T) {
	f := newFabric(t, 0)
	pending := f.connect(t, "p1")
	admin := f.join(t, "h1", host("user-host"))

	assert.Equal(t, 2, f.broadcaster.BroadcastShutdown("deploy"))
	assert.Equal(t, model.MsgServerShutdown, pending.last(t).Type)
	assert.Equal(t, "deploy", decode[map[string]string](t, admin.last(t).Data)["reason"])
}
