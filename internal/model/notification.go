package model

import "time"

// View is one audience's projection of a notification.
type View struct {
	Type string
	Data any
}

// Notification is implemented by every domain notification the fabric fans out.
// AdminView and GuestView return nil when that audience gets nothing.
type Notification interface {
	Kind() string
	Event() string
	AdminView() *View
	GuestView() *View
}

// MediaStatus is the moderation state of a media item.
type MediaStatus string

const (
	MediaPending  MediaStatus = "pending"
	MediaApproved MediaStatus = "approved"
	MediaRejected MediaStatus = "rejected"
	MediaHidden   MediaStatus = "hidden"
	MediaDeleted  MediaStatus = "deleted"
)

// MediaSummary holds the public fields of a media item.
type MediaSummary struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	URL          string     `json:"url,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
}

type Uploader struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role,omitempty"`
}

// StatusChange is a single-item moderation decision.
type StatusChange struct {
	EventID        string       `json:"event_id"`
	Media          MediaSummary `json:"media"`
	PreviousStatus MediaStatus  `json:"previous_status"`
	Status         MediaStatus  `json:"status"`
	Uploader       Uploader     `json:"uploader"`
	ModeratorID    string       `json:"moderator_id,omitempty"`
	ReasonCode     string       `json:"reason_code,omitempty"`
	Note           string       `json:"note,omitempty"`
	At             time.Time    `json:"at"`
}

func (n StatusChange) Kind() string  { return "status_change" }
func (n StatusChange) Event() string { return n.EventID }

func (n StatusChange) AdminView() *View {
	return &View{Type: "media_status_updated", Data: n}
}

type guestMedia struct {
	Media MediaSummary `json:"media"`
}

type guestMediaRef struct {
	MediaID string `json:"media_id"`
	Reason  string `json:"reason,omitempty"`
}

func (n StatusChange) GuestView() *View {
	switch {
	case n.Status == MediaApproved:
		return &View{Type: "media_approved", Data: guestMedia{Media: n.Media}}
	case n.PreviousStatus == MediaApproved:
		return &View{Type: "media_hidden", Data: guestMediaRef{MediaID: n.Media.ID}}
	default:
		return nil
	}
}

// NewMedia announces an upload. Instant carries an optimistic preview sent
// before processing finishes.
type NewMedia struct {
	EventID    string       `json:"event_id"`
	Media      MediaSummary `json:"media"`
	Status     MediaStatus  `json:"status"`
	Uploader   Uploader     `json:"uploader"`
	Instant    bool         `json:"instant"`
	PreviewURL string       `json:"preview_url,omitempty"`
	At         time.Time    `json:"at"`
}

func (n NewMedia) Kind() string  { return "new_media" }
func (n NewMedia) Event() string { return n.EventID }

func (n NewMedia) AdminView() *View {
	return &View{Type: "new_media_uploaded", Data: n}
}

type guestNewMedia struct {
	Media      MediaSummary `json:"media"`
	Instant    bool         `json:"instant"`
	PreviewURL string       `json:"preview_url,omitempty"`
}

func (n NewMedia) GuestView() *View {
	if n.Status != MediaApproved {
		return nil
	}
	return &View{Type: "new_media_available", Data: guestNewMedia{
		Media:      n.Media,
		Instant:    n.Instant,
		PreviewURL: n.PreviewURL,
	}}
}

// Progress is a processing pipeline signal for one media item.
type Progress struct {
	EventID    string        `json:"event_id"`
	MediaID    string        `json:"media_id"`
	Stage      Stage         `json:"stage"`
	Percentage int           `json:"percentage"`
	UploaderID string        `json:"uploader_id,omitempty"`
	Filename   string        `json:"filename,omitempty"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Media      *MediaSummary `json:"media,omitempty"`
	// Public is set when the finished item is visible to guests.
	Public bool      `json:"public"`
	At     time.Time `json:"at"`
}

func (n Progress) Kind() string  { return n.messageType() }
func (n Progress) Event() string { return n.EventID }

func (n Progress) messageType() string {
	switch {
	case n.Stage == StageFailed:
		return "media_processing_failed"
	case n.Stage == StageCompleted || n.Percentage >= 100:
		return "media_processing_complete"
	default:
		return "media_processing_progress"
	}
}

func (n Progress) AdminView() *View {
	return &View{Type: n.messageType(), Data: n}
}

type guestProcessed struct {
	MediaID string        `json:"media_id"`
	Media   *MediaSummary `json:"media,omitempty"`
}

func (n Progress) GuestView() *View {
	if !n.Public || n.messageType() != "media_processing_complete" {
		return nil
	}
	return &View{Type: "media_processing_complete", Data: guestProcessed{MediaID: n.MediaID, Media: n.Media}}
}

// Guest-facing removal reasons, keyed by internal reason code.
var guestRemovalReasons = map[string]string{
	"inappropriate_content": "This photo was removed for not meeting the event guidelines",
	"duplicate":             "This photo was a duplicate",
	"low_quality":           "This photo was removed by the host",
	"copyright":             "This photo was removed due to a copyright concern",
	"privacy":               "This photo was removed at a guest's request",
	"host_request":          "This photo was removed by the host",
	"uploader_request":      "This photo was removed by the uploader",
}

const genericRemovalReason = "This photo is no longer available"

// GuestRemovalReason maps an internal reason code to the text guests see.
func GuestRemovalReason(code string) string {
	if r, ok := guestRemovalReasons[code]; ok {
		return r
	}
	return genericRemovalReason
}

type MediaRemoved struct {
	EventID    string    `json:"event_id"`
	MediaID    string    `json:"media_id"`
	ReasonCode string    `json:"reason_code"`
	RemovedBy  string    `json:"removed_by,omitempty"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

func (n MediaRemoved) Kind() string  { return "media_removed" }
func (n MediaRemoved) Event() string { return n.EventID }

type adminRemoved struct {
	MediaRemoved
	GuestReason string `json:"guest_reason"`
}

func (n MediaRemoved) AdminView() *View {
	return &View{Type: "media_removed", Data: adminRemoved{MediaRemoved: n, GuestReason: GuestRemovalReason(n.ReasonCode)}}
}

func (n MediaRemoved) GuestView() *View {
	return &View{Type: "media_removed", Data: guestMediaRef{MediaID: n.MediaID, Reason: GuestRemovalReason(n.ReasonCode)}}
}

// BulkStarted opens a bulk operation lifecycle.
type BulkStarted struct {
	EventID     string    `json:"event_id"`
	OperationID string    `json:"operation_id"`
	Action      string    `json:"action"`
	Total       int       `json:"total"`
	InitiatedBy string    `json:"initiated_by,omitempty"`
	At          time.Time `json:"at"`
}

func (n BulkStarted) Kind() string     { return "bulk_started" }
func (n BulkStarted) Event() string    { return n.EventID }
func (n BulkStarted) AdminView() *View { return &View{Type: "bulk_operation_started", Data: n} }
func (n BulkStarted) GuestView() *View { return nil }

type BulkProgress struct {
	EventID      string    `json:"event_id"`
	OperationID  string    `json:"operation_id"`
	Action       string    `json:"action"`
	Processed    int       `json:"processed"`
	Failed       int       `json:"failed"`
	Total        int       `json:"total"`
	Batch        int       `json:"batch"`
	TotalBatches int       `json:"total_batches"`
	At           time.Time `json:"at"`
}

func (n BulkProgress) Kind() string  { return "bulk_progress" }
func (n BulkProgress) Event() string { return n.EventID }

type adminBulkProgress struct {
	BulkProgress
	Percentage int `json:"percentage"`
}

func (n BulkProgress) AdminView() *View {
	pct := 0
	if n.Total > 0 {
		pct = n.Processed * 100 / n.Total
	}
	return &View{Type: "bulk_operation_progress", Data: adminBulkProgress{BulkProgress: n, Percentage: pct}}
}

func (n BulkProgress) GuestView() *View { return nil }

type BulkCompleted struct {
	EventID     string        `json:"event_id"`
	OperationID string        `json:"operation_id"`
	Action      string        `json:"action"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"-"`
	Errors      []string      `json:"errors,omitempty"`
	At          time.Time     `json:"at"`
}

func (n BulkCompleted) Kind() string  { return "bulk_completed" }
func (n BulkCompleted) Event() string { return n.EventID }

type adminBulkCompleted struct {
	BulkCompleted
	DurationMs int64 `json:"duration_ms"`
}

func (n BulkCompleted) AdminView() *View {
	return &View{Type: "bulk_operation_completed", Data: adminBulkCompleted{BulkCompleted: n, DurationMs: n.Duration.Milliseconds()}}
}

// Bulk actions that change what guests can see.
var guestVisibleActions = map[string]bool{
	"approve": true,
	"reject":  true,
	"hide":    true,
	"delete":  true,
}

type galleryRefresh struct {
	Reason string `json:"reason"`
}

func (n BulkCompleted) GuestView() *View {
	if n.Succeeded == 0 || !guestVisibleActions[n.Action] {
		return nil
	}
	return &View{Type: "gallery_refresh", Data: galleryRefresh{Reason: "bulk_update"}}
}

// BulkItem is the per-item outcome of a bulk operation.
type BulkItem struct {
	MediaID string        `json:"media_id"`
	Status  MediaStatus   `json:"status"`
	Media   *MediaSummary `json:"media,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// BulkItems is one chunk of per-item updates.
type BulkItems struct {
	EventID     string     `json:"event_id"`
	OperationID string     `json:"operation_id"`
	Chunk       int        `json:"chunk"`
	TotalChunks int        `json:"total_chunks"`
	Items       []BulkItem `json:"items"`
	At          time.Time  `json:"at"`
}

func (n BulkItems) Kind() string     { return "bulk_items" }
func (n BulkItems) Event() string    { return n.EventID }
func (n BulkItems) AdminView() *View { return &View{Type: "bulk_items_updated", Data: n} }

type guestBulkItems struct {
	Approved []MediaSummary `json:"approved,omitempty"`
	Removed  []string       `json:"removed,omitempty"`
}

func (n BulkItems) GuestView() *View {
	var out guestBulkItems
	for _, it := range n.Items {
		if it.Error != "" {
			continue
		}
		switch it.Status {
		case MediaApproved:
			if it.Media != nil {
				out.Approved = append(out.Approved, *it.Media)
			}
		case MediaRejected, MediaHidden, MediaDeleted:
			out.Removed = append(out.Removed, it.MediaID)
		}
	}
	if len(out.Approved) == 0 && len(out.Removed) == 0 {
		return nil
	}
	return &View{Type: "media_bulk_updated", Data: out}
}

// Occupancy is a live snapshot of an event's groups.
type Occupancy struct {
	EventID    string `json:"event_id"`
	AdminCount int    `json:"admin_count"`
	GuestCount int    `json:"guest_count"`
	Total      int    `json:"total"`
}

func (n Occupancy) Kind() string     { return "occupancy" }
func (n Occupancy) Event() string    { return n.EventID }
func (n Occupancy) AdminView() *View { return &View{Type: "room_occupancy", Data: n} }
func (n Occupancy) GuestView() *View { return nil }

type QueueAlert struct {
	EventID string `json:"event_id"`
	Alert   Alert  `json:"alert"`
}

func (n QueueAlert) Kind() string     { return "queue_alert" }
func (n QueueAlert) Event() string    { return n.EventID }
func (n QueueAlert) AdminView() *View { return &View{Type: "queue_alert", Data: n.Alert} }
func (n QueueAlert) GuestView() *View { return nil }

type QueueMetrics struct {
	EventID string     `json:"event_id"`
	Stats   QueueStats `json:"stats"`
}

func (n QueueMetrics) Kind() string     { return "queue_metrics" }
func (n QueueMetrics) Event() string    { return n.EventID }
func (n QueueMetrics) AdminView() *View { return &View{Type: "queue_metrics", Data: n.Stats} }
func (n QueueMetrics) GuestView() *View { return nil }
