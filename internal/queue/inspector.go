package queue

import (
	"context"
	"time"
)

// Job is the part of a queued job the health monitor looks at.
type Job struct {
	ID           string
	EventID      string // empty when the job payload names no event
	Timestamp    time.Time
	ProcessedOn  time.Time
	FinishedOn   time.Time
	FailedReason string
}

// Inspector exposes read-only introspection of a job queue.
type Inspector interface {
	Waiting(ctx context.Context) ([]Job, error)
	Active(ctx context.Context) ([]Job, error)
	Completed(ctx context.Context) ([]Job, error)
	Failed(ctx context.Context) ([]Job, error)
}
