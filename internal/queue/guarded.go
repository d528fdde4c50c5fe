package queue

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"
)

// Guarded wraps an Inspector with a per-call timeout and a circuit breaker, so a
// dead Redis costs one fast failure per poll instead of a hung call.
type Guarded struct {
	next    Inspector
	cb      circuitbreaker.CircuitBreaker[any]
	timeout time.Duration
}

// GuardOptions configures the breaker. Zero values take defaults.
type GuardOptions struct {
	Timeout          time.Duration // per call, default 5s
	FailureThreshold uint          // failures within Capacity that open the breaker, default 3
	Capacity         uint          // default 5
	OpenDelay        time.Duration // default 30s
}

func NewGuarded(next Inspector, opts GuardOptions, log *zap.Logger) *Guarded {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Capacity == 0 {
		opts.Capacity = 5
	}
	if opts.FailureThreshold == 0 || opts.FailureThreshold > opts.Capacity {
		opts.FailureThreshold = 3
	}
	if opts.OpenDelay <= 0 {
		opts.OpenDelay = 30 * time.Second
	}
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(opts.FailureThreshold, opts.Capacity).
		WithDelay(opts.OpenDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn("queue inspector circuit breaker state change",
				zap.String("from_state", stateName(e.OldState)),
				zap.String("to_state", stateName(e.NewState)))
		}).
		Build()
	return &Guarded{next: next, cb: cb, timeout: opts.Timeout}
}

func (g *Guarded) Waiting(ctx context.Context) ([]Job, error)   { return g.call(ctx, g.next.Waiting) }
func (g *Guarded) Active(ctx context.Context) ([]Job, error)    { return g.call(ctx, g.next.Active) }
func (g *Guarded) Completed(ctx context.Context) ([]Job, error) { return g.call(ctx, g.next.Completed) }
func (g *Guarded) Failed(ctx context.Context) ([]Job, error)    { return g.call(ctx, g.next.Failed) }

// IsOpen reports whether the breaker is currently rejecting calls.
func (g *Guarded) IsOpen() bool { return g.cb.IsOpen() }

func (g *Guarded) call(ctx context.Context, fn func(context.Context) ([]Job, error)) ([]Job, error) {
	res, err := failsafe.With(g.cb).Get(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(cctx)
	})
	if err != nil {
		return nil, err
	}
	jobs, _ := res.([]Job)
	return jobs, nil
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
