package service

import (
	"sync"
	"time"

	"github.com/crystal-devs/rc-realtime/internal/config"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/model"
)

type progressRecord struct {
	stage        model.Stage
	percentage   int
	lastUpdateAt time.Time
	locked       bool
	lockExpires  time.Time
}

// ProgressThrottle decides which progress signals for one unit of work reach
// subscribers. A completion (or failure) is let through once, after which the
// id is locked until the lock expires and the record is purged.
type ProgressThrottle struct {
	mu      sync.Mutex
	records map[string]*progressRecord
	cfg     config.ProgressConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewProgressThrottle(cfg config.ProgressConfig, m *metrics.Metrics) *ProgressThrottle {
	return &ProgressThrottle{
		records: make(map[string]*progressRecord),
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// Admit reports whether the update should be broadcast, recording it if so.
func (t *ProgressThrottle) Admit(id string, stage model.Stage, percentage int) bool {
	decision := t.admit(id, stage, percentage)
	t.metrics.ProgressDecisions.WithLabelValues(decision).Inc()
	return decision == "accepted" || decision == "completed"
}

func (t *ProgressThrottle) admit(id string, stage model.Stage, percentage int) string {
	if id == "" || !stage.Valid() || percentage < 0 || percentage > 100 {
		return "invalid"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	rec, ok := t.records[id]
	if ok && rec.locked {
		if now.Before(rec.lockExpires) {
			return "locked"
		}
		delete(t.records, id)
		ok = false
	}

	if ok && stage.Rank() < rec.stage.Rank() {
		return "regressed"
	}

	if stage.Terminal() || percentage >= 100 {
		t.records[id] = &progressRecord{
			stage:        stage,
			percentage:   percentage,
			lastUpdateAt: now,
			locked:       true,
			lockExpires:  now.Add(t.cfg.LockDuration),
		}
		time.AfterFunc(t.cfg.LockDuration, func() { t.purge(id) })
		return "completed"
	}

	if ok {
		elapsed := now.Sub(rec.lastUpdateAt)
		delta := percentage - rec.percentage
		if delta < 0 {
			delta = -delta
		}
		if elapsed < t.cfg.MinInterval && delta < t.cfg.MinDelta && stage == rec.stage {
			return "throttled"
		}
	}

	t.records[id] = &progressRecord{stage: stage, percentage: percentage, lastUpdateAt: now}
	return "accepted"
}

// purge drops id once its completion lock has expired.
func (t *ProgressThrottle) purge(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[id]; ok && rec.locked && !t.now().Before(rec.lockExpires) {
		delete(t.records, id)
	}
}

// Reset forgets id.
func (t *ProgressThrottle) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Len returns the number of tracked ids.
func (t *ProgressThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
