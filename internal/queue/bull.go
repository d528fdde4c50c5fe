package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
)

const defaultDialTimeout = 5 * time.Second

// NewRedisClient connects to the Redis instance behind the job queue and pings it.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultDialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// BullInspector reads a Bull queue straight from Redis:
//
//	<prefix>:<queue>:wait       list of job ids
//	<prefix>:<queue>:active     list of job ids
//	<prefix>:<queue>:completed  zset scored by finish time
//	<prefix>:<queue>:failed     zset scored by finish time
//	<prefix>:<queue>:<id>       job hash (data, timestamp, processedOn, finishedOn, failedReason)
//
// Each state is sampled to at most sampleSize of the most recent jobs.
type BullInspector struct {
	rdb        redis.Cmdable
	base       string
	sampleSize int64
}

func NewBullInspector(rdb redis.Cmdable, prefix, queue string, sampleSize int64) *BullInspector {
	if prefix == "" {
		prefix = "bull"
	}
	if sampleSize <= 0 {
		sampleSize = 500
	}
	return &BullInspector{rdb: rdb, base: prefix + ":" + queue + ":", sampleSize: sampleSize}
}

func (b *BullInspector) Waiting(ctx context.Context) ([]Job, error)   { return b.list(ctx, "wait") }
func (b *BullInspector) Active(ctx context.Context) ([]Job, error)    { return b.list(ctx, "active") }
func (b *BullInspector) Completed(ctx context.Context) ([]Job, error) { return b.zset(ctx, "completed") }
func (b *BullInspector) Failed(ctx context.Context) ([]Job, error)    { return b.zset(ctx, "failed") }

func (b *BullInspector) list(ctx context.Context, state string) ([]Job, error) {
	ids, err := b.rdb.LRange(ctx, b.base+state, 0, b.sampleSize-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", state, err)
	}
	return b.load(ctx, ids)
}

func (b *BullInspector) zset(ctx context.Context, state string) ([]Job, error) {
	ids, err := b.rdb.ZRevRange(ctx, b.base+state, 0, b.sampleSize-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", state, err)
	}
	return b.load(ctx, ids)
}

// load fetches job hashes in one pipeline. Ids whose hash is gone (removed on
// completion) are skipped.
func (b *BullInspector) load(ctx context.Context, ids []string) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, b.base+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		jobs = append(jobs, parseJob(ids[i], fields))
	}
	return jobs, nil
}

func parseJob(id string, fields map[string]string) Job {
	data := fields["data"]
	eventID := gjson.Get(data, "eventId").String()
	if eventID == "" {
		eventID = gjson.Get(data, "event_id").String()
	}
	return Job{
		ID:           id,
		EventID:      eventID,
		Timestamp:    millis(fields["timestamp"]),
		ProcessedOn:  millis(fields["processedOn"]),
		FinishedOn:   millis(fields["finishedOn"]),
		FailedReason: fields["failedReason"],
	}
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
