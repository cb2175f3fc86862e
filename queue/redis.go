package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/job"
)

var _ Queue = (*Redis)(nil)

const (
	defaultStream    = "ftworker:jobs"
	defaultGroup     = "ftworker-workers"
	scheduledZSet    = "ftworker:scheduled"
	defaultBlockTime = 5 * time.Second

	// Priorities clamp into this many tiers, each backed by its own
	// stream. Reads list the tiers highest first, so a higher tier is
	// always served before a lower one.
	tierCount = 10
)

// Redis is a Queue backed by Redis Streams with a consumer group. Each
// priority tier has its own stream; consumption prefers higher tiers and
// is FIFO within a tier. Delayed jobs park in a sorted set scored by
// their release time; a background loop moves them onto their tier
// stream when due. Unacked deliveries stay in the group's pending
// entries list and survive a worker restart.
type Redis struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu        sync.Mutex
	closed    bool
	releaseWG sync.WaitGroup
	cancel    context.CancelFunc
}

// RedisOption configures the Redis queue.
type RedisOption func(*Redis)

// WithStream overrides the stream key prefix.
func WithStream(stream string) RedisOption {
	return func(q *Redis) {
		q.stream = stream
	}
}

// WithGroup overrides the consumer group name.
func WithGroup(group string) RedisOption {
	return func(q *Redis) {
		q.group = group
	}
}

// WithRateLimit caps consumption to n deliveries per second.
func WithRateLimit(n int) RedisOption {
	return func(q *Redis) {
		q.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) RedisOption {
	return func(q *Redis) {
		q.logger = logger
	}
}

// NewRedis connects to Redis at the given URL, ensures the tier streams
// and consumer group exist, and starts the scheduled-job release loop.
// The consumer name should be unique per worker process.
func NewRedis(ctx context.Context, url, consumer string, opts ...RedisOption) (*Redis, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ftworker/queue: parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ftworker/queue: redis ping: %w", err)
	}

	q := &Redis{
		client:   client,
		stream:   defaultStream,
		group:    defaultGroup,
		consumer: consumer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	// BUSYGROUP means the group already exists, which is fine.
	for tier := 0; tier < tierCount; tier++ {
		if err := client.XGroupCreateMkStream(ctx, q.tierStream(tier), q.group, "$").Err(); err != nil {
			if !isBusyGroup(err) {
				return nil, fmt.Errorf("ftworker/queue: create consumer group: %w", err)
			}
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.releaseWG.Add(1)
	go q.releaseLoop(loopCtx)

	return q, nil
}

func (q *Redis) tierStream(tier int) string {
	return q.stream + ":" + strconv.Itoa(tier)
}

func tierFor(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= tierCount {
		return tierCount - 1
	}
	return priority
}

// Enqueue makes the job available for consumption after the given delay.
func (q *Redis) Enqueue(ctx context.Context, j *job.Job, delay time.Duration) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ftworker.ErrQueueClosed
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("ftworker/queue: marshal job: %w", err)
	}

	if delay > 0 {
		releaseAt := time.Now().Add(delay).Unix()
		if err := q.client.ZAdd(ctx, scheduledZSet, redis.Z{
			Score:  float64(releaseAt),
			Member: data,
		}).Err(); err != nil {
			return fmt.Errorf("ftworker/queue: schedule job: %w", err)
		}
		return nil
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.tierStream(tierFor(j.Priority)),
		Values: map[string]interface{}{"job": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("ftworker/queue: enqueue job: %w", err)
	}
	return nil
}

// Consume reads deliveries from the consumer group, higher tiers first.
// Malformed entries are acked and dropped so they do not wedge the group.
func (q *Redis) Consume(ctx context.Context) (<-chan Delivery, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ftworker.ErrQueueClosed
	}

	// Streams listed highest tier first so each read batch serves
	// higher-priority entries before lower ones.
	streams := make([]string, 0, 2*tierCount)
	for tier := tierCount - 1; tier >= 0; tier-- {
		streams = append(streams, q.tierStream(tier))
	}
	for range tierCount {
		streams = append(streams, ">")
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			if q.limiter != nil {
				if err := q.limiter.Wait(ctx); err != nil {
					return
				}
			}

			entries, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.group,
				Consumer: q.consumer,
				Streams:  streams,
				Block:    defaultBlockTime,
				Count:    1,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				q.logger.Error("queue read failed", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for _, stream := range entries {
				for _, msg := range stream.Messages {
					d, ok := q.decode(ctx, stream.Stream, msg)
					if !ok {
						continue
					}
					select {
					case out <- d:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (q *Redis) decode(ctx context.Context, stream string, msg redis.XMessage) (Delivery, bool) {
	raw, ok := msg.Values["job"].(string)
	if !ok {
		q.logger.Warn("dropping malformed queue entry", "stream", stream, "id", msg.ID)
		_ = q.client.XAck(ctx, stream, q.group, msg.ID).Err()
		return Delivery{}, false
	}

	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		q.logger.Warn("dropping undecodable queue entry", "stream", stream, "id", msg.ID, "error", err)
		_ = q.client.XAck(ctx, stream, q.group, msg.ID).Err()
		return Delivery{}, false
	}

	msgID := msg.ID
	return Delivery{
		Job: &j,
		Ack: func(ctx context.Context) error {
			return q.client.XAck(ctx, stream, q.group, msgID).Err()
		},
	}, true
}

// releaseLoop moves scheduled jobs onto their tier stream once their
// release time has passed.
func (q *Redis) releaseLoop(ctx context.Context) {
	defer q.releaseWG.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().Unix(), 10)
		due, err := q.client.ZRangeByScore(ctx, scheduledZSet, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: 100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				q.logger.Error("scheduled release scan failed", "error", err)
			}
			continue
		}

		for _, raw := range due {
			var peek struct {
				Priority int `json:"priority"`
			}
			if err := json.Unmarshal([]byte(raw), &peek); err != nil {
				q.logger.Warn("dropping undecodable scheduled entry", "error", err)
				_ = q.client.ZRem(ctx, scheduledZSet, raw).Err()
				continue
			}
			if err := q.client.XAdd(ctx, &redis.XAddArgs{
				Stream: q.tierStream(tierFor(peek.Priority)),
				Values: map[string]interface{}{"job": raw},
			}).Err(); err != nil {
				q.logger.Error("scheduled release failed", "error", err)
				continue
			}
			_ = q.client.ZRem(ctx, scheduledZSet, raw).Err()
		}
	}
}

// Close stops the release loop and disconnects from Redis.
func (q *Redis) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.releaseWG.Wait()
	return q.client.Close()
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
