package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docflow/internal/config"
	"docflow/internal/models"
)

// Queue is a durable at-least-once task channel on Redis. Published tasks sit
// in a ready list; a dequeue atomically moves the task into an in-flight
// sorted set scored by its visibility deadline. Tasks not acked before the
// deadline are reclaimed back to ready by RequeueExpired, which is the
// redelivery path consumers must tolerate.
type Queue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
}

// New builds a queue client from config.
func New(cfg config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &Queue{
		client:        client,
		readyKey:      "queue:tasks:ready",
		inflightKey:   "queue:tasks:inflight",
		visibilityTTL: visibility,
	}
}

// Ping verifies Redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Delivery is one dequeued task plus the raw payload that identifies it in
// the in-flight set. Ack must receive the same delivery.
type Delivery struct {
	Task    models.Task
	Payload string
}

// Publish appends a serialized task to the ready list. It returns once Redis
// has accepted the push.
func (q *Queue) Publish(ctx context.Context, task models.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey, raw).Err(); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// DequeueWithLease pops the oldest ready task and registers it in-flight with
// a visibility deadline. Returns nil when the queue is empty.
func (q *Queue) DequeueWithLease(ctx context.Context) (*Delivery, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	payload, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	var task models.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		// A malformed payload can never be processed; drop it from in-flight
		// so it does not redeliver forever.
		_ = q.client.ZRem(ctx, q.inflightKey, payload).Err()
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &Delivery{Task: task, Payload: payload}, nil
}

// Ack removes a delivered task from in-flight tracking. Callers ack only
// after the corresponding job-store update has landed.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	return q.client.ZRem(ctx, q.inflightKey, d.Payload).Err()
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *Queue) ExtendLease(ctx context.Context, d *Delivery, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: d.Payload,
	}).Err()
}

// RequeueExpired reclaims tasks whose lease deadline has passed, moving them
// back to the ready list. Returns how many were reclaimed.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	payloads, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, p := range payloads {
		pipe.ZRem(ctx, q.inflightKey, p)
		pipe.RPush(ctx, q.readyKey, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// ReadyDepth returns the number of tasks awaiting dispatch.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of leased, unacked tasks.
func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
