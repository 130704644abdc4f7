package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"automation-engine/internal/config"
	"automation-engine/internal/models"
)

// ErrMessageMissing is returned when a leased delivery has no stored payload,
// which happens when a duplicate list entry outlives an earlier ack.
var ErrMessageMissing = errors.New("execution message missing")

// ErrMalformedMessage is returned when a stored payload cannot be decoded.
var ErrMalformedMessage = errors.New("malformed execution message")

// Delivery is one leased execution hand-off. ID is the workflow run id.
type Delivery struct {
	ID       string
	Message  models.ExecutionMessage
	Attempts int
}

// RedisQueue carries execution hand-off messages through ready, in-flight,
// and scheduled (backoff) structures in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue wraps client with the key layout derived from cfg.QueueName.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "queue:executions"
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name,
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		metaPrefix:    name + ":meta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

// Publish hands a run to the executor. Publishing a run that is already
// queued refreshes its payload; the executor's claim makes the extra
// delivery harmless.
func (q *RedisQueue) Publish(ctx context.Context, msg models.ExecutionMessage) error {
	if msg.WorkflowRunID == "" {
		return errors.New("publish: workflowRunId is required")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal execution message: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(msg.WorkflowRunID), "message", payload)
	pipe.RPush(ctx, q.readyKey, msg.WorkflowRunID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish run %s: %w", msg.WorkflowRunID, err)
	}
	return nil
}

// Schedule defers redelivery of a run until runAt.
func (q *RedisQueue) Schedule(ctx context.Context, id string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id}).Err()
}

// PromoteScheduled moves due scheduled deliveries into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next delivery and places it into in-flight with a
// visibility timeout. It returns nil when the ready list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Delivery, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	d := &Delivery{ID: id}
	vals, err := q.client.HMGet(ctx, q.metaKey(id), "message", "attempts").Result()
	if err != nil {
		return d, fmt.Errorf("load delivery %s: %w", id, err)
	}
	raw, _ := vals[0].(string)
	if raw == "" {
		return d, fmt.Errorf("delivery %s: %w", id, ErrMessageMissing)
	}
	if err := json.Unmarshal([]byte(raw), &d.Message); err != nil {
		return d, fmt.Errorf("decode delivery %s: %w: %v", id, ErrMalformedMessage, err)
	}
	if s, ok := vals[1].(string); ok {
		d.Attempts, _ = strconv.Atoi(s)
	}
	return d, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight delivery.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a delivery from in-flight tracking and drops its payload.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Release removes a delivery from in-flight tracking but keeps its payload,
// for redelivery through Schedule.
func (q *RedisQueue) Release(ctx context.Context, id string) error {
	return q.client.ZRem(ctx, q.inflightKey, id).Err()
}

// IncrAttempts bumps and returns the delivery's failed-attempt counter.
func (q *RedisQueue) IncrAttempts(ctx context.Context, id string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.metaKey(id), "attempts", 1).Result()
	return int(n), err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a run's pending deliveries from every structure.
func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, id)
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZRem(ctx, q.scheduledKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

type deadLetter struct {
	Message  models.ExecutionMessage `json:"message"`
	Attempts int                     `json:"attempts"`
	Error    string                  `json:"error"`
	FailedAt time.Time               `json:"failedAt"`
}

// DLQPush appends a delivery to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, d Delivery, cause error) error {
	entry := deadLetter{Message: d.Message, Attempts: d.Attempts, FailedAt: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, payload).Err()
}

// DLQPeek reads the oldest dead-lettered entries as raw JSON.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the ready list length.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InflightDepth returns the number of leased deliveries.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
