// Package redisq implements the job queue on Redis.
//
// Jobs live in hashes keyed by id; the pending set is a sorted set scored by
// next-run unix time. Dequeue runs an atomic Lua script so that concurrent
// workers never pop the same member.
package redisq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/lead-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

const (
	pendingKey = "leadgw:pending"
	jobKeyFmt  = "leadgw:job:%s"
)

// dequeueScript pops the earliest due pending job, flips it to processing
// and increments its attempts, all atomically.
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
local id = due[1]
redis.call('ZREM', KEYS[1], id)
local key = 'leadgw:job:' .. id
redis.call('HSET', key, 'status', 'processing', 'updated_at', ARGV[1])
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
return {id, attempts}
`)

// Queue is the Redis-backed job queue.
type Queue struct{ rdb redis.UniversalClient }

// New parses the redis URL and constructs a Queue.
func New(redisURL string) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.New: %w", err)
	}
	return &Queue{rdb: redis.NewClient(opt)}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(rdb redis.UniversalClient) *Queue { return &Queue{rdb: rdb} }

var _ domain.Queue = (*Queue)(nil)

func jobKey(id string) string { return fmt.Sprintf(jobKeyFmt, id) }

// Enqueue stores the job hash and schedules it in the pending set.
func (q *Queue) Enqueue(ctx domain.Context, jobType string, payload domain.JobPayload, delay time.Duration) error {
	tracer := otel.Tracer("queue.redisq")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", jobType), attribute.Int64("lead.id", payload.LeadID))

	id := uuid.New().String()
	now := time.Now().UTC()
	nextRun := now.Add(delay)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=redisq.enqueue: marshal: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"job_type":    jobType,
		"payload":     string(body),
		"status":      string(domain.JobPending),
		"attempts":    0,
		"created_at":  now.Unix(),
		"next_run_at": nextRun.Unix(),
		"updated_at":  now.Unix(),
	})
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(nextRun.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.enqueue: %v: %w", err, domain.ErrQueueUnavailable)
	}
	observability.EnqueueJob(jobType)
	return nil
}

// Dequeue pops the earliest due job, or returns (nil, nil) when none is due.
func (q *Queue) Dequeue(ctx domain.Context) (*domain.Job, error) {
	tracer := otel.Tracer("queue.redisq")
	ctx, span := tracer.Start(ctx, "queue.Dequeue")
	defer span.End()

	now := time.Now().UTC()
	res, err := dequeueScript.Run(ctx, q.rdb, []string{pendingKey}, now.Unix()).Result()
	if err == redis.Nil {
		observability.DequeueResult("empty")
		return nil, nil
	}
	if err != nil {
		observability.DequeueResult("error")
		return nil, fmt.Errorf("op=redisq.dequeue: %v: %w", err, domain.ErrQueueUnavailable)
	}

	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("op=redisq.dequeue: unexpected script result %T: %w", res, domain.ErrInternal)
	}
	id, _ := pair[0].(string)

	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	observability.DequeueResult("hit")
	return job, nil
}

func (q *Queue) loadJob(ctx domain.Context, id string) (*domain.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.load_job: %v: %w", err, domain.ErrQueueUnavailable)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("op=redisq.load_job: job %s missing: %w", id, domain.ErrNotFound)
	}

	j := &domain.Job{ID: id, Type: fields["job_type"], Status: domain.JobStatus(fields["status"])}
	if err := json.Unmarshal([]byte(fields["payload"]), &j.Payload); err != nil {
		return nil, fmt.Errorf("op=redisq.load_job: payload: %w", err)
	}
	j.Attempts, _ = strconv.Atoi(fields["attempts"])
	j.CreatedAt = unixField(fields, "created_at")
	j.NextRunAt = unixField(fields, "next_run_at")
	j.UpdatedAt = unixField(fields, "updated_at")
	if msg, ok := fields["error_message"]; ok && msg != "" {
		j.ErrorMessage = &msg
	}
	return j, nil
}

func unixField(fields map[string]string, name string) time.Time {
	sec, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// Complete marks the job completed. The hash is kept for audit until its
// TTL expires.
func (q *Queue) Complete(ctx domain.Context, jobID string) error {
	now := time.Now().UTC()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", string(domain.JobCompleted), "completed_at", now.Unix(), "updated_at", now.Unix())
	pipe.Expire(ctx, jobKey(jobID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.complete: %v: %w", err, domain.ErrQueueUnavailable)
	}
	return nil
}

// Retry reschedules the job after the delay.
func (q *Queue) Retry(ctx domain.Context, jobID string, delay time.Duration) error {
	now := time.Now().UTC()
	nextRun := now.Add(delay)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", string(domain.JobPending), "next_run_at", nextRun.Unix(), "updated_at", now.Unix())
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(nextRun.Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.retry: %v: %w", err, domain.ErrQueueUnavailable)
	}
	return nil
}

// Fail terminally marks the job failed with the reason.
func (q *Queue) Fail(ctx domain.Context, jobID string, reason string) error {
	now := time.Now().UTC()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", string(domain.JobFailed), "error_message", reason, "failed_at", now.Unix(), "updated_at", now.Unix())
	pipe.Expire(ctx, jobKey(jobID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.fail: %v: %w", err, domain.ErrQueueUnavailable)
	}
	return nil
}

// Health pings the Redis transport.
func (q *Queue) Health(ctx domain.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redisq.health: %v: %w", err, domain.ErrQueueUnavailable)
	}
	return nil
}
