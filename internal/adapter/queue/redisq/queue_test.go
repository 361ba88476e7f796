package redisq_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/lead-gateway/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

func newTestQueue(t *testing.T) (*redisq.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisq.NewWithClient(rdb), mr
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.JobTypeProcessLead, domain.JobPayload{LeadID: 42}, 0))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobTypeProcessLead, job.Type)
	assert.Equal(t, int64(42), job.Payload.LeadID)
	assert.Equal(t, domain.JobProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)

	require.NoError(t, q.Complete(ctx, job.ID))

	// Nothing left to dispatch.
	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDelayedJobNotVisibleUntilDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.JobTypeProcessLead, domain.JobPayload{LeadID: 7}, 2*time.Hour))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job must stay invisible until next_run_at")
}

func TestRetryReschedules(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.JobTypeProcessLead, domain.JobPayload{LeadID: 7}, 0))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Retry(ctx, job.ID, time.Hour))

	// Still scheduled in the future.
	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	// Zero-delay retry makes it dispatchable again and bumps attempts.
	require.NoError(t, q.Retry(ctx, job.ID, 0))
	next, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.ID, next.ID)
	assert.Equal(t, 2, next.Attempts)
}

func TestFailRecordsReason(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.JobTypeProcessLead, domain.JobPayload{LeadID: 7}, 0))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Fail(ctx, job.ID, "lead not found"))
	assert.Equal(t, string(domain.JobFailed), mr.HGet("leadgw:job:"+job.ID, "status"))
	assert.Equal(t, "lead not found", mr.HGet("leadgw:job:"+job.ID, "error_message"))
}

func TestConcurrentDequeueSingleWinner(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.JobTypeProcessLead, domain.JobPayload{LeadID: 7}, 0))

	type result struct{ job *domain.Job }
	results := make(chan result, 4)
	for i := 0; i < 4; i++ {
		go func() {
			j, err := q.Dequeue(ctx)
			assert.NoError(t, err)
			results <- result{job: j}
		}()
	}

	hits := 0
	for i := 0; i < 4; i++ {
		if r := <-results; r.job != nil {
			hits++
		}
	}
	assert.Equal(t, 1, hits, "exactly one worker may win a job")
}

func TestHealth(t *testing.T) {
	q, mr := newTestQueue(t)
	require.NoError(t, q.Health(context.Background()))

	mr.Close()
	err := q.Health(context.Background())
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
}

func TestEnqueueAgainstDownRedis(t *testing.T) {
	q, mr := newTestQueue(t)
	mr.Close()
	err := q.Enqueue(context.Background(), domain.JobTypeProcessLead, domain.JobPayload{LeadID: 1}, 0)
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
}
