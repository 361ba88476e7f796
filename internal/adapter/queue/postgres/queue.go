// Package postgres implements the job queue on the relational jobs table.
//
// Dispatch uses row-level FOR UPDATE SKIP LOCKED selection so that
// concurrent workers never receive the same job. The queue itself never
// retries processing; the processor schedules delayed re-enqueues.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/lead-gateway/internal/adapter/observability"
	repo "github.com/fairyhunter13/lead-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// Queue is the skip-locked relational queue over the jobs table.
type Queue struct{ Pool repo.PgxPool }

// New constructs a Queue with the given pool.
func New(pool repo.PgxPool) *Queue { return &Queue{Pool: pool} }

var _ domain.Queue = (*Queue)(nil)

// wrapUnavailable maps transport-level faults to ErrQueueUnavailable so that
// ingest can answer 503; constraint or syntax errors stay as they are.
func wrapUnavailable(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return fmt.Errorf("op=%s: %v: %w", op, err, domain.ErrQueueUnavailable)
}

// Enqueue inserts a pending job runnable after the given delay.
func (q *Queue) Enqueue(ctx domain.Context, jobType string, payload domain.JobPayload, delay time.Duration) error {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", jobType), attribute.Int64("lead.id", payload.LeadID))

	id := uuid.New().String()
	nextRun := time.Now().UTC().Add(delay)
	sql := `INSERT INTO jobs (id, job_type, payload, status, next_run_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := q.Pool.Exec(ctx, sql, id, jobType, payload, domain.JobPending, nextRun); err != nil {
		return wrapUnavailable("queue.enqueue", err)
	}
	observability.EnqueueJob(jobType)
	return nil
}

// Dequeue atomically selects one due pending job, flips it to processing and
// increments its attempts. Returns (nil, nil) when nothing is ready.
func (q *Queue) Dequeue(ctx domain.Context) (*domain.Job, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Dequeue")
	defer span.End()

	sql := `UPDATE jobs SET status=$1, attempts=attempts+1, updated_at=now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status=$2 AND next_run_at <= now()
			ORDER BY next_run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, payload, status, attempts, error_message, created_at, next_run_at, updated_at, completed_at, failed_at`
	var j domain.Job
	err := q.Pool.QueryRow(ctx, sql, domain.JobProcessing, domain.JobPending).Scan(
		&j.ID, &j.Type, &j.Payload, &j.Status, &j.Attempts, &j.ErrorMessage,
		&j.CreatedAt, &j.NextRunAt, &j.UpdatedAt, &j.CompletedAt, &j.FailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		observability.DequeueResult("empty")
		return nil, nil
	}
	if err != nil {
		observability.DequeueResult("error")
		return nil, wrapUnavailable("queue.dequeue", err)
	}
	observability.DequeueResult("hit")
	return &j, nil
}

// Complete marks a processing job as completed.
func (q *Queue) Complete(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()

	sql := `UPDATE jobs SET status=$2, completed_at=now(), updated_at=now() WHERE id=$1 AND status=$3`
	tag, err := q.Pool.Exec(ctx, sql, jobID, domain.JobCompleted, domain.JobProcessing)
	if err != nil {
		return wrapUnavailable("queue.complete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.complete: job %s not processing: %w", jobID, domain.ErrConflict)
	}
	return nil
}

// Retry resets a processing job to pending with next_run_at = now + delay.
func (q *Queue) Retry(ctx domain.Context, jobID string, delay time.Duration) error {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Retry")
	defer span.End()
	span.SetAttributes(attribute.Float64("job.retry_delay_seconds", delay.Seconds()))

	sql := `UPDATE jobs SET status=$2, next_run_at=$3, updated_at=now() WHERE id=$1 AND status=$4`
	tag, err := q.Pool.Exec(ctx, sql, jobID, domain.JobPending, time.Now().UTC().Add(delay), domain.JobProcessing)
	if err != nil {
		return wrapUnavailable("queue.retry", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.retry: job %s not processing: %w", jobID, domain.ErrConflict)
	}
	return nil
}

// Fail terminally marks a processing job as failed with the reason.
func (q *Queue) Fail(ctx domain.Context, jobID string, reason string) error {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Fail")
	defer span.End()

	sql := `UPDATE jobs SET status=$2, error_message=$3, failed_at=now(), updated_at=now() WHERE id=$1 AND status=$4`
	tag, err := q.Pool.Exec(ctx, sql, jobID, domain.JobFailed, reason, domain.JobProcessing)
	if err != nil {
		return wrapUnavailable("queue.fail", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.fail: job %s not processing: %w", jobID, domain.ErrConflict)
	}
	return nil
}

// Health verifies the queue's storage is reachable.
func (q *Queue) Health(ctx domain.Context) error {
	var one int
	if err := q.Pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("op=queue.health: %v: %w", err, domain.ErrQueueUnavailable)
	}
	return nil
}

// SweepStuck marks jobs left in processing longer than maxAge as failed.
// Crash recovery: a worker that died mid-job leaves a processing row behind.
func (q *Queue) SweepStuck(ctx context.Context, maxAge time.Duration) (int64, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.SweepStuck")
	defer span.End()

	cutoff := time.Now().UTC().Add(-maxAge)
	reason := fmt.Sprintf("job processing exceeded maximum age %v; marked failed by sweeper", maxAge)
	sql := `UPDATE jobs SET status=$1, error_message=$2, failed_at=now(), updated_at=now()
		WHERE status=$3 AND updated_at < $4`
	tag, err := q.Pool.Exec(ctx, sql, domain.JobFailed, reason, domain.JobProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=queue.sweep_stuck: %w", err)
	}
	span.SetAttributes(attribute.Int64("jobs.marked_failed", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}
