package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// AttemptRepo persists and loads delivery attempts using a minimal pgx pool.
type AttemptRepo struct{ Pool PgxPool }

// NewAttemptRepo constructs an AttemptRepo with the given pool.
func NewAttemptRepo(p PgxPool) *AttemptRepo { return &AttemptRepo{Pool: p} }

// CountForLead returns the number of recorded attempts for a lead. The rows
// in delivery_attempts are the authoritative attempt count, never an
// in-memory counter.
func (r *AttemptRepo) CountForLead(ctx domain.Context, leadID int64) (int, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.CountForLead")
	defer span.End()

	var n int
	err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_attempts WHERE lead_id=$1`, leadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=attempt.count_for_lead: %w", err)
	}
	return n, nil
}

// LatestForLead returns the most recent attempt, or nil when none exists.
func (r *AttemptRepo) LatestForLead(ctx domain.Context, leadID int64) (*domain.DeliveryAttempt, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.LatestForLead")
	defer span.End()

	q := `SELECT id, lead_id, attempt_no, requested_at, response_status, response_body, error_message, success
		FROM delivery_attempts WHERE lead_id=$1 ORDER BY attempt_no DESC LIMIT 1`
	var a domain.DeliveryAttempt
	err := r.Pool.QueryRow(ctx, q, leadID).Scan(&a.ID, &a.LeadID, &a.AttemptNo, &a.RequestedAt,
		&a.ResponseStatus, &a.ResponseBody, &a.ErrorMessage, &a.Success)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=attempt.latest_for_lead: %w", err)
	}
	return &a, nil
}

// ListForLead returns every attempt for a lead ordered by attempt_no.
func (r *AttemptRepo) ListForLead(ctx domain.Context, leadID int64) ([]domain.DeliveryAttempt, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.ListForLead")
	defer span.End()

	q := `SELECT id, lead_id, attempt_no, requested_at, response_status, response_body, error_message, success
		FROM delivery_attempts WHERE lead_id=$1 ORDER BY attempt_no ASC`
	rows, err := r.Pool.Query(ctx, q, leadID)
	if err != nil {
		return nil, fmt.Errorf("op=attempt.list_for_lead: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.LeadID, &a.AttemptNo, &a.RequestedAt,
			&a.ResponseStatus, &a.ResponseBody, &a.ErrorMessage, &a.Success); err != nil {
			return nil, fmt.Errorf("op=attempt.list_for_lead: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=attempt.list_for_lead: %w", err)
	}
	return out, nil
}

// RecordResult inserts the attempt row and performs the guarded lead status
// transition inside one transaction. A crash between the two writes would
// either lose the audit row or leave a lead delivered without evidence, so
// they commit or abort together. The attempt number is recomputed from the
// stored rows inside the same transaction.
func (r *AttemptRepo) RecordResult(ctx domain.Context, attempt domain.DeliveryAttempt, from, to domain.LeadStatus) error {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.RecordResult")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("lead.id", attempt.LeadID),
		attribute.String("lead.status.from", string(from)),
		attribute.String("lead.status.to", string(to)),
	)

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("op=attempt.record_result: lead %d: %s -> %s: %w", attempt.LeadID, from, to, domain.ErrInvalidTransition)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=attempt.record_result: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `INSERT INTO delivery_attempts (lead_id, attempt_no, requested_at, response_status, response_body, error_message, success)
		VALUES ($1,
			COALESCE((SELECT MAX(attempt_no) FROM delivery_attempts WHERE lead_id=$1), 0) + 1,
			$2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, insert, attempt.LeadID, attempt.RequestedAt,
		attempt.ResponseStatus, attempt.ResponseBody, attempt.ErrorMessage, attempt.Success); err != nil {
		return fmt.Errorf("op=attempt.record_result: insert: %w", err)
	}

	update := `UPDATE leads SET status=$2, updated_at=now() WHERE id=$1 AND status=$3`
	tag, err := tx.Exec(ctx, update, attempt.LeadID, to, from)
	if err != nil {
		return fmt.Errorf("op=attempt.record_result: transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=attempt.record_result: lead %d not in %s: %w", attempt.LeadID, from, domain.ErrInvalidTransition)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=attempt.record_result: commit: %w", err)
	}
	return nil
}
