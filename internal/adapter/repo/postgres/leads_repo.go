package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// LeadRepo persists and loads leads using a minimal pgx pool.
type LeadRepo struct{ Pool PgxPool }

// NewLeadRepo constructs a LeadRepo with the given pool.
func NewLeadRepo(p PgxPool) *LeadRepo { return &LeadRepo{Pool: p} }

const leadColumns = `id, received_at, raw_payload, source_headers, status, rejection_reason,
	normalized_payload, customer_payload, payload_hash, created_at, updated_at`

func scanLead(row pgx.Row) (domain.Lead, error) {
	var l domain.Lead
	err := row.Scan(&l.ID, &l.ReceivedAt, &l.RawPayload, &l.SourceHeaders, &l.Status, &l.RejectionReason,
		&l.NormalizedPayload, &l.CustomerPayload, &l.PayloadHash, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

// Create inserts a new lead in status RECEIVED and fills server-generated
// fields on the passed struct.
func (r *LeadRepo) Create(ctx domain.Context, l *domain.Lead) error {
	tracer := otel.Tracer("repo.leads")
	ctx, span := tracer.Start(ctx, "leads.Create")
	defer span.End()

	if l.Status == "" {
		l.Status = domain.LeadReceived
	}
	if l.ReceivedAt.IsZero() {
		l.ReceivedAt = time.Now().UTC()
	}
	q := `INSERT INTO leads (received_at, raw_payload, source_headers, status, payload_hash)
		VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at, updated_at`
	err := r.Pool.QueryRow(ctx, q, l.ReceivedAt, l.RawPayload, l.SourceHeaders, l.Status, l.PayloadHash).
		Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=lead.create: %w", err)
	}
	span.SetAttributes(attribute.Int64("lead.id", l.ID))
	return nil
}

// Get loads a lead by id.
func (r *LeadRepo) Get(ctx domain.Context, id int64) (domain.Lead, error) {
	tracer := otel.Tracer("repo.leads")
	ctx, span := tracer.Start(ctx, "leads.Get")
	defer span.End()

	q := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	l, err := scanLead(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Lead{}, fmt.Errorf("op=lead.get: id %d: %w", id, domain.ErrNotFound)
		}
		return domain.Lead{}, fmt.Errorf("op=lead.get: %w", err)
	}
	return l, nil
}

// MarkRejected moves a RECEIVED lead to REJECTED and records the reason. The
// WHERE clause enforces the status machine at the database.
func (r *LeadRepo) MarkRejected(ctx domain.Context, id int64, reason string) error {
	tracer := otel.Tracer("repo.leads")
	ctx, span := tracer.Start(ctx, "leads.MarkRejected")
	defer span.End()

	q := `UPDATE leads SET status=$2, rejection_reason=$3, updated_at=now()
		WHERE id=$1 AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.LeadRejected, reason, domain.LeadReceived)
	if err != nil {
		return fmt.Errorf("op=lead.mark_rejected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, "lead.mark_rejected", id)
	}
	return nil
}

// MarkReady stores the normalized and customer payloads and moves the lead
// from RECEIVED to READY.
func (r *LeadRepo) MarkReady(ctx domain.Context, id int64, normalized, customer map[string]any) error {
	tracer := otel.Tracer("repo.leads")
	ctx, span := tracer.Start(ctx, "leads.MarkReady")
	defer span.End()

	q := `UPDATE leads SET status=$2, normalized_payload=$3, customer_payload=$4, updated_at=now()
		WHERE id=$1 AND status=$5`
	tag, err := r.Pool.Exec(ctx, q, id, domain.LeadReady, normalized, customer, domain.LeadReceived)
	if err != nil {
		return fmt.Errorf("op=lead.mark_ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, "lead.mark_ready", id)
	}
	return nil
}

// UpdateStatus performs a guarded transition from -> to.
func (r *LeadRepo) UpdateStatus(ctx domain.Context, id int64, from, to domain.LeadStatus) error {
	tracer := otel.Tracer("repo.leads")
	ctx, span := tracer.Start(ctx, "leads.UpdateStatus")
	defer span.End()

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("op=lead.update_status: lead %d: %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}
	q := `UPDATE leads SET status=$2, updated_at=now() WHERE id=$1 AND status=$3`
	tag, err := r.Pool.Exec(ctx, q, id, to, from)
	if err != nil {
		return fmt.Errorf("op=lead.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, "lead.update_status", id)
	}
	return nil
}

// transitionConflict distinguishes a missing lead from a lead whose stored
// status no longer matches the expected source of the transition.
func (r *LeadRepo) transitionConflict(ctx domain.Context, op string, id int64) error {
	var cur domain.LeadStatus
	err := r.Pool.QueryRow(ctx, `SELECT status FROM leads WHERE id=$1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: lead %d: %w", op, id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return fmt.Errorf("op=%s: lead %d is %s: %w", op, id, cur, domain.ErrInvalidTransition)
}

// CountByStatus aggregates lead counts grouped by status.
func (r *LeadRepo) CountByStatus(ctx domain.Context) (map[domain.LeadStatus]int64, error) {
	tracer := otel.Tracer("repo.leads")
	ctx, span := tracer.Start(ctx, "leads.CountByStatus")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM leads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=lead.count_by_status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.LeadStatus]int64)
	for rows.Next() {
		var status domain.LeadStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=lead.count_by_status: scan: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=lead.count_by_status: %w", err)
	}
	return out, nil
}

// Recent lists the most recently received leads, newest first.
func (r *LeadRepo) Recent(ctx domain.Context, limit int) ([]domain.Lead, error) {
	tracer := otel.Tracer("repo.leads")
	ctx, span := tracer.Start(ctx, "leads.Recent")
	defer span.End()

	q := `SELECT ` + leadColumns + ` FROM leads ORDER BY received_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=lead.recent: %w", err)
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("op=lead.recent: scan: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=lead.recent: %w", err)
	}
	return out, nil
}

// OrphanedReceived lists ids of leads still RECEIVED past the cutoff with no
// pending or processing job left to pick them up, oldest first. Leads whose
// job is merely delayed behind a backed-up queue are not orphans; including
// them would enqueue duplicates.
func (r *LeadRepo) OrphanedReceived(ctx domain.Context, cutoff time.Time, limit int) ([]int64, error) {
	tracer := otel.Tracer("repo.leads")
	ctx, span := tracer.Start(ctx, "leads.OrphanedReceived")
	defer span.End()

	q := `SELECT l.id FROM leads l
		WHERE l.status=$1 AND l.received_at < $2
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE (j.payload->>'lead_id')::bigint = l.id
			  AND j.status IN ('pending','processing')
		  )
		ORDER BY l.received_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.LeadReceived, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=lead.orphaned_received: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=lead.orphaned_received: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=lead.orphaned_received: %w", err)
	}
	return ids, nil
}
