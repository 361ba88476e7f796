package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// RetentionService deletes terminal leads (and, via cascade, their delivery
// attempts) plus finished jobs older than the retention window.
type RetentionService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewRetentionService creates a retention sweeper; retentionDays <= 0
// defaults to 90.
func NewRetentionService(pool PgxPool, retentionDays int) *RetentionService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &RetentionService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period. Only terminal
// leads are eligible; a lead still in flight is never deleted.
func (s *RetentionService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=retention.cleanup: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	leadsTag, err := tx.Exec(ctx, `DELETE FROM leads WHERE received_at < $1 AND status IN ($2,$3,$4)`,
		cutoff, domain.LeadRejected, domain.LeadDelivered, domain.LeadPermanentlyFailed)
	if err != nil {
		return fmt.Errorf("op=retention.cleanup: leads: %w", err)
	}

	jobsTag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE created_at < $1 AND status IN ($2,$3)`,
		cutoff, domain.JobCompleted, domain.JobFailed)
	if err != nil {
		return fmt.Errorf("op=retention.cleanup: jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=retention.cleanup: commit: %w", err)
	}

	slog.Info("retention cleanup completed",
		slog.Int64("leads_deleted", leadsTag.RowsAffected()),
		slog.Int64("jobs_deleted", jobsTag.RowsAffected()),
		slog.Time("cutoff", cutoff))
	return nil
}

// RunPeriodic runs the cleanup on the given interval until ctx is cancelled.
func (s *RetentionService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("retention cleanup failed", slog.Any("error", err))
			}
		}
	}
}
