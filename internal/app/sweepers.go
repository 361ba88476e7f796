package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// OrphanLeadSweeper re-enqueues leads stuck in RECEIVED: when the ingest
// handler persisted the row but the enqueue failed, no job exists and the
// lead would otherwise sit forever.
type OrphanLeadSweeper struct {
	leads    domain.LeadRepository
	queue    domain.Queue
	maxAge   time.Duration
	interval time.Duration
}

// NewOrphanLeadSweeper builds the sweeper; maxAge is how long a lead may
// stay RECEIVED before it counts as orphaned.
func NewOrphanLeadSweeper(leads domain.LeadRepository, q domain.Queue, maxAge, interval time.Duration) *OrphanLeadSweeper {
	if leads == nil || q == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &OrphanLeadSweeper{leads: leads, queue: q, maxAge: maxAge, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *OrphanLeadSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("orphan lead sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *OrphanLeadSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("leads.sweeper")
	ctx, span := tracer.Start(ctx, "OrphanLeadSweeper.sweepOnce")
	defer span.End()

	const batchSize = 100
	cutoff := time.Now().Add(-s.maxAge)
	ids, err := s.leads.OrphanedReceived(ctx, cutoff, batchSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("listing orphaned leads", "error", err)
		return
	}
	requeued := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, domain.JobTypeProcessLead, domain.JobPayload{LeadID: id}, 0); err != nil {
			slog.Error("re-enqueue orphaned lead", "lead_id", id, "error", err)
			continue
		}
		requeued++
	}
	span.SetAttributes(
		attribute.Int("leads.orphaned", len(ids)),
		attribute.Int("leads.requeued", requeued),
	)
	if requeued > 0 {
		slog.Info("re-enqueued orphaned leads", "count", requeued)
	}
}

// StuckJobResetter is implemented by queue backends that can recover jobs
// abandoned in processing, typically after a worker crash.
type StuckJobResetter interface {
	SweepStuck(ctx context.Context, maxAge time.Duration) (int64, error)
}

// StuckJobSweeper periodically fails jobs held in processing past maxAge.
type StuckJobSweeper struct {
	queue    StuckJobResetter
	maxAge   time.Duration
	interval time.Duration
}

// NewStuckJobSweeper returns nil when the queue backend cannot sweep, which
// Run treats as a no-op.
func NewStuckJobSweeper(q StuckJobResetter, maxAge, interval time.Duration) *StuckJobSweeper {
	if q == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 3 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{queue: q, maxAge: maxAge, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	n, err := s.queue.SweepStuck(ctx, s.maxAge)
	if err != nil {
		span.RecordError(err)
		slog.Error("sweeping stuck jobs", "error", err)
		return
	}
	span.SetAttributes(attribute.Int64("jobs.swept", n))
	if n > 0 {
		slog.Warn("failed stuck jobs", "count", n)
	}
}
