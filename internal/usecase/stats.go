package usecase

import (
	"fmt"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// StatsService exposes the read-only observability surface: counts by
// status, recent leads, and per-lead history.
type StatsService struct {
	Leads    domain.LeadRepository
	Attempts domain.AttemptRepository
}

// NewStatsService constructs a StatsService.
func NewStatsService(leads domain.LeadRepository, attempts domain.AttemptRepository) StatsService {
	return StatsService{Leads: leads, Attempts: attempts}
}

// StatusCounts is the counts-by-status summary. Every status appears even
// when its count is zero.
type StatusCounts struct {
	Counts map[string]int64 `json:"counts"`
	Total  int64            `json:"total"`
}

// LeadHistory bundles a lead with its ordered delivery attempts.
type LeadHistory struct {
	Lead     domain.Lead
	Attempts []domain.DeliveryAttempt
}

var allStatuses = []domain.LeadStatus{
	domain.LeadReceived,
	domain.LeadRejected,
	domain.LeadReady,
	domain.LeadDelivered,
	domain.LeadFailed,
	domain.LeadPermanentlyFailed,
}

// Counts returns the zero-filled counts-by-status summary.
func (s StatsService) Counts(ctx domain.Context) (StatusCounts, error) {
	byStatus, err := s.Leads.CountByStatus(ctx)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("op=usecase.Counts: %w", err)
	}
	out := StatusCounts{Counts: make(map[string]int64, len(allStatuses))}
	for _, st := range allStatuses {
		c := byStatus[st]
		out.Counts[string(st)] = c
		out.Total += c
	}
	return out, nil
}

// Recent lists the most recent leads. The limit is clamped to [1,100];
// zero or negative defaults to 50.
func (s StatsService) Recent(ctx domain.Context, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	leads, err := s.Leads.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.Recent: %w", err)
	}
	return leads, nil
}

// History returns the lead with all stored payloads and its delivery
// attempts ordered by attempt_no.
func (s StatsService) History(ctx domain.Context, leadID int64) (LeadHistory, error) {
	lead, err := s.Leads.Get(ctx, leadID)
	if err != nil {
		return LeadHistory{}, fmt.Errorf("op=usecase.History: lead %d: %w", leadID, err)
	}
	attempts, err := s.Attempts.ListForLead(ctx, leadID)
	if err != nil {
		return LeadHistory{}, fmt.Errorf("op=usecase.History: attempts for lead %d: %w", leadID, err)
	}
	return LeadHistory{Lead: lead, Attempts: attempts}, nil
}
