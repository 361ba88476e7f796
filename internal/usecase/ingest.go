// Package usecase contains application business logic services.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/lead-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/lead-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/lead-gateway/internal/observability"
)

// IngestService persists an inbound lead and hands it to the queue.
type IngestService struct {
	Leads domain.LeadRepository
	Queue domain.Queue
}

// NewIngestService constructs an IngestService with its dependencies.
func NewIngestService(leads domain.LeadRepository, q domain.Queue) IngestService {
	return IngestService{Leads: leads, Queue: q}
}

// Ingest inserts the lead in status RECEIVED and enqueues a process_lead job
// carrying its id. When the insert succeeds but the enqueue fails, the error
// is surfaced and the lead row remains; the orphan sweeper re-enqueues it
// later.
func (s IngestService) Ingest(ctx domain.Context, raw map[string]any, headers map[string]any) (int64, error) {
	if raw == nil {
		return 0, fmt.Errorf("op=usecase.Ingest: empty payload: %w", domain.ErrInvalidArgument)
	}
	lead := domain.Lead{
		ReceivedAt:    time.Now().UTC(),
		RawPayload:    raw,
		SourceHeaders: headers,
		Status:        domain.LeadReceived,
		PayloadHash:   hashPayload(raw),
	}
	if err := s.Leads.Create(ctx, &lead); err != nil {
		return 0, fmt.Errorf("op=usecase.Ingest: %w", err)
	}
	observability.LeadsIngestedTotal.Inc()

	if err := s.Queue.Enqueue(ctx, domain.JobTypeProcessLead, domain.JobPayload{LeadID: lead.ID}, 0); err != nil {
		obsctx.LoggerFromContext(ctx).Error("enqueue after insert failed",
			"lead_id", lead.ID, "error", err)
		return lead.ID, fmt.Errorf("op=usecase.Ingest: enqueue lead %d: %w", lead.ID, err)
	}
	return lead.ID, nil
}

func hashPayload(raw map[string]any) string {
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
