package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fairyhunter13/lead-gateway/internal/config"
	"github.com/fairyhunter13/lead-gateway/internal/domain"
	"github.com/fairyhunter13/lead-gateway/internal/usecase"
)

const (
	correlationHeader  = "X-Correlation-ID"
	sharedSecretHeader = "X-Shared-Secret"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Ingest     usecase.IngestService
	Stats      usecase.StatsService
	DBCheck    func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
}

// webhookResponse is the success body of the ingest endpoint.
type webhookResponse struct {
	LeadID        int64  `json:"lead_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

// HandleWebhook accepts an inbound lead, persists it in status RECEIVED and
// enqueues a processing job. The body is parsed before the auth check so a
// malformed request is always a 400 regardless of credentials.
func (s *Server) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cid := uuid.NewString()
		w.Header().Set(correlationHeader, cid)
		lg := LoggerFrom(r).With("correlation_id", cid)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes))
		if err != nil {
			writeError(w, cid, fmt.Errorf("%w: read body", domain.ErrInvalidArgument))
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			lg.Warn("malformed webhook body", "error", err)
			writeError(w, cid, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidArgument))
			return
		}

		if s.Cfg.EnableAuth && !sharedSecretOK(r, s.Cfg) {
			lg.Warn("webhook auth failed")
			writeError(w, cid, fmt.Errorf("%w: invalid shared secret", domain.ErrUnauthorized))
			return
		}

		headers := snapshotHeaders(r)
		headers["detected_content_type"] = mimetype.Detect(body).String()

		leadID, err := s.Ingest.Ingest(r.Context(), raw, headers)
		if err != nil {
			lg.Error("ingest failed", "error", err)
			// Insert and enqueue failures both surface as 503; the caller
			// is expected to retry the webhook.
			if !errors.Is(err, domain.ErrInvalidArgument) && !errors.Is(err, domain.ErrQueueUnavailable) {
				err = fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
			}
			writeError(w, cid, err)
			return
		}

		lg.Info("lead accepted", "lead_id", leadID)
		writeJSON(w, http.StatusOK, webhookResponse{
			LeadID:        leadID,
			Status:        string(domain.LeadReceived),
			CorrelationID: cid,
		})
	}
}

// snapshotHeaders keeps one representative value per header name for the
// audit trail. Credentials are redacted.
func snapshotHeaders(r *http.Request) map[string]any {
	out := make(map[string]any, len(r.Header))
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		key := strings.ToLower(name)
		switch key {
		case "authorization", strings.ToLower(sharedSecretHeader), "cookie":
			out[key] = "[redacted]"
		default:
			out[key] = values[0]
		}
	}
	return out
}

// leadSummary is the list-item shape of the recent-leads endpoint.
type leadSummary struct {
	ID              int64     `json:"id"`
	ReceivedAt      time.Time `json:"received_at"`
	Status          string    `json:"status"`
	RejectionReason *string   `json:"rejection_reason,omitempty"`
}

// HandleStats returns the zero-filled counts-by-status summary.
func (s *Server) HandleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.Stats.Counts(r.Context())
		if err != nil {
			writeError(w, "", err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

// HandleRecentLeads lists the most recent leads, newest first.
func (s *Server) HandleRecentLeads() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if q := r.URL.Query().Get("limit"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil {
				writeError(w, "", fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidArgument))
				return
			}
			limit = n
		}
		leads, err := s.Stats.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, "", err)
			return
		}
		out := make([]leadSummary, 0, len(leads))
		for _, l := range leads {
			out = append(out, leadSummary{
				ID:              l.ID,
				ReceivedAt:      l.ReceivedAt,
				Status:          string(l.Status),
				RejectionReason: l.RejectionReason,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"leads": out})
	}
}

type attemptView struct {
	AttemptNo      int       `json:"attempt_no"`
	RequestedAt    time.Time `json:"requested_at"`
	ResponseStatus *int      `json:"response_status,omitempty"`
	ResponseBody   *string   `json:"response_body,omitempty"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	Success        bool      `json:"success"`
}

type historyView struct {
	ID                int64          `json:"id"`
	ReceivedAt        time.Time      `json:"received_at"`
	Status            string         `json:"status"`
	RejectionReason   *string        `json:"rejection_reason,omitempty"`
	RawPayload        map[string]any `json:"raw_payload"`
	SourceHeaders     map[string]any `json:"source_headers"`
	NormalizedPayload map[string]any `json:"normalized_payload,omitempty"`
	CustomerPayload   map[string]any `json:"customer_payload,omitempty"`
	Attempts          []attemptView  `json:"attempts"`
}

// HandleLeadHistory returns a lead with all stored payloads and its ordered
// delivery attempts.
func (s *Server) HandleLeadHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, "", fmt.Errorf("%w: lead id must be an integer", domain.ErrInvalidArgument))
			return
		}
		hist, err := s.Stats.History(r.Context(), id)
		if err != nil {
			writeError(w, "", err)
			return
		}
		view := historyView{
			ID:                hist.Lead.ID,
			ReceivedAt:        hist.Lead.ReceivedAt,
			Status:            string(hist.Lead.Status),
			RejectionReason:   hist.Lead.RejectionReason,
			RawPayload:        hist.Lead.RawPayload,
			SourceHeaders:     hist.Lead.SourceHeaders,
			NormalizedPayload: hist.Lead.NormalizedPayload,
			CustomerPayload:   hist.Lead.CustomerPayload,
			Attempts:          make([]attemptView, 0, len(hist.Attempts)),
		}
		for _, a := range hist.Attempts {
			view.Attempts = append(view.Attempts, attemptView{
				AttemptNo:      a.AttemptNo,
				RequestedAt:    a.RequestedAt,
				ResponseStatus: a.ResponseStatus,
				ResponseBody:   a.ResponseBody,
				ErrorMessage:   a.ErrorMessage,
				Success:        a.Success,
			})
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// HandleHealthz is the liveness probe.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// readinessCheck is a single probe result on the readyz endpoint.
type readinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// HandleReadyz reports database and queue connectivity.
func (s *Server) HandleReadyz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		checks := []readinessCheck{
			runCheck(ctx, "db", s.DBCheck),
			runCheck(ctx, "queue", s.QueueCheck),
		}
		allOK := true
		for _, c := range checks {
			allOK = allOK && c.OK
		}
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": allOK, "checks": checks})
	}
}

func runCheck(ctx context.Context, name string, fn func(ctx context.Context) error) readinessCheck {
	if fn == nil {
		return readinessCheck{Name: name, OK: true, Details: "not configured"}
	}
	if err := fn(ctx); err != nil {
		return readinessCheck{Name: name, OK: false, Details: err.Error()}
	}
	return readinessCheck{Name: name, OK: true}
}
