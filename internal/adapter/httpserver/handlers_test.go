package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/lead-gateway/internal/config"
	"github.com/fairyhunter13/lead-gateway/internal/domain"
	"github.com/fairyhunter13/lead-gateway/internal/usecase"
)

type fakeLeads struct {
	mu        sync.Mutex
	leads     map[int64]domain.Lead
	nextID    int64
	createErr error
}

func newFakeLeads() *fakeLeads { return &fakeLeads{leads: map[int64]domain.Lead{}} }

func (f *fakeLeads) Create(_ domain.Context, l *domain.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	l.ID = f.nextID
	f.leads[l.ID] = *l
	return nil
}

func (f *fakeLeads) Get(_ domain.Context, id int64) (domain.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[id]
	if !ok {
		return domain.Lead{}, fmt.Errorf("lead %d: %w", id, domain.ErrNotFound)
	}
	return l, nil
}

func (f *fakeLeads) MarkRejected(domain.Context, int64, string) error { return nil }
func (f *fakeLeads) MarkReady(domain.Context, int64, map[string]any, map[string]any) error {
	return nil
}
func (f *fakeLeads) UpdateStatus(domain.Context, int64, domain.LeadStatus, domain.LeadStatus) error {
	return nil
}

func (f *fakeLeads) CountByStatus(domain.Context) (map[domain.LeadStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[domain.LeadStatus]int64{}
	for _, l := range f.leads {
		out[l.Status]++
	}
	return out, nil
}

func (f *fakeLeads) Recent(_ domain.Context, limit int) ([]domain.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Lead
	for id := f.nextID; id > 0 && len(out) < limit; id-- {
		if l, ok := f.leads[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLeads) OrphanedReceived(domain.Context, time.Time, int) ([]int64, error) {
	return nil, nil
}

type fakeAttempts struct {
	rows map[int64][]domain.DeliveryAttempt
}

func (f *fakeAttempts) CountForLead(_ domain.Context, id int64) (int, error) {
	return len(f.rows[id]), nil
}

func (f *fakeAttempts) LatestForLead(domain.Context, int64) (*domain.DeliveryAttempt, error) {
	return nil, nil
}

func (f *fakeAttempts) ListForLead(_ domain.Context, id int64) ([]domain.DeliveryAttempt, error) {
	return f.rows[id], nil
}

func (f *fakeAttempts) RecordResult(domain.Context, domain.DeliveryAttempt, domain.LeadStatus, domain.LeadStatus) error {
	return nil
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []domain.JobPayload
	enqueueErr error
}

func (f *fakeQueue) Enqueue(_ domain.Context, _ string, p domain.JobPayload, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, p)
	return nil
}

func (f *fakeQueue) Dequeue(domain.Context) (*domain.Job, error)       { return nil, nil }
func (f *fakeQueue) Complete(domain.Context, string) error             { return nil }
func (f *fakeQueue) Retry(domain.Context, string, time.Duration) error { return nil }
func (f *fakeQueue) Fail(domain.Context, string, string) error         { return nil }
func (f *fakeQueue) Health(domain.Context) error                       { return nil }

func newTestServer(cfg config.Config, leads *fakeLeads, attempts *fakeAttempts, q *fakeQueue) *Server {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		Cfg:    cfg,
		Ingest: usecase.NewIngestService(leads, q),
		Stats:  usecase.NewStatsService(leads, attempts),
	}
}

func TestWebhookAcceptsLead(t *testing.T) {
	leads := newFakeLeads()
	q := &fakeQueue{}
	srv := newTestServer(config.Config{}, leads, &fakeAttempts{}, q)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/leads",
		strings.NewReader(`{"phone":"123","zipcode":"66123"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "upstream/1.0")
	rec := httptest.NewRecorder()
	srv.HandleWebhook()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	body := rec.Body.String()
	assert.Contains(t, body, `"lead_id":1`)
	assert.Contains(t, body, `"status":"RECEIVED"`)
	assert.Contains(t, body, rec.Header().Get("X-Correlation-ID"))
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, int64(1), q.enqueued[0].LeadID)

	stored := leads.leads[1]
	assert.Equal(t, "upstream/1.0", stored.SourceHeaders["user-agent"])
	assert.NotEmpty(t, stored.SourceHeaders["detected_content_type"])
}

func TestWebhookMalformedJSON(t *testing.T) {
	srv := newTestServer(config.Config{}, newFakeLeads(), &fakeAttempts{}, &fakeQueue{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/leads", strings.NewReader(`{"broken`))
	rec := httptest.NewRecorder()
	srv.HandleWebhook()(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "correlation_id")
}

func TestWebhookAuth(t *testing.T) {
	cfg := config.Config{EnableAuth: true, SharedSecret: "s3cret"}

	t.Run("missing secret", func(t *testing.T) {
		srv := newTestServer(cfg, newFakeLeads(), &fakeAttempts{}, &fakeQueue{})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/leads", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		srv.HandleWebhook()(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		srv := newTestServer(cfg, newFakeLeads(), &fakeAttempts{}, &fakeQueue{})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/leads", strings.NewReader(`{}`))
		req.Header.Set("X-Shared-Secret", "nope")
		rec := httptest.NewRecorder()
		srv.HandleWebhook()(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("correct secret", func(t *testing.T) {
		srv := newTestServer(cfg, newFakeLeads(), &fakeAttempts{}, &fakeQueue{})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/leads", strings.NewReader(`{"a":1}`))
		req.Header.Set("X-Shared-Secret", "s3cret")
		rec := httptest.NewRecorder()
		srv.HandleWebhook()(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestWebhookAuthMalformedBodyWins(t *testing.T) {
	// The body is parsed before the auth check.
	cfg := config.Config{EnableAuth: true, SharedSecret: "s3cret"}
	srv := newTestServer(cfg, newFakeLeads(), &fakeAttempts{}, &fakeQueue{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/leads", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	srv.HandleWebhook()(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookQueueUnavailable(t *testing.T) {
	leads := newFakeLeads()
	q := &fakeQueue{enqueueErr: fmt.Errorf("dial: %w", domain.ErrQueueUnavailable)}
	srv := newTestServer(config.Config{}, leads, &fakeAttempts{}, q)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/leads", strings.NewReader(`{"a":1}`))
	rec := httptest.NewRecorder()
	srv.HandleWebhook()(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	// lead row persisted even though the enqueue failed
	assert.Len(t, leads.leads, 1)
}

func TestWebhookStoreUnavailable(t *testing.T) {
	leads := newFakeLeads()
	leads.createErr = errors.New("connection refused")
	srv := newTestServer(config.Config{}, leads, &fakeAttempts{}, &fakeQueue{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/leads", strings.NewReader(`{"a":1}`))
	rec := httptest.NewRecorder()
	srv.HandleWebhook()(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookBodyTooLarge(t *testing.T) {
	cfg := config.Config{MaxBodyBytes: 16}
	srv := newTestServer(cfg, newFakeLeads(), &fakeAttempts{}, &fakeQueue{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/leads",
		strings.NewReader(`{"padding":"`+strings.Repeat("x", 64)+`"}`))
	rec := httptest.NewRecorder()
	srv.HandleWebhook()(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsZeroFilled(t *testing.T) {
	leads := newFakeLeads()
	l := domain.Lead{Status: domain.LeadDelivered}
	require.NoError(t, leads.Create(context.Background(), &l))
	srv := newTestServer(config.Config{}, leads, &fakeAttempts{}, &fakeQueue{})

	rec := httptest.NewRecorder()
	srv.HandleStats()(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"DELIVERED":1`)
	assert.Contains(t, body, `"RECEIVED":0`)
	assert.Contains(t, body, `"total":1`)
}

func TestRecentLeadsBadLimit(t *testing.T) {
	srv := newTestServer(config.Config{}, newFakeLeads(), &fakeAttempts{}, &fakeQueue{})
	rec := httptest.NewRecorder()
	srv.HandleRecentLeads()(rec, httptest.NewRequest(http.MethodGet, "/v1/leads?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeadHistory(t *testing.T) {
	leads := newFakeLeads()
	reason := "ZIPCODE_INVALID"
	l := domain.Lead{Status: domain.LeadRejected, RejectionReason: &reason, RawPayload: map[string]any{"zipcode": "12345"}}
	require.NoError(t, leads.Create(context.Background(), &l))
	srv := newTestServer(config.Config{}, leads, &fakeAttempts{rows: map[int64][]domain.DeliveryAttempt{}}, &fakeQueue{})

	r := chi.NewRouter()
	r.Get("/v1/leads/{id}/history", srv.HandleLeadHistory())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/leads/1/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"REJECTED"`)
	assert.Contains(t, rec.Body.String(), "ZIPCODE_INVALID")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/leads/999/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadyz(t *testing.T) {
	srv := newTestServer(config.Config{}, newFakeLeads(), &fakeAttempts{}, &fakeQueue{})
	srv.DBCheck = func(context.Context) error { return nil }
	srv.QueueCheck = func(context.Context) error { return errors.New("broker down") }

	rec := httptest.NewRecorder()
	srv.HandleReadyz()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker down")

	srv.QueueCheck = func(context.Context) error { return nil }
	rec = httptest.NewRecorder()
	srv.HandleReadyz()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealthz()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
