package domain

import (
	"errors"
	"testing"
	"time"
)

func TestLeadStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant LeadStatus
		expected string
	}{
		{"LeadReceived", LeadReceived, "RECEIVED"},
		{"LeadRejected", LeadRejected, "REJECTED"},
		{"LeadReady", LeadReady, "READY"},
		{"LeadDelivered", LeadDelivered, "DELIVERED"},
		{"LeadFailed", LeadFailed, "FAILED"},
		{"LeadPermanentlyFailed", LeadPermanentlyFailed, "PERMANENTLY_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestLeadStatusValid(t *testing.T) {
	for _, s := range []LeadStatus{LeadReceived, LeadRejected, LeadReady, LeadDelivered, LeadFailed, LeadPermanentlyFailed} {
		if !s.Valid() {
			t.Errorf("Expected %q to be valid", s)
		}
	}
	for _, s := range []LeadStatus{"", "received", "DONE", "PENDING"} {
		if s.Valid() {
			t.Errorf("Expected %q to be invalid", s)
		}
	}
}

func TestLeadStatusTerminal(t *testing.T) {
	terminal := []LeadStatus{LeadRejected, LeadDelivered, LeadPermanentlyFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("Expected %q to be terminal", s)
		}
	}
	nonTerminal := []LeadStatus{LeadReceived, LeadReady, LeadFailed}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("Expected %q not to be terminal", s)
		}
	}
}

func TestLeadStatusTransitions(t *testing.T) {
	all := []LeadStatus{LeadReceived, LeadRejected, LeadReady, LeadDelivered, LeadFailed, LeadPermanentlyFailed}
	allowed := map[LeadStatus][]LeadStatus{
		LeadReceived: {LeadRejected, LeadReady, LeadPermanentlyFailed},
		LeadReady:    {LeadDelivered, LeadFailed, LeadPermanentlyFailed},
		LeadFailed:   {LeadDelivered, LeadFailed, LeadPermanentlyFailed},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			got := from.CanTransitionTo(to)
			if got != want {
				t.Errorf("CanTransitionTo(%s -> %s) = %t, want %t", from, to, got, want)
			}
		}
	}
}

func TestLeadTransition(t *testing.T) {
	l := &Lead{ID: 7, Status: LeadReceived}
	if err := l.Transition(LeadReady); err != nil {
		t.Fatalf("Transition RECEIVED -> READY failed: %v", err)
	}
	if l.Status != LeadReady {
		t.Errorf("Expected status READY, got %q", l.Status)
	}
	if l.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt to be set")
	}
}

func TestLeadTransitionForbidden(t *testing.T) {
	l := &Lead{ID: 7, Status: LeadDelivered}
	err := l.Transition(LeadFailed)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
	if l.Status != LeadDelivered {
		t.Errorf("Expected status unchanged on forbidden edge, got %q", l.Status)
	}
}

func TestLeadTransitionUnknownStatus(t *testing.T) {
	l := &Lead{ID: 7, Status: LeadReceived}
	err := l.Transition(LeadStatus("BOGUS"))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestDeliveryAttemptMarkSuccess(t *testing.T) {
	a := NewDeliveryAttempt(42, 1)
	if a.LeadID != 42 || a.AttemptNo != 1 {
		t.Fatalf("NewDeliveryAttempt fields wrong: %+v", a)
	}
	if a.RequestedAt.IsZero() {
		t.Fatal("Expected RequestedAt to be set")
	}

	a.MarkSuccess(200, `{"ok":true}`)
	if !a.Success {
		t.Error("Expected Success true")
	}
	if a.ResponseStatus == nil || *a.ResponseStatus != 200 {
		t.Errorf("Expected ResponseStatus 200, got %v", a.ResponseStatus)
	}
	if a.ResponseBody == nil || *a.ResponseBody != `{"ok":true}` {
		t.Errorf("Expected ResponseBody recorded, got %v", a.ResponseBody)
	}
	if a.ErrorMessage != nil {
		t.Errorf("Expected no ErrorMessage, got %v", a.ErrorMessage)
	}
}

func TestDeliveryAttemptMarkFailureWithStatus(t *testing.T) {
	a := NewDeliveryAttempt(42, 3)
	a.MarkFailure(503, "upstream down", "HTTP 503: upstream down")
	if a.Success {
		t.Error("Expected Success false")
	}
	if a.ResponseStatus == nil || *a.ResponseStatus != 503 {
		t.Errorf("Expected ResponseStatus 503, got %v", a.ResponseStatus)
	}
	if a.ErrorMessage == nil || *a.ErrorMessage != "HTTP 503: upstream down" {
		t.Errorf("Expected ErrorMessage recorded, got %v", a.ErrorMessage)
	}
}

func TestDeliveryAttemptMarkFailureTransport(t *testing.T) {
	a := NewDeliveryAttempt(42, 1)
	a.MarkFailure(0, "", "network error")
	if a.ResponseStatus != nil {
		t.Errorf("Expected nil ResponseStatus for transport error, got %v", a.ResponseStatus)
	}
	if a.ResponseBody != nil {
		t.Errorf("Expected nil ResponseBody, got %v", a.ResponseBody)
	}
	if a.ErrorMessage == nil || *a.ErrorMessage != "network error" {
		t.Errorf("Expected ErrorMessage 'network error', got %v", a.ErrorMessage)
	}
}

func TestDeliveryErrorMessageFormats(t *testing.T) {
	withStatus := NewDeliveryError(429, "rate limited", true, nil)
	if got := withStatus.Error(); got != "delivery failed (status 429, retriable=true): rate limited" {
		t.Errorf("unexpected error string: %q", got)
	}

	noStatus := NewDeliveryError(0, "network error", true, errors.New("dial tcp: refused"))
	if got := noStatus.Error(); got != "delivery failed (retriable=true): network error" {
		t.Errorf("unexpected error string: %q", got)
	}
	if !errors.Is(noStatus, noStatus.Err) {
		t.Error("Expected Unwrap to expose the cause")
	}
}

func TestJobStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant JobStatus
		expected string
	}{
		{"JobPending", JobPending, "pending"},
		{"JobProcessing", JobProcessing, "processing"},
		{"JobCompleted", JobCompleted, "completed"},
		{"JobFailed", JobFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestJobFields(t *testing.T) {
	now := time.Now()
	msg := "boom"
	job := Job{
		ID:           "7c2354a8-0000-0000-0000-000000000000",
		Type:         JobTypeProcessLead,
		Payload:      JobPayload{LeadID: 42},
		Status:       JobFailed,
		Attempts:     2,
		ErrorMessage: &msg,
		CreatedAt:    now,
		NextRunAt:    now,
		UpdatedAt:    now,
	}

	if job.Type != "process_lead" {
		t.Errorf("Expected Type 'process_lead', got %q", job.Type)
	}
	if job.Payload.LeadID != 42 {
		t.Errorf("Expected LeadID 42, got %d", job.Payload.LeadID)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "boom" {
		t.Errorf("Expected ErrorMessage 'boom', got %v", job.ErrorMessage)
	}
}
