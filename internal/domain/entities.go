package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueueUnavailable  = errors.New("queue unavailable")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInternal          = errors.New("internal error")
)

// LeadStatus enumerates the lifecycle states of a lead.
type LeadStatus string

const (
	LeadReceived          LeadStatus = "RECEIVED"
	LeadRejected          LeadStatus = "REJECTED"
	LeadReady             LeadStatus = "READY"
	LeadDelivered         LeadStatus = "DELIVERED"
	LeadFailed            LeadStatus = "FAILED"
	LeadPermanentlyFailed LeadStatus = "PERMANENTLY_FAILED"
)

// leadTransitions is the closed set of permitted status edges.
// FAILED -> FAILED covers a retry that fails retriably again.
// RECEIVED -> PERMANENTLY_FAILED covers a mapping failure, which is terminal
// before the lead ever reaches READY.
var leadTransitions = map[LeadStatus][]LeadStatus{
	LeadReceived: {LeadRejected, LeadReady, LeadPermanentlyFailed},
	LeadReady:    {LeadDelivered, LeadFailed, LeadPermanentlyFailed},
	LeadFailed:   {LeadDelivered, LeadFailed, LeadPermanentlyFailed},
}

// Valid reports whether s is one of the six enumerated statuses.
func (s LeadStatus) Valid() bool {
	switch s {
	case LeadReceived, LeadRejected, LeadReady, LeadDelivered, LeadFailed, LeadPermanentlyFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s LeadStatus) Terminal() bool {
	switch s {
	case LeadRejected, LeadDelivered, LeadPermanentlyFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next is permitted.
func (s LeadStatus) CanTransitionTo(next LeadStatus) bool {
	for _, allowed := range leadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Lead is an inbound record and its three payload snapshots. RawPayload and
// SourceHeaders are immutable after insert; the processor owns every other
// mutation and only along permitted transitions.
type Lead struct {
	ID                int64
	ReceivedAt        time.Time
	RawPayload        map[string]any
	SourceHeaders     map[string]any
	Status            LeadStatus
	RejectionReason   *string
	NormalizedPayload map[string]any
	CustomerPayload   map[string]any
	PayloadHash       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transition mutates the lead status, failing loudly on a forbidden edge.
func (l *Lead) Transition(next LeadStatus) error {
	if !next.Valid() {
		return fmt.Errorf("lead %d: unknown status %q: %w", l.ID, next, ErrInvalidArgument)
	}
	if !l.Status.CanTransitionTo(next) {
		return fmt.Errorf("lead %d: %s -> %s: %w", l.ID, l.Status, next, ErrInvalidTransition)
	}
	l.Status = next
	l.UpdatedAt = time.Now()
	return nil
}

// DeliveryAttempt is one audited HTTP call to the downstream customer API.
// (lead_id, attempt_no) is unique; attempt_no is 1-based and strictly
// increasing per lead.
type DeliveryAttempt struct {
	ID             int64
	LeadID         int64
	AttemptNo      int
	RequestedAt    time.Time
	ResponseStatus *int
	ResponseBody   *string
	ErrorMessage   *string
	Success        bool
}

// NewDeliveryAttempt starts attempt bookkeeping for the given lead.
func NewDeliveryAttempt(leadID int64, attemptNo int) DeliveryAttempt {
	return DeliveryAttempt{
		LeadID:      leadID,
		AttemptNo:   attemptNo,
		RequestedAt: time.Now(),
	}
}

// MarkSuccess records a 2xx outcome.
func (a *DeliveryAttempt) MarkSuccess(status int, body string) {
	a.Success = true
	a.ResponseStatus = &status
	a.ResponseBody = &body
}

// MarkFailure records a failed outcome. status 0 means no response was
// received (transport error, timeout, cancellation).
func (a *DeliveryAttempt) MarkFailure(status int, body, errMsg string) {
	a.Success = false
	if status > 0 {
		a.ResponseStatus = &status
	}
	if body != "" {
		a.ResponseBody = &body
	}
	if errMsg != "" {
		a.ErrorMessage = &errMsg
	}
}

// JobStatus enumerates queue job states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobTypeProcessLead is the only job type the gateway enqueues today.
const JobTypeProcessLead = "process_lead"

// JobPayload carries the lead a job operates on.
type JobPayload struct {
	LeadID int64 `json:"lead_id"`
}

// Job is a queued unit of work. Only pending rows with NextRunAt <= now are
// dispatchable; dispatch atomically flips the row to processing.
type Job struct {
	ID           string
	Type         string
	Payload      JobPayload
	Status       JobStatus
	Attempts     int
	ErrorMessage *string
	CreatedAt    time.Time
	NextRunAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
}

// DeliveryResponse is the success arm of a delivery outcome.
type DeliveryResponse struct {
	Status int
	Body   string
}

// DeliveryError is the failure arm: a tagged value carrying the retriable
// classification with it rather than in global state. StatusCode 0 means no
// HTTP response was received.
type DeliveryError struct {
	StatusCode int
	Retriable  bool
	Message    string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery failed (status %d, retriable=%t): %s", e.StatusCode, e.Retriable, e.Message)
	}
	return fmt.Sprintf("delivery failed (retriable=%t): %s", e.Retriable, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NewDeliveryError builds a classified delivery failure.
func NewDeliveryError(status int, message string, retriable bool, err error) *DeliveryError {
	return &DeliveryError{StatusCode: status, Retriable: retriable, Message: message, Err: err}
}

// Repositories (ports)

type LeadRepository interface {
	Create(ctx Context, l *Lead) error
	Get(ctx Context, id int64) (Lead, error)
	MarkRejected(ctx Context, id int64, reason string) error
	MarkReady(ctx Context, id int64, normalized, customer map[string]any) error
	// UpdateStatus performs a guarded transition; it fails with
	// ErrInvalidTransition when the stored status is not `from`.
	UpdateStatus(ctx Context, id int64, from, to LeadStatus) error
	CountByStatus(ctx Context) (map[LeadStatus]int64, error)
	Recent(ctx Context, limit int) ([]Lead, error)
	// OrphanedReceived lists ids of leads still RECEIVED past the cutoff,
	// oldest first. Used by the orphan sweeper.
	OrphanedReceived(ctx Context, cutoff time.Time, limit int) ([]int64, error)
}

type AttemptRepository interface {
	CountForLead(ctx Context, leadID int64) (int, error)
	LatestForLead(ctx Context, leadID int64) (*DeliveryAttempt, error)
	ListForLead(ctx Context, leadID int64) ([]DeliveryAttempt, error)
	// RecordResult inserts the attempt row and performs the guarded lead
	// status transition from -> to inside one transaction. The pair is the
	// audit contract: they commit or abort together.
	RecordResult(ctx Context, attempt DeliveryAttempt, from, to LeadStatus) error
}

// Queue (port)

type Queue interface {
	Enqueue(ctx Context, jobType string, payload JobPayload, delay time.Duration) error
	// Dequeue returns the next dispatchable job, or (nil, nil) when none is
	// ready. Concurrent callers never receive the same job.
	Dequeue(ctx Context) (*Job, error)
	Complete(ctx Context, jobID string) error
	Retry(ctx Context, jobID string, delay time.Duration) error
	Fail(ctx Context, jobID string, reason string) error
	Health(ctx Context) error
}

// DeliveryClient (port)

type DeliveryClient interface {
	// Send performs a single POST of the customer payload. On failure the
	// returned error is a *DeliveryError carrying the classification.
	Send(ctx Context, payload map[string]any) (*DeliveryResponse, error)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
