package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/lead-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/lead-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/lead-gateway/internal/observability"
	"github.com/fairyhunter13/lead-gateway/internal/service/pipeline"
)

// Processor dequeues process_lead jobs and drives each lead through the
// validate, normalize, map and deliver stages, recording every delivery
// attempt together with the status transition it caused.
type Processor struct {
	Leads     domain.LeadRepository
	Attempts  domain.AttemptRepository
	Queue     domain.Queue
	Validator *pipeline.Validator
	Mapper    *pipeline.Mapper
	Deliverer domain.DeliveryClient
	Backoff   domain.BackoffSchedule

	PollInterval time.Duration
	Concurrency  int

	// test seams
	now   func() time.Time
	sleep func(ctx domain.Context, d time.Duration) error
}

// NewProcessor wires a Processor with its collaborators.
func NewProcessor(
	leads domain.LeadRepository,
	attempts domain.AttemptRepository,
	q domain.Queue,
	v *pipeline.Validator,
	m *pipeline.Mapper,
	d domain.DeliveryClient,
	backoff domain.BackoffSchedule,
	pollInterval time.Duration,
	concurrency int,
) *Processor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Processor{
		Leads:        leads,
		Attempts:     attempts,
		Queue:        q,
		Validator:    v,
		Mapper:       m,
		Deliverer:    d,
		Backoff:      backoff,
		PollInterval: pollInterval,
		Concurrency:  concurrency,
		now:          func() time.Time { return time.Now().UTC() },
		sleep:        sleepCtx,
	}
}

// detachedQueueCtx returns a context that survives cancellation of ctx so
// terminal queue writes (reschedule after an abandoned backoff wait, the
// final Fail during shutdown) still reach the store. Without it the job
// would stay in processing until the sweeper marks it failed, stranding
// the lead.
func detachedQueueCtx(ctx domain.Context) (domain.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func sleepCtx(ctx domain.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run blocks, driving Concurrency poll loops until ctx is cancelled.
func (p *Processor) Run(ctx domain.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.pollLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

// pollLoop dequeues until cancelled. Idle waits grow exponentially up to
// PollInterval so a burst is drained quickly without hammering an empty
// queue.
func (p *Processor) pollLoop(ctx domain.Context, worker int) {
	lg := obsctx.LoggerFromContext(ctx).With("worker", worker)

	idle := cbackoff.NewExponentialBackOff()
	idle.InitialInterval = 100 * time.Millisecond
	idle.MaxInterval = p.PollInterval
	idle.MaxElapsedTime = 0
	idle.Reset()

	for {
		if ctx.Err() != nil {
			lg.Info("worker stopping")
			return
		}
		job, err := p.Queue.Dequeue(ctx)
		if err != nil {
			lg.Error("dequeue failed", "error", err)
			if sleepCtx(ctx, idle.NextBackOff()) != nil {
				return
			}
			continue
		}
		if job == nil {
			if sleepCtx(ctx, idle.NextBackOff()) != nil {
				return
			}
			continue
		}
		idle.Reset()

		observability.StartProcessingJob(job.Type)
		if err := p.HandleJob(ctx, job); err != nil {
			lg.Error("job failed", "job_id", job.ID, "lead_id", job.Payload.LeadID, "error", err)
			observability.FailJob(job.Type)
			fctx, cancel := detachedQueueCtx(ctx)
			if ferr := p.Queue.Fail(fctx, job.ID, err.Error()); ferr != nil {
				lg.Error("marking job failed", "job_id", job.ID, "error", ferr)
			}
			cancel()
			continue
		}
		observability.CompleteJob(job.Type)
	}
}

// HandleJob runs the staged pipeline for one job. A nil return means the job
// has been completed (or rescheduled) in the queue; a non-nil return means
// the caller should fail the job.
func (p *Processor) HandleJob(ctx domain.Context, job *domain.Job) error {
	if job.Payload.LeadID == 0 {
		return fmt.Errorf("op=usecase.HandleJob: job %s carries no lead id: %w", job.ID, domain.ErrInvalidArgument)
	}
	lead, err := p.Leads.Get(ctx, job.Payload.LeadID)
	if err != nil {
		return fmt.Errorf("op=usecase.HandleJob: load lead %d: %w", job.Payload.LeadID, err)
	}
	lg := obsctx.LoggerFromContext(ctx).With("job_id", job.ID, "lead_id", lead.ID, "status", string(lead.Status))

	if lead.Status.Terminal() {
		// A duplicate or stale job for a finished lead is a no-op.
		lg.Info("lead already terminal; completing job")
		return p.complete(ctx, job)
	}

	if lead.Status == domain.LeadReceived {
		done, err := p.transform(ctx, job, &lead)
		if err != nil || done {
			return err
		}
	}

	return p.deliver(ctx, job, &lead)
}

// transform runs validation and mapping. It returns done=true when the lead
// reached a terminal state and the job has been completed.
func (p *Processor) transform(ctx domain.Context, job *domain.Job, lead *domain.Lead) (bool, error) {
	lg := obsctx.LoggerFromContext(ctx).With("job_id", job.ID, "lead_id", lead.ID)

	if rej := p.Validator.Validate(lead.RawPayload); rej != nil {
		lg.Info("lead rejected", "code", rej.Code, "reason", rej.Message)
		if err := p.Leads.MarkRejected(ctx, lead.ID, rej.Code); err != nil {
			return false, fmt.Errorf("op=usecase.transform: reject lead %d: %w", lead.ID, err)
		}
		observability.LeadTransition(string(domain.LeadRejected))
		return true, p.complete(ctx, job)
	}

	normalized := pipeline.Normalize(lead.RawPayload)
	res, err := p.Mapper.Map(normalized)
	if err != nil {
		var mapErr *pipeline.MappingError
		if errors.As(err, &mapErr) {
			lg.Warn("mapping failed", "reasons", mapErr.Reasons)
			if uerr := p.Leads.UpdateStatus(ctx, lead.ID, domain.LeadReceived, domain.LeadPermanentlyFailed); uerr != nil {
				return false, fmt.Errorf("op=usecase.transform: fail lead %d: %w", lead.ID, uerr)
			}
			observability.LeadTransition(string(domain.LeadPermanentlyFailed))
			return true, p.complete(ctx, job)
		}
		return false, fmt.Errorf("op=usecase.transform: map lead %d: %w", lead.ID, err)
	}
	if len(res.Omitted) > 0 {
		lg.Info("optional attributes omitted", "omitted", res.Omitted)
	}

	if err := p.Leads.MarkReady(ctx, lead.ID, normalized, res.CustomerPayload); err != nil {
		return false, fmt.Errorf("op=usecase.transform: ready lead %d: %w", lead.ID, err)
	}
	observability.LeadTransition(string(domain.LeadReady))
	lead.Status = domain.LeadReady
	lead.NormalizedPayload = normalized
	lead.CustomerPayload = res.CustomerPayload
	return false, nil
}

// deliver performs one delivery attempt, recording the attempt row and the
// resulting status transition in a single transaction.
func (p *Processor) deliver(ctx domain.Context, job *domain.Job, lead *domain.Lead) error {
	lg := obsctx.LoggerFromContext(ctx).With("job_id", job.ID, "lead_id", lead.ID)

	n, err := p.Attempts.CountForLead(ctx, lead.ID)
	if err != nil {
		return fmt.Errorf("op=usecase.deliver: count attempts for lead %d: %w", lead.ID, err)
	}
	if n >= p.Backoff.MaxAttempts {
		lg.Warn("attempts exhausted", "attempts", n)
		if uerr := p.Leads.UpdateStatus(ctx, lead.ID, lead.Status, domain.LeadPermanentlyFailed); uerr != nil {
			return fmt.Errorf("op=usecase.deliver: exhaust lead %d: %w", lead.ID, uerr)
		}
		observability.LeadTransition(string(domain.LeadPermanentlyFailed))
		return p.complete(ctx, job)
	}

	// The delayed re-enqueue normally carries the backoff window; a job
	// handed over early still honors the schedule.
	if n > 0 {
		wait := p.remainingBackoff(ctx, lead.ID, n)
		if err := p.sleep(ctx, wait); err != nil {
			lg.Info("backoff wait cancelled; rescheduling job", "remaining", wait)
			rctx, cancel := detachedQueueCtx(ctx)
			defer cancel()
			return p.Queue.Retry(rctx, job.ID, wait)
		}
	}

	started := p.now()
	resp, sendErr := p.Deliverer.Send(ctx, lead.CustomerPayload)
	elapsed := p.now().Sub(started)

	attempt := domain.NewDeliveryAttempt(lead.ID, n+1)
	attempt.RequestedAt = started

	if sendErr == nil {
		attempt.MarkSuccess(resp.Status, resp.Body)
		observability.ObserveDelivery("success", elapsed)
		if err := p.Attempts.RecordResult(ctx, attempt, lead.Status, domain.LeadDelivered); err != nil {
			return fmt.Errorf("op=usecase.deliver: record success for lead %d: %w", lead.ID, err)
		}
		observability.LeadTransition(string(domain.LeadDelivered))
		lg.Info("lead delivered", "attempt_no", attempt.AttemptNo, "http_status", resp.Status)
		return p.complete(ctx, job)
	}

	var de *domain.DeliveryError
	if !errors.As(sendErr, &de) {
		return fmt.Errorf("op=usecase.deliver: send for lead %d: %w", lead.ID, sendErr)
	}
	attempt.MarkFailure(de.StatusCode, "", de.Message)

	switch {
	case !de.Retriable:
		observability.ObserveDelivery("permanent", elapsed)
		if err := p.Attempts.RecordResult(ctx, attempt, lead.Status, domain.LeadPermanentlyFailed); err != nil {
			return fmt.Errorf("op=usecase.deliver: record permanent failure for lead %d: %w", lead.ID, err)
		}
		observability.LeadTransition(string(domain.LeadPermanentlyFailed))
		lg.Warn("delivery failed permanently", "attempt_no", attempt.AttemptNo, "http_status", de.StatusCode, "error", de.Message)
		return p.complete(ctx, job)

	case attempt.AttemptNo >= p.Backoff.MaxAttempts:
		observability.ObserveDelivery("exhausted", elapsed)
		if err := p.Attempts.RecordResult(ctx, attempt, lead.Status, domain.LeadPermanentlyFailed); err != nil {
			return fmt.Errorf("op=usecase.deliver: record exhaustion for lead %d: %w", lead.ID, err)
		}
		observability.LeadTransition(string(domain.LeadPermanentlyFailed))
		lg.Warn("retries exhausted", "attempt_no", attempt.AttemptNo, "http_status", de.StatusCode)
		return p.complete(ctx, job)

	default:
		observability.ObserveDelivery("retriable", elapsed)
		if err := p.Attempts.RecordResult(ctx, attempt, lead.Status, domain.LeadFailed); err != nil {
			return fmt.Errorf("op=usecase.deliver: record retriable failure for lead %d: %w", lead.ID, err)
		}
		observability.LeadTransition(string(domain.LeadFailed))
		delay := p.Backoff.Delay(n)
		lg.Info("delivery failed; scheduling retry",
			"attempt_no", attempt.AttemptNo, "http_status", de.StatusCode, "retry_in", delay)
		if err := p.Queue.Enqueue(ctx, domain.JobTypeProcessLead, domain.JobPayload{LeadID: lead.ID}, delay); err != nil {
			return fmt.Errorf("op=usecase.deliver: re-enqueue lead %d: %w", lead.ID, err)
		}
		return p.complete(ctx, job)
	}
}

// remainingBackoff computes what is left of the backoff window after the
// last recorded attempt.
func (p *Processor) remainingBackoff(ctx domain.Context, leadID int64, n int) time.Duration {
	latest, err := p.Attempts.LatestForLead(ctx, leadID)
	if err != nil || latest == nil {
		return 0
	}
	return p.Backoff.RemainingWait(latest.RequestedAt, n, p.now())
}

func (p *Processor) complete(ctx domain.Context, job *domain.Job) error {
	if err := p.Queue.Complete(ctx, job.ID); err != nil {
		return fmt.Errorf("op=usecase.complete: job %s: %w", job.ID, err)
	}
	return nil
}
