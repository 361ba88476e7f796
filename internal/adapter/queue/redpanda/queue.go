// Package redpanda layers broker-driven dispatch over the relational job
// store. Job state stays in the jobs table (the audit source of truth); the
// broker carries wake-up records so that workers react to new work without
// polling the database. Kafka has no native delayed delivery, so delayed
// enqueues publish the wake-up from a producer-side timer.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// JobStore is the relational half of the queue: rows carry the dispatch
// guard (skip-locked dequeue) and the audit trail.
type JobStore interface {
	Enqueue(ctx domain.Context, jobType string, payload domain.JobPayload, delay time.Duration) error
	Dequeue(ctx domain.Context) (*domain.Job, error)
	Complete(ctx domain.Context, jobID string) error
	Retry(ctx domain.Context, jobID string, delay time.Duration) error
	Fail(ctx domain.Context, jobID string, reason string) error
	Health(ctx domain.Context) error
}

// wakeup is the broker record; it carries only enough to identify the work.
type wakeup struct {
	JobType string `json:"job_type"`
	LeadID  int64  `json:"lead_id"`
}

// Config bundles broker settings.
type Config struct {
	Brokers []string
	Topic   string
	Group   string
}

// Queue implements domain.Queue over a Kafka/Redpanda doorbell plus a
// JobStore. Dequeue drains broker wake-ups into guarded store dequeues, so a
// duplicated or raced record can never double-dispatch a job.
type Queue struct {
	store    JobStore
	producer *kgo.Client
	consumer *kgo.Client
	topic    string

	signals chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	timers  sync.WaitGroup
}

var _ domain.Queue = (*Queue)(nil)

// New connects the producer and, when group is non-empty, a group consumer
// whose records become dispatch signals.
func New(cfg Config, store JobStore) (*Queue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.New: no seed brokers: %w", domain.ErrInvalidArgument)
	}
	if store == nil {
		return nil, fmt.Errorf("op=redpanda.New: nil job store: %w", domain.ErrInvalidArgument)
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.New: producer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := createTopicIfNotExists(ctx, producer, cfg.Topic, 8, 1); err != nil {
		slog.Warn("topic create failed; it may already exist", slog.String("topic", cfg.Topic), slog.Any("error", err))
	}

	q := &Queue{
		store:    store,
		producer: producer,
		topic:    cfg.Topic,
		signals:  make(chan struct{}, 1024),
		stop:     make(chan struct{}),
	}

	if cfg.Group != "" {
		consumer, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.ConsumerGroup(cfg.Group),
			kgo.ConsumeTopics(cfg.Topic),
			kgo.DialTimeout(10*time.Second),
			kgo.SessionTimeout(30*time.Second),
			kgo.HeartbeatInterval(3*time.Second),
			kgo.WithHooks(kotelService.Hooks()...),
		)
		if err != nil {
			producer.Close()
			return nil, fmt.Errorf("op=redpanda.New: consumer: %w", err)
		}
		q.consumer = consumer
		q.wg.Add(1)
		go q.consumeLoop()
	}

	return q, nil
}

// consumeLoop turns broker records into dispatch signals.
func (q *Queue) consumeLoop() {
	defer q.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-q.stop
		cancel()
	}()

	for {
		fetches := q.consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("redpanda fetch error", slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
		})
		fetches.EachRecord(func(*kgo.Record) {
			select {
			case q.signals <- struct{}{}:
			default:
				// Signal buffer full; the pending work is already visible
				// to the store dequeue.
			}
		})
	}
}

// publish emits a wake-up record, optionally after a delay.
func (q *Queue) publish(jobType string, leadID int64, delay time.Duration) {
	emit := func() {
		body, err := json.Marshal(wakeup{JobType: jobType, LeadID: leadID})
		if err != nil {
			slog.Error("redpanda wakeup marshal failed", slog.Any("error", err))
			return
		}
		rec := &kgo.Record{Topic: q.topic, Key: []byte(fmt.Sprintf("%d", leadID)), Value: body}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := q.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
			slog.Error("redpanda wakeup produce failed", slog.Int64("lead_id", leadID), slog.Any("error", err))
		}
	}

	if delay <= 0 {
		emit()
		return
	}
	q.timers.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer q.timers.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			emit()
		case <-q.stop:
		}
	}()
}

// Enqueue records the job row, then rings the doorbell. The row is written
// first so a produce failure degrades to poll-based pickup instead of a
// lost job.
func (q *Queue) Enqueue(ctx domain.Context, jobType string, payload domain.JobPayload, delay time.Duration) error {
	tracer := otel.Tracer("queue.redpanda")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	if err := q.store.Enqueue(ctx, jobType, payload, delay); err != nil {
		return err
	}
	q.publish(jobType, payload.LeadID, delay)
	return nil
}

// Dequeue consumes a pending signal if one is buffered and asks the store
// for a due job. The store's skip-locked guard is what prevents double
// dispatch; the signal is only a hint.
func (q *Queue) Dequeue(ctx domain.Context) (*domain.Job, error) {
	select {
	case <-q.signals:
	default:
	}
	return q.store.Dequeue(ctx)
}

// Complete marks the job completed in the store.
func (q *Queue) Complete(ctx domain.Context, jobID string) error {
	return q.store.Complete(ctx, jobID)
}

// Retry reschedules in the store and rings a delayed doorbell.
func (q *Queue) Retry(ctx domain.Context, jobID string, delay time.Duration) error {
	if err := q.store.Retry(ctx, jobID, delay); err != nil {
		return err
	}
	q.publish("", 0, delay)
	return nil
}

// Fail terminally fails the job in the store.
func (q *Queue) Fail(ctx domain.Context, jobID string, reason string) error {
	return q.store.Fail(ctx, jobID, reason)
}

// Health checks both halves: the store and the broker.
func (q *Queue) Health(ctx domain.Context) error {
	if err := q.store.Health(ctx); err != nil {
		return err
	}
	if err := q.producer.Ping(ctx); err != nil {
		return fmt.Errorf("op=redpanda.health: %v: %w", err, domain.ErrQueueUnavailable)
	}
	return nil
}

// Close stops the consumer loop, waits for delayed publish timers, and
// closes the clients.
func (q *Queue) Close() {
	close(q.stop)
	q.timers.Wait()
	if q.consumer != nil {
		q.consumer.Close()
	}
	q.wg.Wait()
	q.producer.Close()
}
