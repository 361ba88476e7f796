package app

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	pgqueue "github.com/fairyhunter13/lead-gateway/internal/adapter/queue/postgres"
	"github.com/fairyhunter13/lead-gateway/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/lead-gateway/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/lead-gateway/internal/config"
	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// QueueBundle carries the selected queue transport plus the optional
// capabilities that depend on the backend.
type QueueBundle struct {
	Queue domain.Queue
	// Resetter recovers jobs abandoned in processing; nil when the
	// backend cannot sweep.
	Resetter StuckJobResetter
	// Close releases transport resources; nil when there is nothing to
	// release.
	Close func()
}

// BuildQueue selects the queue transport from QUEUE_KIND. consumerGroup is
// only used by the redpanda transport: the worker joins the group so broker
// records wake it, the server passes "" and stays producer-only.
func BuildQueue(cfg config.Config, pool *pgxpool.Pool, consumerGroup string) (QueueBundle, error) {
	switch cfg.QueueKind {
	case "postgres":
		q := pgqueue.New(pool)
		return QueueBundle{Queue: q, Resetter: q}, nil

	case "redisq":
		q, err := redisq.New(cfg.RedisURL)
		if err != nil {
			return QueueBundle{}, fmt.Errorf("op=app.BuildQueue: %w", err)
		}
		return QueueBundle{Queue: q}, nil

	case "redpanda":
		// Jobs still live in the relational store; the broker only
		// carries wake-up records.
		store := pgqueue.New(pool)
		q, err := redpanda.New(redpanda.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Group:   consumerGroup,
		}, store)
		if err != nil {
			return QueueBundle{}, fmt.Errorf("op=app.BuildQueue: %w", err)
		}
		return QueueBundle{Queue: q, Resetter: store, Close: q.Close}, nil

	default:
		return QueueBundle{}, fmt.Errorf("op=app.BuildQueue: unknown queue kind %q: %w", cfg.QueueKind, domain.ErrInvalidArgument)
	}
}
