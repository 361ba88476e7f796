package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/lead-gateway/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db and queue readiness probes used by the
// readyz endpoint.
func BuildReadinessChecks(pool Pinger, q domain.Queue) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	queueCheck := func(ctx context.Context) error {
		if q == nil {
			return fmt.Errorf("queue not configured")
		}
		return q.Health(ctx)
	}
	return dbCheck, queueCheck
}
