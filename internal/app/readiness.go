package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// SessionPinger is the minimal interface the Redis session store exposes for
// readiness.
type SessionPinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the db and redis readiness checks.
func BuildReadinessChecks(pool Pinger, sessions SessionPinger) (func(ctx context.Context) error, func(ctx context.Context) error) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if sessions == nil {
			return fmt.Errorf("redis not configured")
		}
		return sessions.Ping(ctx)
	}
	return dbCheck, redisCheck
}
