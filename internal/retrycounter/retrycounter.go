// Package retrycounter tracks per-(execution, step) retry counts in Redis
// so they are visible outside the Task Executor's process (spec.md §4.5
// Retry/circuit-breaker patterns). The executor increments and resets
// them; it does not read them back to resume backoff after a restart.
package retrycounter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
)

// Counter tracks retry attempts per (executionID, stepID) key, backed by
// Redis so counts survive a process restart mid-execution.
type Counter struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps an already-configured *redis.Client. ttl bounds how long a
// counter survives after its last increment (defaults to 1 hour, comfortably
// longer than any single workflow execution is expected to run).
func New(client *redis.Client, ttl time.Duration) *Counter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Counter{client: client, ttl: ttl}
}

func key(executionID, stepID string) string {
	return fmt.Sprintf("workflowcore:retry:%s:%s", executionID, stepID)
}

// Increment atomically bumps the retry count for (executionID, stepID) and
// refreshes its TTL, returning the new count.
func (c *Counter) Increment(ctx context.Context, executionID, stepID string) (int64, error) {
	k := key(executionID, stepID)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wferrors.Wrap(err, wferrors.KindInternal, "incrementing retry counter")
	}
	return incr.Val(), nil
}

// Get returns the current retry count for (executionID, stepID), or 0 if
// no attempts have been recorded yet.
func (c *Counter) Get(ctx context.Context, executionID, stepID string) (int64, error) {
	val, err := c.client.Get(ctx, key(executionID, stepID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, wferrors.Wrap(err, wferrors.KindInternal, "reading retry counter")
	}
	return val, nil
}

// Reset clears the counter for (executionID, stepID), used once a step
// settles so its key doesn't linger until TTL expiry.
func (c *Counter) Reset(ctx context.Context, executionID, stepID string) error {
	if err := c.client.Del(ctx, key(executionID, stepID)).Err(); err != nil {
		return wferrors.Wrap(err, wferrors.KindInternal, "resetting retry counter")
	}
	return nil
}
