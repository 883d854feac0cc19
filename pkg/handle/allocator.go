// Package handle implements the Handle Allocator (C2, §4.2): a
// bounded-retry wrapper around the meta service's AllocIDs call.
// Adapted from pkg/reliability/error_recovery.go's
// ErrorRecoveryManager.ExecuteWithRetry registered-strategy-per-error-type
// model down to a single fixed backoff policy for one operation.
package handle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xiejiajun/tispark-go/pkg/bwerr"
	"github.com/xiejiajun/tispark-go/pkg/metaclient"
)

// Policy configures the allocator's retry behavior on contention.
type Policy struct {
	MaxRetries    int
	RetryInterval time.Duration
	BackoffFactor float64
}

// DefaultPolicy retries a handful of times with mild exponential
// backoff; meta-service contention is expected to be transient.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    5,
		RetryInterval: 20 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// Allocator reserves contiguous 64-bit handle ranges from a
// metaclient.Client, retrying on metaclient.ErrContention.
type Allocator struct {
	client metaclient.Client
	policy Policy
	logger *zap.Logger
}

// New builds an Allocator over client with the given retry policy.
func New(client metaclient.Client, policy Policy, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{client: client, policy: policy, logger: logger.Named("handle")}
}

// Allocate implements allocate(dbId, tableId, step, unsigned) ->
// startHandle of §4.2: a reserved contiguous range [start, start+step)
// that no other caller will be given.
func (a *Allocator) Allocate(ctx context.Context, dbID, tableID int64, step int64, unsigned bool) (int64, error) {
	if step <= 0 {
		return 0, bwerr.ErrMetaService(nil)
	}

	var lastErr error
	interval := a.policy.RetryInterval

	for attempt := 0; attempt <= a.policy.MaxRetries; attempt++ {
		start, err := a.client.AllocIDs(ctx, dbID, tableID, step, unsigned)
		if err == nil {
			return start, nil
		}
		lastErr = err

		if _, contention := err.(*metaclient.ErrContention); !contention {
			return 0, bwerr.ErrMetaService(err)
		}

		a.logger.Debug("handle allocation contention, retrying",
			zap.Int64("db_id", dbID), zap.Int64("table_id", tableID),
			zap.Int("attempt", attempt+1), zap.Error(err))

		if attempt < a.policy.MaxRetries {
			select {
			case <-ctx.Done():
				return 0, bwerr.ErrMetaService(ctx.Err())
			case <-time.After(interval):
			}
			interval = time.Duration(float64(interval) * a.policy.BackoffFactor)
		}
	}

	return 0, bwerr.ErrMetaService(lastErr)
}
