package stream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/stats"
	"github.com/vx-labs/nestclient/storage"
)

type retryPolicy struct {
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

func (r retryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

// retry runs fn until it succeeds, fails with a permanent error or the
// policy is exhausted. Only transient errors and errors accepted by
// retryable are retried.
func (r retryPolicy) retry(ctx context.Context, operation string, retryable func(error) bool, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		switch {
		case storage.IsTransient(err):
			stats.CounterVec("writeRetries").WithLabelValues(operation, "transient").Inc()
			return err
		case retryable != nil && retryable(err):
			stats.CounterVec("writeRetries").WithLabelValues(operation, "topology").Inc()
			return err
		default:
			return backoff.Permanent(err)
		}
	}, r.backoff(ctx))
}

func isSegmentSealed(err error) bool {
	return errors.Is(err, storage.ErrSegmentSealed)
}
