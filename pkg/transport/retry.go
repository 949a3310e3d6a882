package transport

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is the single retry strategy shared by every write/read/subscribe
// call the core makes against a Transport.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// FailDelay is slept between a retryable failure and the next attempt.
	FailDelay time.Duration

	// DelayedUnlock is the cooldown applied to the transceiver lock on each
	// attempt's release, win or lose.
	DelayedUnlock time.Duration

	// RetryOnRemoteCodes names the RemoteError codes worth retrying.
	RetryOnRemoteCodes map[uint16]struct{}

	// RetryOnTimeout retries on ErrTimeout when set.
	RetryOnTimeout bool
}

// DefaultRetryPolicy is the policy the core's device uses for its GATT
// operations: retry on device-in-wrong-state, never on timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:           5,
		FailDelay:          3 * time.Second,
		DelayedUnlock:      500 * time.Millisecond,
		RetryOnRemoteCodes: map[uint16]struct{}{RemoteErrWrongState: {}},
		RetryOnTimeout:     false,
	}
}

// WithRetryOnTimeout returns a copy of the policy with RetryOnTimeout set,
// used by call sites (subscribe_notify) that should also retry a bare
// timeout.
func (p RetryPolicy) WithRetryOnTimeout() RetryPolicy {
	p.RetryOnTimeout = true
	return p
}

// Retry runs fn under the transport's transceiver lock, retrying according
// to policy. Each attempt acquires the lock via DelayedUnlock(policy.DelayedUnlock)
// so bursty operations never overrun the dongle's minimum command spacing.
func Retry(ctx context.Context, tr Transport, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		release := tr.DelayedUnlock(policy.DelayedUnlock)
		err := fn(ctx)
		release()

		if err == nil {
			return nil
		}
		lastErr = err

		remaining := attempt < attempts-1
		if !remaining {
			break
		}

		var remoteErr *RemoteError
		switch {
		case errors.As(err, &remoteErr):
			if _, retry := policy.RetryOnRemoteCodes[remoteErr.Code]; !retry {
				return err
			}
		case errors.Is(err, ErrTimeout):
			if !policy.RetryOnTimeout {
				return err
			}
		default:
			return err
		}

		select {
		case <-time.After(policy.FailDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
