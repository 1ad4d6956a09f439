// Package retry retries remote operations with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cryptdrive/drivedl/internal/errors"
)

// Policy describes how often and how long an operation is retried.
type Policy struct {
	// MaxRetries limits the number of retries after the first attempt. Zero
	// means no limit.
	MaxRetries uint64

	// MaxElapsedTime limits the total time spent retrying. Zero means no
	// limit.
	MaxElapsedTime time.Duration

	// InitialInterval is the delay before the first retry. Zero uses the
	// backoff default.
	InitialInterval time.Duration

	// Permanent reports errors for which a retry cannot succeed.
	Permanent func(error) bool

	// Report is called with a description and the error for every failed
	// attempt. The duration is the delay before the next attempt, or -1
	// after the final failure.
	Report func(string, error, time.Duration)

	// Success is called with the number of retries before a successful
	// attempt. It is not called if the first attempt succeeded.
	Success func(string, int)
}

// retryNotifyErrorWithSuccess is an extension of backoff.RetryNotify with notification of success after an error.
// success is NOT notified on the first run of operation (only after an error).
func retryNotifyErrorWithSuccess(operation backoff.Operation, b backoff.BackOffContext, notify backoff.Notify, success func(retries int)) error {
	var operationWrapper backoff.Operation
	if success == nil {
		operationWrapper = operation
	} else {
		retries := 0
		operationWrapper = func() error {
			err := operation()
			if err != nil {
				retries++
			} else if retries > 0 {
				success(retries)
			}
			return err
		}
	}
	err := backoff.RetryNotify(operationWrapper, b, notify)

	if err != nil && notify != nil && b.Context().Err() == nil {
		// log final error, unless the context was canceled
		notify(err, -1)
	}
	return err
}

func withRetryAtLeastOnce(delegate *backoff.ExponentialBackOff) *retryAtLeastOnce {
	return &retryAtLeastOnce{delegate: delegate}
}

type retryAtLeastOnce struct {
	delegate *backoff.ExponentialBackOff
	numTries uint64
}

func (b *retryAtLeastOnce) NextBackOff() time.Duration {
	delay := b.delegate.NextBackOff()

	b.numTries++
	if b.numTries == 1 && b.delegate.Stop == delay {
		return b.delegate.InitialInterval
	}
	return delay
}

func (b *retryAtLeastOnce) Reset() {
	b.numTries = 0
	b.delegate.Reset()
}

var fastRetries = false

// Do runs f until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, msg string, f func() error) error {
	// a cancelled context never runs f
	if ctx.Err() != nil {
		return ctx.Err()
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = p.MaxElapsedTime
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if fastRetries {
		// speed up tests
		bo.InitialInterval = 1 * time.Millisecond
		bo.MaxInterval = 5 * time.Millisecond
		maxElapsedTime := 200 * time.Millisecond
		if bo.MaxElapsedTime == 0 || bo.MaxElapsedTime > maxElapsedTime {
			bo.MaxElapsedTime = maxElapsedTime
		}
	}

	var b backoff.BackOff = withRetryAtLeastOnce(bo)
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}

	err := retryNotifyErrorWithSuccess(
		func() error {
			err := f()
			if err == nil {
				return nil
			}
			// context errors end the retry loop
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			// don't retry permanent errors as those very likely cannot be fixed by retrying
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) && p.Permanent != nil && p.Permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			if p.Report != nil {
				p.Report(msg, err, d)
			}
		},
		func(retries int) {
			if p.Success != nil {
				p.Success(msg, retries)
			}
		},
	)

	return err
}
