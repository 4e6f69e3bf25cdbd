// Package retry wraps github.com/cenkalti/backoff/v4 into the exponential
// backoff-with-threshold policy the segment store applies to uploads (spec
// §4.2 failure semantics): retried until a fixed retry threshold, after
// which the caller is told to give up for now rather than blocking
// forever.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrThresholdExceeded is returned by Do when the wrapped operation never
// succeeded within the first attempt plus MaxRetries retries.
var ErrThresholdExceeded = errors.New("retry: threshold exceeded")

// Policy configures exponential backoff with a hard attempt ceiling.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
}

// DefaultPolicy mirrors the teacher's conservative defaults elsewhere in
// this codebase: fast first retry, capped growth, bounded attempts so a
// wedged upload doesn't retry forever while still accepting writes.
var DefaultPolicy = Policy{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	MaxRetries:      8,
}

// Do runs op, retrying on error with exponential backoff until it succeeds,
// ctx is canceled, or MaxRetries retries have followed the first attempt
// (MaxRetries+1 attempts in all). Non-nil errors
// from op are wrapped with ErrThresholdExceeded once the ceiling is hit so
// callers can distinguish "gave up" from "ctx canceled".
func (p Policy) Do(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0 // bounded by attempt count instead of elapsed time.

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx)

	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = op()
		return lastErr
	}, bo)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Join(ErrThresholdExceeded, lastErr)
	}
	return nil
}
