package actor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultBaseRetryTimeout and defaultRetryResetDuration are the spec's
// named defaults for the Restart crash policy.
const (
	defaultBaseRetryTimeout   = 1 * time.Second
	defaultRetryResetDuration = 10 * time.Minute
)

// crashBackoff configures a backoff.ExponentialBackOff whose Nth interval is
// baseRetryTimeout * 2^N, up to the library's default MaxInterval (60s)
// which every later interval stays at, reusing cenkalti/backoff/v4 (already a dependency
// via pkg/kv's retry loop) instead of hand-rolling the doubling.
func crashBackoff(baseRetryTimeout time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseRetryTimeout
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // caller owns the retry count, not elapsed wall time
	return b
}

// retryDelay returns retry_timeout = base_retry_timeout * 2^retries, capped
// at 60s by the backoff's default MaxInterval, driven
// off backoff.ExponentialBackOff's own interval doubling (RandomizationFactor
// zeroed so NextBackOff is exact) rather than a hand-rolled loop, since
// replay must reproduce the same delay for the same retries count regardless
// of call order.
func retryDelay(baseRetryTimeout time.Duration, retries int) time.Duration {
	b := crashBackoff(baseRetryTimeout)
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

// shouldResetRetries reports whether the actor has been stably running for
// at least retryResetDuration since its last start, per the spec's "retries
// reset to 0 after retry_reset_duration of stable running".
func shouldResetRetries(startTS time.Time, retryResetDuration time.Duration, now time.Time) bool {
	if retryResetDuration <= 0 {
		retryResetDuration = defaultRetryResetDuration
	}
	return now.Sub(startTS) >= retryResetDuration
}
