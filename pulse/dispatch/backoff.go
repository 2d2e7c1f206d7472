package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryDelay returns how long to wait before the given retry (1-based) of a
// post, doubling from base up to max. No jitter, so the delay for a given
// retry count is stable across restarts.
func RetryDelay(retry int, base, max time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := base
	for i := 0; i < retry; i++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return max
		}
	}
	return delay
}
