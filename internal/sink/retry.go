package sink

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetrySettings bound the connection attempts made when opening a sink.
type RetrySettings struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Jitter          float64
}

// DefaultRetry returns settings that give up after timeout.
func DefaultRetry(timeout time.Duration) RetrySettings {
	return RetrySettings{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  timeout,
		Jitter:          0.10,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// WaitUntil retries op with exponential backoff until it succeeds, returns a
// Permanent error, ctx is done, or the settings' elapsed time runs out.
func WaitUntil(ctx context.Context, s RetrySettings, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.InitialInterval
	eb.MaxInterval = s.MaxInterval
	eb.MaxElapsedTime = s.MaxElapsedTime
	eb.RandomizationFactor = s.Jitter
	eb.Multiplier = backoff.DefaultMultiplier

	return backoff.Retry(op, backoff.WithContext(eb, ctx))
}
