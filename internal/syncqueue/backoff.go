package syncqueue

import "time"

const (
	// MaxRetries is the number of retries an entry gets before it is parked as failed.
	MaxRetries         = 5
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
)

// Backoff computes the retry delay for the given retry count.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay doubles from Base per retry and never exceeds Max.
func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBaseBackoff
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = defaultMaxBackoff
	}
	if retryCount <= 1 {
		return minDuration(base, ceiling)
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
