package retry

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
)

var log = logging.Logger("retry")

// Retry calls f until it succeeds, returns an error that retryable rejects,
// or attempts run out. The wait between attempts starts at minWait and
// doubles every time. A zero minWait retries immediately.
func Retry[T any](ctx context.Context, attempts int, minWait time.Duration, retryable func(error) bool, f func() (T, error)) (result T, err error) {
	b := &backoff.Backoff{
		Min:    minWait,
		Max:    minWait << 10,
		Factor: 2,
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Infow("retrying after error", "attempt", i+1, "error", err)
			var wait time.Duration
			if minWait > 0 {
				wait = b.Duration()
			}
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(wait):
			}
		}
		result, err = f()
		if err == nil || !retryable(err) {
			return result, err
		}
	}
	log.Errorf("failed after %d attempts, last error: %s", attempts, err)
	return result, err
}
