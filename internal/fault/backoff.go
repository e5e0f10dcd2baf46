package fault

import (
	"context"
	"math/rand/v2"
	"time"
)

// MaxBackoff caps a single retry delay regardless of attempt count.
const MaxBackoff = 60 * time.Second

// Backoff computes the delay before retry number attempt (1-based):
// base doubled per prior attempt, plus up to 30% jitter, capped at
// MaxBackoff. Jitter keeps a herd of callers that failed together from
// retrying together.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultRetryAfter
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			d = MaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(d)*3/10 + 1))
	if d+jitter > MaxBackoff {
		return MaxBackoff
	}
	return d + jitter
}

// Sleep blocks for the computed backoff or until ctx is done, returning the
// context error in the latter case.
func Sleep(ctx context.Context, base time.Duration, attempt int) error {
	t := time.NewTimer(Backoff(base, attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
