package pipeline

import (
	"math/rand"
	"time"
)

// computeBackoff returns the delay before retry number attempt (1-indexed
// over failed attempts): unit * 2^attempt, capped at maxDelay, plus jitter in
// [0, unit) to avoid synchronized retry storms across concurrent jobs.
func computeBackoff(attempt int, unit, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if unit <= 0 {
		unit = time.Second
	}
	delay := unit * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(unit)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(unit))) // #nosec G404 -- retry timing, not security
	}
	return delay + jitter
}
