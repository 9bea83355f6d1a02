package historian

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// nextBackoff computes the jittered exponential backoff delay for the
// given retry attempt (0-indexed), per §7's "exponential backoff (base
// 2s, cap 60s, jittered)". Grounded on the teacher's dwell-time gating
// in internal/controllers (MinOn/MinOff/LastChanged) in spirit, gating
// the next action on elapsed time since the last one, generalized from a
// fixed dwell into a growing one.
func nextBackoff(attempt int) time.Duration {
	delay := backoffBase << attempt
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay/2 + jitter
}
