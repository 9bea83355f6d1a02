package historian

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoff_GrowsWithAttemptAndRespectsCap(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := nextBackoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, backoffCap)
		assert.GreaterOrEqual(t, d, prev, "each delay is at least the previous attempt's un-jittered floor")
		prev = min(backoffBase<<attempt, backoffCap) / 2
	}
}

func TestNextBackoff_CapsAtHighAttempts(t *testing.T) {
	d := nextBackoff(20)
	assert.LessOrEqual(t, d, backoffCap)
	assert.Greater(t, d, time.Duration(0))
}

func TestNextBackoff_NeverExceedsCapEvenJittered(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := nextBackoff(attempt)
			assert.LessOrEqual(t, d, backoffCap)
		}
	}
}
