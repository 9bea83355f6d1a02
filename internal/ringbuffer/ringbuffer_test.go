package ringbuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
)

func reading(machineID string, at time.Time) model.Reading {
	return model.Reading{MachineID: machineID, Timestamp: at}
}

func TestAppend_RejectsNonIncreasingTimestamps(t *testing.T) {
	b := New(10)
	base := time.Now().UTC()

	assert.True(t, b.Append(reading("m1", base)))
	assert.False(t, b.Append(reading("m1", base)), "duplicate timestamp must be rejected")
	assert.False(t, b.Append(reading("m1", base.Add(-time.Second))), "earlier timestamp must be rejected")
	assert.True(t, b.Append(reading("m1", base.Add(time.Second))))

	assert.Equal(t, 2, b.Len())
}

func TestAppend_EvictsOldestPastCapacity(t *testing.T) {
	b := New(3)
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		b.Append(reading("m1", base.Add(time.Duration(i)*time.Second)))
	}

	snap := b.Snapshot()
	assert.Len(t, snap, 3)
	assert.Equal(t, base.Add(2*time.Second), snap[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), snap[len(snap)-1].Timestamp)
}

func TestNew_NonPositiveCapacityFallsBackToDefault(t *testing.T) {
	b := New(0)
	assert.Equal(t, DefaultCapacity, b.capacity)
}

func TestTailSince_ReturnsOnlyRecentWindow(t *testing.T) {
	b := New(100)
	base := time.Now().UTC()

	for i := 0; i < 10; i++ {
		b.Append(reading("m1", base.Add(time.Duration(i)*time.Minute)))
	}

	tail := b.TailSince(3 * time.Minute)
	// Latest is base+9m; cutoff is base+6m, so entries at 6,7,8,9 minutes survive.
	assert.Len(t, tail, 4)
	assert.Equal(t, base.Add(6*time.Minute), tail[0].Timestamp)
}

func TestTailSince_EmptyBufferReturnsNil(t *testing.T) {
	b := New(10)
	assert.Nil(t, b.TailSince(time.Minute))
}

func TestLatest_ReportsFalseWhenEmpty(t *testing.T) {
	b := New(10)
	_, ok := b.Latest()
	assert.False(t, ok)
}

func TestLatest_ReturnsMostRecentReading(t *testing.T) {
	b := New(10)
	base := time.Now().UTC()
	b.Append(reading("m1", base))
	b.Append(reading("m1", base.Add(time.Second)))

	latest, ok := b.Latest()
	assert.True(t, ok)
	assert.Equal(t, base.Add(time.Second), latest.Timestamp)
}
