package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdown_CompletesImmediatelyWithNoInFlightWork(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	c := New(cancel)

	ok := c.Shutdown(10 * time.Millisecond)
	assert.True(t, ok)
}

func TestShutdown_WaitsForInFlightOperationToDrain(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	c := New(cancel)

	done := c.BeginOperation()
	go func() {
		time.Sleep(5 * time.Millisecond)
		done()
	}()

	ok := c.Shutdown(time.Second)
	assert.True(t, ok)
}

func TestShutdown_TimesOutWithOperationStillInFlight(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	c := New(cancel)

	c.BeginOperation() // never completes

	ok := c.Shutdown(5 * time.Millisecond)
	assert.False(t, ok)
}

func TestShutdown_CancelsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(cancel)

	c.Shutdown(10 * time.Millisecond)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be cancelled")
	}
}
