// Package shutdown coordinates graceful process termination: cancel every
// poller's context, then wait up to a configurable grace period for any
// in-flight baseline finalize/reset operations to complete or roll back
// before exiting. Adapted from the teacher's system/shutdown.Shutdown
// (deactivate-then-exit) into a coordinator that tracks in-flight work
// instead of acting immediately, since this domain's in-flight operations
// are database transactions rather than a single relay.
package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Coordinator tracks in-flight finalize/reset operations so shutdown can
// wait for them to settle instead of cutting them off mid-transaction.
type Coordinator struct {
	mu       sync.Mutex
	inFlight int
	idle     chan struct{}

	cancel context.CancelFunc
}

// New wraps the cancel function for the root context every poller derives
// its own context from.
func New(cancel context.CancelFunc) *Coordinator {
	return &Coordinator{cancel: cancel}
}

// BeginOperation marks one finalize/reset as in-flight. Call the returned
// func when it completes (successfully or not).
func (c *Coordinator) BeginOperation() func() {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		c.inFlight--
		n := c.inFlight
		idle := c.idle
		c.mu.Unlock()
		if n == 0 && idle != nil {
			close(idle)
		}
	}
}

// Shutdown cancels every poller's context, then waits up to grace for any
// in-flight operations to drain. Returns false if the grace period elapsed
// with operations still outstanding.
func (c *Coordinator) Shutdown(grace time.Duration) bool {
	log.Info().Msg("Shutdown initiated — cancelling pollers")
	c.cancel()

	c.mu.Lock()
	if c.inFlight == 0 {
		c.mu.Unlock()
		log.Info().Msg("No in-flight baseline operations — shutdown complete")
		return true
	}
	idle := make(chan struct{})
	c.idle = idle
	pending := c.inFlight
	c.mu.Unlock()

	log.Warn().Int("pending", pending).Dur("grace", grace).Msg("Waiting for in-flight baseline operations to drain")

	select {
	case <-idle:
		log.Info().Msg("In-flight baseline operations drained — shutdown complete")
		return true
	case <-time.After(grace):
		log.Error().Int("pending", pending).Msg("Shutdown grace period elapsed with operations still in flight")
		return false
	}
}
