package eventsink

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
)

type countingSink struct {
	transitions atomic.Int32
	changes     atomic.Int32
	evals       atomic.Int32
}

func (s *countingSink) OnStateTransition(model.StateTransition)   { s.transitions.Add(1) }
func (s *countingSink) OnMaterialChange(model.MaterialChangeEvent) { s.changes.Add(1) }
func (s *countingSink) OnEvaluation(model.Evaluation)              { s.evals.Add(1) }

type slowSink struct{ delay time.Duration }

func (s slowSink) OnStateTransition(model.StateTransition)   { time.Sleep(s.delay) }
func (s slowSink) OnMaterialChange(model.MaterialChangeEvent) { time.Sleep(s.delay) }
func (s slowSink) OnEvaluation(model.Evaluation)              { time.Sleep(s.delay) }

func TestMulti_FansOutToAllSinks(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := NewMulti(nil, time.Second, a, b)

	m.OnStateTransition(model.StateTransition{MachineID: "extruder-1"})
	m.OnMaterialChange(model.MaterialChangeEvent{MachineID: "extruder-1"})
	m.OnEvaluation(model.Evaluation{MachineID: "extruder-1"})

	assert.EqualValues(t, 1, a.transitions.Load())
	assert.EqualValues(t, 1, b.transitions.Load())
	assert.EqualValues(t, 1, a.changes.Load())
	assert.EqualValues(t, 1, a.evals.Load())
}

func TestMulti_SlowSinkDoesNotBlockCaller(t *testing.T) {
	m := NewMulti(nil, 10*time.Millisecond, slowSink{delay: 200 * time.Millisecond})

	start := time.Now()
	m.OnStateTransition(model.StateTransition{MachineID: "extruder-1"})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 100*time.Millisecond, "publish must return once the deadline elapses, not wait for the slow sink")
}

func TestNtfySink_DisabledWithoutTopic(t *testing.T) {
	s := NewNtfySink("")
	// Must not panic or attempt a network call.
	s.OnStateTransition(model.StateTransition{MachineID: "extruder-1"})
}
