// Package model holds the data types shared across the extruder monitor:
// readings pulled from the historian, the derived metrics computed from
// them, machine state, and the baseline-learning and evaluation types.
package model

import "time"

// MachineState is one of the six classified operating phases, plus the
// reporting-only UNKNOWN indicator used when data is missing or stale.
type MachineState string

const (
	StateOff         MachineState = "OFF"
	StateHeating     MachineState = "HEATING"
	StateIdle        MachineState = "IDLE"
	StateProduction  MachineState = "PRODUCTION"
	StateCooling     MachineState = "COOLING"
	StateSensorFault MachineState = "SENSOR_FAULT"
	StateUnknown     MachineState = "UNKNOWN"
)

// Severity is the per-metric severity classification.
type Severity int

const (
	SeverityGreen Severity = iota
	SeverityOrange
	SeverityRed
)

// Stability is the qualitative classification derived from the ratio of
// current to baseline standard deviation.
type Stability string

const (
	StabilityGreen   Stability = "green"
	StabilityOrange  Stability = "orange"
	StabilityRed     Stability = "red"
	StabilityUnknown Stability = "unknown"
)

// ProcessStatus is the aggregate, worst-of-all-sensors process status.
type ProcessStatus string

const (
	ProcessGreen   ProcessStatus = "green"
	ProcessOrange  ProcessStatus = "orange"
	ProcessRed     ProcessStatus = "red"
	ProcessUnknown ProcessStatus = "unknown"
)

// TempZoneCount is the number of temperature zone sensors a Reading carries.
const TempZoneCount = 4

// Reading is one historian row at a given timestamp for one machine. Every
// field besides MachineID and Timestamp is optional: the historian may omit
// a column entirely, and that absence must survive as nil rather than be
// coerced to zero (see internal/metricengine for why this matters).
type Reading struct {
	MachineID     string
	Timestamp     time.Time
	ScrewRPM      *float64
	Pressure      *float64
	TempZones     [TempZoneCount]*float64
	MotorLoadPct  *float64
	ThroughputKgH *float64
}

// PresentTempZones returns the non-nil zone values in zone order.
func (r Reading) PresentTempZones() []float64 {
	out := make([]float64, 0, TempZoneCount)
	for _, z := range r.TempZones {
		if z != nil {
			out = append(out, *z)
		}
	}
	return out
}

// DerivedMetrics are the secondary quantities computed per reading or per
// window query. Every field is a pointer so that "not computable" (fewer
// than the required samples, or the underlying inputs absent) is distinct
// from zero.
type DerivedMetrics struct {
	TempAvg           *float64
	TempSpread        *float64
	DTempAvg          *float64
	RPMStability      *float64
	PressureStability *float64
	// CurrentStd holds the 10-minute sample standard deviation per metric
	// name, used only by the evaluator's stability indicator.
	CurrentStd map[string]*float64
}

// MachineStateInfo is the current classification for one machine.
type MachineStateInfo struct {
	MachineID      string
	State          MachineState
	Confidence     float64
	StateSince     time.Time
	CurrentMetrics DerivedMetrics
	Stale          bool
	Empty          bool
}

// Profile scopes baseline learning to a (machine, material) pair. MachineID
// is empty for a material-default profile.
type Profile struct {
	ProfileID        string
	MachineID        string // "" means material-default
	MaterialID       string
	BaselineLearning bool
	BaselineReady    bool
}

// IsMachineSpecific reports whether this profile is scoped to one machine
// rather than being a material-default fallback.
func (p Profile) IsMachineSpecific() bool {
	return p.MachineID != ""
}

// BaselineSample is one observed value collected during learning. Samples
// only exist for profiles currently in learning mode; they are deleted on
// finalize or reset.
type BaselineSample struct {
	ProfileID  string
	MetricName string
	Value      float64
	Timestamp  time.Time
}

// BaselineStats is the frozen, per-metric statistics computed at finalize
// time. Immutable until the owning profile is reset.
type BaselineStats struct {
	ProfileID   string
	MetricName  string
	Mean        float64
	Std         float64
	P05         float64
	P95         float64
	SampleCount int
}

// ExpectedBaselineMetrics is the fixed set of metrics finalize requires
// MIN_SAMPLES_PER_METRIC samples for.
var ExpectedBaselineMetrics = []string{
	"screw_rpm", "pressure",
	"temp_zone_1", "temp_zone_2", "temp_zone_3", "temp_zone_4",
	"temp_avg", "temp_spread",
}

// MetricEvaluation is the per-sensor evaluation output.
type MetricEvaluation struct {
	MetricName         string
	Value              *float64
	BaselineMean       *float64
	GreenBandMin       *float64
	GreenBandMax       *float64
	Deviation          *float64
	DeviationPercent   *float64
	Severity           *Severity // nil means "unknown"
	Stability          Stability
	BaselineMaterial   string
	BaselineConfidence *float64
}

// Evaluation is the aggregate evaluation snapshot for a (machine, material,
// instant) query.
type Evaluation struct {
	MachineID         string
	MaterialID        string
	At                time.Time
	Metrics           []MetricEvaluation
	ProcessStatus     ProcessStatus
	ProcessStatusText string
	SpreadStatus      Stability
	MLWarningFlag     bool
}

// StateTransition records one committed state change for a machine.
type StateTransition struct {
	MachineID  string
	FromState  MachineState
	ToState    MachineState
	At         time.Time
	Confidence float64
}

// MaterialChangeEvent records an operator- or scheduler-driven material
// change on a machine.
type MaterialChangeEvent struct {
	MachineID        string
	PreviousMaterial string
	NewMaterial      string
	At               time.Time
}
