// Package evaluator implements the per-metric and aggregate evaluation
// described in §4.G: green-band derivation, the severity rule, the
// stability indicator, the temperature-spread special case, and the
// decision hierarchy that combines them with the state gate, the baseline
// gate, and the (orthogonal) ML signal. The evaluator is stateless and
// pure by design (§5, §7): every call takes its inputs and returns a
// result, never touching shared state or returning an error for a normal
// "can't evaluate yet" condition, those surface as severity unknown.
package evaluator

import (
	"fmt"
	"math"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
)

// MLWarningThreshold is the score at or above which the orthogonal ML
// signal flips ml_warning_flag. It never participates in per-metric severity.
const MLWarningThreshold = 0.7

const (
	tempSpreadGreenMax  = 5.0
	tempSpreadOrangeMax = 8.0

	stabilityGreenMax  = 1.2
	stabilityOrangeMax = 1.6

	severityOrangeBandMin = 0.03
	severityRedBandMin    = 0.05
)

// Input bundles everything one Evaluate call needs.
type Input struct {
	Reading       model.Reading
	Metrics       model.DerivedMetrics
	State         model.MachineStateInfo
	Profile       *model.Profile
	BaselineStats map[string]model.BaselineStats // keyed by metric name; empty/nil if not ready
	MLScore       *float64
	MLConfidence  *float64
}

// Evaluate produces the full per-metric and aggregate evaluation for one
// (reading, state, profile) instant.
func Evaluate(in Input) model.Evaluation {
	eval := model.Evaluation{
		MachineID:  in.Reading.MachineID,
		MaterialID: profileMaterial(in.Profile),
		At:         in.Reading.Timestamp,
	}

	// 1. State gate: dominates everything else.
	if in.State.State != model.StateProduction {
		for _, metric := range model.ExpectedBaselineMetrics {
			eval.Metrics = append(eval.Metrics, model.MetricEvaluation{
				MetricName: metric,
				Stability:  model.StabilityUnknown,
			})
		}
		eval.ProcessStatus = model.ProcessUnknown
		eval.ProcessStatusText = fmt.Sprintf("Process evaluation disabled — machine is in %s", in.State.State)
		eval.SpreadStatus = model.StabilityUnknown
		eval.MLWarningFlag = mlWarning(in.MLScore)
		return eval
	}

	baselineReady := in.Profile != nil && in.Profile.BaselineReady

	maxSeverity := model.SeverityGreen
	anyKnown := false

	for _, metric := range model.ExpectedBaselineMetrics {
		me := evaluateMetric(metric, in, baselineReady)
		eval.Metrics = append(eval.Metrics, me)

		if metric == "temp_spread" {
			eval.SpreadStatus = me.Stability
		}

		if me.Severity != nil {
			anyKnown = true
			if *me.Severity > maxSeverity {
				maxSeverity = *me.Severity
			}
		}
	}

	if !anyKnown {
		eval.ProcessStatus = model.ProcessUnknown
		eval.ProcessStatusText = "Process evaluation disabled — baseline not ready"
	} else {
		eval.ProcessStatus = severityToProcessStatus(maxSeverity)
		eval.ProcessStatusText = processStatusText(maxSeverity)
	}

	eval.MLWarningFlag = mlWarning(in.MLScore)
	return eval
}

func profileMaterial(p *model.Profile) string {
	if p == nil {
		return ""
	}
	return p.MaterialID
}

func mlWarning(score *float64) bool {
	return score != nil && *score >= MLWarningThreshold
}

// evaluateMetric runs the baseline gate, the green-band/severity rule (or
// the Temp_Spread special case), and the stability override for one
// metric.
func evaluateMetric(metric string, in Input, baselineReady bool) model.MetricEvaluation {
	me := model.MetricEvaluation{MetricName: metric, Value: extractValue(metric, in.Reading, in.Metrics)}

	if metric == "temp_spread" {
		return evaluateTempSpread(me)
	}

	if !baselineReady {
		me.Stability = model.StabilityUnknown
		return me
	}

	stats, ok := in.BaselineStats[metric]
	if !ok || me.Value == nil {
		me.Stability = model.StabilityUnknown
		return me
	}

	mean := stats.Mean
	me.BaselineMean = &mean
	conf := baselineConfidence(stats.SampleCount)
	me.BaselineConfidence = &conf
	me.BaselineMaterial = in.Profile.MaterialID

	lo, hi := greenBand(stats)
	me.GreenBandMin = &lo
	me.GreenBandMax = &hi

	deviation := *me.Value - mean
	me.Deviation = &deviation
	if mean != 0 {
		pct := math.Abs(deviation) / math.Abs(mean)
		me.DeviationPercent = &pct
	}

	ruleSeverity := severityRule(*me.Value, lo, hi, mean)

	stability := stabilityIndicator(in.Metrics.CurrentStd[metric], stats.Std)
	me.Stability = stability

	final := ruleSeverity
	if stability == model.StabilityOrange && final < model.SeverityOrange {
		final = model.SeverityOrange
	}
	if stability == model.StabilityRed && final < model.SeverityRed {
		final = model.SeverityRed
	}
	me.Severity = &final

	return me
}

// evaluateTempSpread applies the §4.G special case: fixed thresholds,
// independent of baseline and ML (invariant 9).
func evaluateTempSpread(me model.MetricEvaluation) model.MetricEvaluation {
	if me.Value == nil {
		me.Stability = model.StabilityUnknown
		return me
	}
	v := *me.Value
	var sev model.Severity
	var stab model.Stability
	switch {
	case v <= tempSpreadGreenMax:
		sev, stab = model.SeverityGreen, model.StabilityGreen
	case v <= tempSpreadOrangeMax:
		sev, stab = model.SeverityOrange, model.StabilityOrange
	default:
		sev, stab = model.SeverityRed, model.StabilityRed
	}
	me.Severity = &sev
	me.Stability = stab
	return me
}

// extractValue pulls the current value for a named metric out of the
// reading (for raw sensor fields) or the derived metrics (for computed
// ones).
func extractValue(metric string, r model.Reading, m model.DerivedMetrics) *float64 {
	switch metric {
	case "screw_rpm":
		return r.ScrewRPM
	case "pressure":
		return r.Pressure
	case "temp_avg":
		return m.TempAvg
	case "temp_spread":
		return m.TempSpread
	case "temp_zone_1":
		return r.TempZones[0]
	case "temp_zone_2":
		return r.TempZones[1]
	case "temp_zone_3":
		return r.TempZones[2]
	case "temp_zone_4":
		return r.TempZones[3]
	default:
		return nil
	}
}

// greenBand derives [lo, hi] per §4.G: prefer [p05, p95], fall back to
// [mean-std, mean+std], and finally to [0.95*mean, 1.05*mean] if std and
// percentiles are both unavailable (BaselineStats always carries all four
// once finalize has run; the fallback chain exists so partially-populated
// stats degrade gracefully rather than panicking).
func greenBand(stats model.BaselineStats) (lo, hi float64) {
	if stats.P05 != 0 || stats.P95 != 0 {
		return stats.P05, stats.P95
	}
	if stats.Std > 0 {
		return stats.Mean - stats.Std, stats.Mean + stats.Std
	}
	return 0.95 * stats.Mean, 1.05 * stats.Mean
}

// severityRule implements the 3-5% band rule.
func severityRule(v, lo, hi, mean float64) model.Severity {
	if v >= lo && v <= hi {
		return model.SeverityGreen
	}
	if mean == 0 {
		return model.SeverityOrange
	}
	d := math.Abs(v-mean) / math.Abs(mean)
	switch {
	case d > severityRedBandMin:
		return model.SeverityRed
	default:
		return model.SeverityOrange
	}
}

// stabilityIndicator computes the qualitative stability classification
// from the ratio of current to baseline standard deviation over the
// metric engine's 10-minute window.
func stabilityIndicator(currentStd *float64, baselineStd float64) model.Stability {
	if currentStd == nil || baselineStd <= 0 {
		return model.StabilityUnknown
	}
	ratio := *currentStd / baselineStd
	switch {
	case ratio <= stabilityGreenMax:
		return model.StabilityGreen
	case ratio <= stabilityOrangeMax:
		return model.StabilityOrange
	default:
		return model.StabilityRed
	}
}

// baselineConfidence is the monotone step function of sample_count.
func baselineConfidence(sampleCount int) float64 {
	switch {
	case sampleCount >= 100:
		return 1.0
	case sampleCount >= 50:
		return 0.9
	case sampleCount >= 30:
		return 0.8
	case sampleCount >= 10:
		return 0.7
	default:
		return 0.6
	}
}

func severityToProcessStatus(s model.Severity) model.ProcessStatus {
	switch s {
	case model.SeverityGreen:
		return model.ProcessGreen
	case model.SeverityOrange:
		return model.ProcessOrange
	default:
		return model.ProcessRed
	}
}

func processStatusText(s model.Severity) string {
	switch s {
	case model.SeverityGreen:
		return "Process stable"
	case model.SeverityOrange:
		return "Process drifting from baseline"
	default:
		return "High risk of instability or scrap"
	}
}
