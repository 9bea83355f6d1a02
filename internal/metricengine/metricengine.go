// Package metricengine derives secondary quantities (averages, spreads,
// slopes, stabilities) from a ring buffer snapshot plus the current
// reading. It is stateless: every call takes its inputs and returns a
// model.DerivedMetrics, never touching shared state.
//
// The one invariant that matters more than any formula here: absence of an
// input field must leave its derived outputs nil rather than substitute a
// zero. The teacher's historical bug (see spec.md section 9, "null-vs-zero
// confusion") was exactly this, a zeroed sensor silently participating in
// averages as if it read 0°C. Every function below checks for nil before
// arithmetic.
package metricengine

import (
	"math"
	"time"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
)

const (
	slopeWindow       = 5 * time.Minute
	slopeMinElapsed   = 60 * time.Second
	stabilityWindow   = 10 * time.Minute
	stabilityMinCount = 3
)

// Compute derives DerivedMetrics for the current reading, given an ordered
// snapshot of prior readings from the same machine's ring buffer (the
// snapshot need not include current; Compute treats current as "now").
func Compute(snapshot []model.Reading, current model.Reading) model.DerivedMetrics {
	dm := model.DerivedMetrics{
		CurrentStd: make(map[string]*float64),
	}

	dm.TempAvg = tempAvg(current)
	dm.TempSpread = tempSpread(current)

	dm.DTempAvg = dTempAvg(snapshot, current, dm.TempAvg)

	dm.RPMStability = stddevOverWindow(snapshot, current, stabilityWindow, func(r model.Reading) (float64, bool) {
		if r.ScrewRPM == nil {
			return 0, false
		}
		return *r.ScrewRPM, true
	})
	dm.PressureStability = stddevOverWindow(snapshot, current, stabilityWindow, func(r model.Reading) (float64, bool) {
		if r.Pressure == nil {
			return 0, false
		}
		return *r.Pressure, true
	})

	dm.CurrentStd["screw_rpm"] = dm.RPMStability
	dm.CurrentStd["pressure"] = dm.PressureStability
	dm.CurrentStd["temp_avg"] = stddevOverWindow(snapshot, current, stabilityWindow, func(r model.Reading) (float64, bool) {
		v := tempAvg(r)
		if v == nil {
			return 0, false
		}
		return *v, true
	})

	return dm
}

// tempAvg is the mean of non-null temperature zones; nil if none present.
func tempAvg(r model.Reading) *float64 {
	zones := r.PresentTempZones()
	if len(zones) == 0 {
		return nil
	}
	var sum float64
	for _, z := range zones {
		sum += z
	}
	avg := sum / float64(len(zones))
	return &avg
}

// tempSpread is max - min of non-null temperature zones; nil if fewer than
// two zones are present.
func tempSpread(r model.Reading) *float64 {
	zones := r.PresentTempZones()
	if len(zones) < 2 {
		return nil
	}
	lo, hi := zones[0], zones[0]
	for _, z := range zones[1:] {
		if z < lo {
			lo = z
		}
		if z > hi {
			hi = z
		}
	}
	spread := hi - lo
	return &spread
}

// dTempAvg is the slope of temp_avg in °C/min over the last 5 minutes: the
// difference between the current temp_avg and the temp_avg of the sample
// closest to "now - 5 minutes", divided by the elapsed minutes. nil unless
// both temp_avg values exist and the comparison sample is at least 60s
// older than current.
func dTempAvg(snapshot []model.Reading, current model.Reading, currentAvg *float64) *float64 {
	if currentAvg == nil {
		return nil
	}

	target := current.Timestamp.Add(-slopeWindow)
	var best *model.Reading
	var bestDelta time.Duration = -1

	for i := range snapshot {
		r := snapshot[i]
		if !r.Timestamp.Before(current.Timestamp) {
			continue
		}
		delta := absDuration(r.Timestamp.Sub(target))
		if bestDelta < 0 || delta < bestDelta {
			bestDelta = delta
			rc := r
			best = &rc
		}
	}
	if best == nil {
		return nil
	}

	elapsed := current.Timestamp.Sub(best.Timestamp)
	if elapsed < slopeMinElapsed {
		return nil
	}

	pastAvg := tempAvg(*best)
	if pastAvg == nil {
		return nil
	}

	minutes := elapsed.Minutes()
	slope := (*currentAvg - *pastAvg) / minutes
	return &slope
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// stddevOverWindow computes the sample standard deviation (divisor n-1) of
// extract(r) over readings in [current.Timestamp-window, current.Timestamp],
// including current itself. Fewer than stabilityMinCount valid samples
// yields nil.
func stddevOverWindow(snapshot []model.Reading, current model.Reading, window time.Duration, extract func(model.Reading) (float64, bool)) *float64 {
	cutoff := current.Timestamp.Add(-window)

	values := make([]float64, 0, len(snapshot)+1)
	for _, r := range snapshot {
		if r.Timestamp.Before(cutoff) || r.Timestamp.After(current.Timestamp) {
			continue
		}
		if v, ok := extract(r); ok {
			values = append(values, v)
		}
	}
	if v, ok := extract(current); ok {
		values = append(values, v)
	}

	if len(values) < stabilityMinCount {
		return nil
	}

	std := sampleStdDev(values)
	return &std
}

// sampleStdDev returns the unbiased sample standard deviation (divisor
// n-1) of values. Caller must ensure len(values) >= 2.
func sampleStdDev(values []float64) float64 {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	variance := sq / (n - 1)
	return math.Sqrt(variance)
}
