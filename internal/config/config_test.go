package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected zerolog.Level
	}{
		{"default to info", "", zerolog.InfoLevel},
		{"debug", "debug", zerolog.DebugLevel},
		{"warn", "warn", zerolog.WarnLevel},
		{"error", "error", zerolog.ErrorLevel},
		{"unknown", "weird", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := parseLogLevel(tt.input)
			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestConfigValidate_DuplicateMachine(t *testing.T) {
	cfg := &Config{
		Machines: []string{"extruder-1", "extruder-1"},
	}

	assert.PanicsWithValue(t,
		"duplicate machine ID in config: extruder-1",
		func() { cfg.validate() },
	)
}

func TestConfigValidate_HistorianMissingFields(t *testing.T) {
	cfg := &Config{
		Historian: HistorianConfig{Enabled: true},
	}

	assert.Panics(t, func() { cfg.validate() })
}

func TestConfigValidate_HistorianDisabledSkipsChecks(t *testing.T) {
	cfg := &Config{
		Historian: HistorianConfig{Enabled: false},
	}

	assert.NotPanics(t, func() { cfg.validate() })
}

func TestThresholdsFor_FallsBackToDefault(t *testing.T) {
	cfg := &Config{
		DefaultThresholds: DefaultThresholds(),
		MachineOverrides: map[string]Thresholds{
			"extruder-2": {RPMOn: 99},
		},
	}

	assert.Equal(t, DefaultThresholds(), cfg.ThresholdsFor("extruder-1"))
	assert.Equal(t, 99.0, cfg.ThresholdsFor("extruder-2").RPMOn)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, 60, cfg.PollIntervalSeconds)
	assert.Equal(t, 10, cfg.WindowMinutes)
	assert.Equal(t, 5000, cfg.MaxRowsPerPoll)
	assert.Equal(t, 100, cfg.MinSamplesForBaseline)
	assert.Equal(t, DefaultThresholds(), cfg.DefaultThresholds)
}
