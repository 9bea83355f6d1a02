// Package config loads and validates the extruder monitor's configuration,
// following the teacher's flag-plus-on-disk-file pattern (internal/config
// in the teacher repo): flags choose the config file and log level, the
// file itself supplies everything else.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Thresholds are the §4.D state-detector constants. Every machine gets the
// package defaults unless it has an override entry in Config.MachineOverrides.
type Thresholds struct {
	RPMOn           float64 `yaml:"rpm_on"`
	RPMProd         float64 `yaml:"rpm_prod"`
	POn             float64 `yaml:"p_on"`
	PProd           float64 `yaml:"p_prod"`
	TMinActive      float64 `yaml:"t_min_active"`
	HeatingRate     float64 `yaml:"heating_rate"`
	CoolingRate     float64 `yaml:"cooling_rate"`
	TempFlatRate    float64 `yaml:"temp_flat_rate"`
	ProductionEnter int     `yaml:"production_enter_seconds"`
	ProductionExit  int     `yaml:"production_exit_seconds"`
	OtherDebounce   int     `yaml:"other_debounce_seconds"`
}

// DefaultThresholds returns the §4.D default constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RPMOn:           5.0,
		RPMProd:         10.0,
		POn:             2.0,
		PProd:           5.0,
		TMinActive:      60.0,
		HeatingRate:     0.2,
		CoolingRate:     -0.2,
		TempFlatRate:    0.2,
		ProductionEnter: 90,
		ProductionExit:  120,
		OtherDebounce:   60,
	}
}

// HistorianConfig is the connection surface for the tabular historian
// source (§6).
type HistorianConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       string `yaml:"db"`
	Schema   string `yaml:"schema"`
	Table    string `yaml:"table"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config is the full configuration surface (§6).
type Config struct {
	ConfigFile string        `yaml:"-"`
	LogLevel   zerolog.Level `yaml:"-"`
	LogFile    string        `yaml:"-"`

	Historian             HistorianConfig       `yaml:"historian"`
	PollIntervalSeconds   int                   `yaml:"poll_interval_seconds"`
	WindowMinutes         int                   `yaml:"window_minutes"`
	MaxRowsPerPoll        int                   `yaml:"max_rows_per_poll"`
	MinSamplesForBaseline int                   `yaml:"min_samples_for_baseline"`
	FetchTimeoutSeconds   int                   `yaml:"fetch_timeout_seconds"`
	SinkTimeoutSeconds    int                   `yaml:"sink_timeout_seconds"`
	ShutdownGraceSeconds  int                   `yaml:"shutdown_grace_seconds"`

	Machines []string `yaml:"machines"`

	// MachineMaterials is the operator-assigned current material per
	// machine, keyed by machine ID. The poller diffs this against its last
	// observed value each cycle to detect and record material changes;
	// editing this file is how an operator signals a material change.
	MachineMaterials map[string]string `yaml:"machine_materials"`

	DefaultThresholds Thresholds            `yaml:"default_thresholds"`
	MachineOverrides  map[string]Thresholds `yaml:"machine_overrides"`

	DBPath string `yaml:"db_path"`

	DDAgentAddr string   `yaml:"dd_agent_addr"`
	DDNamespace string   `yaml:"dd_namespace"`
	DDTags      []string `yaml:"dd_tags"`

	PrometheusAddr string `yaml:"prometheus_addr"`
	ReadAPIPort    int    `yaml:"read_api_port"`

	NtfyTopic string `yaml:"ntfy_topic"`

	MLServiceURL     string `yaml:"ml_service_url"`
	MLTimeoutSeconds int    `yaml:"ml_timeout_seconds"`
}

// ThresholdsFor resolves the effective thresholds for a machine, falling
// back to DefaultThresholds when no override is configured.
func (c *Config) ThresholdsFor(machineID string) Thresholds {
	if t, ok := c.MachineOverrides[machineID]; ok {
		return t
	}
	return c.DefaultThresholds
}

// MaterialFor returns the operator-assigned current material for a
// machine, or "" if none is configured.
func (c *Config) MaterialFor(machineID string) string {
	return c.MachineMaterials[machineID]
}

// Load parses flags, reads the YAML config file they name, applies
// defaults for anything the file left zero, validates, and returns the
// result. Mirrors the teacher's config.Load: flags pick the file, panics
// are reserved for startup-fatal misconfiguration.
func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.yaml", "Path to monitor config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Optional log file path (logs to stdout if empty)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	if err := cfg.loadFile(cfg.ConfigFile); err != nil {
		panic("Failed to load config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadFromFile reads and validates the named config file without touching
// the process's flag set, for callers (the admin CLI) that parse their own
// flags via cobra instead of Load's package-level flag.Parse.
func LoadFromFile(path string) (Config, error) {
	var cfg Config
	cfg.ConfigFile = path
	cfg.LogLevel = zerolog.InfoLevel

	if err := cfg.loadFile(path); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	cfg.validate()
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 60
	}
	if cfg.WindowMinutes == 0 {
		cfg.WindowMinutes = 10
	}
	if cfg.MaxRowsPerPoll == 0 {
		cfg.MaxRowsPerPoll = 5000
	}
	if cfg.MinSamplesForBaseline == 0 {
		cfg.MinSamplesForBaseline = 100
	}
	if cfg.FetchTimeoutSeconds == 0 {
		cfg.FetchTimeoutSeconds = 30
	}
	if cfg.SinkTimeoutSeconds == 0 {
		cfg.SinkTimeoutSeconds = 2
	}
	if cfg.ShutdownGraceSeconds == 0 {
		cfg.ShutdownGraceSeconds = 30
	}
	if cfg.MLTimeoutSeconds == 0 {
		cfg.MLTimeoutSeconds = 5
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/extruder-monitor.db"
	}
	if cfg.PrometheusAddr == "" {
		cfg.PrometheusAddr = ":9090"
	}
	if cfg.ReadAPIPort == 0 {
		cfg.ReadAPIPort = 8080
	}

	zero := Thresholds{}
	if cfg.DefaultThresholds == zero {
		cfg.DefaultThresholds = DefaultThresholds()
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// validate panics on startup-fatal misconfiguration: missing historian
// credentials while enabled, or duplicate machine IDs. This mirrors the
// teacher's fail-fast Config.validate().
func (cfg *Config) validate() {
	if cfg.Historian.Enabled {
		var missing []string
		if cfg.Historian.Host == "" {
			missing = append(missing, "historian.host")
		}
		if cfg.Historian.DB == "" {
			missing = append(missing, "historian.db")
		}
		if cfg.Historian.Table == "" {
			missing = append(missing, "historian.table")
		}
		if len(missing) > 0 {
			panic(fmt.Sprintf("historian.enabled is true but required fields are missing: %v", missing))
		}
	}

	seen := make(map[string]bool, len(cfg.Machines))
	for _, m := range cfg.Machines {
		if seen[m] {
			panic("duplicate machine ID in config: " + m)
		}
		seen[m] = true
	}
}
