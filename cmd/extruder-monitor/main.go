// Command extruder-monitor is the condition-monitoring daemon: one poller
// goroutine per configured machine, a read API for evaluation snapshots,
// and Prometheus/DogStatsD/ntfy telemetry. Grounded on the teacher's
// cmd/hvac-controller/main.go wiring order (load config, init logging,
// validate preconditions, load/construct state, start the control loop(s),
// wait on a signal, shut down gracefully).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/extruder-monitor/db"
	"github.com/thatsimonsguy/extruder-monitor/internal/baseline"
	"github.com/thatsimonsguy/extruder-monitor/internal/config"
	"github.com/thatsimonsguy/extruder-monitor/internal/eventsink"
	"github.com/thatsimonsguy/extruder-monitor/internal/historian"
	"github.com/thatsimonsguy/extruder-monitor/internal/logging"
	"github.com/thatsimonsguy/extruder-monitor/internal/mlclient"
	"github.com/thatsimonsguy/extruder-monitor/internal/poller"
	"github.com/thatsimonsguy/extruder-monitor/internal/profile"
	"github.com/thatsimonsguy/extruder-monitor/internal/readapi"
	"github.com/thatsimonsguy/extruder-monitor/internal/telemetry"
	"github.com/thatsimonsguy/extruder-monitor/system/shutdown"
)

// snapshotAdapter bridges a *poller.Machine to readapi.SnapshotSource
// without making readapi depend on poller's internal Snapshot shape.
type snapshotAdapter struct{ m *poller.Machine }

func (a snapshotAdapter) Snapshot() *readapi.Snapshot {
	s := a.m.Snapshot()
	if s == nil {
		return nil
	}
	return &readapi.Snapshot{
		MachineID:  s.MachineID,
		MaterialID: s.MaterialID,
		State:      s.State,
		Evaluation: s.Evaluation,
	}
}

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().Strs("machines", cfg.Machines).Msg("Starting extruder condition monitor")

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := db.ValidateDatabase(conn); err != nil {
		log.Warn().Err(err).Msg("Database validation reported issues")
	}

	watcher := config.NewWatcher(cfg)
	defer watcher.Close()

	prom := telemetry.NewPrometheus()
	go prom.Serve(cfg.PrometheusAddr)

	dd := telemetry.NewDatadog(cfg.DDAgentAddr, cfg.DDNamespace, cfg.DDTags)

	sink := eventsink.NewMulti(
		prom,
		time.Duration(cfg.SinkTimeoutSeconds)*time.Second,
		eventsink.LogSink{},
		eventsink.NewDatadogSink(dd),
		eventsink.NewNtfySink(cfg.NtfyTopic),
	)

	ml := mlclient.New(cfg.MLServiceURL, time.Duration(cfg.MLTimeoutSeconds)*time.Second)
	profiles := profile.New(conn)

	ctx, cancel := context.WithCancel(context.Background())
	coordinator := shutdown.New(cancel)
	learner := baseline.New(conn).WithTracker(coordinator).WithProm(prom)

	var hist historian.Client
	if cfg.Historian.Enabled {
		hist = mustHistorianClient(cfg, prom)
		defer hist.Close()
	}

	machines := make(map[string]readapi.SnapshotSource, len(cfg.Machines))
	for _, machineID := range cfg.Machines {
		m := poller.New(machineID, poller.Deps{
			Conn:      conn,
			Watcher:   watcher,
			Historian: hist,
			ML:        ml,
			Profiles:  profiles,
			Learner:   learner,
			Sink:      sink,
			Prom:      prom,
		})
		machines[machineID] = snapshotAdapter{m: m}
		go m.Run(ctx)
	}

	api := readapi.NewServer(machines, profiles)
	go func() {
		if err := api.Start(cfg.ReadAPIPort); err != nil {
			log.Error().Err(err).Msg("Read API stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutdown signal received")

	grace := time.Duration(cfg.ShutdownGraceSeconds) * time.Second
	if !coordinator.Shutdown(grace) {
		log.Warn().Msg("Shutdown grace period elapsed; exiting anyway")
	}
	os.Exit(0)
}

// mustHistorianClient opens the one shared historian connection used by
// every machine's poller. The historian is a single tabular source keyed
// by machine_id, not one connection per machine, so it is constructed
// once here rather than inside the per-machine loop. The concrete
// binding is SQLite: historian.host names the database file on disk.
func mustHistorianClient(cfg config.Config, prom *telemetry.Prometheus) historian.Client {
	client, err := historian.Open(cfg.Historian.Host, cfg.Historian.Table, prom)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open historian connection")
	}
	return client
}
