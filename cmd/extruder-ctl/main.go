// Command extruder-ctl is the operator-facing admin tool: start/finalize/
// reset baseline learning for a profile, and print a one-shot evaluation
// snapshot for a (machine, material) pair. It is the natural counterpart
// to the teacher's cmd/debug flag-based tool, rebuilt on cobra (already
// pulled in by the corpus's CLI convention) instead of bare flag, since
// this tool has more than one independent subcommand.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/extruder-monitor/db"
	"github.com/thatsimonsguy/extruder-monitor/internal/baseline"
	"github.com/thatsimonsguy/extruder-monitor/internal/config"
	"github.com/thatsimonsguy/extruder-monitor/internal/evaluator"
	"github.com/thatsimonsguy/extruder-monitor/internal/historian"
	"github.com/thatsimonsguy/extruder-monitor/internal/metricengine"
	"github.com/thatsimonsguy/extruder-monitor/internal/model"
	"github.com/thatsimonsguy/extruder-monitor/internal/profile"
	"github.com/thatsimonsguy/extruder-monitor/internal/statedetector"
	"github.com/thatsimonsguy/extruder-monitor/internal/telemetry"
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:   "extruder-ctl",
		Short: "Operator tool for extruder condition-monitoring profiles",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "data/extruder-monitor.db", "Path to the SQLite database file")

	root.AddCommand(newProfileCmd())
	root.AddCommand(newEvaluateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newProfileCmd() *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage baseline profiles",
	}

	var machineID, materialID string

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new profile scoped to a machine and material",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			p, err := profile.New(conn).Create(machineID, materialID)
			if err != nil {
				return err
			}
			fmt.Printf("Created profile %s (machine=%q material=%q)\n", p.ProfileID, p.MachineID, p.MaterialID)
			return nil
		},
	}
	createCmd.Flags().StringVar(&machineID, "machine", "", "Machine ID ('' for a material-default profile)")
	createCmd.Flags().StringVar(&materialID, "material", "", "Material ID (required)")

	var profileID string

	startCmd := &cobra.Command{
		Use:   "start-learning",
		Short: "Put a profile into baseline learning mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := baseline.New(conn).StartLearning(profileID); err != nil {
				return err
			}
			fmt.Printf("Profile %s is now learning\n", profileID)
			return nil
		},
	}
	startCmd.Flags().StringVar(&profileID, "profile", "", "Profile ID (required)")

	finalizeCmd := &cobra.Command{
		Use:   "finalize",
		Short: "Finalize a profile's baseline from its accumulated samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := baseline.New(conn).Finalize(profileID); err != nil {
				if insufficient, ok := err.(*baseline.InsufficientSamplesError); ok {
					return fmt.Errorf("cannot finalize: %w", insufficient)
				}
				return err
			}
			fmt.Printf("Profile %s finalized\n", profileID)
			return nil
		},
	}
	finalizeCmd.Flags().StringVar(&profileID, "profile", "", "Profile ID (required)")

	var archive bool

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a profile's baseline, optionally archiving the prior stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := baseline.New(conn).Reset(profileID, archive, time.Now().UTC()); err != nil {
				return err
			}
			fmt.Printf("Profile %s reset (archived=%v)\n", profileID, archive)
			return nil
		},
	}
	resetCmd.Flags().StringVar(&profileID, "profile", "", "Profile ID (required)")
	resetCmd.Flags().BoolVar(&archive, "archive", false, "Archive the existing baseline stats before clearing them")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			profiles, err := profile.New(conn).All()
			if err != nil {
				return err
			}
			for _, p := range profiles {
				fmt.Printf("%s\tmachine=%q\tmaterial=%q\tlearning=%v\tready=%v\n",
					p.ProfileID, p.MachineID, p.MaterialID, p.BaselineLearning, p.BaselineReady)
			}
			return nil
		},
	}

	profileCmd.AddCommand(createCmd, startCmd, finalizeCmd, resetCmd, listCmd)
	return profileCmd
}

// newEvaluateCmd prints the Evaluation struct for a (machine, material) at
// "now", built from a fresh window of historian rows. It is a one-shot
// rendition of the poller's cycle: no hysteresis state survives between
// invocations, so a freshly-seen instantaneous state is reported as-is.
func newEvaluateCmd() *cobra.Command {
	var machineID, materialID, configFile string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Print the current evaluation for a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFile(configFile)
			if err != nil {
				return err
			}

			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			hist, err := historian.Open(cfg.Historian.Host, cfg.Historian.Table, telemetry.NewPrometheus())
			if err != nil {
				return fmt.Errorf("failed to open historian: %w", err)
			}
			defer hist.Close()

			since := time.Now().UTC().Add(-time.Duration(cfg.WindowMinutes) * time.Minute)
			rows, _, err := hist.Fetch(cmd.Context(), machineID, since, cfg.MaxRowsPerPoll)
			if err != nil {
				return fmt.Errorf("historian fetch failed: %w", err)
			}
			if len(rows) == 0 {
				return fmt.Errorf("no readings for %s in the last %d minutes", machineID, cfg.WindowMinutes)
			}

			current := rows[len(rows)-1]
			window := rows[:len(rows)-1]

			metrics := metricengine.Compute(window, current)

			detector := statedetector.New(cfg.ThresholdsFor(machineID))
			now := time.Now().UTC()
			if info, ok := detector.CheckStale(true, current.Timestamp, now); ok {
				fmt.Printf("machine=%s state=%s confidence=%.2f (stale or empty buffer)\n", machineID, info.State, info.Confidence)
				return nil
			}
			stateInfo := detector.Classify(current, metrics, now)

			if materialID == "" {
				materialID = cfg.MaterialFor(machineID)
			}
			reg := profile.New(conn)
			p, err := reg.Resolve(machineID, materialID)
			if err != nil {
				return err
			}

			var stats map[string]model.BaselineStats
			if p != nil && p.BaselineReady {
				stats, err = db.GetBaselineStats(conn, p.ProfileID)
				if err != nil {
					return err
				}
			}

			eval := evaluator.Evaluate(evaluator.Input{
				Reading:       current,
				Metrics:       metrics,
				State:         stateInfo,
				Profile:       p,
				BaselineStats: stats,
			})

			fmt.Printf("machine=%s state=%s confidence=%.2f process_status=%s (%s)\n",
				machineID, stateInfo.State, stateInfo.Confidence, eval.ProcessStatus, eval.ProcessStatusText)
			for _, me := range eval.Metrics {
				sev := "n/a"
				if me.Severity != nil {
					sev = fmt.Sprintf("%v", *me.Severity)
				}
				fmt.Printf("  %-14s stability=%-8s severity=%s\n", me.MetricName, me.Stability, sev)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "Machine ID (required)")
	cmd.Flags().StringVar(&materialID, "material", "", "Material ID (defaults to the configured current material)")
	cmd.Flags().StringVar(&configFile, "config-file", "config.yaml", "Path to monitor config file")
	return cmd
}

func openDB() (*sql.DB, error) {
	return db.Open(dbPath)
}

func loadConfigFile(path string) (config.Config, error) {
	return config.LoadFromFile(path)
}
