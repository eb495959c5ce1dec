package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plateworks/conductor/pkg/api"
	"github.com/plateworks/conductor/pkg/config"
	"github.com/plateworks/conductor/pkg/estimator"
	"github.com/plateworks/conductor/pkg/events"
	"github.com/plateworks/conductor/pkg/executor"
	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/metrics"
	"github.com/plateworks/conductor/pkg/scheduler"
	"github.com/plateworks/conductor/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor server",
	Long: `Run the conductor server: the scheduler, the executor core loop and
the HTTP control API, backed by an embedded database in the data directory.

A lab configuration file given with --lab is applied at boot when the
database holds no device catalogue yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		labPath, _ := cmd.Flags().GetString("lab")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")
		simulate, _ := cmd.Flags().GetBool("simulate")
		simSpeed, _ := cmd.Flags().GetFloat64("sim-speed")

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %v", err)
		}
		st, err := store.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		if labPath != "" && len(st.Devices()) == 0 {
			lab, err := config.Load(labPath)
			if err != nil {
				return err
			}
			if err := st.ConfigureLab(lab.Description, lab.Devices); err != nil {
				return err
			}
			fmt.Printf("✓ Lab configured with %d devices\n", len(lab.Devices))
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		collector := metrics.NewCollector(st, 0)
		collector.Start()
		defer collector.Stop()

		est := estimator.New(st, estimator.Config{})
		exec := executor.New(executor.Config{}, st, scheduler.New(scheduler.Config{}), est, broker, nil)
		if err := exec.Start(); err != nil {
			return err
		}
		defer exec.Stop()
		fmt.Println("✓ Executor started")

		if simulate {
			if err := exec.SetSimulation(true, simSpeed); err != nil {
				return err
			}
			fmt.Printf("✓ Simulation mode enabled (%.0fx)\n", simSpeed)
		}

		apiServer := api.NewServer(exec, broker)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(listen); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()
		defer apiServer.Stop()
		fmt.Printf("✓ API listening on %s\n", listen)
		fmt.Println()
		fmt.Println("Conductor is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			return nil
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:8080", "Address for the HTTP API")
	serveCmd.Flags().String("data-dir", "./conductor-data", "Data directory for lab state and history")
	serveCmd.Flags().String("lab", "", "Lab configuration file applied on first boot")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
	serveCmd.Flags().Bool("simulate", false, "Start in simulation mode")
	serveCmd.Flags().Float64("sim-speed", 60, "Simulation speed factor")
}
