package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/reaperhq/reposupervisor/pkg/supervisor"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "reposupervisor",
	Short:   "Supervises a fleet of long-lived repository worker processes",
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the fleet and block until shutdown completes",
	RunE:  runRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the repository and fleet configuration, then exit",
	RunE:  runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the reposupervisor version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)

	for _, cmd := range []*cobra.Command{runCmd, validateCmd} {
		cmd.Flags().String("config", "", "path to the fleet configuration file (YAML)")
		cmd.Flags().String("repositories", "repositories.json", "path to the repository definitions file (JSON)")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadAll(cmd *cobra.Command) (*supervisor.FleetConfig, []supervisor.WorkerSpec, error) {
	configPath, _ := cmd.Flags().GetString("config")
	reposPath, _ := cmd.Flags().GetString("repositories")

	fleetCfg, err := supervisor.LoadFleetConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	specs, err := supervisor.LoadRepositories(reposPath)
	if err != nil {
		return nil, nil, err
	}

	return fleetCfg, specs, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	fleetCfg, specs, err := loadAll(cmd)
	if err != nil {
		return err
	}
	fmt.Printf("configuration OK: %d worker(s), health interval %s\n", len(specs), fleetCfg.HealthInterval)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	fleetCfg, specs, err := loadAll(cmd)
	if err != nil {
		return err
	}

	logger := supervisor.NewLogger(fleetCfg.Logging)
	metrics := supervisor.NewMetrics()

	ctx := context.Background()

	fleet := supervisor.NewSupervisor(fleetCfg, specs, logger, nil, metrics)
	if err := fleet.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fleet: %w", err)
	}

	if fleetCfg.Metrics.Enabled {
		go serveMetrics(fleetCfg.Metrics, metrics, logger)
	}

	clients := supervisor.NewClientRegistry(logger)
	resources := supervisor.NewResourceRegistry(logger)
	coord := supervisor.NewCoordinator()

	supervisor.InstallSignalBridge(ctx, coord, logger)

	logger.InfoContext(ctx, "fleet running, waiting for shutdown signal")
	coord.Wait(0)

	orchestrator := supervisor.NewOrchestrator(fleet, clients, resources, coord, metrics, logger, fleetCfg.GracePeriod, fleetCfg.ForceTimeout)
	code := orchestrator.Run(ctx)

	os.Exit(code)
	return nil
}

func serveMetrics(cfg supervisor.MetricsConfig, metrics *supervisor.Metrics, logger *supervisor.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())
	if err := http.ListenAndServe(cfg.Endpoint, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", "error", err)
	}
}
