package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/agent-sim/agent-sim/sim"
)

var (
	logLevel     string // Log verbosity level
	manifestPath string // Path to the experiment manifest YAML
	outputDir    string // Override for the manifest's output directory
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "agent-sim",
	Short: "Shared-memory engine for agent-based simulation experiments",
}

// runCmd loads an experiment manifest and drives it to completion
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the experiment described by a manifest file",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		manifest, err := LoadExperimentManifest(manifestPath)
		if err != nil {
			logrus.Fatalf("Loading experiment manifest: %v", err)
		}
		if outputDir != "" {
			manifest.Output.Dir = outputDir
		}

		if err := runExperiment(manifest); err != nil {
			logrus.Fatalf("Experiment failed: %v", err)
		}
		logrus.Info("Experiment complete.")
	},
}

// runExperiment wires the controller, feeds it the manifest's simulations
// and waits for every run to finish or for an interrupt.
func runExperiment(manifest *ExperimentManifest) error {
	baseGlobals, err := manifest.BaseGlobals()
	if err != nil {
		return err
	}
	datasets, err := manifest.LoadDatasets()
	if err != nil {
		return err
	}

	experimentID := uuid.New()
	cfg := &sim.ExperimentConfig{
		ExperimentID: experimentID,
		Name:         manifest.Name,
		BaseGlobals:  baseGlobals,
		Persistence: sim.PersistenceConfig{
			OutputDir:      manifest.Output.Dir,
			OutputInterval: manifest.Output.Interval,
		},
		WorkerAllocation: manifest.Workers,
	}

	store := sim.NewSharedStore(datasets)
	defer store.Close()

	// The external worker pool runs out of process; the CLI stands in for
	// it by accepting registrations and never producing messages.
	register := make(chan sim.NewSimulationRun, len(manifest.Simulations))
	poolMsgs := make(chan sim.WorkerPoolMsg)
	go func() {
		for run := range register {
			logrus.Debugf("sim %d: registered with %d packages", run.SimID, len(run.Packages))
		}
	}()

	client := make(chan sim.EngineStatus, 64)
	stepUpdates := make(chan sim.StepUpdate, 256)
	ctl := make(chan sim.ExperimentControl, len(manifest.Simulations))
	engineMsgs := make(chan sim.EngineMsg)

	terminate := make(chan struct{})
	var terminateOnce sync.Once
	requestTerminate := func() {
		terminateOnce.Do(func() { close(terminate) })
	}

	var persistence sim.PersistenceCreator = sim.JSONLPersistenceCreator{}
	if manifest.Output.Dir == "" {
		persistence = sim.DiscardPersistenceCreator{}
	}

	controller := sim.NewExperimentController(
		cfg,
		sim.BuiltinCreators(),
		persistence,
		store,
		sim.WorkerPoolComms{Register: register, Messages: poolMsgs},
		client,
		stepUpdates,
		ctl,
		engineMsgs,
		terminate,
	)

	// Drain step updates; the CLI has no separate experiment-package
	// consumer.
	go func() {
		for range stepUpdates {
		}
	}()

	// Relay client statuses to the log and terminate once every simulation
	// has stopped.
	go func() {
		remaining := len(manifest.Simulations)
		for status := range client {
			switch status := status.(type) {
			case sim.SimStart:
				logrus.Infof("sim %d: run registered", status.SimID)
			case sim.SimStatusUpdate:
				s := status.Status
				if s.Error != "" {
					logrus.Errorf("sim %d: failed at step %d: %s", s.SimID, s.Steps, s.Error)
				} else {
					logrus.Debugf("sim %d: completed step %d", s.SimID, s.Steps)
				}
			case sim.SimStop:
				logrus.Infof("sim %d: run finished", status.SimID)
				remaining--
				if remaining == 0 {
					requestTerminate()
					return
				}
			case sim.UserErrors:
				for _, e := range status.Errors {
					logrus.Errorf("sim %d: %s", status.SimID, e)
				}
			case sim.UserWarnings:
				for _, w := range status.Warnings {
					logrus.Warnf("sim %d: %s", status.SimID, w)
				}
			case sim.RunnerErrors:
				for _, e := range status.Errors {
					logrus.Errorf("sim %d runner: %s", status.SimID, e)
				}
			case sim.RunnerWarnings:
				for _, w := range status.Warnings {
					logrus.Warnf("sim %d runner: %s", status.SimID, w)
				}
			case sim.Logs:
				for _, line := range status.Lines {
					logrus.Infof("sim %d: %s", status.SimID, line)
				}
			case sim.PackageError:
				logrus.Errorf("sim %d package: %s", status.SimID, status.Error)
			}
		}
	}()

	// Interrupts drain the experiment instead of killing it, so segments
	// are unlinked cleanly.
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigC)
	go func() {
		<-sigC
		logrus.Warn("Interrupt received, draining experiment")
		requestTerminate()
	}()

	for _, s := range manifest.Simulations {
		changed, err := s.ChangedGlobalsJSON()
		if err != nil {
			return err
		}
		ctl <- sim.StartSim{
			SimID:          sim.SimulationID(s.ID),
			ChangedGlobals: changed,
			MaxNumSteps:    s.Steps,
		}
	}

	return controller.Run(context.Background())
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&manifestPath, "manifest", "experiment.yaml", "Path to the experiment manifest")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&outputDir, "output-dir", "", "Override the manifest's output directory")

	rootCmd.AddCommand(runCmd)
}
