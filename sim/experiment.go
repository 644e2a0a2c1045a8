package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// experimentState tracks the controller's lifecycle.
type experimentState int

const (
	experimentRunning experimentState = iota
	experimentDraining
	experimentStopped
)

// drainInitialWait is the first interval the draining controller waits for
// simulations to finish before logging; each expiry triples it.
const drainInitialWait = 3 * time.Second

// ExperimentController owns an experiment: it starts simulation runs on
// demand, routes control commands to them, relays their statuses and the
// worker pool's messages to the client, and drains everything on
// termination. All bookkeeping is confined to the Run goroutine.
type ExperimentController struct {
	cfg         *ExperimentConfig
	creators    *PackageCreators
	persistence PersistenceCreator
	store       *SharedStore
	workerPool  WorkerPoolComms

	client      chan<- EngineStatus
	stepUpdates chan<- StepUpdate
	ctl         <-chan ExperimentControl
	engineMsgs  <-chan EngineMsg
	terminate   <-chan struct{}

	status     chan SimStatus
	runs       *SimulationRuns
	simSenders map[SimulationID]chan<- SimControl

	state experimentState
}

// NewExperimentController wires a controller. The store's observer refs are
// handed to every worker-pool registration; the store itself stays owned by
// the caller.
func NewExperimentController(
	cfg *ExperimentConfig,
	creators *PackageCreators,
	persistence PersistenceCreator,
	store *SharedStore,
	workerPool WorkerPoolComms,
	client chan<- EngineStatus,
	stepUpdates chan<- StepUpdate,
	ctl <-chan ExperimentControl,
	engineMsgs <-chan EngineMsg,
	terminate <-chan struct{},
) *ExperimentController {
	return &ExperimentController{
		cfg:         cfg,
		creators:    creators,
		persistence: persistence,
		store:       store,
		workerPool:  workerPool,
		client:      client,
		stepUpdates: stepUpdates,
		ctl:         ctl,
		engineMsgs:  engineMsgs,
		terminate:   terminate,
		status:      make(chan SimStatus, 64),
		runs:        NewSimulationRuns(),
		simSenders:  make(map[SimulationID]chan<- SimControl),
	}
}

// Run is the controller's event loop. It returns nil after a clean drain
// and an error on the first experiment-fatal condition. Errors scoped to a
// single simulation (duplicate start, unknown id) are reported to the
// client and logged but never stop the experiment.
func (e *ExperimentController) Run(ctx context.Context) error {
	logrus.Infof("experiment %q (%s): controller running", e.cfg.Name, e.cfg.ExperimentID)

	// Simulations spawned by this loop run under a derived context so a
	// fatal return unblocks them even with nobody left to consume their
	// statuses.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Nil-ed once draining starts so terminate stops being polled.
	termC := e.terminate
	var drainC <-chan time.Time
	wait := drainInitialWait

	for e.state != experimentStopped {
		select {
		case cmd, ok := <-e.ctl:
			if !ok {
				e.ctl = nil
				continue
			}
			if err := e.handleControl(ctx, cmd); err != nil {
				return err
			}

		case msg := <-e.engineMsgs:
			// The init handshake happens before the controller starts, so
			// any engine message here is a protocol violation.
			return fmt.Errorf("unexpected engine message mid-run (init: %v)", msg.Init != nil)

		case msg := <-e.workerPool.Messages:
			e.client <- translateWorkerPoolMsg(msg)

		case status := <-e.status:
			if err := e.handleSimStatus(status); err != nil {
				return err
			}

		case result := <-e.runs.Completions():
			e.runs.Finish(result.SimID)
			delete(e.simSenders, result.SimID)
			logrus.Debugf("sim %d: run task finished, %d still active", result.SimID, e.runs.Len())
			e.client <- SimStop{SimID: result.SimID}
			if e.state == experimentDraining && e.runs.Empty() {
				e.state = experimentStopped
			}

		case <-termC:
			logrus.Infof("experiment %q: terminating, %d simulations active", e.cfg.Name, e.runs.Len())
			if e.runs.Empty() {
				e.state = experimentStopped
				continue
			}
			// In-flight simulations finish on their own; draining only
			// waits, it never cuts a run short.
			e.state = experimentDraining
			termC = nil
			drainC = time.After(wait)

		case <-drainC:
			if e.state == experimentDraining && !e.runs.Empty() {
				logrus.Warnf("experiment %q: still draining %d simulations after %s", e.cfg.Name, e.runs.Len(), wait)
				wait *= 3
				drainC = time.After(wait)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logrus.Infof("experiment %q: controller stopped", e.cfg.Name)
	return nil
}

func (e *ExperimentController) handleControl(ctx context.Context, cmd ExperimentControl) error {
	switch cmd := cmd.(type) {
	case StartSim:
		if err := e.startNewSimRun(ctx, cmd); err != nil {
			e.reportSimError(cmd.SimID, err)
		}
	case PauseSim:
		e.forwardSimControl(cmd.SimID, SimControlPause)
	case ResumeSim:
		e.forwardSimControl(cmd.SimID, SimControlResume)
	case StopSim:
		e.forwardSimControl(cmd.SimID, SimControlStop)
	default:
		return fmt.Errorf("unknown experiment control %T", cmd)
	}
	return nil
}

// startNewSimRun prepares and launches one simulation: patch globals,
// derive schemas and config, instantiate packages, register with the
// worker pool, then spawn the driver task. Failures leave the controller's
// state exactly as it was.
func (e *ExperimentController) startNewSimRun(ctx context.Context, cmd StartSim) error {
	if _, exists := e.simSenders[cmd.SimID]; exists {
		return fmt.Errorf("simulation %d already registered", cmd.SimID)
	}

	globals, err := e.cfg.BaseGlobals.Apply(cmd.ChangedGlobals)
	if err != nil {
		return fmt.Errorf("patching globals for simulation %d: %w", cmd.SimID, err)
	}

	schema, err := e.creators.CreateSchema(globals)
	if err != nil {
		return fmt.Errorf("deriving schema for simulation %d: %w", cmd.SimID, err)
	}

	persistCfg := e.creators.CreatePersistenceConfig(e.cfg, globals)
	runCfg := newSimulationRunConfig(e.cfg, cmd.SimID, globals, schema, persistCfg, cmd.MaxNumSteps)

	packages, startMsgs, err := NewPackages(e.creators, runCfg)
	if err != nil {
		return fmt.Errorf("instantiating packages for simulation %d: %w", cmd.SimID, err)
	}

	sink, err := e.persistence.Create(runCfg)
	if err != nil {
		return fmt.Errorf("creating persistence sink for simulation %d: %w", cmd.SimID, err)
	}

	if e.workerPool.Register != nil {
		e.workerPool.Register <- NewSimulationRun{
			SimID:            cmd.SimID,
			WorkerAllocation: runCfg.WorkerAllocation,
			Packages:         startMsgs,
			Schema:           schema,
			Globals:          globals,
			Store:            e.store.Observe(),
		}
	}

	ctrl := NewSimulationController(runCfg, packages, sink, e.status)
	e.simSenders[cmd.SimID] = ctrl.Control()
	e.runs.Spawn(cmd.SimID, func() error { return ctrl.Run(ctx) })

	e.client <- SimStart{SimID: cmd.SimID, Globals: globals}
	logrus.Infof("sim %d: started (%d steps, %d packages)", cmd.SimID, cmd.MaxNumSteps, len(startMsgs))
	return nil
}

// handleSimStatus forwards one per-step status to the step-update consumer
// and the client. A full step-update channel is fatal while the simulation
// is still running; once the status marks it as ending, a lagging consumer
// is expected and merely logged.
func (e *ExperimentController) handleSimStatus(status SimStatus) error {
	update := StepUpdate{
		SimID:      status.SimID,
		WasError:   status.Error != "",
		StopSignal: status.StopSignal,
	}
	select {
	case e.stepUpdates <- update:
	default:
		if !status.Ending() {
			return fmt.Errorf("forwarding step update for running simulation %d", status.SimID)
		}
		logrus.Debugf("sim %d: dropping step update for ending simulation", status.SimID)
	}

	e.client <- SimStatusUpdate{Status: status}
	return nil
}

// forwardSimControl posts one control token to the addressed simulation.
// An unknown id is scoped to that simulation and reported, never fatal.
func (e *ExperimentController) forwardSimControl(simID SimulationID, cmd SimControl) {
	sender, ok := e.simSenders[simID]
	if !ok {
		e.reportSimError(simID, fmt.Errorf("no registered simulation with id %d", simID))
		return
	}
	e.sendControl(simID, sender, cmd)
}

func (e *ExperimentController) sendControl(simID SimulationID, sender chan<- SimControl, cmd SimControl) {
	select {
	case sender <- cmd:
	default:
		// The buffer only fills when the simulation stopped consuming,
		// which means it is already on its way out.
		logrus.Warnf("sim %d: dropping %s command, control buffer full", simID, cmd)
	}
}

func (e *ExperimentController) reportSimError(simID SimulationID, err error) {
	logrus.Errorf("sim %d: %v", simID, err)
	e.client <- UserErrors{SimID: simID, Errors: []string{err.Error()}}
}

// translateWorkerPoolMsg maps one worker-pool message onto its
// client-facing EngineStatus variant.
func translateWorkerPoolMsg(msg WorkerPoolMsg) EngineStatus {
	switch msg.Kind {
	case WorkerPoolRunnerErrors:
		return RunnerErrors{SimID: msg.SimID, Errors: msg.Entries}
	case WorkerPoolRunnerWarnings:
		return RunnerWarnings{SimID: msg.SimID, Warnings: msg.Entries}
	case WorkerPoolLogs:
		return Logs{SimID: msg.SimID, Lines: msg.Entries}
	case WorkerPoolUserErrors:
		return UserErrors{SimID: msg.SimID, Errors: msg.Entries}
	case WorkerPoolUserWarnings:
		return UserWarnings{SimID: msg.SimID, Warnings: msg.Entries}
	case WorkerPoolPackageError:
		err := ""
		if len(msg.Entries) > 0 {
			err = msg.Entries[0]
		}
		return PackageError{SimID: msg.SimID, Error: err}
	default:
		return Logs{SimID: msg.SimID, Lines: msg.Entries}
	}
}
