package sim

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// experimentHarness wires an ExperimentController with externally held
// channel ends, mirroring how the CLI drives it.
type experimentHarness struct {
	controller  *ExperimentController
	client      chan EngineStatus
	stepUpdates chan StepUpdate
	ctl         chan ExperimentControl
	engineMsgs  chan EngineMsg
	terminate   chan struct{}
	register    chan NewSimulationRun
	poolMsgs    chan WorkerPoolMsg
	store       *SharedStore
	done        chan error
}

func newExperimentHarness(t *testing.T, creators *PackageCreators) *experimentHarness {
	t.Helper()
	h := &experimentHarness{
		client:      make(chan EngineStatus, 64),
		stepUpdates: make(chan StepUpdate, 256),
		ctl:         make(chan ExperimentControl, 16),
		engineMsgs:  make(chan EngineMsg, 1),
		terminate:   make(chan struct{}),
		register:    make(chan NewSimulationRun, 16),
		poolMsgs:    make(chan WorkerPoolMsg, 16),
		store:       NewSharedStore(nil),
		done:        make(chan error, 1),
	}
	cfg := &ExperimentConfig{
		ExperimentID: uuid.New(),
		Name:         "harness",
		BaseGlobals:  EmptyGlobals(),
		Persistence:  PersistenceConfig{OutputInterval: 1},
	}
	h.controller = NewExperimentController(
		cfg,
		creators,
		DiscardPersistenceCreator{},
		h.store,
		WorkerPoolComms{Register: h.register, Messages: h.poolMsgs},
		h.client,
		h.stepUpdates,
		h.ctl,
		h.engineMsgs,
		h.terminate,
	)
	return h
}

func (h *experimentHarness) run() {
	go func() { h.done <- h.controller.Run(context.Background()) }()
}

func (h *experimentHarness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.store.Close()
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("experiment controller did not stop in time")
		return nil
	}
}

// nextClientStatus receives one client-facing status or fails the test.
func (h *experimentHarness) nextClientStatus(t *testing.T) EngineStatus {
	t.Helper()
	select {
	case status := <-h.client:
		return status
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a client status")
		return nil
	}
}

// waitClientStatus discards statuses until one matches.
func (h *experimentHarness) waitClientStatus(t *testing.T, match func(EngineStatus) bool) EngineStatus {
	t.Helper()
	for {
		status := h.nextClientStatus(t)
		if match(status) {
			return status
		}
	}
}

func isSimStop(s EngineStatus) bool {
	_, ok := s.(SimStop)
	return ok
}

func isUserErrors(s EngineStatus) bool {
	_, ok := s.(UserErrors)
	return ok
}

// gatedCreators builds a package set whose state phase blocks on gate every
// step and counts executions, so tests control when step boundaries are
// reached.
func gatedCreators(gate chan struct{}, stepsRun *int) *PackageCreators {
	return &PackageCreators{
		Init: []InitPackageCreator{
			fakeInitCreator{name: "seeds", fields: tagField(), run: func(context.Context, *SimulationRunConfig) ([]AgentSeed, error) {
				return tagSeeds("a"), nil
			}},
		},
		State: []StatePackageCreator{
			fakeStateCreator{name: "gated", run: func(ctx context.Context, _ *State, _ *Context) error {
				select {
				case <-gate:
					*stepsRun++
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}},
		},
	}
}

func TestExperimentTerminatesImmediatelyWithNoSims(t *testing.T) {
	h := newExperimentHarness(t, stepCountingCreators(new(int)))
	h.run()

	close(h.terminate)

	require.NoError(t, h.waitDone(t))
}

func TestExperimentRunsSimulationToCompletion(t *testing.T) {
	// GIVEN a running experiment
	stepsRun := 0
	h := newExperimentHarness(t, stepCountingCreators(&stepsRun))
	h.run()

	// WHEN starting a two-step simulation
	h.ctl <- StartSim{SimID: 7, MaxNumSteps: 2}

	// THEN the client sees the start before anything else
	start := h.nextClientStatus(t)
	require.IsType(t, SimStart{}, start)
	assert.Equal(t, SimulationID(7), start.(SimStart).SimID)

	// AND the worker pool was handed the registration
	select {
	case run := <-h.register:
		assert.Equal(t, SimulationID(7), run.SimID)
		assert.True(t, run.Store.Valid())
	case <-time.After(5 * time.Second):
		t.Fatal("no worker pool registration observed")
	}

	// AND every step produced an update for the experiment consumer
	for i := 0; i < 2; i++ {
		select {
		case update := <-h.stepUpdates:
			assert.Equal(t, SimulationID(7), update.SimID)
			assert.False(t, update.WasError)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for step update %d", i)
		}
	}

	// AND the run's end reaches the client
	h.waitClientStatus(t, isSimStop)
	assert.Equal(t, 2, stepsRun)

	close(h.terminate)
	require.NoError(t, h.waitDone(t))
}

func TestExperimentRejectsDuplicateSimID(t *testing.T) {
	// GIVEN a registered simulation held at its first step boundary
	gate := make(chan struct{})
	h := newExperimentHarness(t, gatedCreators(gate, new(int)))
	h.run()

	h.ctl <- StartSim{SimID: 3, MaxNumSteps: 100}
	h.waitClientStatus(t, func(s EngineStatus) bool {
		_, ok := s.(SimStart)
		return ok
	})

	// WHEN starting another simulation under the same id
	h.ctl <- StartSim{SimID: 3, MaxNumSteps: 100}

	// THEN the duplicate is reported against that simulation only
	status := h.waitClientStatus(t, isUserErrors)
	errs := status.(UserErrors)
	assert.Equal(t, SimulationID(3), errs.SimID)
	require.Len(t, errs.Errors, 1)
	assert.Contains(t, errs.Errors[0], "already registered")

	// AND the original simulation is unaffected by the failed start
	h.ctl <- StopSim{SimID: 3}
	close(gate)
	h.waitClientStatus(t, isSimStop)

	close(h.terminate)
	require.NoError(t, h.waitDone(t))
}

func TestExperimentReportsUnknownSimID(t *testing.T) {
	h := newExperimentHarness(t, stepCountingCreators(new(int)))
	h.run()

	// Controls addressed to an id that never started are scoped errors,
	// not experiment failures
	h.ctl <- PauseSim{SimID: 42}

	status := h.waitClientStatus(t, isUserErrors)
	errs := status.(UserErrors)
	assert.Equal(t, SimulationID(42), errs.SimID)
	assert.Contains(t, errs.Errors[0], "no registered simulation")

	close(h.terminate)
	require.NoError(t, h.waitDone(t))
}

func TestExperimentDrainsActiveSimsOnTerminate(t *testing.T) {
	// GIVEN an active simulation held at its first step boundary
	gate := make(chan struct{})
	stepsRun := 0
	h := newExperimentHarness(t, gatedCreators(gate, &stepsRun))
	h.run()

	h.ctl <- StartSim{SimID: 1, MaxNumSteps: 5}
	h.waitClientStatus(t, func(s EngineStatus) bool {
		_, ok := s.(SimStart)
		return ok
	})
	gate <- struct{}{}

	// WHEN terminating while the simulation is mid-run
	close(h.terminate)
	close(gate)

	// THEN the loop drains by waiting and the run completes its full
	// step budget rather than being cut short
	h.waitClientStatus(t, isSimStop)
	require.NoError(t, h.waitDone(t))
	assert.Equal(t, 5, stepsRun)
}

func TestExperimentForwardsWorkerPoolMessages(t *testing.T) {
	h := newExperimentHarness(t, stepCountingCreators(new(int)))
	h.run()

	h.poolMsgs <- WorkerPoolMsg{SimID: 5, Kind: WorkerPoolRunnerWarnings, Entries: []string{"slow runner"}}
	status := h.nextClientStatus(t)
	require.IsType(t, RunnerWarnings{}, status)
	assert.Equal(t, []string{"slow runner"}, status.(RunnerWarnings).Warnings)

	h.poolMsgs <- WorkerPoolMsg{SimID: 5, Kind: WorkerPoolPackageError, Entries: []string{"segfault in runner"}}
	status = h.nextClientStatus(t)
	require.IsType(t, PackageError{}, status)
	assert.Equal(t, "segfault in runner", status.(PackageError).Error)

	close(h.terminate)
	require.NoError(t, h.waitDone(t))
}

func TestExperimentFailsOnUnexpectedEngineMessage(t *testing.T) {
	h := newExperimentHarness(t, stepCountingCreators(new(int)))
	h.run()

	h.engineMsgs <- EngineMsg{Init: &EngineInit{ExperimentName: "late"}}

	err := h.waitDone(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected engine message")
}
