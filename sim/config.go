package sim

import (
	"github.com/google/uuid"
)

// PersistenceConfig selects where and how often per-step outputs are
// persisted.
type PersistenceConfig struct {
	OutputDir string // directory the sink writes into
	// OutputInterval runs the output phase every n-th step (1 = every step).
	OutputInterval int
}

// ExperimentConfig is the immutable experiment-wide configuration shared by
// every simulation run.
type ExperimentConfig struct {
	ExperimentID uuid.UUID
	Name         string
	BaseGlobals  Globals
	Persistence  PersistenceConfig
	// WorkerAllocation bounds the number of CPU-bound package executions
	// running at once per simulation.
	WorkerAllocation int
}

// SimulationRunConfig is the immutable per-simulation configuration derived
// on StartSim. It is shared by reference with the packages and the worker
// pool; nothing mutates it after construction.
type SimulationRunConfig struct {
	ExperimentID     uuid.UUID
	SimID            SimulationID
	Globals          Globals
	Schema           DatastoreSchema
	Persistence      PersistenceConfig
	WorkerAllocation int
	MaxNumSteps      int
}

// newSimulationRunConfig derives the per-simulation config from the
// experiment config plus the patched globals and schemas.
func newSimulationRunConfig(
	exp *ExperimentConfig,
	simID SimulationID,
	globals Globals,
	schema DatastoreSchema,
	persistence PersistenceConfig,
	maxNumSteps int,
) *SimulationRunConfig {
	workers := exp.WorkerAllocation
	if workers <= 0 {
		workers = 1
	}
	interval := persistence.OutputInterval
	if interval <= 0 {
		interval = 1
	}
	persistence.OutputInterval = interval
	return &SimulationRunConfig{
		ExperimentID:     exp.ExperimentID,
		SimID:            simID,
		Globals:          globals,
		Schema:           schema,
		Persistence:      persistence,
		WorkerAllocation: workers,
		MaxNumSteps:      maxNumSteps,
	}
}
