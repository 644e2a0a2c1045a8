// Package sim provides the control-plane core of the agent-based simulation
// engine: the experiment-level controller that coordinates many concurrently
// running simulations, the per-simulation package pipeline, and the columnar
// state batches those packages read and write.
//
// # Reading Guide
//
// Start with these three files to understand the engine core:
//   - experiment.go: the ExperimentController event loop and its graceful
//     shutdown state machine
//   - packages.go: the four package phases (init, context, state, output)
//     and their take-out/run/put-back ownership discipline
//   - batch.go: how agent/message/context batches map onto shared-memory
//     segments and the metaversion handshake
//
// # Architecture
//
// One ExperimentController owns the experiment. Every StartSim command
// patches the experiment globals, derives the datastore schemas from the
// registered package creators, registers the simulation with the worker
// pool, and spawns one SimulationController goroutine. Each simulation
// drives its Packages through repeated context, state and output phases;
// statuses and completions flow back to the ExperimentController over
// dedicated channels, and onward to the orchestrating client.
//
// Batches are physically backed by shared-memory segments (package shm) so
// that language runners in other processes can read and write simulation
// state without copying.
//
// # Key Interfaces
//
// The extension points are the per-phase package interfaces and the
// persistence sink:
//   - InitPackage: produce agent seeds once per simulation
//   - ContextPackage: produce named context columns each step
//   - StatePackage: mutate agent state in registration order each step
//   - OutputPackage: derive an output artifact from immutable state
//   - OutputPersistence: receive the per-step output artifacts
//
// Package implementations register through PackageCreators, which also
// derives the agent/message/context schemas.
package sim
