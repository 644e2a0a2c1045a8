package sim

// SimulationID identifies one concurrently running simulation within an
// experiment. Unique while the simulation is registered; an id may be reused
// only after its stop has completed.
type SimulationID uint32

// ExperimentControl is a command from the experiment plan to the
// ExperimentController.
type ExperimentControl interface{ isExperimentControl() }

// StartSim starts a new simulation run under the given id.
type StartSim struct {
	SimID SimulationID
	// ChangedGlobals is a flat JSON object of dotted-path overrides applied
	// against the experiment's base globals.
	ChangedGlobals []byte
	MaxNumSteps    int
}

// PauseSim halts the addressed simulation at its next step boundary.
type PauseSim struct{ SimID SimulationID }

// ResumeSim resumes a paused simulation.
type ResumeSim struct{ SimID SimulationID }

// StopSim stops the addressed simulation at its next step boundary.
type StopSim struct{ SimID SimulationID }

func (StartSim) isExperimentControl()  {}
func (PauseSim) isExperimentControl()  {}
func (ResumeSim) isExperimentControl() {}
func (StopSim) isExperimentControl()   {}

// SimControl is the token forwarded to one simulation's control channel.
type SimControl int

const (
	// SimControlPause halts step progression until a resume arrives.
	SimControlPause SimControl = iota
	// SimControlResume continues a paused simulation.
	SimControlResume
	// SimControlStop cancels the simulation at its next step boundary.
	SimControlStop
)

func (c SimControl) String() string {
	switch c {
	case SimControlPause:
		return "pause"
	case SimControlResume:
		return "resume"
	case SimControlStop:
		return "stop"
	default:
		return "unknown"
	}
}

// SimStatus is the per-step report a SimulationController emits upward.
type SimStatus struct {
	SimID      SimulationID
	Steps      int
	Running    bool
	StopSignal bool
	// Error carries the message of a package failure; the step it occurred
	// in is the simulation's last.
	Error string
}

// Ending reports whether this status marks the simulation as going away,
// which relaxes forwarding failures from fatal to merely logged.
func (s SimStatus) Ending() bool {
	return !s.Running || s.StopSignal
}

// StepUpdate is the digest forwarded to the experiment package consumer
// after every step.
type StepUpdate struct {
	SimID      SimulationID
	WasError   bool
	StopSignal bool
}

// EngineStatus is a message to the orchestrating client, tagged with the
// simulation it originates from.
type EngineStatus interface{ isEngineStatus() }

// SimStart reports that a simulation registered and is about to run.
type SimStart struct {
	SimID   SimulationID
	Globals Globals
}

// SimStatusUpdate relays one per-step status.
type SimStatusUpdate struct{ Status SimStatus }

// SimStop reports that a simulation's driver task completed.
type SimStop struct{ SimID SimulationID }

// RunnerErrors relays language-runner errors for one simulation.
type RunnerErrors struct {
	SimID  SimulationID
	Errors []string
}

// RunnerWarnings relays language-runner warnings for one simulation.
type RunnerWarnings struct {
	SimID    SimulationID
	Warnings []string
}

// Logs relays language-runner log lines for one simulation.
type Logs struct {
	SimID SimulationID
	Lines []string
}

// UserErrors relays errors attributed to simulation authors.
type UserErrors struct {
	SimID  SimulationID
	Errors []string
}

// UserWarnings relays warnings attributed to simulation authors.
type UserWarnings struct {
	SimID    SimulationID
	Warnings []string
}

// PackageError relays a package failure reported by the worker pool.
type PackageError struct {
	SimID SimulationID
	Error string
}

func (SimStart) isEngineStatus()        {}
func (SimStatusUpdate) isEngineStatus() {}
func (SimStop) isEngineStatus()         {}
func (RunnerErrors) isEngineStatus()    {}
func (RunnerWarnings) isEngineStatus()  {}
func (Logs) isEngineStatus()            {}
func (UserErrors) isEngineStatus()      {}
func (UserWarnings) isEngineStatus()    {}
func (PackageError) isEngineStatus()    {}

// EngineMsg is a top-level message from the orchestrating client. Only the
// initial handshake is defined; the controller receives it exactly once
// before it starts, so seeing one mid-run is always an error.
type EngineMsg struct {
	Init *EngineInit
}

// EngineInit is the initial handshake payload.
type EngineInit struct {
	ExperimentName string
}

// WorkerPoolMsgKind discriminates messages from the worker pool addressed
// to one simulation.
type WorkerPoolMsgKind int

const (
	WorkerPoolRunnerErrors WorkerPoolMsgKind = iota
	WorkerPoolRunnerWarnings
	WorkerPoolLogs
	WorkerPoolUserErrors
	WorkerPoolUserWarnings
	WorkerPoolPackageError
)

// WorkerPoolMsg is one message from the worker pool, translated 1:1 into a
// client-facing EngineStatus variant by the ExperimentController.
type WorkerPoolMsg struct {
	SimID   SimulationID
	Kind    WorkerPoolMsgKind
	Entries []string
}

// PackageStartMsg is the start payload handed to the worker pool for one
// package of a new simulation run.
type PackageStartMsg struct {
	Name    string
	Phase   PackagePhase
	Payload []byte
}

// NewSimulationRun is the worker-pool registration payload for one
// simulation.
type NewSimulationRun struct {
	SimID            SimulationID
	WorkerAllocation int
	Packages         []PackageStartMsg
	Schema           DatastoreSchema
	Globals          Globals
	// Store is a non-owning reference: the worker pool can read experiment
	// datasets but can never extend the store's lifetime.
	Store StoreRef
}

// WorkerPoolComms is the engine's view of the external worker pool: a
// registration channel and an inbound message stream. The pool itself (and
// the language runners behind it) lives outside this module.
type WorkerPoolComms struct {
	Register chan<- NewSimulationRun
	Messages <-chan WorkerPoolMsg
}
