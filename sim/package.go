package sim

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
)

// PackagePhase is one of the four package-execution rounds within a
// simulation step.
type PackagePhase int

const (
	PhaseInit PackagePhase = iota
	PhaseContext
	PhaseState
	PhaseOutput
)

func (p PackagePhase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseContext:
		return "context"
	case PhaseState:
		return "state"
	case PhaseOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Package is the capability surface shared by all four phase interfaces.
type Package interface {
	Name() string
	// CPUBound packages are dispatched to the bounded blocking executor so
	// they cannot starve other simulations' event loops.
	CPUBound() bool
}

// AgentSeed is one agent's initial field values, keyed by agent-schema
// field name. Missing fields become nulls.
type AgentSeed map[string]any

// InitPackage runs once per simulation and contributes agent seeds. Seeds
// from all init packages are concatenated in package-registration order.
type InitPackage interface {
	Package
	Run(ctx context.Context, cfg *SimulationRunConfig) ([]AgentSeed, error)
}

// ContextColumn is one named column a context package produced for this
// step.
type ContextColumn struct {
	FieldKey string
	Data     arrow.Array
}

// ContextPackage runs every step against a read-only view of the previous
// state and returns named output columns. Packages do not agree on a global
// column order; the pipeline reconciles their outputs against the context
// schema by exact field name.
type ContextPackage interface {
	Package
	Run(ctx context.Context, state *StateReadProxy, snapshot *StateSnapshot) ([]ContextColumn, error)
}

// StatePackage runs every step against the single mutable State. State
// packages execute strictly sequentially in registration order; later
// packages observe earlier packages' writes within the same step.
type StatePackage interface {
	Package
	Run(ctx context.Context, state *State, context *Context) error
}

// Output is one artifact an output package produced for a step.
type Output struct {
	PackageName string
	Payload     []byte
}

// OutputPackage runs every output round against immutable state and
// context.
type OutputPackage interface {
	Package
	Run(ctx context.Context, state *StateReadProxy, context *Context) (Output, error)
}

// InitPackageCreator builds one init package per simulation run.
type InitPackageCreator interface {
	Name() string
	// AgentFields are the columns this package contributes to the agent
	// schema.
	AgentFields() []FieldSpec
	Create(cfg *SimulationRunConfig) (InitPackage, error)
	// StartMessage is the payload forwarded to the worker pool when a
	// simulation starts.
	StartMessage(cfg *SimulationRunConfig) ([]byte, error)
}

// ContextPackageCreator builds one context package per simulation run.
type ContextPackageCreator interface {
	Name() string
	// ContextFields are the columns this package contributes to the context
	// schema.
	ContextFields() []FieldSpec
	Create(cfg *SimulationRunConfig) (ContextPackage, error)
	StartMessage(cfg *SimulationRunConfig) ([]byte, error)
}

// StatePackageCreator builds one state package per simulation run.
type StatePackageCreator interface {
	Name() string
	AgentFields() []FieldSpec
	Create(cfg *SimulationRunConfig) (StatePackage, error)
	StartMessage(cfg *SimulationRunConfig) ([]byte, error)
}

// OutputPackageCreator builds one output package per simulation run.
type OutputPackageCreator interface {
	Name() string
	Create(cfg *SimulationRunConfig) (OutputPackage, error)
	StartMessage(cfg *SimulationRunConfig) ([]byte, error)
}

// PackageCreators is the registry of package implementations an experiment
// runs with. The four phase lists are fixed at experiment start; their
// registration order is the canonical package order within each phase.
type PackageCreators struct {
	Init    []InitPackageCreator
	Context []ContextPackageCreator
	State   []StatePackageCreator
	Output  []OutputPackageCreator
}

// CreateSchema derives the agent/message/context schema triple from the
// registered creators' field contributions.
func (c *PackageCreators) CreateSchema(globals Globals) (DatastoreSchema, error) {
	agentContribs := make([][]FieldSpec, 0, len(c.Init)+len(c.State))
	for _, creator := range c.Init {
		agentContribs = append(agentContribs, creator.AgentFields())
	}
	for _, creator := range c.State {
		agentContribs = append(agentContribs, creator.AgentFields())
	}
	agent, err := buildSchema(agentContribs)
	if err != nil {
		return DatastoreSchema{}, fmt.Errorf("deriving agent schema: %w", err)
	}

	contextContribs := make([][]FieldSpec, 0, len(c.Context))
	for _, creator := range c.Context {
		contextContribs = append(contextContribs, creator.ContextFields())
	}
	contextSchema, err := buildSchema(contextContribs)
	if err != nil {
		return DatastoreSchema{}, fmt.Errorf("deriving context schema: %w", err)
	}

	return DatastoreSchema{
		Agent:   agent,
		Message: arrow.NewSchema(messageFields, nil),
		Context: contextSchema,
	}, nil
}

// CreatePersistenceConfig derives the per-simulation persistence
// configuration.
func (c *PackageCreators) CreatePersistenceConfig(exp *ExperimentConfig, globals Globals) PersistenceConfig {
	cfg := exp.Persistence
	if cfg.OutputInterval <= 0 {
		cfg.OutputInterval = 1
	}
	return cfg
}
