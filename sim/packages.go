package sim

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// phaseError wraps a package failure with enough context (phase, package,
// simulation) for the controllers to report it upward without inspecting
// its internals.
func phaseError(simID SimulationID, phase PackagePhase, pkg string, err error) error {
	return fmt.Errorf("simulation %d: %s package %q: %w", simID, phase, pkg, err)
}

// cpuExecutor bounds how many CPU-bound package executions run at once so
// they cannot starve the event loops of other simulations.
type cpuExecutor struct {
	slots chan struct{}
}

func newCPUExecutor(workers int) *cpuExecutor {
	if workers <= 0 {
		workers = 1
	}
	return &cpuExecutor{slots: make(chan struct{}, workers)}
}

// do runs f on a bounded slot, blocking until one is free.
func (e *cpuExecutor) do(ctx context.Context, f func() error) error {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.slots }()
	return f()
}

// Packages owns one simulation's four package sets. Package instances are
// not safely shareable across concurrent executions of themselves, so every
// phase takes its set out, hands exactly one instance to each unit of work,
// and collects every instance back before returning, success or failure.
type Packages struct {
	simID   SimulationID
	init    []InitPackage
	context []ContextPackage
	state   []StatePackage
	output  []OutputPackage
	cpu     *cpuExecutor
}

// NewPackages instantiates every registered package for one simulation run
// and collects the per-package start payloads for the worker pool.
func NewPackages(creators *PackageCreators, cfg *SimulationRunConfig) (*Packages, []PackageStartMsg, error) {
	p := &Packages{
		simID: cfg.SimID,
		cpu:   newCPUExecutor(cfg.WorkerAllocation),
	}
	var startMsgs []PackageStartMsg

	for _, creator := range creators.Init {
		pkg, err := creator.Create(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("creating init package %q: %w", creator.Name(), err)
		}
		payload, err := creator.StartMessage(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("building start message for init package %q: %w", creator.Name(), err)
		}
		p.init = append(p.init, pkg)
		startMsgs = append(startMsgs, PackageStartMsg{Name: creator.Name(), Phase: PhaseInit, Payload: payload})
	}
	for _, creator := range creators.Context {
		pkg, err := creator.Create(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("creating context package %q: %w", creator.Name(), err)
		}
		payload, err := creator.StartMessage(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("building start message for context package %q: %w", creator.Name(), err)
		}
		p.context = append(p.context, pkg)
		startMsgs = append(startMsgs, PackageStartMsg{Name: creator.Name(), Phase: PhaseContext, Payload: payload})
	}
	for _, creator := range creators.State {
		pkg, err := creator.Create(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("creating state package %q: %w", creator.Name(), err)
		}
		payload, err := creator.StartMessage(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("building start message for state package %q: %w", creator.Name(), err)
		}
		p.state = append(p.state, pkg)
		startMsgs = append(startMsgs, PackageStartMsg{Name: creator.Name(), Phase: PhaseState, Payload: payload})
	}
	for _, creator := range creators.Output {
		pkg, err := creator.Create(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("creating output package %q: %w", creator.Name(), err)
		}
		payload, err := creator.StartMessage(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("building start message for output package %q: %w", creator.Name(), err)
		}
		p.output = append(p.output, pkg)
		startMsgs = append(startMsgs, PackageStartMsg{Name: creator.Name(), Phase: PhaseOutput, Payload: payload})
	}
	return p, startMsgs, nil
}

// dispatch runs one package's work on the scheduler its CPUBound flag
// selects.
func (p *Packages) dispatch(ctx context.Context, g *errgroup.Group, cpuBound bool, f func() error) {
	if cpuBound {
		g.Go(func() error { return p.cpu.do(ctx, f) })
	} else {
		g.Go(f)
	}
}

// RunInit runs every init package concurrently and builds the initial
// State from their seeds, concatenated in package-registration order. The
// first package error aborts the phase; in-flight siblings are still
// awaited, their results discarded.
func (p *Packages) RunInit(ctx context.Context, cfg *SimulationRunConfig) (*State, error) {
	pkgs := p.init
	p.init = nil
	defer func() { p.init = pkgs }()

	g, ctx := errgroup.WithContext(ctx)
	seedsPerPkg := make([][]AgentSeed, len(pkgs))
	for i, pkg := range pkgs {
		i, pkg := i, pkg
		p.dispatch(ctx, g, pkg.CPUBound(), func() error {
			seeds, err := pkg.Run(ctx, cfg)
			if err != nil {
				return phaseError(p.simID, PhaseInit, pkg.Name(), err)
			}
			seedsPerPkg[i] = seeds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var seeds []AgentSeed
	for _, s := range seedsPerPkg {
		seeds = append(seeds, s...)
	}
	logrus.Debugf("sim %d: init packages finished, building state with %d agents", p.simID, len(seeds))
	return NewStateFromSeeds(cfg, seeds)
}

// RunContext runs every context package concurrently against the previous
// state and finalizes the step's Context. Packages do not agree on a global
// output order, so their columns are reconciled against the context
// schema's canonical field order by exact name before finalization; a
// mismatched order would silently corrupt data.
//
// The snapshot's ownership passes to the returned Context on success and is
// released on error.
func (p *Packages) RunContext(ctx context.Context, cfg *SimulationRunConfig, proxy *StateReadProxy, snapshot *StateSnapshot, step int) (*Context, error) {
	pkgs := p.context
	p.context = nil
	defer func() { p.context = pkgs }()

	g, gctx := errgroup.WithContext(ctx)
	columnsPerPkg := make([][]ContextColumn, len(pkgs))
	for i, pkg := range pkgs {
		i, pkg := i, pkg
		p.dispatch(gctx, g, pkg.CPUBound(), func() error {
			columns, err := pkg.Run(gctx, proxy, snapshot)
			if err != nil {
				return phaseError(p.simID, PhaseContext, pkg.Name(), err)
			}
			columnsPerPkg[i] = columns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		releaseContextColumns(columnsPerPkg)
		snapshot.Close()
		return nil, err
	}

	numAgents := proxy.NumAgents()
	columns, err := reconcileContextColumns(cfg.Schema.Context, columnsPerPkg, numAgents)
	if err != nil {
		releaseContextColumns(columnsPerPkg)
		snapshot.Close()
		return nil, err
	}

	finalized, err := finalizeContext(cfg, snapshot, columns, numAgents, step)
	if err != nil {
		for _, col := range columns {
			col.Release()
		}
		snapshot.Close()
		return nil, err
	}
	return finalized, nil
}

// reconcileContextColumns re-orders the packages' named columns into the
// schema's canonical field order, verifying per field that exactly one
// package produced it, that its length equals the agent count, and that its
// datatype matches the schema.
func reconcileContextColumns(schema *arrow.Schema, columnsPerPkg [][]ContextColumn, numAgents int) ([]arrow.Array, error) {
	byName := make(map[string]arrow.Array)
	for _, columns := range columnsPerPkg {
		for _, col := range columns {
			if _, dup := byName[col.FieldKey]; dup {
				return nil, fmt.Errorf("context column %q produced by more than one package", col.FieldKey)
			}
			byName[col.FieldKey] = col.Data
		}
	}

	// A column the schema has no field for would leak its reference
	// silently, so reject it outright.
	for name := range byName {
		if !schema.HasField(name) {
			return nil, fmt.Errorf("context column %q does not match any schema field", name)
		}
	}

	ordered := make([]arrow.Array, len(schema.Fields()))
	for i, field := range schema.Fields() {
		col, ok := byName[field.Name]
		if !ok {
			return nil, fmt.Errorf("no context package produced a column for field %q", field.Name)
		}
		if col.Len() != numAgents {
			return nil, fmt.Errorf("context column %q: length %d does not equal agent count %d", field.Name, col.Len(), numAgents)
		}
		if !arrow.TypeEqual(col.DataType(), field.Type) {
			return nil, fmt.Errorf("context column %q: datatype %s does not match schema datatype %s", field.Name, col.DataType(), field.Type)
		}
		ordered[i] = col
	}
	return ordered, nil
}

func releaseContextColumns(columnsPerPkg [][]ContextColumn) {
	for _, columns := range columnsPerPkg {
		for _, col := range columns {
			if col.Data != nil {
				col.Data.Release()
			}
		}
	}
}

// RunState runs the state packages strictly sequentially against the
// single mutable State. Sequential execution is load-bearing: state
// packages may read and mutate overlapping fields, and later packages must
// observe earlier packages' writes within the same step.
func (p *Packages) RunState(ctx context.Context, state *State, context *Context) error {
	pkgs := p.state
	p.state = nil
	defer func() { p.state = pkgs }()

	for _, pkg := range pkgs {
		run := func() error { return pkg.Run(ctx, state, context) }
		var err error
		if pkg.CPUBound() {
			err = p.cpu.do(ctx, run)
		} else {
			err = run()
		}
		if err != nil {
			return phaseError(p.simID, PhaseState, pkg.Name(), err)
		}
	}
	return nil
}

// RunOutput runs every output package concurrently against immutable state
// and context, collecting artifacts in package-registration order.
func (p *Packages) RunOutput(ctx context.Context, proxy *StateReadProxy, context *Context) ([]Output, error) {
	pkgs := p.output
	p.output = nil
	defer func() { p.output = pkgs }()

	g, gctx := errgroup.WithContext(ctx)
	outputs := make([]Output, len(pkgs))
	for i, pkg := range pkgs {
		i, pkg := i, pkg
		p.dispatch(gctx, g, pkg.CPUBound(), func() error {
			out, err := pkg.Run(gctx, proxy, context)
			if err != nil {
				return phaseError(p.simID, PhaseOutput, pkg.Name(), err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}
