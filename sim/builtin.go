package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Built-in demo packages: a seeded position init, a previous-position
// context, a random-walk state and a position-snapshot output. They double
// as the reference implementations of the four package interfaces.

// BuiltinCreators is the default creator registry experiments run with when
// no custom package set is supplied.
func BuiltinCreators() *PackageCreators {
	return &PackageCreators{
		Init:    []InitPackageCreator{agentInitCreator{}},
		Context: []ContextPackageCreator{previousPositionCreator{}},
		State:   []StatePackageCreator{randomWalkCreator{}},
		Output:  []OutputPackageCreator{positionSnapshotCreator{}},
	}
}

// globalInt reads an integer from the run's globals, falling back when the
// path is absent.
func globalInt(g Globals, path string, fallback int64) int64 {
	v := gjson.GetBytes(g, path)
	if !v.Exists() {
		return fallback
	}
	return v.Int()
}

func globalFloat(g Globals, path string, fallback float64) float64 {
	v := gjson.GetBytes(g, path)
	if !v.Exists() {
		return fallback
	}
	return v.Float()
}

// agent_init

type agentInitCreator struct{}

func (agentInitCreator) Name() string { return "agent_init" }

func (agentInitCreator) AgentFields() []FieldSpec {
	return []FieldSpec{
		{Name: "agent_id", Type: arrow.BinaryTypes.String},
		{Name: "x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "y", Type: arrow.PrimitiveTypes.Float64},
	}
}

func (agentInitCreator) Create(cfg *SimulationRunConfig) (InitPackage, error) {
	count := globalInt(cfg.Globals, "topology.agent_count", 10)
	if count < 0 {
		return nil, fmt.Errorf("topology.agent_count must not be negative, got %d", count)
	}
	return &agentInit{count: int(count)}, nil
}

func (agentInitCreator) StartMessage(cfg *SimulationRunConfig) ([]byte, error) {
	return json.Marshal(map[string]any{
		"agent_count": globalInt(cfg.Globals, "topology.agent_count", 10),
	})
}

type agentInit struct {
	count int
}

func (*agentInit) Name() string   { return "agent_init" }
func (*agentInit) CPUBound() bool { return false }

func (p *agentInit) Run(ctx context.Context, cfg *SimulationRunConfig) ([]AgentSeed, error) {
	seeds := make([]AgentSeed, p.count)
	for i := range seeds {
		seeds[i] = AgentSeed{
			"agent_id": uuid.NewString(),
			"x":        0.0,
			"y":        0.0,
		}
	}
	return seeds, nil
}

// previous_position

type previousPositionCreator struct{}

func (previousPositionCreator) Name() string { return "previous_position" }

func (previousPositionCreator) ContextFields() []FieldSpec {
	return []FieldSpec{
		{Name: "prev_x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "prev_y", Type: arrow.PrimitiveTypes.Float64},
	}
}

func (previousPositionCreator) Create(*SimulationRunConfig) (ContextPackage, error) {
	return &previousPosition{}, nil
}

func (previousPositionCreator) StartMessage(*SimulationRunConfig) ([]byte, error) {
	return nil, nil
}

type previousPosition struct{}

func (*previousPosition) Name() string   { return "previous_position" }
func (*previousPosition) CPUBound() bool { return false }

// Run exposes the previous step's positions to this step's state packages.
func (*previousPosition) Run(ctx context.Context, state *StateReadProxy, snapshot *StateSnapshot) ([]ContextColumn, error) {
	prevX, err := copyFloat64Column(snapshot, "x")
	if err != nil {
		return nil, err
	}
	prevY, err := copyFloat64Column(snapshot, "y")
	if err != nil {
		prevX.Release()
		return nil, err
	}
	return []ContextColumn{
		{FieldKey: "prev_x", Data: prevX},
		{FieldKey: "prev_y", Data: prevY},
	}, nil
}

func copyFloat64Column(snapshot *StateSnapshot, name string) (arrow.Array, error) {
	col, err := snapshot.Column(name)
	if err != nil {
		return nil, err
	}
	src, ok := col.(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want float64", name, col.DataType())
	}
	b := array.NewFloat64Builder(memory.DefaultAllocator)
	defer b.Release()
	for i := 0; i < src.Len(); i++ {
		if src.IsNull(i) {
			b.AppendNull()
			continue
		}
		b.Append(src.Value(i))
	}
	return b.NewArray(), nil
}

// random_walk

type randomWalkCreator struct{}

func (randomWalkCreator) Name() string { return "random_walk" }

func (randomWalkCreator) AgentFields() []FieldSpec { return nil }

func (randomWalkCreator) Create(cfg *SimulationRunConfig) (StatePackage, error) {
	stepSize := globalFloat(cfg.Globals, "movement.step_size", 1.0)
	seed := globalInt(cfg.Globals, "movement.seed", int64(cfg.SimID))
	return &randomWalk{
		stepSize: stepSize,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

func (randomWalkCreator) StartMessage(cfg *SimulationRunConfig) ([]byte, error) {
	return json.Marshal(map[string]any{
		"step_size": globalFloat(cfg.Globals, "movement.step_size", 1.0),
	})
}

type randomWalk struct {
	stepSize float64
	rng      *rand.Rand
}

func (*randomWalk) Name() string   { return "random_walk" }
func (*randomWalk) CPUBound() bool { return true }

// Run moves every agent by a uniform random offset in each axis.
func (p *randomWalk) Run(ctx context.Context, state *State, _ *Context) error {
	for _, field := range []string{"x", "y"} {
		col, err := state.Column(field)
		if err != nil {
			return err
		}
		src, ok := col.(*array.Float64)
		if !ok {
			return fmt.Errorf("column %q is %s, want float64", field, col.DataType())
		}
		b := array.NewFloat64Builder(memory.DefaultAllocator)
		for i := 0; i < src.Len(); i++ {
			if src.IsNull(i) {
				b.AppendNull()
				continue
			}
			offset := (p.rng.Float64()*2 - 1) * p.stepSize
			b.Append(src.Value(i) + offset)
		}
		moved := b.NewArray()
		b.Release()
		err = state.SetColumn(field, moved)
		if err != nil {
			moved.Release()
			return err
		}
	}
	return nil
}

// position_snapshot

type positionSnapshotCreator struct{}

func (positionSnapshotCreator) Name() string { return "position_snapshot" }

func (positionSnapshotCreator) Create(*SimulationRunConfig) (OutputPackage, error) {
	return &positionSnapshot{}, nil
}

func (positionSnapshotCreator) StartMessage(*SimulationRunConfig) ([]byte, error) {
	return nil, nil
}

type positionSnapshot struct{}

func (*positionSnapshot) Name() string   { return "position_snapshot" }
func (*positionSnapshot) CPUBound() bool { return false }

type positionRow struct {
	AgentID string  `json:"agent_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// Run serializes the current agent positions for the persistence sink.
func (o *positionSnapshot) Run(ctx context.Context, state *StateReadProxy, stepContext *Context) (Output, error) {
	ids, err := state.Column("agent_id")
	if err != nil {
		return Output{}, err
	}
	xs, err := state.Column("x")
	if err != nil {
		return Output{}, err
	}
	ys, err := state.Column("y")
	if err != nil {
		return Output{}, err
	}

	idCol, ok := ids.(*array.String)
	if !ok {
		return Output{}, fmt.Errorf("column \"agent_id\" is %s, want string", ids.DataType())
	}
	xCol, okX := xs.(*array.Float64)
	yCol, okY := ys.(*array.Float64)
	if !okX || !okY {
		return Output{}, fmt.Errorf("position columns must be float64")
	}

	rows := make([]positionRow, state.NumAgents())
	for i := range rows {
		rows[i] = positionRow{
			AgentID: idCol.Value(i),
			X:       xCol.Value(i),
			Y:       yCol.Value(i),
		}
	}
	payload, err := json.Marshal(map[string]any{
		"step":   stepContext.Step(),
		"agents": rows,
	})
	if err != nil {
		return Output{}, fmt.Errorf("encoding position snapshot: %w", err)
	}
	return Output{PackageName: o.Name(), Payload: payload}, nil
}
