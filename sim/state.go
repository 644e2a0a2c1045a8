package sim

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	arrowmem "github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/agent-sim/agent-sim/shm"
)

// recordFromSeeds builds an agent record column-by-column from seed maps.
// A seed without a value for some field contributes a null.
func recordFromSeeds(schema *arrow.Schema, seeds []AgentSeed) (arrow.Record, error) {
	builder := array.NewRecordBuilder(arrowmem.DefaultAllocator, schema)
	defer builder.Release()

	for i, field := range schema.Fields() {
		fb := builder.Field(i)
		for _, seed := range seeds {
			value, ok := seed[field.Name]
			if !ok || value == nil {
				fb.AppendNull()
				continue
			}
			if err := appendValue(fb, field, value); err != nil {
				return nil, err
			}
		}
	}
	return builder.NewRecord(), nil
}

// appendValue appends one dynamically-typed seed value to a column builder.
// Only the field types the engine schemas are built from are supported.
func appendValue(fb array.Builder, field arrow.Field, value any) error {
	switch b := fb.(type) {
	case *array.Float64Builder:
		switch v := value.(type) {
		case float64:
			b.Append(v)
		case int:
			b.Append(float64(v))
		case int64:
			b.Append(float64(v))
		default:
			return fmt.Errorf("field %q: cannot store %T in a float64 column", field.Name, value)
		}
	case *array.Int64Builder:
		switch v := value.(type) {
		case int64:
			b.Append(v)
		case int:
			b.Append(int64(v))
		default:
			return fmt.Errorf("field %q: cannot store %T in an int64 column", field.Name, value)
		}
	case *array.StringBuilder:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q: cannot store %T in a string column", field.Name, value)
		}
		b.Append(v)
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("field %q: cannot store %T in a boolean column", field.Name, value)
		}
		b.Append(v)
	default:
		return fmt.Errorf("field %q: unsupported column type %s", field.Name, field.Type)
	}
	return nil
}

// emptyRecord builds a zero-row record for the given schema.
func emptyRecord(schema *arrow.Schema) arrow.Record {
	builder := array.NewRecordBuilder(arrowmem.DefaultAllocator, schema)
	defer builder.Release()
	return builder.NewRecord()
}

// State is the mutable simulation state for the current step: the agent
// batch plus the outgoing message batch, each backed by its own
// shared-memory segment. Ownership of a State transfers from the controller
// into each package-execution round and back; it is never shared between
// concurrent writers.
type State struct {
	cfg      *SimulationRunConfig
	agents   *Batch
	messages *Batch
	// dirty is set by SetColumn and cleared by Flush; it tracks whether the
	// segment lags the in-memory record.
	dirty bool
}

// NewStateFromSeeds materializes the initial State from the concatenated
// init-package seeds.
func NewStateFromSeeds(cfg *SimulationRunConfig, seeds []AgentSeed) (*State, error) {
	rec, err := recordFromSeeds(cfg.Schema.Agent, seeds)
	if err != nil {
		return nil, fmt.Errorf("building agent batch: %w", err)
	}
	agents, err := newBatchFromRecord(shm.NewMemoryID(cfg.ExperimentID), rec)
	if err != nil {
		rec.Release()
		return nil, fmt.Errorf("materializing agent batch: %w", err)
	}
	messages, err := newBatchFromRecord(shm.NewMemoryID(cfg.ExperimentID), emptyRecord(cfg.Schema.Message))
	if err != nil {
		agents.Close()
		return nil, fmt.Errorf("materializing message batch: %w", err)
	}
	return &State{cfg: cfg, agents: agents, messages: messages}, nil
}

// NumAgents is the row count of the agent batch.
func (s *State) NumAgents() int {
	return int(s.agents.Record().NumRows())
}

// Column returns the named agent column. The state retains ownership.
func (s *State) Column(name string) (arrow.Array, error) {
	indices := s.cfg.Schema.Agent.FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("agent schema has no field %q", name)
	}
	return s.agents.Record().Column(indices[0]), nil
}

// SetColumn replaces the named agent column. The column must match the
// schema's datatype and the current agent count; the replacement is visible
// to subsequent state packages within the same step and published to other
// processes on the next Flush.
func (s *State) SetColumn(name string, col arrow.Array) error {
	schema := s.cfg.Schema.Agent
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return fmt.Errorf("agent schema has no field %q", name)
	}
	idx := indices[0]
	field := schema.Field(idx)
	if !arrow.TypeEqual(field.Type, col.DataType()) {
		return fmt.Errorf("column %q: datatype %s does not match schema datatype %s", name, col.DataType(), field.Type)
	}
	if col.Len() != s.NumAgents() {
		return fmt.Errorf("column %q: length %d does not equal agent count %d", name, col.Len(), s.NumAgents())
	}

	old := s.agents.Record()
	cols := make([]arrow.Array, int(old.NumCols()))
	for i := range cols {
		if i == idx {
			cols[i] = col
			continue
		}
		// The new record takes its own reference to every kept column.
		kept := old.Column(i)
		kept.Retain()
		cols[i] = kept
	}
	rec := array.NewRecord(schema, cols, old.NumRows())
	old.Release()
	s.agents.record = rec
	s.dirty = true
	return nil
}

// SetMessages replaces the outgoing message batch for this step.
func (s *State) SetMessages(rec arrow.Record) error {
	if !s.cfg.Schema.Message.Equal(rec.Schema()) {
		return fmt.Errorf("message record does not match the message schema")
	}
	return s.messages.Flush(rec)
}

// Messages returns the current message record. The state retains ownership.
func (s *State) Messages() arrow.Record { return s.messages.Record() }

// Flush publishes in-memory column replacements to the shared segment and
// bumps the persisted metaversion so other processes reload.
func (s *State) Flush() error {
	if !s.dirty {
		return nil
	}
	rec := s.agents.Record()
	rec.Retain()
	if err := s.agents.Flush(rec); err != nil {
		rec.Release()
		return err
	}
	s.dirty = false
	return nil
}

// AgentSegmentID is the agent batch's OS identifier for runner attachment.
func (s *State) AgentSegmentID() string { return s.agents.SegmentID() }

// MessageSegmentID is the message batch's OS identifier.
func (s *State) MessageSegmentID() string { return s.messages.SegmentID() }

// Snapshot copies the current agent batch into a fresh segment so the next
// step's context can keep reading it while this State is overwritten.
func (s *State) Snapshot() (*StateSnapshot, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	agents, err := s.agents.duplicate(shm.NewMemoryID(s.cfg.ExperimentID))
	if err != nil {
		return nil, fmt.Errorf("snapshotting agent batch: %w", err)
	}
	messages := s.messages.Record()
	messages.Retain()
	return &StateSnapshot{schema: s.cfg.Schema, agents: agents, messages: messages}, nil
}

// ReadProxy returns a read-only view of this state for concurrent phases.
func (s *State) ReadProxy() *StateReadProxy {
	return &StateReadProxy{state: s}
}

// Close releases both batches and unlinks their segments.
func (s *State) Close() error {
	errAgents := s.agents.Close()
	errMessages := s.messages.Close()
	if errAgents != nil {
		return errAgents
	}
	return errMessages
}

// StateReadProxy is the read-only view of a State handed to concurrently
// running packages. It deliberately exposes no mutation.
type StateReadProxy struct {
	state *State
}

// NumAgents is the agent count of the underlying state.
func (p *StateReadProxy) NumAgents() int { return p.state.NumAgents() }

// Column returns the named agent column read-only.
func (p *StateReadProxy) Column(name string) (arrow.Array, error) { return p.state.Column(name) }

// Messages returns the current message record read-only.
func (p *StateReadProxy) Messages() arrow.Record { return p.state.Messages() }

// StateSnapshot is an immutable copy of one step's final state, backed by
// its own segment so the live State can move on.
type StateSnapshot struct {
	schema   DatastoreSchema
	agents   *Batch
	messages arrow.Record
}

// NumAgents is the snapshot's agent count.
func (s *StateSnapshot) NumAgents() int { return int(s.agents.Record().NumRows()) }

// Column returns the named agent column at snapshot time.
func (s *StateSnapshot) Column(name string) (arrow.Array, error) {
	indices := s.schema.Agent.FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("agent schema has no field %q", name)
	}
	return s.agents.Record().Column(indices[0]), nil
}

// Messages returns the messages sent during the snapshotted step: the
// inboxes of the following step.
func (s *StateSnapshot) Messages() arrow.Record { return s.messages }

// Close releases the snapshot's segment and records.
func (s *StateSnapshot) Close() error {
	s.messages.Release()
	return s.agents.Close()
}
