package sim

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"

	"github.com/agent-sim/agent-sim/shm"
)

// Context is the immutable per-step context batch: the columns the context
// packages produced this step, plus the previous step's state snapshot
// (including its message outboxes, which are this step's inboxes). Rebuilt
// fresh every step.
type Context struct {
	batch    *Batch
	previous *StateSnapshot
	step     int
}

// finalizeContext assembles the context batch from schema-ordered columns.
// The batch takes over the caller's references to the columns and the
// snapshot.
func finalizeContext(cfg *SimulationRunConfig, previous *StateSnapshot, columns []arrow.Array, numAgents, step int) (*Context, error) {
	rec := array.NewRecord(cfg.Schema.Context, columns, int64(numAgents))
	batch, err := newBatchFromRecord(shm.NewMemoryID(cfg.ExperimentID), rec)
	if err != nil {
		rec.Release()
		return nil, fmt.Errorf("materializing context batch: %w", err)
	}
	return &Context{batch: batch, previous: previous, step: step}, nil
}

// Step is the step this context was built for.
func (c *Context) Step() int { return c.step }

// NumAgents is the row count of the context batch.
func (c *Context) NumAgents() int { return int(c.batch.Record().NumRows()) }

// Column returns the named context column. The context retains ownership.
func (c *Context) Column(name string) (arrow.Array, error) {
	rec := c.batch.Record()
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("context schema has no field %q", name)
	}
	return rec.Column(indices[0]), nil
}

// Record returns the full context record. The context retains ownership.
func (c *Context) Record() arrow.Record { return c.batch.Record() }

// Previous is the previous step's state snapshot.
func (c *Context) Previous() *StateSnapshot { return c.previous }

// SegmentID is the context batch's OS identifier for runner attachment.
func (c *Context) SegmentID() string { return c.batch.SegmentID() }

// Close releases the context batch and the snapshot it carries.
func (c *Context) Close() error {
	errBatch := c.batch.Close()
	errPrev := c.previous.Close()
	if errBatch != nil {
		return errBatch
	}
	return errPrev
}
