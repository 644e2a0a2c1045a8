package sim

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
)

// FieldSpec is one column a package contributes to a batch schema.
type FieldSpec struct {
	Name string
	Type arrow.DataType
}

// DatastoreSchema is the agent/message/context schema triple every
// simulation batch is built against. Derived once per simulation from the
// registered package creators and shared read-only from then on.
type DatastoreSchema struct {
	Agent   *arrow.Schema
	Message *arrow.Schema
	Context *arrow.Schema
}

// messageFields is the fixed schema of the per-step message batch: agent
// outboxes that become the next step's inboxes.
var messageFields = []arrow.Field{
	{Name: "from", Type: arrow.BinaryTypes.String},
	{Name: "to", Type: arrow.BinaryTypes.String},
	{Name: "kind", Type: arrow.BinaryTypes.String},
	{Name: "payload", Type: arrow.BinaryTypes.String},
}

// buildSchema assembles an Arrow schema from creator field contributions in
// registration order. Duplicate field names across packages are rejected:
// the context-phase reconciliation matches columns by exact name, so a
// duplicate would make that match ambiguous.
func buildSchema(contributions [][]FieldSpec) (*arrow.Schema, error) {
	var fields []arrow.Field
	seen := make(map[string]struct{})
	for _, specs := range contributions {
		for _, spec := range specs {
			if _, dup := seen[spec.Name]; dup {
				return nil, fmt.Errorf("field %q contributed by more than one package", spec.Name)
			}
			seen[spec.Name] = struct{}{}
			fields = append(fields, arrow.Field{Name: spec.Name, Type: spec.Type})
		}
	}
	return arrow.NewSchema(fields, nil), nil
}
