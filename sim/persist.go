package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// OutputPersistence receives one simulation's output artifacts as the run
// produces them.
type OutputPersistence interface {
	// PersistStep stores the output round's artifacts for one step.
	PersistStep(step int, outputs []Output) error
	Close() error
}

// PersistenceCreator builds one OutputPersistence per simulation run.
type PersistenceCreator interface {
	Create(cfg *SimulationRunConfig) (OutputPersistence, error)
}

// jsonlPersistence appends one JSON line per output artifact to
// <dir>/sim_<id>.jsonl.
type jsonlPersistence struct {
	simID SimulationID
	file  *os.File
	enc   *json.Encoder
}

type jsonlRecord struct {
	Step    int             `json:"step"`
	Package string          `json:"package"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JSONLPersistenceCreator persists outputs as JSON Lines files under a
// base directory, one file per simulation.
type JSONLPersistenceCreator struct{}

func (JSONLPersistenceCreator) Create(cfg *SimulationRunConfig) (OutputPersistence, error) {
	dir := cfg.Persistence.OutputDir
	if dir == "" {
		dir = "./output"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory %q: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("sim_%d.jsonl", cfg.SimID))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file %q: %w", path, err)
	}
	logrus.Debugf("sim %d: persisting outputs to %s", cfg.SimID, path)
	return &jsonlPersistence{simID: cfg.SimID, file: file, enc: json.NewEncoder(file)}, nil
}

func (p *jsonlPersistence) PersistStep(step int, outputs []Output) error {
	for _, out := range outputs {
		rec := jsonlRecord{Step: step, Package: out.PackageName}
		if json.Valid(out.Payload) {
			rec.Payload = json.RawMessage(out.Payload)
		} else if len(out.Payload) > 0 {
			// Non-JSON payloads are stored as a JSON string.
			quoted, err := json.Marshal(string(out.Payload))
			if err != nil {
				return fmt.Errorf("sim %d: encoding output payload of %q: %w", p.simID, out.PackageName, err)
			}
			rec.Payload = quoted
		}
		if err := p.enc.Encode(rec); err != nil {
			return fmt.Errorf("sim %d: writing output of %q at step %d: %w", p.simID, out.PackageName, step, err)
		}
	}
	return nil
}

func (p *jsonlPersistence) Close() error {
	return p.file.Close()
}

// discardPersistence drops all outputs. Used when an experiment runs
// without a persistence sink.
type discardPersistence struct{}

// DiscardPersistenceCreator builds sinks that drop every output.
type DiscardPersistenceCreator struct{}

func (DiscardPersistenceCreator) Create(*SimulationRunConfig) (OutputPersistence, error) {
	return discardPersistence{}, nil
}

func (discardPersistence) PersistStep(int, []Output) error { return nil }
func (discardPersistence) Close() error                    { return nil }
