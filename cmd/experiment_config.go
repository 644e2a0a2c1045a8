package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	sim "github.com/agent-sim/agent-sim/sim"
)

// ExperimentManifest is the YAML file describing one experiment: the base
// globals every simulation starts from plus the per-simulation overrides.
type ExperimentManifest struct {
	Name    string         `yaml:"name"`
	Globals map[string]any `yaml:"globals"`
	// Datasets are experiment-wide read-only blobs served through the
	// shared store.
	Datasets    map[string]string    `yaml:"datasets"`
	Simulations []SimulationManifest `yaml:"simulations"`
	Output      OutputManifest       `yaml:"output"`
	Workers     int                  `yaml:"workers"`
}

type SimulationManifest struct {
	ID    uint32 `yaml:"id"`
	Steps int    `yaml:"steps"`
	// ChangedGlobals are dotted-path overrides against the base globals,
	// e.g. "topology.agent_count": 50.
	ChangedGlobals map[string]any `yaml:"changed_globals"`
}

type OutputManifest struct {
	Dir      string `yaml:"dir"`
	Interval int    `yaml:"interval"`
}

// LoadExperimentManifest reads and validates one manifest file.
func LoadExperimentManifest(path string) (*ExperimentManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading experiment manifest: %w", err)
	}
	var m ExperimentManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing experiment manifest: %w", err)
	}
	if len(m.Simulations) == 0 {
		return nil, fmt.Errorf("experiment manifest lists no simulations")
	}
	seen := make(map[uint32]struct{}, len(m.Simulations))
	for _, s := range m.Simulations {
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("duplicate simulation id %d in manifest", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Steps <= 0 {
			return nil, fmt.Errorf("simulation %d: steps must be positive, got %d", s.ID, s.Steps)
		}
	}
	return &m, nil
}

// BaseGlobals converts the manifest's YAML globals into the engine's JSON
// representation.
func (m *ExperimentManifest) BaseGlobals() (sim.Globals, error) {
	if m.Globals == nil {
		return sim.EmptyGlobals(), nil
	}
	raw, err := json.Marshal(m.Globals)
	if err != nil {
		return nil, fmt.Errorf("encoding base globals: %w", err)
	}
	return sim.NewGlobals(raw)
}

// ChangedGlobalsJSON encodes one simulation's dotted-path overrides as the
// flat JSON object StartSim expects.
func (s *SimulationManifest) ChangedGlobalsJSON() ([]byte, error) {
	if len(s.ChangedGlobals) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(s.ChangedGlobals)
	if err != nil {
		return nil, fmt.Errorf("encoding changed globals for simulation %d: %w", s.ID, err)
	}
	return raw, nil
}

// LoadDatasets reads the manifest's dataset files into memory for the
// shared store.
func (m *ExperimentManifest) LoadDatasets() (map[string][]byte, error) {
	datasets := make(map[string][]byte, len(m.Datasets))
	for name, path := range m.Datasets {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading dataset %q: %w", name, err)
		}
		datasets[name] = data
	}
	return datasets, nil
}
