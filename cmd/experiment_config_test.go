package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sim "github.com/agent-sim/agent-sim/sim"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadExperimentManifest(t *testing.T) {
	path := writeManifest(t, `
name: random-walk
globals:
  topology:
    agent_count: 25
  movement:
    step_size: 0.5
workers: 4
output:
  dir: ./out
  interval: 2
simulations:
  - id: 1
    steps: 100
  - id: 2
    steps: 50
    changed_globals:
      topology.agent_count: 50
`)

	manifest, err := LoadExperimentManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "random-walk", manifest.Name)
	assert.Equal(t, 4, manifest.Workers)
	assert.Equal(t, 2, manifest.Output.Interval)
	require.Len(t, manifest.Simulations, 2)

	globals, err := manifest.BaseGlobals()
	require.NoError(t, err)
	assert.True(t, globals.Equal(sim.Globals(`{"topology":{"agent_count":25},"movement":{"step_size":0.5}}`)))

	// The overrides stay a flat dotted-path object
	changed, err := manifest.Simulations[1].ChangedGlobalsJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"topology.agent_count": 50}`, string(changed))

	// No overrides means no payload at all
	changed, err = manifest.Simulations[0].ChangedGlobalsJSON()
	require.NoError(t, err)
	assert.Nil(t, changed)
}

func TestLoadExperimentManifestRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{
			name:     "no simulations",
			contents: "name: empty\n",
		},
		{
			name: "duplicate simulation ids",
			contents: `
simulations:
  - id: 1
    steps: 10
  - id: 1
    steps: 20
`,
		},
		{
			name: "non-positive steps",
			contents: `
simulations:
  - id: 1
    steps: 0
`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeManifest(t, tc.contents)
			_, err := LoadExperimentManifest(path)
			assert.Error(t, err)
		})
	}
}
