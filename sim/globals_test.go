package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGlobalsRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `"text"`, `42`, `{"a":`} {
		_, err := NewGlobals([]byte(raw))
		assert.Error(t, err, "input %s", raw)
	}

	g, err := NewGlobals([]byte(`{"a": 1}`))
	require.NoError(t, err)
	assert.True(t, g.Equal(Globals(`{"a": 1}`)))
}

func TestApplyEmptyPatchKeepsGlobalsEqual(t *testing.T) {
	// GIVEN base globals
	base, err := NewGlobals([]byte(`{"topology": {"agent_count": 10}, "movement": {"step_size": 1.5}}`))
	require.NoError(t, err)

	// WHEN applying no changes
	patched, err := base.Apply(nil)
	require.NoError(t, err)

	// THEN the result is deeply equal to the base
	assert.True(t, base.Equal(patched))
}

func TestApplyReplacesLeafAndKeepsSiblings(t *testing.T) {
	// GIVEN base globals with two leaves under one object
	base, err := NewGlobals([]byte(`{"a": {"b": 1, "c": 2}}`))
	require.NoError(t, err)

	// WHEN patching the dotted path a.b
	patched, err := base.Apply([]byte(`{"a.b": 5}`))
	require.NoError(t, err)

	// THEN the leaf changed and the sibling survived
	assert.True(t, patched.Equal(Globals(`{"a": {"b": 5, "c": 2}}`)))
	// AND the base is untouched
	assert.True(t, base.Equal(Globals(`{"a": {"b": 1, "c": 2}}`)))
}

func TestApplyAddsNewLeafUnderExistingObject(t *testing.T) {
	base, err := NewGlobals([]byte(`{"a": {"b": 1}}`))
	require.NoError(t, err)

	patched, err := base.Apply([]byte(`{"a.d": true}`))
	require.NoError(t, err)

	assert.True(t, patched.Equal(Globals(`{"a": {"b": 1, "d": true}}`)))
}

func TestApplyRejectsMissingIntermediatePath(t *testing.T) {
	base, err := NewGlobals([]byte(`{"a": {"b": 1}}`))
	require.NoError(t, err)

	_, err = base.Apply([]byte(`{"a.missing.x": 1}`))
	assert.Error(t, err)
}

func TestApplyRejectsNonObjectIntermediate(t *testing.T) {
	base, err := NewGlobals([]byte(`{"a": {"b": 1}}`))
	require.NoError(t, err)

	// a.b exists but is a number, so it cannot hold a child
	_, err = base.Apply([]byte(`{"a.b.x": 1}`))
	assert.Error(t, err)
}

func TestApplyTreatsPathMetacharactersAsLiterals(t *testing.T) {
	// GIVEN base globals where a wildcard interpretation of the key would
	// match a different property than the literal name
	base, err := NewGlobals([]byte(`{"axb": {"c": 1}, "a*b": {"c": 2}}`))
	require.NoError(t, err)

	// WHEN patching through a key containing a metacharacter
	patched, err := base.Apply([]byte(`{"a*b.c": 9}`))
	require.NoError(t, err)

	// THEN only the literally-named property changed
	assert.True(t, patched.Equal(Globals(`{"axb": {"c": 1}, "a*b": {"c": 9}}`)))

	// AND a metacharacter key with no literal match is a missing property,
	// not a wildcard hit
	_, err = base.Apply([]byte(`{"a?b.c": 5}`))
	assert.Error(t, err)
}

func TestApplyRejectsInvalidChangeSet(t *testing.T) {
	base := EmptyGlobals()

	_, err := base.Apply([]byte(`[1, 2, 3]`))
	assert.Error(t, err)
}
