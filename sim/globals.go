package sim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Globals is the experiment-wide JSON configuration object. It is owned by
// the experiment; every simulation gets its own patched clone, so a Globals
// value is never mutated after construction.
type Globals []byte

// NewGlobals validates that raw is a JSON object and wraps it.
func NewGlobals(raw []byte) (Globals, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("globals are not valid JSON")
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("globals must be a JSON object")
	}
	return Globals(bytes.Clone(raw)), nil
}

// EmptyGlobals returns a valid empty globals object.
func EmptyGlobals() Globals {
	return Globals("{}")
}

// Equal compares two globals values structurally, ignoring formatting.
func (g Globals) Equal(other Globals) bool {
	var a, b any
	if err := json.Unmarshal(g, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(other, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Apply clones g and applies a flat object of dotted-path overrides, e.g.
// {"topology.x_bounds": [0, 10]}. Every intermediate path segment must
// already exist as an object; the leaf key may be new (additive). The
// receiver is left untouched.
func (g Globals) Apply(changes []byte) (Globals, error) {
	if len(changes) == 0 {
		return Globals(bytes.Clone(g)), nil
	}
	parsed := gjson.ParseBytes(changes)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("changed globals must be a JSON object")
	}

	patched := bytes.Clone(g)
	var applyErr error
	parsed.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if err := validatePatchPath(patched, path); err != nil {
			applyErr = err
			return false
		}
		next, err := sjson.SetRawBytes(patched, escapeGlobalsPath(path), []byte(value.Raw))
		if err != nil {
			applyErr = fmt.Errorf("applying global override %q: %w", path, err)
			return false
		}
		patched = next
		return true
	})
	if applyErr != nil {
		return nil, applyErr
	}
	return Globals(patched), nil
}

// validatePatchPath checks that every segment of a dotted property path
// except the last resolves to an existing object. The last segment is the
// mutation point and may be absent.
func validatePatchPath(doc []byte, path string) error {
	segments := strings.Split(path, ".")
	for i := 1; i < len(segments); i++ {
		prefix := strings.Join(segments[:i], ".")
		node := gjson.GetBytes(doc, escapeGlobalsPath(prefix))
		if !node.Exists() {
			return fmt.Errorf("changed global %q: property %q is missing from the base globals", path, prefix)
		}
		if !node.IsObject() {
			return fmt.Errorf("changed global %q: property %q is not an object", path, prefix)
		}
	}
	return nil
}

// escapeGlobalsPath escapes the gjson/sjson path metacharacters inside a
// dotted property path so a key like "a*b" addresses the literal property
// instead of acting as a wildcard. Dots keep their separator meaning.
func escapeGlobalsPath(path string) string {
	if !strings.ContainsAny(path, `*?\#|@!`) {
		return path
	}
	var b strings.Builder
	b.Grow(len(path) + 4)
	for _, r := range path {
		switch r {
		case '*', '?', '\\', '#', '|', '@', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
