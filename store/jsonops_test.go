package store

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, doc string, ops ...ContextOp) (map[string]any, []json.RawMessage) {
	t.Helper()
	out, results, err := ApplyContextOps([]byte(doc), ops)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	return m, results
}

func TestApplySetAndGet(t *testing.T) {
	m, results := apply(t, "",
		ContextOp{Verb: VerbSet, Path: "order.id", Value: json.RawMessage(`"o-1"`)},
		ContextOp{Verb: VerbGet, Path: "order.id"},
		ContextOp{Verb: VerbGet, Path: "order.missing"},
	)
	require.Equal(t, "o-1", m["order"].(map[string]any)["id"])
	require.Nil(t, results[0])
	require.JSONEq(t, `"o-1"`, string(results[1]))
	require.JSONEq(t, `null`, string(results[2]))
}

func TestApplySetIfNotExists(t *testing.T) {
	m, _ := apply(t, `{"a":1}`,
		ContextOp{Verb: VerbSetIfNotExists, Path: "a", Value: json.RawMessage(`2`)},
		ContextOp{Verb: VerbSetIfNotExists, Path: "b", Value: json.RawMessage(`3`)},
	)
	require.Equal(t, float64(1), m["a"])
	require.Equal(t, float64(3), m["b"])
}

func TestApplyMergeIsShallow(t *testing.T) {
	m, _ := apply(t, `{"cfg":{"a":1,"nested":{"x":1}}}`,
		ContextOp{Verb: VerbMerge, Path: "cfg", Value: json.RawMessage(`{"b":2,"nested":{"y":2}}`)},
	)
	cfg := m["cfg"].(map[string]any)
	require.Equal(t, float64(1), cfg["a"])
	require.Equal(t, float64(2), cfg["b"])
	// Shallow merge replaces nested objects wholesale.
	nested := cfg["nested"].(map[string]any)
	require.Equal(t, float64(2), nested["y"])
	_, hasX := nested["x"]
	require.False(t, hasX)
}

func TestApplyArrayVerbs(t *testing.T) {
	m, _ := apply(t, "",
		ContextOp{Verb: VerbAppend, Path: "items", Value: json.RawMessage(`"b"`)},
		ContextOp{Verb: VerbAppend, Path: "items", Value: json.RawMessage(`"c"`)},
		ContextOp{Verb: VerbPrepend, Path: "items", Value: json.RawMessage(`"a"`)},
		ContextOp{Verb: VerbRemove, Path: "items", Value: json.RawMessage(`1`)},
	)
	require.Equal(t, []any{"a", "c"}, m["items"])
}

func TestApplyRemoveOutOfRangeIsNoop(t *testing.T) {
	m, _ := apply(t, `{"items":["a"]}`,
		ContextOp{Verb: VerbRemove, Path: "items", Value: json.RawMessage(`5`)},
	)
	require.Equal(t, []any{"a"}, m["items"])
}

func TestApplyIncrementReturnsNewValue(t *testing.T) {
	m, results := apply(t, `{"n":2}`,
		ContextOp{Verb: VerbIncrement, Path: "n", Value: json.RawMessage(`3`)},
		ContextOp{Verb: VerbIncrement, Path: "fresh", Value: json.RawMessage(`1.5`)},
	)
	require.Equal(t, float64(5), m["n"])
	require.JSONEq(t, `5`, string(results[0]))
	require.JSONEq(t, `1.5`, string(results[1]))
}

func TestApplyToggle(t *testing.T) {
	m, _ := apply(t, "",
		ContextOp{Verb: VerbToggle, Path: "flag"},
	)
	require.Equal(t, true, m["flag"])
	m, _ = apply(t, `{"flag":true}`,
		ContextOp{Verb: VerbToggle, Path: "flag"},
	)
	require.Equal(t, false, m["flag"])
}

func TestApplyDelete(t *testing.T) {
	m, _ := apply(t, `{"a":1,"b":{"c":2,"d":3}}`,
		ContextOp{Verb: VerbDelete, Path: "b.c"},
	)
	require.Equal(t, float64(1), m["a"])
	b := m["b"].(map[string]any)
	_, ok := b["c"]
	require.False(t, ok)
	require.Equal(t, float64(3), b["d"])
}

func TestApplyRejectsUnknownVerb(t *testing.T) {
	_, _, err := ApplyContextOps(nil, []ContextOp{{Verb: "explode", Path: "a"}})
	require.Error(t, err)
}

func TestApplyRejectsNonObjectDocument(t *testing.T) {
	_, _, err := ApplyContextOps([]byte(`[1,2]`), []ContextOp{{Verb: VerbGet, Path: "a"}})
	require.Error(t, err)
}

func TestEncodeMarker(t *testing.T) {
	require.Equal(t, "[null,5]", EncodeMarker([]json.RawMessage{nil, json.RawMessage(`5`)}))
	require.Equal(t, "[]", EncodeMarker([]json.RawMessage{}))
}

func TestIncrementAccumulationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("n increments of v total n*v", prop.ForAll(
		func(n int, v int) bool {
			doc := []byte(nil)
			for i := 0; i < n; i++ {
				raw, _ := json.Marshal(v)
				next, _, err := ApplyContextOps(doc, []ContextOp{
					{Verb: VerbIncrement, Path: "total", Value: raw},
				})
				if err != nil {
					return false
				}
				doc = next
			}
			var m map[string]any
			if err := json.Unmarshal(doc, &m); err != nil {
				return false
			}
			return m["total"] == float64(n*v)
		},
		gen.IntRange(1, 20), gen.IntRange(-100, 100),
	))

	properties.TestingRun(t)
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"-*-*", "-proxy-1-", true},
		{"-*-*", "status", false},
		{"-*-*", "-entity-2.0-", true},
		{"-*,0-*", "-proxy,0-1-", true},
		{"-*,0-*", "-proxy-1-", false},
		{"*", "anything", true},
		{"?", "a", true},
		{"?", "", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"**a", "a", true},
	}
	for _, c := range cases {
		require.Equal(t, c.want, MatchPattern(c.pattern, c.name), "pattern %q name %q", c.pattern, c.name)
	}
}
