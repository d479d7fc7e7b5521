package graph

import (
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrapNode(t *testing.T) {
	node := dbtype.Node{
		ElementId: "4:abc:1",
		Labels:    []string{"Entity", "Function"},
		Props:     map[string]any{"id": "sym_foo", "line": int64(12)},
	}
	out := unwrapValue(node).(map[string]any)

	assert.Equal(t, "4:abc:1", out["id"])
	assert.Equal(t, []string{"Entity", "Function"}, out["labels"])
	props := out["properties"].(map[string]any)
	assert.Equal(t, "sym_foo", props["id"])
	assert.Equal(t, int64(12), props["line"])
}

func TestUnwrapRelationship(t *testing.T) {
	rel := dbtype.Relationship{
		ElementId:      "5:abc:9",
		StartElementId: "4:abc:1",
		EndElementId:   "4:abc:2",
		Type:           "CALLS",
		Props:          map[string]any{"confidence": 0.8},
	}
	out := unwrapValue(rel).(map[string]any)
	assert.Equal(t, "CALLS", out["type"])
	assert.Equal(t, "4:abc:1", out["start"])
	assert.Equal(t, 0.8, out["properties"].(map[string]any)["confidence"])
}

func TestUnwrapPath(t *testing.T) {
	path := dbtype.Path{
		Nodes: []dbtype.Node{
			{ElementId: "n1", Labels: []string{"Entity"}},
			{ElementId: "n2", Labels: []string{"Entity"}},
		},
		Relationships: []dbtype.Relationship{
			{ElementId: "r1", Type: "CALLS"},
		},
	}
	out := unwrapValue(path).(map[string]any)
	require.Len(t, out["nodes"], 2)
	require.Len(t, out["relationships"], 1)
}

func TestUnwrapTemporalToUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := time.Date(2026, 3, 1, 9, 30, 0, 0, loc)

	out := unwrapValue(local)
	ts, ok := out.(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.UTC, ts.Location())
	assert.True(t, ts.Equal(local))
}

func TestUnwrapNestedCollections(t *testing.T) {
	in := []any{
		map[string]any{"n": dbtype.Node{ElementId: "n1"}},
		int64(7),
	}
	out := unwrapValue(in).([]any)
	nested := out[0].(map[string]any)["n"].(map[string]any)
	assert.Equal(t, "n1", nested["id"])
	assert.Equal(t, int64(7), out[1])
}

func TestIdentifierValidation(t *testing.T) {
	assert.NoError(t, validIdentifier("entity_embeddings"))
	assert.NoError(t, validIdentifier("Entity"))
	assert.Error(t, validIdentifier("bad-name"))
	assert.Error(t, validIdentifier("drop index; //"))
	assert.Error(t, validIdentifier(""))
}

func TestRedaction(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a'
	}
	q := Query{Text: string(long), Params: map[string]any{"secret": "hunter2", "id": "x"}}

	assert.Len(t, redactQuery(q), maxRedactedQueryLen+3)
	keys := redactParams(q.Params)
	assert.ElementsMatch(t, []string{"secret", "id"}, keys)
}
