package graph

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// unwrapRecord flattens one driver record into a plain Record.
func unwrapRecord(rec *neo4j.Record) Record {
	out := make(Record, len(rec.Keys))
	for i, key := range rec.Keys {
		out[key] = unwrapValue(rec.Values[i])
	}
	return out
}

// unwrapValue converts driver-native values into plain Go values: nodes and
// relationships become maps with id, labels or type, and properties; paths
// become node/relationship lists; temporal values become UTC time.Time;
// integers are already 64-bit from the driver.
func unwrapValue(v any) any {
	switch val := v.(type) {
	case dbtype.Node:
		return map[string]any{
			"id":         val.ElementId,
			"labels":     val.Labels,
			"properties": unwrapMap(val.Props),
		}
	case dbtype.Relationship:
		return map[string]any{
			"id":         val.ElementId,
			"type":       val.Type,
			"start":      val.StartElementId,
			"end":        val.EndElementId,
			"properties": unwrapMap(val.Props),
		}
	case dbtype.Path:
		nodes := make([]any, len(val.Nodes))
		for i, n := range val.Nodes {
			nodes[i] = unwrapValue(n)
		}
		rels := make([]any, len(val.Relationships))
		for i, r := range val.Relationships {
			rels[i] = unwrapValue(r)
		}
		return map[string]any{"nodes": nodes, "relationships": rels}
	case dbtype.Date:
		return val.Time().UTC()
	case dbtype.LocalDateTime:
		return val.Time().UTC()
	case dbtype.LocalTime:
		return val.Time().UTC()
	case time.Time:
		return val.UTC()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = unwrapValue(item)
		}
		return out
	case map[string]any:
		return unwrapMap(val)
	default:
		return v
	}
}

func unwrapMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = unwrapValue(v)
	}
	return out
}
